package pagesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newHTTPSource(t *testing.T, baseURL string, retries int) *HTTPSource {
	t.Helper()
	src, err := NewHTTPSource(HTTPSourceOptions{
		BaseURL:     baseURL,
		UserAgent:   "listing-crawler-test",
		Timeout:     2 * time.Second,
		MaxRetries:  retries,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPSource() error = %v", err)
	}
	return src
}

func TestHTTPSourceFetchesWrappedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cities/haarlem/listings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("expected page=2, got %q", got)
		}
		if got := r.URL.Query().Get("page_size"); got != "25" {
			t.Errorf("expected page_size=25, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "listing-crawler-test" {
			t.Errorf("unexpected user agent %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"page": 2,
			"listings": [
				{"posted_text": "2 hours ago", "url": "HTTPS://Example.com/Listings/1#photos"},
				{"posted_text": "Today", "url": "https://example.com/listings/2"},
				{"posted_text": "ignored", "url": ""}
			],
			"has_more": true
		}`))
	}))
	defer srv.Close()

	src := newHTTPSource(t, srv.URL, 0)
	page, meta, err := src.FetchPage(context.Background(), "Haarlem", 2, 25)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if meta.StatusCode != http.StatusOK || meta.Attempts != 1 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if page.Number != 2 || !page.HasMore {
		t.Fatalf("unexpected page header %+v", page)
	}
	if len(page.Listings) != 2 {
		t.Fatalf("expected 2 listings after dropping the blank url, got %d", len(page.Listings))
	}
	if page.Listings[0].URL != "https://example.com/Listings/1" {
		t.Fatalf("expected normalized url, got %q", page.Listings[0].URL)
	}
}

func TestHTTPSourceAcceptsBareArray(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"posted_text": "3 days ago", "url": "https://example.com/listings/9"}]`))
	}))
	defer srv.Close()

	src := newHTTPSource(t, srv.URL, 0)
	page, _, err := src.FetchPage(context.Background(), "gouda", 1, 10)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.Number != 1 || len(page.Listings) != 1 || !page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHTTPSourceRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"page": 1, "listings": [], "has_more": false}`))
	}))
	defer srv.Close()

	src := newHTTPSource(t, srv.URL, 3)
	_, meta, err := src.FetchPage(context.Background(), "haarlem", 1, 10)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if meta.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", meta.Attempts)
	}
}

func TestHTTPSourceDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := newHTTPSource(t, srv.URL, 3)
	_, meta, err := src.FetchPage(context.Background(), "haarlem", 1, 10)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if meta.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 in meta, got %d", meta.StatusCode)
	}
}

func TestHTTPSourceRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPSource(HTTPSourceOptions{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
