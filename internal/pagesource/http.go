package pagesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/ratelimit"
)

// HTTPSource reads listing pages from a JSON API.
//
// Expected endpoint:
//
//	GET {base}/api/cities/{city}/listings?page=...&page_size=...
//	  -> {"page":1,"listings":[{"posted_text":"...","url":"..."}],"has_more":true}
//	  or a bare listings array.
type HTTPSource struct {
	baseURL     string
	client      *http.Client
	userAgent   string
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RequestsPerSecond paces fetches per host; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// NewHTTPSource builds an HTTPSource, validating the base URL.
func NewHTTPSource(opts HTTPSourceOptions) (*HTTPSource, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "listing-crawler/0.1"
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		baseURL:     strings.TrimRight(base, "/"),
		client:      &http.Client{Timeout: timeout},
		userAgent:   ua,
		maxRetries:  opts.MaxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		limiter:     ratelimit.New(ratelimit.Config{RPS: opts.RequestsPerSecond, Burst: opts.Burst}),
		logger:      logger,
	}, nil
}

type pagePayload struct {
	Page     int       `json:"page"`
	Listings []Listing `json:"listings"`
	HasMore  bool      `json:"has_more"`
}

// FetchPage fetches one page, retrying transient failures with
// exponential backoff.
func (s *HTTPSource) FetchPage(ctx context.Context, city string, page int, pageSize int) (Page, FetchMeta, error) {
	start := time.Now()
	if strings.TrimSpace(city) == "" {
		return Page{}, FetchMeta{Latency: time.Since(start)}, errors.New("city is required")
	}
	if page <= 0 {
		page = 1
	}

	u, err := url.Parse(s.baseURL + "/api/cities/" + url.PathEscape(strings.ToLower(city)) + "/listings")
	if err != nil {
		return Page{}, FetchMeta{Latency: time.Since(start)}, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	u.RawQuery = q.Encode()

	var body []byte
	var status int
	attempts := 0
	for {
		attempts++
		if err = s.limiter.WaitURL(ctx, u.String()); err != nil {
			return Page{}, FetchMeta{Latency: time.Since(start), Attempts: attempts}, err
		}
		body, status, err = s.doGET(ctx, u.String())
		if err == nil {
			break
		}
		if !s.shouldRetry(err, status, attempts) {
			return Page{}, FetchMeta{StatusCode: status, Latency: time.Since(start), Attempts: attempts}, err
		}
		wait := s.backoff(attempts)
		s.logger.Warn("page fetch failed, retrying",
			zap.String("city", city),
			zap.Int("page", page),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Page{}, FetchMeta{StatusCode: status, Latency: time.Since(start), Attempts: attempts}, ctx.Err()
		case <-time.After(wait):
		}
	}
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start), Attempts: attempts}

	result, err := decodePage(body, page)
	if err != nil {
		return Page{}, meta, err
	}
	result.Listings = normalizeListings(result.Listings)
	return result, meta, nil
}

func decodePage(body []byte, page int) (Page, error) {
	var wrapped pagePayload
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Listings != nil {
		number := wrapped.Page
		if number == 0 {
			number = page
		}
		return Page{Number: number, Listings: wrapped.Listings, HasMore: wrapped.HasMore}, nil
	}
	var arr []Listing
	if err := json.Unmarshal(body, &arr); err != nil {
		return Page{}, fmt.Errorf("page payload parse: %w", err)
	}
	return Page{Number: page, Listings: arr, HasMore: len(arr) > 0}, nil
}

// normalizeListings trims fields, canonicalizes URLs, and drops
// entries without one.
func normalizeListings(in []Listing) []Listing {
	out := make([]Listing, 0, len(in))
	for _, l := range in {
		l.DateText = strings.TrimSpace(l.DateText)
		l.URL = strings.TrimSpace(l.URL)
		if l.URL == "" {
			continue
		}
		if canonical, err := NormalizeURL(l.URL); err == nil {
			l.URL = canonical
		}
		out = append(out, l)
	}
	return out
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.status)
}

func (s *HTTPSource) doGET(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		return nil, status, &httpStatusError{status: status}
	}
	return b, status, nil
}

// shouldRetry decides whether another attempt is worth making. Client
// errors other than 429 are final; timeouts and 5xx are not.
func (s *HTTPSource) shouldRetry(err error, status int, attempts int) bool {
	if attempts > s.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return status == http.StatusTooManyRequests || status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

func (s *HTTPSource) backoff(attempt int) time.Duration {
	delay := float64(s.baseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.maxBackoff) {
		delay = float64(s.maxBackoff)
	}
	return time.Duration(delay)
}
