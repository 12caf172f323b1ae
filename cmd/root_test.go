package cmd

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/config"
)

// mockApp records which application entry points the commands hit.
type mockApp struct {
	cfg config.Config

	ranServe    bool
	crawled     [][]string
	crawledMode string
	closed      bool

	crawlErr error
}

func (m *mockApp) Run(context.Context) error { m.ranServe = true; return nil }

func (m *mockApp) CrawlOnce(_ context.Context, cities []string, modeName string) error {
	m.crawled = append(m.crawled, cities)
	m.crawledMode = modeName
	return m.crawlErr
}

func (m *mockApp) Config() *config.Config     { return &m.cfg }
func (m *mockApp) Logger() *zap.Logger        { return zap.NewNop() }
func (m *mockApp) Close(context.Context) error { m.closed = true; return nil }

func withMockApp(t *testing.T, mock *mockApp) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context) (App, error) { return mock, nil }
	t.Cleanup(func() {
		newApp = orig
		crawlCities = nil
		crawlMode = ""
		crawlRepeat = false
	})
}

func executeCommand(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func TestServeCommandRunsApp(t *testing.T) {
	mock := &mockApp{}
	withMockApp(t, mock)

	if err := executeCommand("serve"); err != nil {
		t.Fatalf("serve error = %v", err)
	}
	if !mock.ranServe {
		t.Fatal("expected serve to run the app")
	}
	if !mock.closed {
		t.Fatal("expected app to be closed after the command")
	}
}

func TestCrawlCommandUsesConfiguredCities(t *testing.T) {
	mock := &mockApp{}
	mock.cfg.Crawler.Cities = []string{"haarlem", "gouda"}
	withMockApp(t, mock)

	if err := executeCommand("crawl"); err != nil {
		t.Fatalf("crawl error = %v", err)
	}
	if len(mock.crawled) != 1 || len(mock.crawled[0]) != 2 {
		t.Fatalf("unexpected crawl batches %+v", mock.crawled)
	}
}

func TestCrawlCommandFlagOverrides(t *testing.T) {
	mock := &mockApp{}
	mock.cfg.Crawler.Cities = []string{"haarlem"}
	withMockApp(t, mock)

	if err := executeCommand("crawl", "--city", "leiden", "--mode", "conservative"); err != nil {
		t.Fatalf("crawl error = %v", err)
	}
	if len(mock.crawled) != 1 || mock.crawled[0][0] != "leiden" {
		t.Fatalf("expected flag city, got %+v", mock.crawled)
	}
	if mock.crawledMode != "conservative" {
		t.Fatalf("expected conservative mode, got %q", mock.crawledMode)
	}
}

func TestCrawlCommandRequiresCities(t *testing.T) {
	mock := &mockApp{}
	withMockApp(t, mock)

	if err := executeCommand("crawl"); err == nil {
		t.Fatal("expected error when no cities configured")
	}
}

func TestCrawlCommandPropagatesError(t *testing.T) {
	mock := &mockApp{crawlErr: errors.New("source unreachable")}
	mock.cfg.Crawler.Cities = []string{"haarlem"}
	withMockApp(t, mock)

	if err := executeCommand("crawl"); err == nil {
		t.Fatal("expected crawl failure to surface")
	}
}
