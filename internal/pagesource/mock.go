package pagesource

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// MockSource produces synthetic listing pages for demos and tests. It
// is deterministic for a given seed and makes no network calls. Each
// city gets a fixed number of pages; listings age as the page number
// grows so incremental runs have something to stop on.
type MockSource struct {
	baseURL    string
	seed       int64
	totalPages int
}

// MockSourceOptions configures the synthetic source.
type MockSourceOptions struct {
	// BaseURL is only used to synthesize listing URLs; safe to point at
	// an .invalid domain.
	BaseURL string
	// Seed fixes the pseudo-random stream; 0 uses the current time.
	Seed int64
	// TotalPages caps how many pages each city yields. Defaults to 10.
	TotalPages int
}

// NewMockSource builds a MockSource.
func NewMockSource(opts MockSourceOptions) *MockSource {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "https://example-listings.invalid"
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	total := opts.TotalPages
	if total <= 0 {
		total = 10
	}
	return &MockSource{
		baseURL:    strings.TrimRight(base, "/"),
		seed:       seed,
		totalPages: total,
	}
}

// FetchPage synthesizes one page of listings. Earlier pages carry
// recent date phrases; later pages drift into days and weeks so the
// stale fraction climbs the deeper a run goes.
func (m *MockSource) FetchPage(ctx context.Context, city string, page int, pageSize int) (Page, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return Page{}, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}

	if city == "" {
		return Page{}, FetchMeta{Latency: time.Since(start)}, fmt.Errorf("city is required")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 12
	}
	if page > m.totalPages {
		return Page{Number: page, HasMore: false}, FetchMeta{StatusCode: 200, Latency: time.Since(start), Attempts: 1}, nil
	}

	h := fnv64(strings.ToLower(city) + "|" + fmt.Sprint(page))
	r := rand.New(rand.NewSource(int64(h) ^ m.seed))

	listings := make([]Listing, 0, pageSize)
	for i := 0; i < pageSize; i++ {
		id := fmt.Sprintf("%s-%d%04d", strings.ToLower(city), page, i+1)
		listings = append(listings, Listing{
			DateText: m.dateText(r, page),
			URL:      m.baseURL + "/" + url.PathEscape(strings.ToLower(city)) + "/listings/" + url.PathEscape(id),
		})
	}
	return Page{
			Number:   page,
			Listings: listings,
			HasMore:  page < m.totalPages,
		}, FetchMeta{
			StatusCode: 200,
			Latency:    time.Since(start),
			Attempts:   1,
		}, nil
}

// dateText ages listings with page depth: page 1 is hours old, later
// pages are days to weeks old.
func (m *MockSource) dateText(r *rand.Rand, page int) string {
	switch {
	case page <= 1:
		if r.Intn(4) == 0 {
			return "Today"
		}
		return fmt.Sprintf("%d hours ago", 1+r.Intn(12))
	case page <= 3:
		if r.Intn(4) == 0 {
			return "Yesterday"
		}
		return fmt.Sprintf("%d days ago", 1+r.Intn(6))
	default:
		return fmt.Sprintf("%d weeks ago", 1+r.Intn(4)*(page/2))
	}
}

// fnv64 returns a deterministic 64-bit hash for mock data.
func fnv64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
