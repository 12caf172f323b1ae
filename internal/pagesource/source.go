// Package pagesource abstracts where listing pages come from. The
// crawl loop only needs index-aligned date texts and URLs per page;
// sources decide how to produce them.
package pagesource

import (
	"context"
	"time"
)

// Listing is one listing as observed on a result page.
type Listing struct {
	DateText string `json:"posted_text"`
	URL      string `json:"url"`
}

// Page is one page of search results for a city.
type Page struct {
	Number   int       `json:"page"`
	Listings []Listing `json:"listings"`
	// HasMore reports whether the source expects another page to exist.
	HasMore bool `json:"has_more"`
}

// FetchMeta provides request-level telemetry for a single page fetch.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
	Attempts   int
}

// Source produces listing pages for a city, one page at a time.
type Source interface {
	FetchPage(ctx context.Context, city string, page int, pageSize int) (Page, FetchMeta, error)
}

// Texts splits a page into the index-aligned slices the coordinator
// consumes.
func (p Page) Texts() ([]string, []string) {
	texts := make([]string, len(p.Listings))
	urls := make([]string, len(p.Listings))
	for i, l := range p.Listings {
		texts[i] = l.DateText
		urls[i] = l.URL
	}
	return texts, urls
}
