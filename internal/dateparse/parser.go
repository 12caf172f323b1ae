// Package dateparse converts free-text posting-date phrases into
// absolute timestamps anchored to a caller-supplied reference time.
package dateparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tfaulkner/listing-crawler/internal/listing"
)

// Per-kind confidence scores. Explicit relative phrases are near-certain;
// numeric absolute dates score lower because day/month order is
// locale-dependent.
const (
	confidenceRelative   = 1.0
	confidenceToday      = 0.95
	confidenceYesterday  = 0.95
	confidenceMonthsAgo  = 0.9
	confidenceAbsolute   = 0.7
	confidenceNamedMonth = 0.8
)

// Two-digit years below the pivot resolve to the 2000s, the rest to the 1900s.
const twoDigitYearPivot = 50

var (
	reHoursAgo  = regexp.MustCompile(`(?i)\b(?:(\d+)|an?)\s*(?:hour|hr)s?\s+ago\b`)
	reDaysAgo   = regexp.MustCompile(`(?i)\b(?:(\d+)|a)\s*days?\s+ago\b`)
	reWeeksAgo  = regexp.MustCompile(`(?i)\b(?:(\d+)|a)\s*(?:week|wk)s?\s+ago\b`)
	reToday     = regexp.MustCompile(`(?i)\btoday\b`)
	reYesterday = regexp.MustCompile(`(?i)\byesterday\b`)
	reMonthsAgo = regexp.MustCompile(`(?i)\b(?:(\d+)|a)\s*months?\s+ago\b`)
	reAbsolute  = regexp.MustCompile(`\b(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})\b`)
	// "15 Jan 2024", "15 January 24", "Jan 15, 2024"
	reNamedDayFirst   = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+([a-z]{3,9})\.?\s+(\d{2,4})\b`)
	reNamedMonthFirst = regexp.MustCompile(`(?i)\b([a-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{2,4})\b`)
)

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Parser matches posting-date phrases against a fixed priority order of
// patterns, most reliable first. It holds no mutable state and is safe
// for concurrent use across runs.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse attempts to resolve text into an absolute timestamp anchored to
// referenceNow. It never fails: unmatched or empty input yields a result
// with Succeeded=false and Kind=PatternNone. The first matching pattern
// wins; later patterns are not consulted.
func (p *Parser) Parse(text string, referenceNow time.Time) listing.DateParseResult {
	result := listing.DateParseResult{RawText: text, Kind: listing.PatternNone}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return result
	}

	if m := reHoursAgo.FindStringSubmatch(trimmed); m != nil {
		n := matchCount(m[1])
		return resolved(result, listing.PatternHoursAgo, n,
			referenceNow.Add(-time.Duration(n)*time.Hour), confidenceRelative)
	}
	if m := reDaysAgo.FindStringSubmatch(trimmed); m != nil {
		n := matchCount(m[1])
		return resolved(result, listing.PatternDaysAgo, n,
			referenceNow.Add(-time.Duration(n)*24*time.Hour), confidenceRelative)
	}
	if m := reWeeksAgo.FindStringSubmatch(trimmed); m != nil {
		n := matchCount(m[1])
		return resolved(result, listing.PatternWeeksAgo, n,
			referenceNow.Add(-time.Duration(n)*7*24*time.Hour), confidenceRelative)
	}
	if reToday.MatchString(trimmed) {
		return resolved(result, listing.PatternToday, 0, midday(referenceNow), confidenceToday)
	}
	if reYesterday.MatchString(trimmed) {
		return resolved(result, listing.PatternYesterday, 0,
			midday(referenceNow.AddDate(0, 0, -1)), confidenceYesterday)
	}
	if m := reMonthsAgo.FindStringSubmatch(trimmed); m != nil {
		n := matchCount(m[1])
		return resolved(result, listing.PatternMonthsAgo, n,
			referenceNow.AddDate(0, -n, 0), confidenceMonthsAgo)
	}
	if m := reAbsolute.FindStringSubmatch(trimmed); m != nil {
		if ts, ok := resolveNumericDate(m[1], m[2], m[3], referenceNow.Location()); ok {
			return resolved(result, listing.PatternAbsoluteDayMonthYear, 0, ts, confidenceAbsolute)
		}
	}
	if ts, ok := resolveNamedMonth(trimmed, referenceNow.Location()); ok {
		return resolved(result, listing.PatternAbsoluteNamedMonth, 0, ts, confidenceNamedMonth)
	}
	return result
}

// ParseMany parses each text independently, preserving order, one result
// per input.
func (p *Parser) ParseMany(texts []string, referenceNow time.Time) []listing.DateParseResult {
	results := make([]listing.DateParseResult, len(texts))
	for i, text := range texts {
		results[i] = p.Parse(text, referenceNow)
	}
	return results
}

// Stats summarizes a batch of parse results into an explicit statistics
// value the caller owns; the parser itself keeps no counters.
func Stats(results []listing.DateParseResult) listing.ParsingStatistics {
	stats := listing.ParsingStatistics{ByKind: make(map[listing.PatternKind]int)}
	for _, r := range results {
		stats.Attempts++
		if r.Succeeded {
			stats.Successes++
			stats.ByKind[r.Kind]++
		} else {
			stats.Failures++
		}
	}
	return stats
}

func resolved(base listing.DateParseResult, kind listing.PatternKind, n int, ts time.Time, confidence float64) listing.DateParseResult {
	base.Kind = kind
	base.NumericValue = n
	base.ResolvedAt = &ts
	base.Confidence = confidence
	base.Succeeded = true
	return base
}

// matchCount handles the "an hour ago" / "a day ago" article form where
// no digits were captured.
func matchCount(digits string) int {
	if digits == "" {
		return 1
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 1
	}
	return n
}

// midday pins today/yesterday to 12:00 of the calendar day so a
// multi-hour run does not flip the classification of the same phrase.
func midday(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, t.Location())
}

// resolveNumericDate reads a D/M/Y date, expanding 2-digit years at the
// pivot. If the literal order fails range validation (e.g. "13/05" read
// as month 13) it retries with day and month swapped before giving up.
func resolveNumericDate(dayStr, monthStr, yearStr string, loc *time.Location) (time.Time, bool) {
	day, err1 := strconv.Atoi(dayStr)
	month, err2 := strconv.Atoi(monthStr)
	year, err3 := strconv.Atoi(yearStr)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	year = expandYear(year)
	if ts, ok := calendarDate(year, month, day, loc); ok {
		return ts, true
	}
	return calendarDate(year, day, month, loc)
}

func expandYear(year int) int {
	switch {
	case year < twoDigitYearPivot:
		return 2000 + year
	case year < 100:
		return 1900 + year
	default:
		return year
	}
}

// calendarDate builds a midday timestamp, rejecting out-of-range
// combinations (time.Date would silently normalize them instead).
func calendarDate(year, month, day int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	ts := time.Date(year, time.Month(month), day, 12, 0, 0, 0, loc)
	if ts.Day() != day || ts.Month() != time.Month(month) || ts.Year() != year {
		return time.Time{}, false
	}
	return ts, true
}

func resolveNamedMonth(text string, loc *time.Location) (time.Time, bool) {
	if m := reNamedDayFirst.FindStringSubmatch(text); m != nil {
		if ts, ok := namedDate(m[2], m[1], m[3], loc); ok {
			return ts, true
		}
	}
	if m := reNamedMonthFirst.FindStringSubmatch(text); m != nil {
		if ts, ok := namedDate(m[1], m[2], m[3], loc); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func namedDate(monthName, dayStr, yearStr string, loc *time.Location) (time.Time, bool) {
	month, ok := monthFromName(monthName)
	if !ok {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(dayStr)
	year, err2 := strconv.Atoi(yearStr)
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	return calendarDate(expandYear(year), int(month), day, loc)
}

func monthFromName(name string) (time.Month, bool) {
	lower := strings.ToLower(name)
	if len(lower) < 3 {
		return 0, false
	}
	month, ok := monthsByPrefix[lower[:3]]
	if !ok {
		return 0, false
	}
	// Reject words that merely start with a month prefix ("mayhem").
	full := strings.ToLower(month.String())
	if !strings.HasPrefix(full, lower) && lower != "sept" {
		return 0, false
	}
	return month, true
}
