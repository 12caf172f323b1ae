// Package progress reports crawl run milestones. The coordinator emits
// one Event per lifecycle change and per evaluated page; the Hub
// batches them off the crawl path and fans them out to sinks (logs,
// Prometheus). Run completions and failures flush immediately, page
// events ride a short batching timer.
package progress
