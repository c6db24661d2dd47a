package scraper

import (
	"fmt"
	"time"
)

// RunMetrics accumulates per-run counters. The pipeline is single-threaded so
// no locking is needed; the struct is run-scoped and discarded after the
// summary is written.
type RunMetrics struct {
	Listings   int
	Complete   int
	Failed     int
	Duplicates int
	Requests   int
	Delivered  int
	Buffered   int

	fetchTotal time.Duration
	fetchCount int
}

// RecordFetch folds one successful page fetch into the latency average.
func (m *RunMetrics) RecordFetch(elapsed time.Duration) {
	m.fetchTotal += elapsed
	m.fetchCount++
}

// AvgFetchMillis returns the mean successful fetch latency in milliseconds,
// or 0 when nothing was fetched.
func (m *RunMetrics) AvgFetchMillis() int64 {
	if m.fetchCount == 0 {
		return 0
	}
	return (m.fetchTotal / time.Duration(m.fetchCount)).Milliseconds()
}

// CompletionRate returns completed over discovered, or 0 when nothing was
// discovered.
func (m *RunMetrics) CompletionRate() float64 {
	if m.Listings == 0 {
		return 0
	}
	return float64(m.Complete) / float64(m.Listings)
}

// Summary renders the fixed-format terminal line. The line is emitted exactly
// once per run, whatever the outcome, so operators can grep for it.
func (m *RunMetrics) Summary() string {
	return fmt.Sprintf("RUN_COMPLETE listings=%d complete=%d failed=%d avg_ms=%d",
		m.Listings, m.Complete, m.Failed, m.AvgFetchMillis())
}
