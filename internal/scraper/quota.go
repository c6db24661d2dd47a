package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rentradar/rentradar/internal/metrics"
)

// QuotaGovernor bounds total requests for the run and pages fetched per
// query, and owns the randomized inter-request pacing delay. It is mutated
// only by the single pipeline worker, so it carries no locking.
type QuotaGovernor struct {
	maxRequests   int
	pagesPerQuery int
	delayMin      time.Duration
	delayMax      time.Duration
	rng           *rand.Rand

	used  int
	pages map[string]int
}

// NewQuotaGovernor builds a governor with the given ceilings and pacing
// bounds.
func NewQuotaGovernor(maxRequests, pagesPerQuery int, delayMin, delayMax time.Duration) *QuotaGovernor {
	return &QuotaGovernor{
		maxRequests:   maxRequests,
		pagesPerQuery: pagesPerQuery,
		delayMin:      delayMin,
		delayMax:      delayMax,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		pages:         make(map[string]int),
	}
}

// TryAcquire grants one request permit or returns ErrQuotaExceeded once the
// per-run ceiling is reached. Every permitted request beyond the first blocks
// for a delay drawn uniformly from [delayMin, delayMax]; the wait honors ctx.
func (g *QuotaGovernor) TryAcquire(ctx context.Context) error {
	if g.used >= g.maxRequests {
		return ErrQuotaExceeded
	}
	if g.used > 0 {
		if err := g.pace(ctx); err != nil {
			return err
		}
	}
	g.used++
	return nil
}

// AllowPage permits one more search page for the query, up to the per-query
// ceiling. The two counters are independent: page permits never consume
// request budget.
func (g *QuotaGovernor) AllowPage(query string) bool {
	if g.pages[query] >= g.pagesPerQuery {
		return false
	}
	g.pages[query]++
	return true
}

// Used reports how many request permits have been granted.
func (g *QuotaGovernor) Used() int { return g.used }

func (g *QuotaGovernor) pace(ctx context.Context) error {
	delay := g.delayMin
	if span := g.delayMax - g.delayMin; span > 0 {
		delay += time.Duration(g.rng.Int63n(int64(span) + 1))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing interrupted: %w", ctx.Err())
	case <-timer.C:
		metrics.ObservePacingDelay(delay)
		return nil
	}
}
