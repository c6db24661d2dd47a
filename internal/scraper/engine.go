package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/metrics"
)

// RunState is the engine's lifecycle phase.
type RunState string

const (
	StateInit           RunState = "init"
	StateCrawlingSearch RunState = "crawling_search"
	StateFetchingDetail RunState = "fetching_detail"
	StateDone           RunState = "done"
)

// Fetcher fetches one URL through the fallback ladder.
type Fetcher interface {
	Fetch(ctx context.Context, url, marker string) (Page, error)
}

// Sink places one validated record with the emitter.
type Sink interface {
	Emit(ctx context.Context, rec ValidatedRecord) (DeliveryResult, error)
}

// EngineConfig carries the run-level knobs the engine needs beyond its
// collaborators.
type EngineConfig struct {
	SiteHost       string
	Queries        []string
	PagesPerQuery  int
	SearchMarker   string
	DetailMarker   string
	SearchSelector string
	Source         string
	RunID          string
}

// Engine drives one scrape run through its phases: crawl the search pages,
// fetch each discovered detail page, validate, then emit. The pipeline is a
// single worker by design; politeness on a hostile target beats throughput.
type Engine struct {
	cfg     EngineConfig
	fetcher Fetcher
	quota   *QuotaGovernor
	sink    Sink
	deduper *Deduper
	archive Archiver
	visited *lru.Cache[string, struct{}]
	logger  *zap.Logger
	out     io.Writer

	mu    sync.Mutex
	state RunState
	prog  Progress
}

// Progress is a point-in-time view of the run for the status endpoint.
type Progress struct {
	State    RunState
	Listings int
	Complete int
	Failed   int
	Requests int
}

// visitedCacheSize bounds the cross-query URL cache. A run touches at most a
// few hundred listings, so evictions never happen in practice.
const visitedCacheSize = 4096

// NewEngine wires an Engine. archive may be nil when no database is
// configured; out receives the single summary line.
func NewEngine(cfg EngineConfig, fetcher Fetcher, quota *QuotaGovernor, sink Sink, archive Archiver, logger *zap.Logger, out io.Writer) (*Engine, error) {
	if len(cfg.Queries) == 0 {
		return nil, errors.New("at least one query is required")
	}
	if cfg.SearchSelector == "" {
		cfg.SearchSelector = DefaultSearchResultSelector
	}
	visited, err := lru.New[string, struct{}](visitedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("visited cache: %w", err)
	}
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		quota:   quota,
		sink:    sink,
		deduper: NewDeduper(cfg.Source, cfg.RunID),
		archive: archive,
		visited: visited,
		logger:  logger,
		out:     out,
	}, nil
}

// State reports the engine's current phase.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == "" {
		return StateInit
	}
	return e.state
}

// Progress reports live run counters. Safe to call from the ops server while
// the run is in flight.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.prog
	if p.State == "" {
		p.State = StateInit
	}
	return p
}

func (e *Engine) setState(s RunState) {
	e.mu.Lock()
	e.state = s
	e.prog.State = s
	e.mu.Unlock()
}

func (e *Engine) publish(m *RunMetrics) {
	e.mu.Lock()
	e.prog.Listings = m.Listings
	e.prog.Complete = m.Complete
	e.prog.Failed = m.Failed
	e.prog.Requests = e.quota.Used()
	e.mu.Unlock()
}

// Run executes one complete scrape. Quota exhaustion is a graceful stop, not
// an error: whatever was collected is still validated and emitted, and the
// summary line is written in every case, including failure.
func (e *Engine) Run(ctx context.Context) (m *RunMetrics, err error) {
	m = &RunMetrics{}
	defer func() {
		e.setState(StateDone)
		m.Requests = e.quota.Used()
		e.publish(m)
		metrics.SetQuotaUsed(m.Requests)
		fmt.Fprintln(e.out, m.Summary())
	}()

	e.setState(StateCrawlingSearch)
	refs, crawlErr := e.crawlSearch(ctx, m)
	m.Listings = len(refs)
	e.publish(m)
	if crawlErr != nil && !errors.Is(crawlErr, ErrQuotaExceeded) {
		return m, crawlErr
	}

	e.setState(StateFetchingDetail)
	if detailErr := e.fetchDetails(ctx, m, refs); detailErr != nil && !errors.Is(detailErr, ErrQuotaExceeded) {
		return m, detailErr
	}
	return m, nil
}

// crawlSearch walks every query's search pages and collects detail refs. A
// search page the ladder could not fetch counts as one failed fetch and moves
// crawling to the next query. Returns ErrQuotaExceeded when the budget ran
// out mid-crawl; the refs gathered so far are still valid.
func (e *Engine) crawlSearch(ctx context.Context, m *RunMetrics) ([]ListingRef, error) {
	var refs []ListingRef
	for _, query := range e.cfg.Queries {
		base, err := e.searchURL(query)
		if err != nil {
			e.logger.Warn("Skipping unusable query", zap.String("query", query), zap.Error(err))
			continue
		}
		for pageNum := 1; e.quota.AllowPage(query); pageNum++ {
			pageURL := paginate(base, pageNum)
			page, err := e.fetcher.Fetch(ctx, pageURL, e.cfg.SearchMarker)
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) || ctx.Err() != nil {
					return refs, err
				}
				e.logger.Warn("Search page failed, moving to next query",
					zap.String("url", pageURL), zap.Error(err))
				m.Failed++
				e.publish(m)
				break
			}
			m.RecordFetch(page.Elapsed)

			found, err := ExtractSearchResults(page, e.cfg.SearchSelector)
			if err != nil {
				e.logger.Warn("Search page unparseable", zap.String("url", pageURL), zap.Error(err))
				break
			}
			if len(found) == 0 {
				// Past the last page of results for this query.
				break
			}
			added := 0
			for _, ref := range found {
				key := CanonicalURL(ref.URL)
				if _, dup := e.visited.Get(key); dup {
					continue
				}
				e.visited.Add(key, struct{}{})
				refs = append(refs, ref)
				added++
			}
			e.logger.Info("Search page crawled",
				zap.String("url", pageURL),
				zap.Int("results", len(found)),
				zap.Int("new", added),
			)
		}
	}
	return refs, nil
}

// fetchDetails processes every discovered listing in order. A fetch or
// extraction failure marks the listing failed and moves on; only quota
// exhaustion and context cancellation stop the loop.
func (e *Engine) fetchDetails(ctx context.Context, m *RunMetrics, refs []ListingRef) error {
	for _, ref := range refs {
		page, err := e.fetcher.Fetch(ctx, ref.URL, e.cfg.DetailMarker)
		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) || ctx.Err() != nil {
				// Listings left unfetched are neither complete nor
				// failed; the quota stop is not a fault.
				return err
			}
			e.logger.Warn("Detail fetch failed", zap.String("url", ref.URL), zap.Error(err))
			m.Failed++
			metrics.ObserveListing("failed")
			e.publish(m)
			continue
		}
		m.RecordFetch(page.Elapsed)

		candidate, err := ExtractListing(page)
		if err != nil {
			e.logger.Warn("Extraction found nothing", zap.String("url", ref.URL), zap.Error(err))
			m.Failed++
			metrics.ObserveListing("failed")
			e.publish(m)
			continue
		}
		metrics.ObserveExtraction(string(candidate.RawSource))

		res := e.deduper.Check(candidate)
		switch res.Outcome {
		case OutcomeIncomplete:
			e.logger.Info("Listing incomplete",
				zap.String("url", ref.URL),
				zap.Strings("missing", res.Missing),
			)
			m.Failed++
			metrics.ObserveListing("incomplete")
		case OutcomeDuplicate:
			e.logger.Debug("Duplicate listing suppressed",
				zap.String("url", ref.URL),
				zap.String("key", res.Key),
			)
			m.Duplicates++
			metrics.ObserveListing("duplicate")
		case OutcomeComplete:
			e.place(ctx, m, res.Record)
		}
		e.publish(m)
	}
	return nil
}

// place emits one validated record and archives it. A record counts as
// complete whether it reached the sink or the buffer; only a record that
// landed nowhere counts as failed.
func (e *Engine) place(ctx context.Context, m *RunMetrics, rec ValidatedRecord) {
	result, err := e.sink.Emit(ctx, rec)
	if err != nil {
		e.logger.Error("Record unplaced", zap.String("url", rec.URL), zap.Error(err))
		m.Failed++
		metrics.ObserveListing("failed")
		return
	}
	m.Complete++
	metrics.ObserveListing("complete")
	switch result {
	case DeliveredToSink:
		m.Delivered++
	case DeliveredToBuffer:
		m.Buffered++
	}

	if e.archive != nil {
		if err := e.archive.Save(ctx, rec); err != nil {
			e.logger.Warn("Archive write failed", zap.String("url", rec.URL), zap.Error(err))
		}
	}
}

// searchURL turns a configured query into an absolute search URL. A full URL
// passes through; anything else is treated as an area slug on the site's
// to-rent path.
func (e *Engine) searchURL(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty query")
	}
	if u, err := url.Parse(query); err == nil && u.IsAbs() {
		return query, nil
	}
	slug := strings.ToLower(strings.Join(strings.Fields(query), "-"))
	return fmt.Sprintf("https://%s/to-rent/property/%s/", e.cfg.SiteHost, slug), nil
}

// paginate appends the page-number parameter for pages past the first.
func paginate(base string, pageNum int) string {
	if pageNum <= 1 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("pn", fmt.Sprint(pageNum))
	u.RawQuery = q.Encode()
	return u.String()
}
