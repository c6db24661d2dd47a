package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/metrics"
)

// StaticConfig controls the static fetcher.
type StaticConfig struct {
	MobileHost string
	UserAgents []string
	Timeout    time.Duration
}

// StaticNavigator is the last ladder rung: a plain HTTP fetch of the mobile
// host via colly, no JavaScript. Mobile pages carry the same JSON-LD payload
// as the desktop ones, so the extractor does not care which rung produced the
// document.
type StaticNavigator struct {
	cfg        StaticConfig
	classifier BlockClassifier
	logger     *zap.Logger
	base       *colly.Collector

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStaticNavigator builds the mobile-host fetcher. transport overrides the
// default pooled transport, which tests use to stub the network.
func NewStaticNavigator(cfg StaticConfig, classifier BlockClassifier, transport http.RoundTripper, logger *zap.Logger) *StaticNavigator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; omitting it keeps the collector synchronous.
	c := colly.NewCollector()
	c.IgnoreRobotsTxt = true
	// The ladder may retry a URL on the same rung after a timeout.
	c.AllowURLRevisit = true
	// Non-2xx documents flow through OnResponse so the block classifier can
	// inspect them.
	c.ParseHTTPErrorResponse = true
	if transport == nil {
		transport = pooledTransport()
	}
	c.WithTransport(transport)

	return &StaticNavigator{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		base:       c,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Navigate fetches the mobile-host variant of the URL. The marker is ignored:
// a static document is settled the moment the body arrives.
func (s *StaticNavigator) Navigate(ctx context.Context, req NavRequest) (Page, error) {
	target := rewriteHost(req.URL, s.cfg.MobileHost)

	collector := s.base.Clone()
	collector.SetRequestTimeout(s.cfg.Timeout)
	if ua := s.pickUserAgent(); ua != "" {
		collector.UserAgent = ua
	}
	// A rotated User-Agent with no companion headers is its own bot
	// signature; send the suite a real navigation carries.
	collector.OnRequest(setBrowserHeaders)

	var (
		page     Page
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:        req.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Transport:  req.Transport,
			Elapsed:    time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := s.visit(ctx, collector, target); err != nil {
		metrics.ObserveFetch(req.Transport.Label(), "timeout", time.Since(start))
		return Page{}, &NavigationError{Kind: NavTimeout, URL: req.URL, Err: err}
	}
	if fetchErr != nil {
		metrics.ObserveFetch(req.Transport.Label(), "timeout", time.Since(start))
		return Page{}, &NavigationError{Kind: NavTimeout, URL: req.URL, Err: fetchErr}
	}

	if s.classifier.Blocked(page.StatusCode, page.Body) {
		metrics.ObserveFetch(req.Transport.Label(), "blocked", page.Elapsed)
		return Page{}, &NavigationError{Kind: NavBlocked, URL: req.URL, StatusCode: page.StatusCode}
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		metrics.ObserveFetch(req.Transport.Label(), "non2xx", page.Elapsed)
		return Page{}, &NavigationError{Kind: NavNon2xx, URL: req.URL, StatusCode: page.StatusCode}
	}
	metrics.ObserveFetch(req.Transport.Label(), "success", page.Elapsed)
	return page, nil
}

func (s *StaticNavigator) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("static visit failed: %w", err)
		}
		return nil
	}
}

func (s *StaticNavigator) pickUserAgent() string {
	if len(s.cfg.UserAgents) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.UserAgents[s.rng.Intn(len(s.cfg.UserAgents))]
}

// setBrowserHeaders fills in the header suite a browser sends alongside the
// User-Agent on a top-level navigation. The Referer points at the fetched
// host's front page.
func setBrowserHeaders(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-GB,en;q=0.9")
	r.Headers.Set("Cache-Control", "no-cache")
	r.Headers.Set("Pragma", "no-cache")
	r.Headers.Set("Sec-Fetch-Dest", "document")
	r.Headers.Set("Sec-Fetch-Mode", "navigate")
	r.Headers.Set("Sec-Fetch-Site", "same-origin")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
	if host := r.URL.Hostname(); host != "" {
		r.Headers.Set("Referer", "https://"+host+"/")
	}
}

func pooledTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ Navigator = (*StaticNavigator)(nil)
