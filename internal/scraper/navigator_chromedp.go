package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rentradar/rentradar/internal/metrics"
	"github.com/rentradar/rentradar/internal/proxy"
)

// ChromeConfig controls the behavior of the browser navigator.
type ChromeConfig struct {
	NavigationTimeout time.Duration
	MarkerTimeout     time.Duration
	IdleTimeout       time.Duration
	UserAgents        []string
	DomainQPS         float64
}

// ChromeNavigator drives headless Chrome via chromedp. Proxy settings are
// allocator-scoped in Chrome, so the navigator keeps one exec allocator per
// transport and reuses it across navigations.
type ChromeNavigator struct {
	cfg        ChromeConfig
	classifier BlockClassifier
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	allocators map[string]allocEntry
}

type allocEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromeNavigator creates a browser navigator. Allocators are created
// lazily on first use of each transport.
func NewChromeNavigator(cfg ChromeConfig, classifier BlockClassifier, logger *zap.Logger) *ChromeNavigator {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.MarkerTimeout <= 0 {
		cfg.MarkerTimeout = 12 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 6 * time.Second
	}
	qps := cfg.DomainQPS
	if qps <= 0 {
		qps = 1
	}
	return &ChromeNavigator{
		cfg:        cfg,
		classifier: classifier,
		limiter:    rate.NewLimiter(rate.Limit(qps), 1),
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		allocators: make(map[string]allocEntry),
	}
}

// Close cancels every allocator, shutting down the browsers.
func (n *ChromeNavigator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, entry := range n.allocators {
		entry.cancel()
		delete(n.allocators, key)
	}
}

// Navigate loads one URL and waits for a usable render: the content marker
// first, then document readiness as a fallback. It classifies block pages and
// unexpected statuses before handing the document back.
func (n *ChromeNavigator) Navigate(ctx context.Context, req NavRequest) (Page, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}

	allocator := n.allocatorFor(req.Transport)
	taskCtx, taskCancel := chromedp.NewContext(allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, n.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)
	if req.Transport.Username != "" {
		n.handleProxyAuth(taskCtx, req.Transport)
	}

	start := time.Now()
	html, finalURL, err := n.run(taskCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		metrics.ObserveFetch(req.Transport.Label(), "timeout", elapsed)
		return Page{}, &NavigationError{Kind: NavTimeout, URL: req.URL, Err: err}
	}

	body := []byte(html)
	status, _ := meta.snapshot()
	if status == 0 {
		status = 200
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	page := Page{
		URL:        req.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Body:       body,
		Transport:  req.Transport,
		Elapsed:    elapsed,
	}
	if n.classifier.Blocked(status, body) {
		metrics.ObserveFetch(req.Transport.Label(), "blocked", elapsed)
		return Page{}, &NavigationError{Kind: NavBlocked, URL: req.URL, StatusCode: status}
	}
	if status < 200 || status >= 300 {
		metrics.ObserveFetch(req.Transport.Label(), "non2xx", elapsed)
		return Page{}, &NavigationError{Kind: NavNon2xx, URL: req.URL, StatusCode: status}
	}
	metrics.ObserveFetch(req.Transport.Label(), "success", elapsed)
	return page, nil
}

func (n *ChromeNavigator) run(ctx context.Context, req NavRequest) (string, string, error) {
	setup := []chromedp.Action{
		n.sessionSetupAction(req.Transport),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, setup...); err != nil {
		return "", "", fmt.Errorf("chromedp navigate: %w", err)
	}

	if err := n.waitSettled(ctx, req); err != nil {
		return "", "", err
	}

	var (
		html     string
		finalURL string
	)
	capture := []chromedp.Action{
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, capture...); err != nil {
		return "", "", fmt.Errorf("chromedp capture: %w", err)
	}
	return html, finalURL, nil
}

// waitSettled implements the tiered wait. The content marker is the strong
// signal; when it never appears the navigator accepts a fully loaded document
// instead, because block pages and sparse pages render without the marker
// and still need to reach the classifier.
func (n *ChromeNavigator) waitSettled(ctx context.Context, req NavRequest) error {
	if req.Marker != "" {
		mctx, cancel := context.WithTimeout(ctx, n.cfg.MarkerTimeout)
		err := chromedp.Run(mctx, chromedp.WaitVisible(req.Marker, chromedp.ByQuery))
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Debug("Content marker absent, falling back to document readiness",
			zap.String("url", req.URL),
			zap.String("marker", req.Marker),
		)
	}

	var ready bool
	ictx, cancel := context.WithTimeout(ctx, n.cfg.IdleTimeout)
	defer cancel()
	if err := chromedp.Run(ictx, chromedp.Poll(`document.readyState === "complete"`, &ready)); err != nil {
		return fmt.Errorf("document never settled: %w", err)
	}
	return nil
}

// blockedAssetPatterns lists the heavy assets the browser never loads.
// Images and fonts dominate page weight and carry nothing the extractor
// reads; scripts and stylesheets stay because the markers need them.
var blockedAssetPatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
}

func (n *ChromeNavigator) sessionSetupAction(t proxy.Transport) chromedp.Action {
	ua := n.pickUserAgent()
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetBlockedURLS(blockedAssetPatterns).Do(ctx); err != nil {
			return fmt.Errorf("block asset urls: %w", err)
		}
		if t.Username != "" {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// handleProxyAuth answers the proxy's auth challenge with the transport's
// credentials and lets every other paused request through untouched.
func (n *ChromeNavigator) handleProxyAuth(ctx context.Context, t proxy.Transport) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: t.Username,
					Password: t.Password,
				}
				action := fetch.ContinueWithAuth(ev.RequestID, resp)
				if err := chromedp.Run(ctx, action); err != nil {
					n.logger.Warn("Proxy auth continuation failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if err := chromedp.Run(ctx, fetch.ContinueRequest(ev.RequestID)); err != nil {
					n.logger.Debug("Request continuation failed", zap.Error(err))
				}
			}()
		}
	})
}

func (n *ChromeNavigator) pickUserAgent() string {
	if len(n.cfg.UserAgents) == 0 {
		return ""
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.UserAgents[n.rng.Intn(len(n.cfg.UserAgents))]
}

// allocatorFor returns the allocator bound to the transport, building it on
// first use. Chrome takes proxy settings as process flags, hence one browser
// process per transport.
func (n *ChromeNavigator) allocatorFor(t proxy.Transport) context.Context {
	key := t.Label() + "|" + t.Server
	n.mu.Lock()
	defer n.mu.Unlock()
	if entry, ok := n.allocators[key]; ok {
		return entry.ctx
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if t.Mode == proxy.ModeProxied && t.Server != "" {
		opts = append(opts, chromedp.ProxyServer(t.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	n.allocators[key] = allocEntry{ctx: allocCtx, cancel: allocCancel}
	n.logger.Debug("Browser allocator created", zap.String("transport", t.Label()))
	return allocCtx
}

// responseMeta captures the status of the top document from CDP network
// events. Only the first document response counts; redirect hops overwrite
// each other until the final one.
type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func newResponseMeta() *responseMeta { return &responseMeta{} }

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}

var _ Navigator = (*ChromeNavigator)(nil)
