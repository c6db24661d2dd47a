package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/api"
	"github.com/rentradar/rentradar/internal/config"
	"github.com/rentradar/rentradar/internal/logging"
	"github.com/rentradar/rentradar/internal/metrics"
	"github.com/rentradar/rentradar/internal/proxy"
	"github.com/rentradar/rentradar/internal/scraper"
	"github.com/rentradar/rentradar/internal/store"
)

// errCompletionRate is returned when the run finishes below the configured
// completion-rate floor, so CI and cron wrappers see a non-zero exit.
var errCompletionRate = errors.New("completion rate below threshold")

// newScrapeCmd creates and configures the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Runs one scrape of the configured search areas",
		Long: `Crawls the configured search pages, fetches every discovered listing
through the transport ladder, and emits validated records to the sink or the
local buffer. The run ends when all listings are processed or the request
budget is spent, and always prints a single summary line.`,
		RunE: runScrapeCommand,
	}
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var srvShutdown func()
	if cfg.Server.Addr != "" {
		srvShutdown = startOpsServer(cfg.Server.Addr, engine, logger)
		defer srvShutdown()
	}

	m, err := engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run scrape: %w", err)
	}

	logger.Info("Scrape finished",
		zap.Int("listings", m.Listings),
		zap.Int("complete", m.Complete),
		zap.Int("failed", m.Failed),
		zap.Int("duplicates", m.Duplicates),
		zap.Int("requests", m.Requests),
		zap.Int("delivered", m.Delivered),
		zap.Int("buffered", m.Buffered),
	)

	if cfg.MinCompletionRate > 0 && m.Listings > 0 && m.CompletionRate() < cfg.MinCompletionRate {
		logger.Error("Completion rate below threshold",
			zap.Float64("rate", m.CompletionRate()),
			zap.Float64("threshold", cfg.MinCompletionRate),
		)
		return errCompletionRate
	}
	return nil
}

// buildEngine wires the full pipeline from configuration. The returned
// cleanup closes the browser allocators and the archive pool.
func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (*scraper.Engine, func(), error) {
	classifier := scraper.NewSignatureClassifier(nil)
	transport := proxy.Resolve(cfg.ProxyURL, logger)

	browser := scraper.NewChromeNavigator(scraper.ChromeConfig{
		NavigationTimeout: cfg.NavTimeout(),
		MarkerTimeout:     cfg.MarkerTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
		UserAgents:        cfg.UserAgents,
		DomainQPS:         cfg.Nav.DomainQPS,
	}, classifier, logger)

	static := scraper.NewStaticNavigator(scraper.StaticConfig{
		MobileHost: cfg.MobileHost,
		UserAgents: cfg.UserAgents,
	}, classifier, nil, logger)

	quota := scraper.NewQuotaGovernor(cfg.MaxRequestsPerRun, cfg.PagesPerQuery, cfg.DelayMin(), cfg.DelayMax())
	ladder := scraper.NewFallbackLadder(scraper.BuildRungs(transport, browser, static), quota, logger)
	emitter := scraper.NewEmitter(cfg.SinkURL, cfg.BufferPath, nil, logger)

	var (
		archive  scraper.Archiver
		listings *store.ListingStore
	)
	if cfg.Store.DSN != "" {
		var err error
		listings, err = store.NewListingStore(ctx, store.ListingStoreConfig{
			DSN:   cfg.Store.DSN,
			Table: cfg.Store.Table,
		})
		if err != nil {
			browser.Close()
			return nil, nil, fmt.Errorf("init listing store: %w", err)
		}
		archive = listings
	}

	engine, err := scraper.NewEngine(scraper.EngineConfig{
		SiteHost:      cfg.SiteHost,
		Queries:       cfg.Queries,
		PagesPerQuery: cfg.PagesPerQuery,
		SearchMarker:  cfg.SearchMarker,
		DetailMarker:  cfg.DetailMarker,
		Source:        "zoopla",
		RunID:         uuid.NewString(),
	}, ladder, quota, emitter, archive, logger, os.Stdout)
	if err != nil {
		browser.Close()
		if listings != nil {
			listings.Close()
		}
		return nil, nil, fmt.Errorf("init engine: %w", err)
	}

	cleanup := func() {
		browser.Close()
		if listings != nil {
			listings.Close()
		}
	}
	return engine, cleanup, nil
}

// startOpsServer serves /healthz, /metrics, and the run-status endpoint for
// the duration of the run. The returned func shuts it down.
func startOpsServer(addr string, engine *scraper.Engine, logger *zap.Logger) func() {
	status := func() api.RunStatus {
		p := engine.Progress()
		return api.RunStatus{
			State:    string(p.State),
			Listings: p.Listings,
			Complete: p.Complete,
			Failed:   p.Failed,
			Requests: p.Requests,
		}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(status, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Ops server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Ops server shutdown error", zap.Error(err))
		}
	}
}
