// Package supervisor wires the engine's components and runs its task
// roster: two stream clients, the quote task, the outbox dispatchers, and
// the periodic status, cleanup and checkpoint tasks. Shutdown is
// cooperative: new submissions stop, the outbox flushes for a bounded
// time, state is checkpointed.
package supervisor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/internal/oms"
	"mmengine/internal/outbox"
	"mmengine/internal/quote"
	"mmengine/internal/ratelimit"
	"mmengine/internal/reconciler"
	"mmengine/internal/store"
	"mmengine/internal/stream"
	"mmengine/internal/telemetry"
)

// Supervisor owns the wired component graph.
type Supervisor struct {
	cfg     *config.Config
	logger  core.Logger
	clk     clock.Clock
	metrics *telemetry.Metrics

	st         *store.Store
	stop       *core.EmergencyStop
	limiter    *ratelimit.TokenBucket
	gauge      *quote.InventoryGauge
	engine     *quote.Engine
	pipeline   *quote.Pipeline
	manager    *oms.Manager
	dispatcher *outbox.Dispatcher
	rec        *reconciler.Reconciler
	source     *stream.SourceClient
	account    *stream.AccountClient
	venue      core.VenueClient
}

// New builds the component graph. The venue client and signer are the
// external collaborators; everything else is constructed here.
func New(cfg *config.Config, venue core.VenueClient, signer core.Signer, logger core.Logger) (*Supervisor, error) {
	clk := clock.New()
	metrics := telemetry.New()

	st, err := store.Open(cfg.System.DBPath, logger)
	if err != nil {
		return nil, err
	}

	stop := &core.EmergencyStop{}
	limiter, err := ratelimit.New(cfg.Risk.BurstCapacity, cfg.Risk.MaxOrdersPerSecond, clk)
	if err != nil {
		return nil, err
	}

	manager := oms.New(st, cfg.Risk, stop, clk, logger, metrics)

	gauge := quote.NewInventoryGauge(
		decimal.NewFromFloat(cfg.Trading.TargetAssetRatio),
		decimal.NewFromFloat(cfg.Trading.RatioTolerance),
		decimal.NewFromFloat(cfg.Trading.GammaMax),
	)
	engine := quote.NewEngine(quote.ParamsFromConfig(cfg.Trading), clk, logger)
	pipeline := quote.NewPipeline(engine, gauge, manager, st, clk, logger, metrics)

	dispatcher := outbox.New(outbox.Config{
		Workers:    cfg.System.OutboxWorkers,
		MaxRetries: cfg.System.OutboxMaxRetries,
		BaseDelay:  time.Duration(cfg.System.OutboxBaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.System.OutboxMaxDelayMs) * time.Millisecond,
	}, st, limiter, venue, signer, manager, clk, logger, metrics)

	breaker := reconciler.NewDivergenceBreaker(
		decimal.NewFromFloat(cfg.Risk.DivergencePct), stop, logger)
	rec := reconciler.New(st, manager, gauge, breaker,
		cfg.Trading.SymbolDst, cfg.Trading.BaseAsset(), cfg.Trading.QuoteAsset(),
		clk, logger)

	source := stream.NewSourceClient(cfg.Source, cfg.Trading.SymbolSrc, clk, logger)
	account := stream.NewAccountClient(cfg.Destination, cfg.Trading.SymbolDst, clk, logger)

	// Terminal orders leave the pipeline's active set.
	manager.RegisterObserver(func(ev oms.OrderEvent) {
		if ev.To.IsTerminal() {
			pipeline.RemoveOrder(ev.Order.OrderID)
		}
	})

	return &Supervisor{
		cfg:        cfg,
		logger:     logger.WithField("component", "supervisor"),
		clk:        clk,
		metrics:    metrics,
		st:         st,
		stop:       stop,
		limiter:    limiter,
		gauge:      gauge,
		engine:     engine,
		pipeline:   pipeline,
		manager:    manager,
		dispatcher: dispatcher,
		rec:        rec,
		source:     source,
		account:    account,
		venue:      venue,
	}, nil
}

// Run starts every task and blocks until the context is cancelled or a
// task fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.manager.Restore(ctx); err != nil {
		return err
	}
	// Converge to owning only our orders before quoting starts.
	if err := s.rec.SweepUnregistered(ctx, s.venue); err != nil {
		s.logger.Warn("initial unregistered-order sweep failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.source.Run(gctx) })
	g.Go(func() error { return s.account.Run(gctx) })
	g.Go(func() error { return s.quoteLoop(gctx) })
	g.Go(func() error { return s.rec.Run(gctx, s.account.Events()) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.statusLoop(gctx) })
	g.Go(func() error { return s.cleanupLoop(gctx) })
	g.Go(func() error { return s.checkpointLoop(gctx) })
	if s.cfg.Telemetry.EnableMetrics {
		g.Go(func() error { return s.metrics.Serve(gctx, s.cfg.Telemetry.MetricsPort) })
	}

	s.logger.Info("engine started",
		"symbol_src", s.cfg.Trading.SymbolSrc,
		"symbol_dst", s.cfg.Trading.SymbolDst,
		"layers", s.cfg.Trading.NumLayers)

	err := g.Wait()

	s.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// quoteLoop drives the quote engine from source updates.
func (s *Supervisor) quoteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ticker, ok := <-s.source.Tickers():
			if !ok {
				return nil
			}
			s.rec.SetMarkPrice(ticker.Mid())
			if err := s.pipeline.HandleTicker(ctx, ticker); err != nil {
				s.logger.Error("quote handling failed", "error", err)
			}
		}
	}
}

// statusLoop periodically reports engine health.
func (s *Supervisor) statusLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.System.StatusIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := s.manager.Summarize()
			limiter := s.limiter.Status()
			s.logger.Info("status",
				"open_orders", summary.OpenOrders,
				"total_notional", summary.TotalNotional.String(),
				"realized_pnl", summary.RealizedPnL.String(),
				"daily_pnl", summary.DailyPnL.String(),
				"limiter_tokens", limiter.Tokens,
				"emergency_stop", s.stop.Active())
			if s.metrics != nil {
				s.metrics.RateLimitTokens.Set(limiter.Tokens)
			}
		}
	}
}

// cleanupLoop expires stale quotes and sweeps unregistered venue orders.
func (s *Supervisor) cleanupLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.System.CleanupIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.pipeline.ExpireQuotes(ctx); err != nil {
				s.logger.Error("quote expiry failed", "error", err)
			}
			if err := s.rec.SweepUnregistered(ctx, s.venue); err != nil {
				s.logger.Error("unregistered-order sweep failed", "error", err)
			}
		}
	}
}

// checkpointLoop periodically forces a WAL checkpoint.
func (s *Supervisor) checkpointLoop(ctx context.Context) error {
	interval := time.Duration(s.cfg.System.CheckpointIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.st.Checkpoint(ctx); err != nil {
				s.logger.Warn("wal checkpoint failed", "error", err)
			}
		}
	}
}

// shutdown flushes the outbox for a bounded time and persists state.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down: flushing outbox")
	flushCtx := context.Background()
	s.dispatcher.Drain(flushCtx, time.Duration(s.cfg.System.ShutdownFlushSec)*time.Second)
	s.dispatcher.Stop()

	if err := s.st.Checkpoint(flushCtx); err != nil {
		s.logger.Warn("final checkpoint failed", "error", err)
	}
	if err := s.st.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
	s.logger.Info("engine stopped")
}
