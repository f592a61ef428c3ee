// Package outbox delivers persisted order side effects to the destination
// venue. It is the engine's only path to the venue's command API: events are
// claimed in creation order, rate limited, dispatched through build -> sign
// -> submit, and retried with exponential backoff until completed or dead.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mmengine/internal/clock"
	"mmengine/internal/core"
	"mmengine/internal/ratelimit"
	"mmengine/internal/store"
	"mmengine/internal/telemetry"
	"mmengine/pkg/concurrency"
	apperrors "mmengine/pkg/errors"
	"mmengine/pkg/retry"
)

// Hooks are the OMS callbacks the dispatcher drives on delivery outcomes.
type Hooks interface {
	ApplyAck(ctx context.Context, orderID, externalID string) error
	ApplyExternalCancel(ctx context.Context, orderID, reason string) error
	ApplyReject(ctx context.Context, orderID, reason string) error
	FailOrder(ctx context.Context, orderID, reason string) error
}

// Config tunes the dispatcher.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// Dispatcher is the outbox worker.
type Dispatcher struct {
	cfg     Config
	st      *store.Store
	limiter *ratelimit.TokenBucket
	venue   core.VenueClient
	signer  core.Signer
	hooks   Hooks
	clk     clock.Clock
	logger  core.Logger
	metrics *telemetry.Metrics

	pool *concurrency.WorkerPool

	// one event in flight per aggregate
	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a dispatcher.
func New(cfg Config, st *store.Store, limiter *ratelimit.TokenBucket, venue core.VenueClient,
	signer core.Signer, hooks Hooks, clk clock.Clock, logger core.Logger, metrics *telemetry.Metrics) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		st:       st,
		limiter:  limiter,
		venue:    venue,
		signer:   signer,
		hooks:    hooks,
		clk:      clk,
		logger:   logger.WithField("component", "outbox"),
		metrics:  metrics,
		inflight: make(map[string]bool),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "outbox_dispatch",
			MaxWorkers: cfg.Workers,
		}, logger),
	}
}

// Run polls for due events until the context is cancelled, then waits for
// in-flight dispatches to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.ProcessPending(ctx); err != nil {
				d.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// ProcessPending claims one batch of due events and hands them to the
// worker pool. Events whose aggregate a worker still owns are put back as
// pending. Returns the number of events handed to the pool.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	var claimed []*core.OutboxEvent
	err := d.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		claimed, err = tx.ClaimPendingOutbox(d.cfg.BatchSize, d.clk.Now())
		return err
	})
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, ev := range claimed {
		ev := ev
		if !d.markInflight(ev.AggregateID) {
			// Another worker still owns this aggregate; requeue untouched.
			if err := d.requeue(ctx, ev); err != nil {
				d.logger.Error("failed to requeue contended event", "event_id", ev.EventID, "error", err)
			}
			continue
		}
		dispatched++
		d.pool.Submit(func() {
			defer d.clearInflight(ev.AggregateID)
			d.dispatch(ctx, ev)
		})
	}
	return dispatched, nil
}

// Stop waits for in-flight dispatches to finish. Call after Run and any
// final Drain have returned.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Drain keeps processing until the backlog is empty or the deadline
// passes. Used for the bounded shutdown flush.
func (d *Dispatcher) Drain(ctx context.Context, deadline time.Duration) {
	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		var backlog int
		err := d.st.WithTx(drainCtx, func(tx *store.Tx) error {
			var err error
			backlog, err = tx.CountOutboxBacklog()
			return err
		})
		if err != nil || backlog == 0 {
			return
		}
		if _, err := d.ProcessPending(drainCtx); err != nil {
			return
		}
		if d.clk.Sleep(drainCtx, 50*time.Millisecond) != nil {
			return
		}
	}
}

func (d *Dispatcher) markInflight(aggregate string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[aggregate] {
		return false
	}
	d.inflight[aggregate] = true
	return true
}

func (d *Dispatcher) clearInflight(aggregate string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, aggregate)
}

func (d *Dispatcher) requeue(ctx context.Context, ev *core.OutboxEvent) error {
	return d.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.MarkOutboxRetry(ev.EventID, ev.RetryCount, d.clk.Now(), "")
	})
}

// dispatch delivers one claimed event and records the outcome. Outcome
// writes use a detached context so a shutdown mid-dispatch cannot strand
// the event in_flight.
func (d *Dispatcher) dispatch(ctx context.Context, ev *core.OutboxEvent) {
	recordCtx := context.WithoutCancel(ctx)

	if err := d.limiter.Wait(ctx, 1); err != nil {
		// Shutdown mid-wait: put the event back for the next run.
		if reqErr := d.requeue(recordCtx, ev); reqErr != nil {
			d.logger.Error("failed to requeue event on shutdown", "event_id", ev.EventID, "error", reqErr)
		}
		return
	}
	if d.metrics != nil {
		d.metrics.RateLimitTokens.Set(d.limiter.Status().Tokens)
	}

	var err error
	switch ev.Type {
	case core.EventSubmitOrder:
		err = d.dispatchSubmit(ctx, ev)
	case core.EventCancelOrder:
		err = d.dispatchCancel(ctx, ev)
	default:
		err = apperrors.NewTerminalVenueError("dispatch", 0, fmt.Sprintf("unknown event type %q", ev.Type))
	}

	if err == nil {
		if d.metrics != nil {
			d.metrics.OutboxDispatched.WithLabelValues(string(ev.Type), "ok").Inc()
		}
		if txErr := d.st.WithTx(recordCtx, func(tx *store.Tx) error {
			return tx.MarkOutboxCompleted(ev.EventID)
		}); txErr != nil {
			d.logger.Error("failed to mark event completed", "event_id", ev.EventID, "error", txErr)
		}
		return
	}

	d.recordFailure(recordCtx, ev, err)
}

// dispatchSubmit performs build -> sign -> submit and acks the OMS.
func (d *Dispatcher) dispatchSubmit(ctx context.Context, ev *core.OutboxEvent) error {
	var p core.SubmitOrderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return apperrors.NewTerminalVenueError("decode", 0, err.Error())
	}

	build, err := d.venue.BuildOrder(ctx, core.OrderRequest{
		Symbol: p.Symbol, Side: p.Side, Type: p.Type, Price: p.Price, Quantity: p.Quantity,
	})
	if err != nil {
		return err
	}
	signed, err := d.signer.Sign(ctx, build.TxHex)
	if err != nil {
		return err
	}
	if err := d.venue.SubmitOrder(ctx, build.OrderID, signed); err != nil {
		return err
	}

	d.logger.Info("order submitted to venue", "order_id", p.OrderID, "external_id", build.OrderID)
	return d.hooks.ApplyAck(ctx, p.OrderID, build.OrderID)
}

// dispatchCancel performs build -> sign -> submit of a cancel and confirms
// it to the OMS. Cancels of unregistered venue orders have no local order,
// so no hook is called for them.
func (d *Dispatcher) dispatchCancel(ctx context.Context, ev *core.OutboxEvent) error {
	var p core.CancelOrderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return apperrors.NewTerminalVenueError("decode", 0, err.Error())
	}

	externalID := p.ExternalID
	if externalID == "" {
		// Cancel raced the ack; resolve the venue id now.
		var order *core.Order
		if err := d.st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			order, err = tx.GetOrder(p.OrderID)
			return err
		}); err != nil {
			return apperrors.NewTransientVenueError("resolve_external_id", 0, err.Error())
		}
		if order.ExternalID == "" {
			return apperrors.NewTransientVenueError("resolve_external_id", 0,
				fmt.Sprintf("order %s has no external id yet", p.OrderID))
		}
		externalID = order.ExternalID
	}

	build, err := d.venue.BuildCancel(ctx, externalID, p.Symbol)
	if err != nil {
		return err
	}
	signed, err := d.signer.Sign(ctx, build.TxHex)
	if err != nil {
		return err
	}
	if err := d.venue.SubmitCancel(ctx, build.OrderID, signed); err != nil {
		return err
	}

	d.logger.Info("cancel submitted to venue", "external_id", externalID, "reason", p.Reason)
	if p.OrderID != "" {
		return d.hooks.ApplyExternalCancel(ctx, p.OrderID, p.Reason)
	}
	return nil
}

// recordFailure classifies an error and schedules the retry, dead-letters
// the event, or fails it terminally.
func (d *Dispatcher) recordFailure(ctx context.Context, ev *core.OutboxEvent, dispatchErr error) {
	orderID := orderIDForAggregate(ev)

	if apperrors.IsTransient(dispatchErr) {
		retryCount := ev.RetryCount + 1
		if retryCount >= d.cfg.MaxRetries {
			d.logger.Error("event exhausted retries, dead-lettering",
				"event_id", ev.EventID, "aggregate_id", ev.AggregateID, "error", dispatchErr)
			if d.metrics != nil {
				d.metrics.OutboxDeadLetter.Inc()
			}
			if err := d.st.WithTx(ctx, func(tx *store.Tx) error {
				return tx.MarkOutboxDeadLetter(ev.EventID, dispatchErr.Error())
			}); err != nil {
				d.logger.Error("failed to dead-letter event", "event_id", ev.EventID, "error", err)
			}
			if orderID != "" && ev.Type == core.EventSubmitOrder {
				if err := d.hooks.FailOrder(ctx, orderID, "outbox delivery exhausted: "+dispatchErr.Error()); err != nil {
					d.logger.Error("failed to fail order", "order_id", orderID, "error", err)
				}
			}
			return
		}

		backoff := retry.Backoff(retry.Policy{
			MaxAttempts:    d.cfg.MaxRetries,
			InitialBackoff: d.cfg.BaseDelay,
			MaxBackoff:     d.cfg.MaxDelay,
		}, retryCount-1)
		retryAt := d.clk.Now().Add(backoff)

		d.logger.Warn("transient dispatch failure, retrying",
			"event_id", ev.EventID, "retry_count", retryCount, "retry_in", backoff, "error", dispatchErr)
		if d.metrics != nil {
			d.metrics.OutboxRetries.Inc()
			d.metrics.OutboxDispatched.WithLabelValues(string(ev.Type), "retry").Inc()
		}
		if err := d.st.WithTx(ctx, func(tx *store.Tx) error {
			return tx.MarkOutboxRetry(ev.EventID, retryCount, retryAt, dispatchErr.Error())
		}); err != nil {
			d.logger.Error("failed to schedule retry", "event_id", ev.EventID, "error", err)
		}
		return
	}

	// Terminal: the venue rejected the request outright.
	d.logger.Error("terminal dispatch failure",
		"event_id", ev.EventID, "aggregate_id", ev.AggregateID, "error", dispatchErr)
	if d.metrics != nil {
		d.metrics.OutboxDispatched.WithLabelValues(string(ev.Type), "failed").Inc()
	}
	if err := d.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.MarkOutboxFailed(ev.EventID, dispatchErr.Error())
	}); err != nil {
		d.logger.Error("failed to mark event failed", "event_id", ev.EventID, "error", err)
	}
	if orderID != "" && ev.Type == core.EventSubmitOrder {
		if err := d.hooks.ApplyReject(ctx, orderID, dispatchErr.Error()); err != nil {
			d.logger.Error("failed to reject order", "order_id", orderID, "error", err)
		}
	}
}

// orderIDForAggregate returns the local order id behind an event, or empty
// for cancels of unregistered venue orders.
func orderIDForAggregate(ev *core.OutboxEvent) string {
	if len(ev.AggregateID) > 4 && ev.AggregateID[:4] == "ext:" {
		return ""
	}
	return ev.AggregateID
}
