// Package telemetry exposes the engine's Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	QuotesGenerated  prometheus.Counter
	QuotesSkipped    prometheus.Counter
	OrdersSubmitted  *prometheus.CounterVec
	OrdersRejected   prometheus.Counter
	FillsApplied     prometheus.Counter
	OutboxDispatched *prometheus.CounterVec
	OutboxRetries    prometheus.Counter
	OutboxDeadLetter prometheus.Counter
	StreamReconnects *prometheus.CounterVec
	RateLimitTokens  prometheus.Gauge
	OpenOrders       prometheus.Gauge
	PositionQty      *prometheus.GaugeVec
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		QuotesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_quotes_generated_total",
			Help: "Quotes emitted by the quote engine",
		}),
		QuotesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_quotes_skipped_total",
			Help: "Ticks skipped by the requote gates",
		}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_submitted_total",
			Help: "Orders accepted by the OMS",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_orders_rejected_total",
			Help: "Orders rejected by pre-trade risk",
		}),
		FillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_fills_applied_total",
			Help: "Fills applied to orders and positions",
		}),
		OutboxDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_outbox_dispatched_total",
			Help: "Outbox events dispatched to the venue",
		}, []string{"type", "result"}),
		OutboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_outbox_retries_total",
			Help: "Outbox dispatch retries",
		}),
		OutboxDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_outbox_dead_letter_total",
			Help: "Outbox events moved to the dead letter state",
		}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_stream_reconnects_total",
			Help: "Stream client reconnections",
		}, []string{"stream"}),
		RateLimitTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mm_rate_limit_tokens",
			Help: "Tokens available in the outbound rate limiter",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mm_open_orders",
			Help: "Non-terminal orders tracked by the OMS",
		}),
		PositionQty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_position_qty",
			Help: "Signed position quantity per symbol",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.QuotesGenerated, m.QuotesSkipped, m.OrdersSubmitted, m.OrdersRejected,
		m.FillsApplied, m.OutboxDispatched, m.OutboxRetries, m.OutboxDeadLetter,
		m.StreamReconnects, m.RateLimitTokens, m.OpenOrders, m.PositionQty,
	)
	return m
}

// Serve runs the metrics endpoint until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
