// Package stream hosts the reconnecting clients for the source market data
// feed and the destination account feed. Both share the wsclient skeleton:
// connect, subscribe, read frames, answer keep-alives, reconnect with
// backoff. Decode errors are logged and skipped; connection errors retry.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/pkg/wsclient"
)

// SourceClient reads best-bid/ask tickers for one symbol and publishes
// them on a channel. Slow consumers drop ticks rather than block the read
// loop; only the freshest top-of-book matters.
type SourceClient struct {
	symbol string
	client *wsclient.Client
	out    chan core.BookTicker
	clk    clock.Clock
	logger core.Logger
}

// NewSourceClient creates the market data client for the configured symbol.
func NewSourceClient(cfg config.SourceConfig, symbol string, clk clock.Clock, logger core.Logger) *SourceClient {
	s := &SourceClient{
		symbol: strings.ToUpper(symbol),
		out:    make(chan core.BookTicker, 64),
		clk:    clk,
		logger: logger.WithField("component", "source_stream").WithField("symbol", symbol),
	}

	url := fmt.Sprintf("%s/%s@bookTicker", strings.TrimRight(cfg.WsURL, "/"), strings.ToLower(symbol))
	s.client = wsclient.NewClient(wsclient.Config{
		URL:           url,
		ReconnectBase: time.Duration(cfg.ReconnectDelaySec) * time.Second,
		MaxReconnects: cfg.MaxReconnects,
	}, s.handleMessage, logger)

	return s
}

// Tickers is the stream of decoded top-of-book updates.
func (s *SourceClient) Tickers() <-chan core.BookTicker {
	return s.out
}

// Run reads the stream until the context is cancelled.
func (s *SourceClient) Run(ctx context.Context) error {
	defer close(s.out)
	return s.client.Run(ctx)
}

func (s *SourceClient) handleMessage(raw []byte) {
	ticker, err := decodeBookTicker(raw, s.clk.Now())
	if err != nil {
		s.logger.Debug("skipping undecodable frame", "error", err)
		return
	}
	if ticker.SymbolSrc != s.symbol {
		return
	}
	if err := ticker.Validate(); err != nil {
		s.logger.Warn("dropping invalid ticker", "bid", ticker.BidPx.String(), "ask", ticker.AskPx.String())
		return
	}

	select {
	case s.out <- ticker:
	default:
		// Consumer is behind: replace the stale tick with the fresh one.
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- ticker:
		default:
		}
	}
}
