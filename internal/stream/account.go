package stream

import (
	"context"
	"net/http"
	"time"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/pkg/wsclient"
)

// AccountClient reads the destination venue's authenticated account stream
// (balances, order updates, fills) and publishes decoded events. Unlike
// the market data path, account events are never dropped: the channel is
// deep and the producer blocks rather than lose a fill.
type AccountClient struct {
	client *wsclient.Client
	out    chan AccountEvent
	clk    clock.Clock
	logger core.Logger

	symbol string
}

// NewAccountClient creates the account stream client.
func NewAccountClient(cfg config.DestinationConfig, symbol string, clk clock.Clock, logger core.Logger) *AccountClient {
	a := &AccountClient{
		out:    make(chan AccountEvent, 1024),
		clk:    clk,
		logger: logger.WithField("component", "account_stream"),
		symbol: symbol,
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}

	a.client = wsclient.NewClient(wsclient.Config{
		URL:          cfg.StreamURL + "/account",
		Header:       header,
		PingInterval: 30 * time.Second,
		PongWait:     time.Duration(cfg.StreamIdleSec) * time.Second,
	}, a.handleMessage, logger)

	// Resubscribe on every (re)connection.
	a.client.SetOnConnected(func() {
		sub := map[string]interface{}{"method": "subscribe", "channel": "account", "symbol": symbol}
		if err := a.client.Send(sub); err != nil {
			a.logger.Error("failed to send account subscription", "error", err)
		}
	})

	return a
}

// Events is the stream of decoded account events.
func (a *AccountClient) Events() <-chan AccountEvent {
	return a.out
}

// Run reads the stream until the context is cancelled.
func (a *AccountClient) Run(ctx context.Context) error {
	defer close(a.out)
	return a.client.Run(ctx)
}

func (a *AccountClient) handleMessage(raw []byte) {
	ev, err := decodeAccountEvent(raw, a.clk.Now())
	if err != nil {
		a.logger.Warn("skipping undecodable account frame", "error", err)
		return
	}
	if ev == nil {
		a.logger.Debug("dropping unknown account message type")
		return
	}
	a.out <- *ev
}
