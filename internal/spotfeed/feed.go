// Package spotfeed maintains a reconnecting WebSocket feed of underlying
// spot prices (e.g. Binance trade/kline streams) and a bounded in-memory
// tick cache agents query for momentum and volatility signals.
//
// The connection lifecycle (exponential backoff, ping/read-deadline
// liveness check) mirrors a Polymarket CLOB market feed client's
// reconnect loop, generalized to a single public price stream that needs
// no subscription handshake beyond the initial stream list.
package spotfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ploy-markets/ploy/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 512
)

// Tick is a single trade-price observation for a symbol.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Feed manages the spot-price WebSocket connection, auto-reconnecting
// with exponential backoff and tracking a rolling outage budget that
// promotes repeated failures to a FeedInterrupted condition the caller
// can act on (e.g. pause entries until the feed stabilizes).
type Feed struct {
	url     string
	symbols []string

	connMu sync.Mutex
	conn   *websocket.Conn

	tickCh chan Tick

	outageMu      sync.Mutex
	outageWindow  []time.Time
	maxOutagesHr  int
	interruptedCh chan struct{}
	interrupted   bool

	logger *slog.Logger
}

// New creates a spot feed for the given symbols. maxOutagesPerHour bounds
// how many reconnects are tolerated in a rolling hour before the feed
// reports itself as interrupted via Interrupted().
func New(wsURL string, symbols []string, maxOutagesPerHour int, logger *slog.Logger) *Feed {
	return &Feed{
		url:           wsURL,
		symbols:       symbols,
		tickCh:        make(chan Tick, tickBufferSize),
		maxOutagesHr:  maxOutagesPerHour,
		interruptedCh: make(chan struct{}),
		logger:        logger.With("component", "spotfeed"),
	}
}

// Ticks returns a read-only channel of spot price ticks.
func (f *Feed) Ticks() <-chan Tick { return f.tickCh }

// Interrupted is closed once the outage budget is exceeded. Callers
// should select on it alongside Ticks() to detect feed unhealthiness.
func (f *Feed) Interrupted() <-chan struct{} { return f.interruptedCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("spot feed disconnected, reconnecting", "error", err, "backoff", backoff)
		f.recordOutage()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) recordOutage() {
	f.outageMu.Lock()
	defer f.outageMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := f.outageWindow[:0]
	for _, t := range f.outageWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.outageWindow = append(kept, now)

	if f.maxOutagesHr > 0 && len(f.outageWindow) > f.maxOutagesHr && !f.interrupted {
		f.interrupted = true
		close(f.interruptedCh)
		err := types.NewError(types.KindFeedInterrupted, "spot_feed",
			fmt.Errorf("%d outages in the last hour exceeds budget of %d", len(f.outageWindow), f.maxOutagesHr))
		f.logger.Error("spot feed exceeded outage budget", "error", err)
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("spot feed connected", "symbols", f.symbols)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// wireTick is the minimal shape shared by most trade-stream payloads:
// symbol and last-price fields. Unknown fields are ignored.
type wireTick struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var wt wireTick
	if err := json.Unmarshal(data, &wt); err != nil || wt.Symbol == "" || wt.Price == "" {
		f.logger.Debug("ignoring unrecognized spot feed message", "data", string(data))
		return
	}

	var price float64
	if _, err := fmt.Sscanf(wt.Price, "%f", &price); err != nil {
		f.logger.Warn("unparseable spot price", "raw", wt.Price, "error", err)
		return
	}

	tick := Tick{Symbol: wt.Symbol, Price: price, Timestamp: time.Now()}
	select {
	case f.tickCh <- tick:
	default:
		f.logger.Warn("tick channel full, dropping newest tick", "symbol", wt.Symbol)
	}
}

// Close releases the underlying connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
