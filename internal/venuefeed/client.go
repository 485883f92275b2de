// Package venuefeed maintains the two prediction-market venue WebSocket
// channels: the public market channel (order book snapshots and deltas)
// and the authenticated user channel (fills and order lifecycle events).
//
// Grounded directly on the teacher's internal/exchange/ws.go: same
// reconnect/backoff shape, same ping/read-deadline liveness check, same
// resubscribe-on-reconnect bookkeeping — generalized only in that this
// client also maintains the decoded LOB/quote caches itself rather than
// leaving that to a separate consumer.
package venuefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readBufferSize   = 256
	tradeBufferSize  = 64
)

// AuthPayload supplies the authentication block for the user channel
// subscribe handshake. Implemented by internal/signer.Signer.
type AuthPayload interface {
	WSAuthPayload() any
}

// Client manages a single WebSocket connection (market or user channel).
type Client struct {
	url         string
	channelType string // "market" or "user"
	auth        AuthPayload

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh        chan WSBookEvent
	priceChangeCh chan WSPriceChangeEvent
	tradeCh       chan WSTradeEvent
	orderCh       chan WSOrderEvent

	logger *slog.Logger
}

// NewMarketClient creates a client for the public market channel.
func NewMarketClient(wsURL string, logger *slog.Logger) *Client {
	return &Client{
		url:           wsURL,
		channelType:   "market",
		subscribed:    make(map[string]bool),
		bookCh:        make(chan WSBookEvent, readBufferSize),
		priceChangeCh: make(chan WSPriceChangeEvent, readBufferSize),
		tradeCh:       make(chan WSTradeEvent, tradeBufferSize),
		orderCh:       make(chan WSOrderEvent, tradeBufferSize),
		logger:        logger.With("component", "venuefeed_market"),
	}
}

// NewUserClient creates a client for the authenticated user channel.
func NewUserClient(wsURL string, auth AuthPayload, logger *slog.Logger) *Client {
	return &Client{
		url:           wsURL,
		auth:          auth,
		channelType:   "user",
		subscribed:    make(map[string]bool),
		bookCh:        make(chan WSBookEvent, readBufferSize),
		priceChangeCh: make(chan WSPriceChangeEvent, readBufferSize),
		tradeCh:       make(chan WSTradeEvent, tradeBufferSize),
		orderCh:       make(chan WSOrderEvent, tradeBufferSize),
		logger:        logger.With("component", "venuefeed_user"),
	}
}

func (c *Client) BookEvents() <-chan WSBookEvent               { return c.bookCh }
func (c *Client) PriceChangeEvents() <-chan WSPriceChangeEvent { return c.priceChangeCh }
func (c *Client) TradeEvents() <-chan WSTradeEvent             { return c.tradeCh }
func (c *Client) OrderEvents() <-chan WSOrderEvent             { return c.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("venue feed disconnected, reconnecting", "error", err, "backoff", backoff)

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

// Subscribe adds token IDs (market channel) or condition IDs (user
// channel) to the tracked subscription set and sends the update.
func (c *Client) Subscribe(ids []string) error {
	c.subscribedMu.Lock()
	for _, id := range ids {
		c.subscribed[id] = true
	}
	c.subscribedMu.Unlock()

	msg := WSUpdateMsg{Operation: "subscribe"}
	if c.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return c.writeJSON(msg)
}

// Unsubscribe removes IDs from the tracked subscription set.
func (c *Client) Unsubscribe(ids []string) error {
	c.subscribedMu.Lock()
	for _, id := range ids {
		delete(c.subscribed, id)
	}
	c.subscribedMu.Unlock()

	msg := WSUpdateMsg{Operation: "unsubscribe"}
	if c.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return c.writeJSON(msg)
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info("venue feed connected", "channel", c.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatchMessage(msg)
	}
}

func (c *Client) sendInitialSubscription() error {
	c.subscribedMu.RLock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subscribedMu.RUnlock()

	if c.channelType == "market" {
		return c.writeJSON(WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}

	var auth any
	if c.auth != nil {
		auth = c.auth.WSAuthPayload()
	}
	return c.writeJSON(WSSubscribeMsg{Type: "user", Auth: auth, Markets: ids})
}

func (c *Client) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json venue feed message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case c.bookCh <- evt:
		default:
			c.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case c.priceChangeCh <- evt:
		default:
			c.logger.Warn("price_change channel full, dropping event")
		}

	case "trade":
		var evt WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case c.tradeCh <- evt:
		default:
			c.logger.Warn("trade channel full, dropping event", "id", evt.ID)
		}

	case "order":
		var evt WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case c.orderCh <- evt:
		default:
			c.logger.Warn("order channel full, dropping event", "id", evt.ID)
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		c.logger.Debug("ignoring informational event", "type", envelope.EventType)

	default:
		c.logger.Debug("unknown venue feed event type", "type", envelope.EventType)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}
