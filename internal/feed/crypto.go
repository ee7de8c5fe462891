package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalwatch/internal/config"
	"signalwatch/pkg/types"
)

const (
	cryptoPingInterval = 50 * time.Second
	cryptoReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	cryptoWriteTimeout = 10 * time.Second
)

// Crypto is the multi-stream WebSocket feed. Each subscribed symbol maps
// to one book-ticker stream keyed by the lowercased ticker; SUBSCRIBE and
// UNSUBSCRIBE control frames adjust the set on the live connection and
// the server acks each request id.
type Crypto struct {
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	mu         sync.RWMutex
	subscribed map[string]bool
	connected  bool
	pendingAck map[int64]string // request id → op description
	nextID     atomic.Int64

	events     chan types.RawTick
	ticks      atomic.Uint64
	reconnects atomic.Int64
	lastEvent  atomic.Int64
}

// controlMsg is a SUBSCRIBE/UNSUBSCRIBE frame.
type controlMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// bookTicker is the per-stream best bid/ask payload.
type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// ackMsg is the server's response to a control frame.
type ackMsg struct {
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

// NewCrypto creates the WebSocket client.
func NewCrypto(cfg config.CryptoConfig, logger *slog.Logger) *Crypto {
	return &Crypto{
		url:        cfg.WSURL,
		logger:     logger.With("component", "feed_crypto"),
		subscribed: make(map[string]bool),
		pendingAck: make(map[int64]string),
		events:     make(chan types.RawTick, eventBuffer),
	}
}

func (c *Crypto) Name() types.Feed { return types.FeedCrypto }

func (c *Crypto) Events() <-chan types.RawTick { return c.events }

// Connect dials once; Run redials as needed.
func (c *Crypto) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()
	c.setConnected(true)
	return nil
}

func (c *Crypto) Subscribe(feedSymbol string) error {
	sym := strings.ToLower(feedSymbol)
	c.mu.Lock()
	if c.subscribed[sym] {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[sym] = true
	c.mu.Unlock()

	// Best effort on a live connection; the resubscribe on reconnect
	// covers the not-yet-connected case.
	if err := c.sendControl("SUBSCRIBE", []string{sym + "@bookTicker"}); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

func (c *Crypto) Unsubscribe(feedSymbol string) error {
	sym := strings.ToLower(feedSymbol)
	c.mu.Lock()
	if !c.subscribed[sym] {
		c.mu.Unlock()
		return nil
	}
	delete(c.subscribed, sym)
	c.mu.Unlock()

	if err := c.sendControl("UNSUBSCRIBE", []string{sym + "@bookTicker"}); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

func (c *Crypto) BulkSubscribe(feedSymbols []string) error {
	params := make([]string, 0, len(feedSymbols))
	c.mu.Lock()
	for _, s := range feedSymbols {
		sym := strings.ToLower(s)
		if !c.subscribed[sym] {
			c.subscribed[sym] = true
			params = append(params, sym+"@bookTicker")
		}
	}
	c.mu.Unlock()

	if len(params) == 0 {
		return nil
	}
	if err := c.sendControl("SUBSCRIBE", params); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

// Run connects and maintains the WebSocket with auto-reconnect. Blocks
// until ctx is cancelled.
func (c *Crypto) Run(ctx context.Context) error {
	failures := 0
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setConnected(false)

		failures++
		c.reconnects.Add(1)
		delay := backoffDelay(failures - 1)
		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "failures", failures, "backoff", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// Reconnect force-drops the connection; Run's read loop notices and
// redials with the tracked subscription set.
func (c *Crypto) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.reconnects.Add(1)
	return nil
}

func (c *Crypto) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Feed:       types.FeedCrypto,
		Configured: c.url != "",
		Connected:  c.connected,
		Subscribed: len(c.subscribed),
		Ticks:      c.ticks.Load(),
		Reconnects: int(c.reconnects.Load()),
		LastEvent:  time.Unix(0, c.lastEvent.Load()),
	}
}

func (c *Crypto) connectAndRead(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	if err := c.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.logger.Info("websocket connected", "streams", len(c.subscribed))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(cryptoReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatchMessage(msg)
	}
}

func (c *Crypto) resubscribe() error {
	c.mu.RLock()
	params := make([]string, 0, len(c.subscribed))
	for sym := range c.subscribed {
		params = append(params, sym+"@bookTicker")
	}
	c.mu.RUnlock()

	if len(params) == 0 {
		return nil
	}
	return c.sendControl("SUBSCRIBE", params)
}

func (c *Crypto) dispatchMessage(data []byte) {
	// Acks carry an id; ticker frames carry a symbol.
	var probe struct {
		ID     *int64 `json:"id"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Debug("ignoring non-json ws message")
		return
	}

	if probe.ID != nil {
		var ack ackMsg
		if err := json.Unmarshal(data, &ack); err == nil {
			c.confirmAck(ack.ID)
		}
		return
	}
	if probe.Symbol == "" {
		return
	}

	var tick bookTicker
	if err := json.Unmarshal(data, &tick); err != nil {
		c.logger.Error("unmarshal book ticker", "error", err)
		return
	}
	bid, err := decimal.NewFromString(tick.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(tick.Ask)
	if err != nil {
		return
	}

	now := time.Now()
	evt := types.RawTick{
		FeedSymbol: strings.ToLower(tick.Symbol),
		Bid:        bid,
		Ask:        ask,
		Timestamp:  now,
	}
	select {
	case c.events <- evt:
		c.ticks.Add(1)
		c.lastEvent.Store(now.UnixNano())
	default:
		c.logger.Warn("event channel full, dropping tick", "symbol", tick.Symbol)
	}
}

func (c *Crypto) confirmAck(id int64) {
	c.mu.Lock()
	op, ok := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.mu.Unlock()
	if ok {
		c.logger.Debug("subscription ack", "id", id, "op", op)
	}
}

func (c *Crypto) sendControl(method string, params []string) error {
	id := c.nextID.Add(1)
	c.mu.Lock()
	c.pendingAck[id] = method
	c.mu.Unlock()

	msg := controlMsg{Method: method, Params: params, ID: id}
	if err := c.writeJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.pendingAck, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Crypto) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(cryptoPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != conn {
				c.connMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(cryptoWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Crypto) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(cryptoWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Crypto) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
