package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signalwatch/internal/config"
	"signalwatch/pkg/types"
)

// Oanda is the v20 HTTP streaming feed. A single long-lived request
// carries every subscribed instrument; changing the set closes and
// reopens the stream with the new instrument list.
type Oanda struct {
	http   *resty.Client
	cfg    config.OandaConfig
	logger *slog.Logger

	mu         sync.RWMutex
	subscribed map[string]bool
	connected  bool
	recycle    context.CancelFunc // cancels the current stream request

	events     chan types.RawTick
	ticks      atomic.Uint64
	reconnects atomic.Int64
	lastEvent  atomic.Int64
}

// streamMessage is one newline-delimited JSON frame from the pricing
// stream. PRICE frames carry quotes; HEARTBEAT frames only prove liveness.
type streamMessage struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Bids       []streamBucket  `json:"bids"`
	Asks       []streamBucket  `json:"asks"`
}

type streamBucket struct {
	Price string `json:"price"`
}

// NewOanda creates the streaming client. An empty token leaves the feed
// not_configured; Run exits immediately with ErrPermanent.
func NewOanda(cfg config.OandaConfig, logger *slog.Logger) *Oanda {
	httpClient := resty.New().
		SetBaseURL(cfg.StreamURL).
		SetAuthToken(cfg.Token).
		SetDoNotParseResponse(true) // the stream body is read line by line

	return &Oanda{
		http:       httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "feed_oanda"),
		subscribed: make(map[string]bool),
		events:     make(chan types.RawTick, eventBuffer),
	}
}

func (c *Oanda) Name() types.Feed { return types.FeedOanda }

func (c *Oanda) Events() <-chan types.RawTick { return c.events }

// Connect verifies credentials with a short-lived stream open.
func (c *Oanda) Connect(ctx context.Context) error {
	if c.cfg.Token == "" || c.cfg.AccountID == "" {
		return fmt.Errorf("%w: oanda token/account not configured", ErrPermanent)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.openStream(probeCtx, []string{"EUR_USD"})
	if err != nil {
		return err
	}
	resp.RawBody().Close()
	c.setConnected(true)
	return nil
}

func (c *Oanda) Subscribe(feedSymbol string) error {
	c.mu.Lock()
	if c.subscribed[feedSymbol] {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[feedSymbol] = true
	recycle := c.recycle
	c.mu.Unlock()

	// The v20 stream lists instruments up front, so the running request
	// must be recycled to pick up the new set.
	if recycle != nil {
		recycle()
	}
	return nil
}

func (c *Oanda) Unsubscribe(feedSymbol string) error {
	c.mu.Lock()
	if !c.subscribed[feedSymbol] {
		c.mu.Unlock()
		return nil
	}
	delete(c.subscribed, feedSymbol)
	recycle := c.recycle
	c.mu.Unlock()

	if recycle != nil {
		recycle()
	}
	return nil
}

func (c *Oanda) BulkSubscribe(feedSymbols []string) error {
	c.mu.Lock()
	added := false
	for _, s := range feedSymbols {
		if !c.subscribed[s] {
			c.subscribed[s] = true
			added = true
		}
	}
	recycle := c.recycle
	c.mu.Unlock()

	if added && recycle != nil {
		recycle()
	}
	return nil
}

// Run maintains the stream until ctx is cancelled. Stream recycles caused
// by subscription changes restart immediately; transport errors back off.
func (c *Oanda) Run(ctx context.Context) error {
	if c.cfg.Token == "" || c.cfg.AccountID == "" {
		return fmt.Errorf("%w: oanda token/account not configured", ErrPermanent)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		instruments := c.instrumentList()
		if len(instruments) == 0 {
			// Nothing to stream yet; wait for a subscription.
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		streamCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.recycle = cancel
		c.mu.Unlock()

		err := c.streamOnce(streamCtx, instruments)
		cancel()
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if streamCtx.Err() == context.Canceled {
			// Recycled for a subscription change: reconnect right away.
			continue
		}
		if err != nil && strings.Contains(err.Error(), "status 401") {
			return fmt.Errorf("%w: oanda credentials rejected", ErrPermanent)
		}

		failures++
		c.reconnects.Add(1)
		delay := backoffDelay(failures - 1)
		c.logger.Warn("stream disconnected, reconnecting",
			"error", err, "failures", failures, "backoff", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Oanda) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	recycle := c.recycle
	c.mu.Unlock()
	if recycle != nil {
		recycle()
	}
	c.reconnects.Add(1)
	return nil
}

func (c *Oanda) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Feed:       types.FeedOanda,
		Configured: c.cfg.Token != "" && c.cfg.AccountID != "",
		Connected:  c.connected,
		Subscribed: len(c.subscribed),
		Ticks:      c.ticks.Load(),
		Reconnects: int(c.reconnects.Load()),
		LastEvent:  time.Unix(0, c.lastEvent.Load()),
	}
}

func (c *Oanda) instrumentList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Oanda) openStream(ctx context.Context, instruments []string) (*resty.Response, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("instruments", strings.Join(instruments, ",")).
		Get(fmt.Sprintf("/v3/accounts/%s/pricing/stream", c.cfg.AccountID))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode())
	}
	return resp, nil
}

func (c *Oanda) streamOnce(ctx context.Context, instruments []string) error {
	resp, err := c.openStream(ctx, instruments)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	c.setConnected(true)
	c.logger.Info("stream connected", "instruments", len(instruments))

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("ignoring malformed stream line", "error", err)
			continue
		}

		switch msg.Type {
		case "PRICE":
			c.handlePrice(msg)
		case "HEARTBEAT":
			// Liveness only.
		default:
			c.logger.Debug("unknown stream message", "type", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

func (c *Oanda) handlePrice(msg streamMessage) {
	if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return
	}
	bid, err := decimal.NewFromString(msg.Bids[0].Price)
	if err != nil {
		c.logger.Warn("bad bid price", "instrument", msg.Instrument, "error", err)
		return
	}
	ask, err := decimal.NewFromString(msg.Asks[0].Price)
	if err != nil {
		c.logger.Warn("bad ask price", "instrument", msg.Instrument, "error", err)
		return
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tick := types.RawTick{FeedSymbol: msg.Instrument, Bid: bid, Ask: ask, Timestamp: ts}

	select {
	case c.events <- tick:
		c.ticks.Add(1)
		c.lastEvent.Store(ts.UnixNano())
	default:
		c.logger.Warn("event channel full, dropping tick", "symbol", msg.Instrument)
	}
}

func (c *Oanda) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
