package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signalwatch/internal/config"
	"signalwatch/pkg/types"
)

// ICMarkets is the polling ticker feed. It fetches the current tick for
// every subscribed symbol on each poll cycle and emits only when bid or
// ask changed since the last observation.
type ICMarkets struct {
	http   *resty.Client
	cfg    config.ICMarketsConfig
	logger *slog.Logger

	mu         sync.RWMutex
	subscribed map[string]bool
	last       map[string]tickSnapshot
	connected  bool

	events     chan types.RawTick
	ticks      atomic.Uint64
	reconnects atomic.Int64
	lastEvent  atomic.Int64 // unix nanos
}

type tickSnapshot struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

type tickResponse struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"` // unix millis
}

// NewICMarkets creates the polling client.
func NewICMarkets(cfg config.ICMarketsConfig, logger *slog.Logger) *ICMarkets {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &ICMarkets{
		http:       httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "feed_icmarkets"),
		subscribed: make(map[string]bool),
		last:       make(map[string]tickSnapshot),
		events:     make(chan types.RawTick, eventBuffer),
	}
}

func (c *ICMarkets) Name() types.Feed { return types.FeedICMarkets }

func (c *ICMarkets) Events() <-chan types.RawTick { return c.events }

// Connect probes the endpoint so startup fails fast on a bad base URL.
func (c *ICMarkets) Connect(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/status")
	if err != nil {
		return fmt.Errorf("icmarkets connect: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("%w: icmarkets status %d", ErrPermanent, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("icmarkets connect: status %d", resp.StatusCode())
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Subscribe validates that the symbol exists before tracking it.
func (c *ICMarkets) Subscribe(feedSymbol string) error {
	c.mu.RLock()
	already := c.subscribed[feedSymbol]
	c.mu.RUnlock()
	if already {
		return nil
	}

	resp, err := c.http.R().
		SetQueryParam("symbol", feedSymbol).
		Get("/v1/symbols")
	if err != nil {
		return fmt.Errorf("icmarkets validate %s: %w", feedSymbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("icmarkets: unknown symbol %s", feedSymbol)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("icmarkets validate %s: status %d", feedSymbol, resp.StatusCode())
	}

	c.mu.Lock()
	c.subscribed[feedSymbol] = true
	c.mu.Unlock()
	return nil
}

func (c *ICMarkets) Unsubscribe(feedSymbol string) error {
	c.mu.Lock()
	delete(c.subscribed, feedSymbol)
	delete(c.last, feedSymbol)
	c.mu.Unlock()
	return nil
}

func (c *ICMarkets) BulkSubscribe(feedSymbols []string) error {
	for _, s := range feedSymbols {
		if err := c.Subscribe(s); err != nil {
			return err
		}
	}
	return nil
}

// Run polls every PollInterval. A failed cycle counts as a transport
// error and backs off before resuming.
func (c *ICMarkets) Run(ctx context.Context) error {
	failures := 0
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				delay := backoffDelay(failures - 1)
				c.logger.Warn("poll cycle failed, backing off",
					"error", err, "failures", failures, "backoff", delay)
				c.setConnected(false)
				if err := sleepCtx(ctx, delay); err != nil {
					return err
				}
				c.reconnects.Add(1)
				continue
			}
			if failures > 0 {
				c.logger.Info("poll recovered", "after_failures", failures)
			}
			failures = 0
			c.setConnected(true)
		}
	}
}

// Reconnect resets the last-seen cache so the next cycle re-emits every
// symbol, and re-probes the endpoint.
func (c *ICMarkets) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.last = make(map[string]tickSnapshot)
	c.mu.Unlock()
	c.reconnects.Add(1)
	return c.Connect(ctx)
}

func (c *ICMarkets) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Feed:       types.FeedICMarkets,
		Configured: c.cfg.BaseURL != "",
		Connected:  c.connected,
		Subscribed: len(c.subscribed),
		Ticks:      c.ticks.Load(),
		Reconnects: int(c.reconnects.Load()),
		LastEvent:  time.Unix(0, c.lastEvent.Load()),
	}
}

func (c *ICMarkets) pollOnce(ctx context.Context) error {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		symbols = append(symbols, s)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)

	for _, sym := range symbols {
		var tick tickResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", sym).
			SetResult(&tick).
			Get("/v1/tick")
		if err != nil {
			return fmt.Errorf("fetch tick %s: %w", sym, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("fetch tick %s: status %d", sym, resp.StatusCode())
		}

		bid := decimal.NewFromFloat(tick.Bid)
		ask := decimal.NewFromFloat(tick.Ask)

		c.mu.Lock()
		prev, seen := c.last[sym]
		unchanged := seen && prev.bid.Equal(bid) && prev.ask.Equal(ask)
		if !unchanged {
			c.last[sym] = tickSnapshot{bid: bid, ask: ask}
		}
		c.mu.Unlock()
		if unchanged {
			continue
		}

		ts := time.UnixMilli(tick.Time)
		if tick.Time == 0 {
			ts = time.Now()
		}
		c.emit(types.RawTick{FeedSymbol: sym, Bid: bid, Ask: ask, Timestamp: ts})
	}
	return nil
}

func (c *ICMarkets) emit(t types.RawTick) {
	select {
	case c.events <- t:
		c.ticks.Add(1)
		c.lastEvent.Store(t.Timestamp.UnixNano())
	default:
		c.logger.Warn("event channel full, dropping tick", "symbol", t.FeedSymbol)
	}
}

func (c *ICMarkets) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
