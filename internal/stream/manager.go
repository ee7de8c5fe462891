// Package stream aggregates the feed clients into a single canonical
// price bus.
//
// The manager owns symbol→feed routing, translates every raw tick into an
// internal-symbol Quote, maintains a last-price cache, and fans updates
// out to subscribers. Fan-out is sequential on the ingesting feed worker,
// which preserves per-symbol ordering as observed at the manager; there
// is no ordering guarantee across symbols or feeds.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/internal/feed"
	"signalwatch/internal/symbols"
	"signalwatch/pkg/types"
)

const (
	firstTickWait = 2 * time.Second
	firstTickPoll = 100 * time.Millisecond
)

// Handler receives every canonical quote. Handlers run sequentially per
// update and must not block for long.
type Handler func(types.Quote)

// Observer is notified of every accepted tick; the health monitor hangs
// off this hook.
type Observer func(f types.Feed, symbol string, seen time.Time)

// FailureHandler is invoked once when a feed worker stops with
// feed.ErrPermanent (rejected credentials, unauthorized account). The
// feed stays down until an operator reconnects it.
type FailureHandler func(f types.Feed, err error)

// Manager multiplexes all feed clients onto one canonical bus.
type Manager struct {
	mapper  *symbols.Mapper
	clients map[types.Feed]feed.Client
	logger  *slog.Logger

	mu           sync.RWMutex
	subscribed   map[string]bool
	symbolToFeed map[string]types.Feed
	latest       map[string]types.Quote

	subsMu      sync.RWMutex
	subscribers []Handler
	observers   []Observer
	onPermanent FailureHandler

	wg sync.WaitGroup
}

// NewManager wires the mapper and the available feed clients.
func NewManager(mapper *symbols.Mapper, clients []feed.Client, logger *slog.Logger) *Manager {
	byName := make(map[types.Feed]feed.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Manager{
		mapper:       mapper,
		clients:      byName,
		logger:       logger.With("component", "stream"),
		subscribed:   make(map[string]bool),
		symbolToFeed: make(map[string]types.Feed),
		latest:       make(map[string]types.Quote),
	}
}

// Run starts one worker per feed client driving its stream plus one
// dispatcher per client draining its event channel. Blocks until every
// worker exits.
func (m *Manager) Run(ctx context.Context) {
	for f, client := range m.clients {
		client := client
		f := f

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, feed.ErrPermanent) {
					m.logger.Error("feed stopped permanently", "feed", f, "error", err)
					m.notifyPermanent(f, err)
					return
				}
				m.logger.Error("feed worker exited", "feed", f, "error", err)
			}
		}()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tick := <-client.Events():
					m.handleTick(f, tick)
				}
			}
		}()
	}
	m.wg.Wait()
}

// AddSubscriber registers a quote handler. Not safe to call after ticks
// are flowing on a hot path, but registration happens during startup.
func (m *Manager) AddSubscriber(h Handler) {
	m.subsMu.Lock()
	m.subscribers = append(m.subscribers, h)
	m.subsMu.Unlock()
}

// AddObserver registers a tick observer (health monitor).
func (m *Manager) AddObserver(o Observer) {
	m.subsMu.Lock()
	m.observers = append(m.observers, o)
	m.subsMu.Unlock()
}

// OnPermanentFailure registers the handler for permanently failed feeds.
func (m *Manager) OnPermanentFailure(h FailureHandler) {
	m.subsMu.Lock()
	m.onPermanent = h
	m.subsMu.Unlock()
}

func (m *Manager) notifyPermanent(f types.Feed, err error) {
	m.subsMu.RLock()
	h := m.onPermanent
	m.subsMu.RUnlock()
	if h != nil {
		h(f, err)
	}
}

// Subscribe routes the symbol to its best available feed and subscribes
// there. Subscribing an already-tracked symbol is a no-op. The routing is
// recorded even when the feed is currently down so it re-applies on
// reconnect.
func (m *Manager) Subscribe(sym string) error {
	sym = symbols.Normalize(sym)

	m.mu.Lock()
	if m.subscribed[sym] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	feeds, err := m.mapper.FeedsFor(sym)
	if err != nil {
		return err
	}

	var lastErr error
	for _, f := range feeds {
		client, ok := m.clients[f]
		if !ok {
			continue
		}
		feedSym, err := m.mapper.ToFeed(sym, f)
		if err != nil {
			lastErr = err
			continue
		}

		m.mu.Lock()
		m.subscribed[sym] = true
		m.symbolToFeed[sym] = f
		m.mu.Unlock()

		if err := client.Subscribe(feedSym); err != nil {
			// Keep the routing: the client re-applies tracked symbols on
			// reconnect, and transient validation failures self-heal.
			m.logger.Warn("subscribe deferred", "symbol", sym, "feed", f, "error", err)
		}
		m.logger.Debug("subscribed", "symbol", sym, "feed", f, "feed_symbol", feedSym)
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: %s", symbols.ErrNoMapping, sym)
}

// BulkSubscribe subscribes each symbol, collecting the first error but
// continuing through the list.
func (m *Manager) BulkSubscribe(syms []string) error {
	var firstErr error
	for _, s := range syms {
		if err := m.Subscribe(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unsubscribe stops tracking the symbol and removes it from its feed.
func (m *Manager) Unsubscribe(sym string) {
	sym = symbols.Normalize(sym)

	m.mu.Lock()
	if !m.subscribed[sym] {
		m.mu.Unlock()
		return
	}
	f := m.symbolToFeed[sym]
	delete(m.subscribed, sym)
	delete(m.symbolToFeed, sym)
	delete(m.latest, sym)
	m.mu.Unlock()

	if client, ok := m.clients[f]; ok {
		if feedSym, err := m.mapper.ToFeed(sym, f); err == nil {
			if err := client.Unsubscribe(feedSym); err != nil {
				m.logger.Warn("unsubscribe failed", "symbol", sym, "feed", f, "error", err)
			}
		}
	}
}

// Subscribed returns the currently tracked internal symbols.
func (m *Manager) Subscribed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		out = append(out, s)
	}
	return out
}

// LatestPrice returns the cached quote. If the symbol is subscribed but
// no tick has arrived yet, it waits up to 2 s polling at 100 ms for the
// first arrival, then gives up.
func (m *Manager) LatestPrice(ctx context.Context, sym string) (types.Quote, bool) {
	sym = symbols.Normalize(sym)

	m.mu.RLock()
	q, ok := m.latest[sym]
	isSub := m.subscribed[sym]
	m.mu.RUnlock()
	if ok || !isSub {
		return q, ok
	}

	deadline := time.Now().Add(firstTickWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return types.Quote{}, false
		case <-time.After(firstTickPoll):
		}
		m.mu.RLock()
		q, ok = m.latest[sym]
		m.mu.RUnlock()
		if ok {
			return q, true
		}
	}
	return types.Quote{}, false
}

// ReconnectFeed forces one feed to drop and re-establish its transport.
func (m *Manager) ReconnectFeed(ctx context.Context, f types.Feed) error {
	client, ok := m.clients[f]
	if !ok {
		return fmt.Errorf("unknown feed %q", f)
	}
	return client.Reconnect(ctx)
}

// ReconnectAll reconnects every feed, returning the per-feed outcome.
func (m *Manager) ReconnectAll(ctx context.Context) map[types.Feed]error {
	out := make(map[types.Feed]error, len(m.clients))
	for f, client := range m.clients {
		out[f] = client.Reconnect(ctx)
	}
	return out
}

// Stats returns a snapshot of every feed client's counters.
func (m *Manager) Stats() []feed.Stats {
	out := make([]feed.Stats, 0, len(m.clients))
	for _, client := range m.clients {
		out = append(out, client.Stats())
	}
	return out
}

// handleTick maps a raw tick to canonical form and dispatches it.
// Runs on the owning feed's dispatcher goroutine.
func (m *Manager) handleTick(f types.Feed, tick types.RawTick) {
	sym, err := m.mapper.FromFeed(tick.FeedSymbol, f)
	if err != nil {
		m.logger.Debug("unmapped tick", "feed", f, "feed_symbol", tick.FeedSymbol)
		return
	}

	m.mu.Lock()
	assigned, routed := m.symbolToFeed[sym]
	if !routed || assigned != f {
		// Routing table is the source of truth: a second feed serving
		// the same symbol is silently ignored.
		m.mu.Unlock()
		return
	}

	spread := tick.Ask.Sub(tick.Bid)
	if spread.IsNegative() {
		m.logger.Warn("negative spread clamped",
			"symbol", sym, "bid", tick.Bid, "ask", tick.Ask, "feed", f)
		spread = decimal.Zero
	}

	q := types.Quote{
		Symbol:    sym,
		Bid:       tick.Bid,
		Ask:       tick.Ask,
		Spread:    spread,
		Timestamp: tick.Timestamp,
		Feed:      f,
	}
	m.latest[sym] = q
	m.mu.Unlock()

	m.subsMu.RLock()
	observers := m.observers
	subscribers := m.subscribers
	m.subsMu.RUnlock()

	for _, o := range observers {
		o(f, sym, tick.Timestamp)
	}
	// Sequential fan-out preserves per-symbol ordering.
	for _, h := range subscribers {
		h(q)
	}
}
