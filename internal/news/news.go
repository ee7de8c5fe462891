// Package news manages scheduled news blackout windows.
//
// An event names a category, an instant, and a window in minutes; while
// the window is open, hits on matching instruments are cancelled instead
// of filled. Events persist in config/news_events.json across restarts,
// with ids allocated from a monotonic counter that never reuses values.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"signalwatch/internal/alert"
	"signalwatch/internal/symbols"
	"signalwatch/pkg/types"
)

const (
	notifyInterval = 30 * time.Second
	purgeInterval  = 5 * time.Minute
)

type fileSchema struct {
	NextID int64             `json:"next_id"`
	Events []types.NewsEvent `json:"events"`
}

// Manager owns the event set, its persistence, and the window-opened
// notifications.
type Manager struct {
	path   string
	sink   alert.Sink
	clock  types.Clock
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int64
	events   map[int64]types.NewsEvent
	notified map[int64]bool // window-open alert already sent
}

// NewManager loads persisted events, discarding any whose window has
// already passed. A missing file starts empty with id 1.
func NewManager(path string, sink alert.Sink, clock types.Clock, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		path:     path,
		sink:     sink,
		clock:    clock,
		logger:   logger.With("component", "news"),
		nextID:   1,
		events:   make(map[int64]types.NewsEvent),
		notified: make(map[int64]bool),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read news events: %w", err)
	}
	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse news events: %w", err)
	}

	now := clock.Now()
	if schema.NextID > 0 {
		m.nextID = schema.NextID
	}
	for _, e := range schema.Events {
		if e.Expired(now) {
			continue
		}
		m.events[e.ID] = e
		// Restarting mid-window must not re-announce it.
		if e.ActiveAt(now) {
			m.notified[e.ID] = true
		}
		if e.ID >= m.nextID {
			m.nextID = e.ID + 1
		}
	}
	return m, nil
}

// Add schedules an event and persists the set. The category is stored
// uppercased.
func (m *Manager) Add(category string, newsTime time.Time, windowMinutes int, createdBy string) (types.NewsEvent, error) {
	if windowMinutes <= 0 {
		return types.NewsEvent{}, fmt.Errorf("window must be > 0 minutes")
	}
	e := types.NewsEvent{
		Category:      strings.ToUpper(strings.TrimSpace(category)),
		NewsTime:      newsTime,
		WindowMinutes: windowMinutes,
		CreatedBy:     createdBy,
		CreatedAt:     m.clock.Now(),
	}
	if e.Expired(m.clock.Now()) {
		return types.NewsEvent{}, fmt.Errorf("news window already passed")
	}

	m.mu.Lock()
	e.ID = m.nextID
	m.nextID++
	m.events[e.ID] = e
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return types.NewsEvent{}, err
	}
	return e, nil
}

// Remove deletes an event by id. Returns false if it does not exist.
func (m *Manager) Remove(id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return false, nil
	}
	delete(m.events, id)
	delete(m.notified, id)
	return true, m.saveLocked()
}

// All returns every scheduled event, ordered by news time.
func (m *Manager) All() []types.NewsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.NewsEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NewsTime.Equal(out[j].NewsTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].NewsTime.Before(out[j].NewsTime)
	})
	return out
}

// ActiveFor returns the first open window matching the instrument, if any.
func (m *Manager) ActiveFor(sym string, at time.Time) (types.NewsEvent, bool) {
	sym = symbols.Normalize(sym)

	m.mu.Lock()
	defer m.mu.Unlock()
	var best types.NewsEvent
	found := false
	for _, e := range m.events {
		if !e.ActiveAt(at) || !Matches(e.Category, sym) {
			continue
		}
		if !found || e.NewsTime.Before(best.NewsTime) {
			best = e
			found = true
		}
	}
	return best, found
}

// Run drives the window-open notifier and the expiry purge until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	notify := time.NewTicker(notifyInterval)
	purge := time.NewTicker(purgeInterval)
	defer notify.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify.C:
			m.announceOpen(ctx)
		case <-purge.C:
			m.purgeExpired()
		}
	}
}

// announceOpen sends the one-shot window-open alert for events whose
// window just opened.
func (m *Manager) announceOpen(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var due []types.NewsEvent
	for id, e := range m.events {
		if m.notified[id] || !e.ActiveAt(now) {
			continue
		}
		m.notified[id] = true
		due = append(due, e)
	}
	m.mu.Unlock()

	for _, e := range due {
		if err := m.sink.NewsActivated(ctx, alert.NewsActivatedAlert{Event: e}); err != nil {
			m.logger.Error("news-activated alert failed", "event", e.ID, "error", err)
		}
	}
}

func (m *Manager) purgeExpired() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.events {
		if e.Expired(now) {
			delete(m.events, id)
			delete(m.notified, id)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := m.saveLocked(); err != nil {
		m.logger.Error("persist after purge failed", "error", err)
	}
	m.logger.Info("purged expired news events", "count", removed)
}

func (m *Manager) saveLocked() error {
	schema := fileSchema{NextID: m.nextID, Events: make([]types.NewsEvent, 0, len(m.events))}
	for _, e := range m.events {
		schema.Events = append(schema.Events, e)
	}
	sort.Slice(schema.Events, func(i, j int) bool { return schema.Events[i].ID < schema.Events[j].ID })

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal news events: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write news events: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// ————————————————————————————————————————————————————————————————————————
// Category matching
// ————————————————————————————————————————————————————————————————————————

// Matches reports whether a news category applies to an instrument.
//
//	ALL            every instrument
//	GOLD / SILVER  the respective metal pairs
//	OIL            oil instruments
//	BTC / ETH      that coin's pairs
//	CRYPTO         any crypto instrument
//	<currency>     six-letter pairs containing the code (EURUSD for USD),
//	               excluding metal and oil identifiers that merely embed it
func Matches(category, sym string) bool {
	cat := strings.ToUpper(strings.TrimSpace(category))
	s := strings.ToUpper(sym)

	switch cat {
	case "ALL":
		return true
	case "GOLD":
		return strings.Contains(s, "XAU") || strings.Contains(s, "GOLD")
	case "SILVER":
		return strings.Contains(s, "XAG") || strings.Contains(s, "SILVER")
	case "OIL":
		return symbols.Class(s) == symbols.ClassOil
	case "BTC":
		return strings.HasPrefix(s, "BTC")
	case "ETH":
		return strings.HasPrefix(s, "ETH")
	case "CRYPTO":
		return symbols.Class(s) == symbols.ClassCrypto
	}

	// Currency-code categories only apply to plain pairs; XAUUSD carries
	// "USD" but is a metal, not a USD pair.
	if len(cat) == 3 {
		switch symbols.Class(s) {
		case symbols.ClassForex, symbols.ClassForexJPY:
			return len(s) == 6 && (s[:3] == cat || s[3:] == cat)
		}
	}
	return false
}
