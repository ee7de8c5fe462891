// Package health classifies feed liveness and drives recovery.
//
// The monitor records the last-seen timestamp of every (feed, symbol)
// pair as ticks flow through the stream manager. A periodic sweep counts
// symbols that have gone silent while their market is open and classifies
// each feed healthy, degraded, or down. Down feeds get a bounded number
// of reconnect attempts; if the feed stays down, an admin notification is
// emitted through the alert sink, throttled by a per-feed cooldown.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"

	"signalwatch/internal/alert"
	"signalwatch/internal/symbols"
	"signalwatch/pkg/types"
)

// FeedState classifies one feed's liveness.
type FeedState string

const (
	StateHealthy       FeedState = "healthy"
	StateDegraded      FeedState = "degraded"
	StateDown          FeedState = "down"
	StateNotConfigured FeedState = "not_configured"
)

// Config is the shape of config/health_config.json.
type Config struct {
	CheckIntervalSeconds      int         `mapstructure:"check_interval_seconds"`
	StaleThresholdSeconds     int         `mapstructure:"stale_threshold_seconds"`
	MaxReconnectAttempts      int         `mapstructure:"max_reconnect_attempts"`
	ReconnectDelaySeconds     int         `mapstructure:"reconnect_delay_seconds"`
	AlertCooldownMinutes      int         `mapstructure:"alert_cooldown_minutes"`
	StartupGracePeriodSeconds int         `mapstructure:"startup_grace_period_seconds"`
	MarketHours               MarketHours `mapstructure:"market_hours"`
}

// MarketHours carries the static calendar configuration.
type MarketHours struct {
	Holidays []string `mapstructure:"holidays"` // "2006-01-02", NY dates
}

// LoadConfig reads health_config.json, falling back to defaults when the
// file is absent.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("check_interval_seconds", 60)
	v.SetDefault("stale_threshold_seconds", 300)
	v.SetDefault("max_reconnect_attempts", 3)
	v.SetDefault("reconnect_delay_seconds", 10)
	v.SetDefault("alert_cooldown_minutes", 15)
	v.SetDefault("startup_grace_period_seconds", 120)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read health config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal health config: %w", err)
	}
	return cfg, nil
}

// Reconnector triggers one feed's transport recycle. The stream manager
// implements it.
type Reconnector interface {
	ReconnectFeed(ctx context.Context, f types.Feed) error
}

// FeedReport is one feed's classification at the last sweep.
type FeedReport struct {
	Feed        types.Feed
	State       FeedState
	Symbols     int
	Stale       int
	Reconnects  int
	LastChecked time.Time
}

// Monitor tracks per-(feed, symbol) last-seen timestamps and classifies
// feeds on a periodic sweep.
type Monitor struct {
	cfg       Config
	cal       *Calendar
	recon     Reconnector
	sink      alert.Sink
	clock     types.Clock
	logger    *slog.Logger
	startedAt time.Time

	mu          sync.RWMutex
	lastSeen    map[types.Feed]map[string]time.Time // internal symbol → last tick
	states      map[types.Feed]FeedState
	attempts    map[types.Feed]int
	lastAttempt map[types.Feed]time.Time
	lastAlert   map[types.Feed]time.Time
}

// NewMonitor creates a monitor. Feeds that never observe a tick simply
// have no entries; an unconfigured feed can be pre-marked via MarkNotConfigured.
func NewMonitor(cfg Config, cal *Calendar, recon Reconnector, sink alert.Sink, clock types.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		cal:         cal,
		recon:       recon,
		sink:        sink,
		clock:       clock,
		logger:      logger.With("component", "health"),
		startedAt:   clock.Now(),
		lastSeen:    make(map[types.Feed]map[string]time.Time),
		states:      make(map[types.Feed]FeedState),
		attempts:    make(map[types.Feed]int),
		lastAttempt: make(map[types.Feed]time.Time),
		lastAlert:   make(map[types.Feed]time.Time),
	}
}

// Observe records a tick. Wired as a stream.Observer.
func (m *Monitor) Observe(f types.Feed, symbol string, seen time.Time) {
	m.mu.Lock()
	byFeed, ok := m.lastSeen[f]
	if !ok {
		byFeed = make(map[string]time.Time)
		m.lastSeen[f] = byFeed
	}
	byFeed[symbol] = seen
	m.mu.Unlock()
}

// Forget drops a symbol that is no longer subscribed.
func (m *Monitor) Forget(symbol string) {
	m.mu.Lock()
	for _, byFeed := range m.lastSeen {
		delete(byFeed, symbol)
	}
	m.mu.Unlock()
}

// MarkNotConfigured pins a feed to not_configured; the sweep skips it.
func (m *Monitor) MarkNotConfigured(f types.Feed) {
	m.mu.Lock()
	m.states[f] = StateNotConfigured
	m.mu.Unlock()
}

// Run sweeps every CheckIntervalSeconds until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Reports returns the current per-feed classification.
func (m *Monitor) Reports() []FeedReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]FeedReport, 0, len(m.lastSeen))
	for f, byFeed := range m.lastSeen {
		state, ok := m.states[f]
		if !ok {
			state = StateHealthy
		}
		out = append(out, FeedReport{
			Feed:        f,
			State:       state,
			Symbols:     len(byFeed),
			Stale:       m.staleCountLocked(f, now),
			Reconnects:  m.attempts[f],
			LastChecked: now,
		})
	}
	return out
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.clock.Now()

	// Cold caches trip every threshold; say nothing during the grace
	// period after startup.
	if now.Sub(m.startedAt) < time.Duration(m.cfg.StartupGracePeriodSeconds)*time.Second {
		return
	}

	m.mu.Lock()
	type feedCount struct {
		total, stale int
	}
	counts := make(map[types.Feed]feedCount)
	for f, byFeed := range m.lastSeen {
		if m.states[f] == StateNotConfigured {
			continue
		}
		counts[f] = feedCount{total: len(byFeed), stale: m.staleCountLocked(f, now)}
	}
	m.mu.Unlock()

	for f, c := range counts {
		if c.total == 0 {
			continue
		}
		switch {
		case c.stale == 0:
			m.markHealthy(f)
		case c.stale*2 < c.total:
			m.markDegraded(f, c.stale, c.total)
		default:
			m.markDown(ctx, f, c.stale, c.total)
		}
	}
}

// staleCountLocked counts symbols silent beyond the threshold while
// their market is open. Callers hold at least the read lock.
func (m *Monitor) staleCountLocked(f types.Feed, now time.Time) int {
	threshold := time.Duration(m.cfg.StaleThresholdSeconds) * time.Second
	stale := 0
	for sym, seen := range m.lastSeen[f] {
		if now.Sub(seen) <= threshold {
			continue
		}
		if !m.cal.Open(symbols.Class(sym), now) {
			continue
		}
		stale++
	}
	return stale
}

func (m *Monitor) markHealthy(f types.Feed) {
	m.mu.Lock()
	prev := m.states[f]
	m.states[f] = StateHealthy
	m.attempts[f] = 0
	delete(m.lastAlert, f)
	m.mu.Unlock()

	if prev == StateDown || prev == StateDegraded {
		m.logger.Info("feed recovered", "feed", f, "was", prev)
	}
}

func (m *Monitor) markDegraded(f types.Feed, stale, total int) {
	m.mu.Lock()
	prev := m.states[f]
	m.states[f] = StateDegraded
	m.mu.Unlock()

	if prev != StateDegraded {
		m.logger.Warn("feed degraded", "feed", f, "stale", stale, "total", total)
	}
}

func (m *Monitor) markDown(ctx context.Context, f types.Feed, stale, total int) {
	m.mu.Lock()
	prev := m.states[f]
	m.states[f] = StateDown
	attempts := m.attempts[f]
	m.mu.Unlock()

	if prev != StateDown {
		m.logger.Error("feed down", "feed", f, "stale", stale, "total", total)
	}

	if attempts < m.cfg.MaxReconnectAttempts {
		delay := time.Duration(m.cfg.ReconnectDelaySeconds) * time.Second
		now := m.clock.Now()

		m.mu.Lock()
		if last, ok := m.lastAttempt[f]; ok && now.Sub(last) < delay {
			m.mu.Unlock()
			return
		}
		m.attempts[f]++
		m.lastAttempt[f] = now
		m.mu.Unlock()

		m.logger.Info("scheduling reconnect", "feed", f, "attempt", attempts+1)
		if err := m.recon.ReconnectFeed(ctx, f); err != nil {
			m.logger.Error("reconnect failed", "feed", f, "error", err)
		}
		return
	}

	m.notifyAdmin(ctx, f, stale, total)
}

// notifyAdmin emits a throttled admin alert for a feed that stayed down
// through all reconnect attempts.
func (m *Monitor) notifyAdmin(ctx context.Context, f types.Feed, stale, total int) {
	now := m.clock.Now()
	cooldown := time.Duration(m.cfg.AlertCooldownMinutes) * time.Minute

	m.mu.Lock()
	last, alerted := m.lastAlert[f]
	if alerted && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[f] = now
	m.mu.Unlock()

	a := alert.AdminAlert{
		Title: "feed down",
		Message: fmt.Sprintf("%s: %d/%d symbols stale after %d reconnect attempts",
			f, stale, total, m.cfg.MaxReconnectAttempts),
		Feed: f,
		At:   now,
	}
	if err := m.sink.AdminNotification(ctx, a); err != nil {
		m.logger.Error("admin notification failed", "feed", f, "error", err)
	}
}
