// Package config defines all configuration for the signal tracker.
// Settings are loaded from config/settings.json with sensitive fields
// overridable via SIGWATCH_* environment variables. Loaded snapshots are
// immutable; reloads and runtime toggles build a fresh snapshot and swap
// it in atomically.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to settings.json.
type Config struct {
	DryRun       bool               `mapstructure:"dry_run" json:"dry_run"`
	BotPrefix    string             `mapstructure:"bot_prefix" json:"bot_prefix"`
	AdminIDs     []string           `mapstructure:"admin_ids" json:"admin_ids"`
	SpreadBuffer SpreadBufferConfig `mapstructure:"spread_buffer" json:"spread_buffer"`
	Store        StoreConfig        `mapstructure:"store" json:"store"`
	Feeds        FeedsConfig        `mapstructure:"feeds" json:"feeds"`
	Tracker      TrackerConfig      `mapstructure:"tracker" json:"tracker"`
	Paths        PathsConfig        `mapstructure:"paths" json:"paths"`
	Logging      LoggingConfig      `mapstructure:"logging" json:"logging"`
}

// SpreadBufferConfig controls the per-tick hit tolerance equal to the
// observed spread. Stop losses never use the buffer regardless of
// ApplyToStopLoss; the field exists for schema compatibility and is
// rejected by Validate when true.
type SpreadBufferConfig struct {
	Enabled           bool    `mapstructure:"spread_buffer_enabled" json:"spread_buffer_enabled"`
	ApplyToApproach   bool    `mapstructure:"apply_to_approaching" json:"apply_to_approaching"`
	ApplyToHit        bool    `mapstructure:"apply_to_hit" json:"apply_to_hit"`
	ApplyToStopLoss   bool    `mapstructure:"apply_to_stop_loss" json:"apply_to_stop_loss"`
	FallbackSpread    float64 `mapstructure:"fallback_spread" json:"fallback_spread"`
	LogBufferUsage    bool    `mapstructure:"log_buffer_usage" json:"log_buffer_usage"`
}

// StoreConfig selects the persistence backend. With an empty DSN (or
// DryRun set) the in-memory store is used.
type StoreConfig struct {
	PostgresDSN string        `mapstructure:"postgres_dsn" json:"postgres_dsn"`
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
}

// FeedsConfig holds per-feed endpoints and credentials.
type FeedsConfig struct {
	ICMarkets ICMarketsConfig `mapstructure:"icmarkets" json:"icmarkets"`
	Oanda     OandaConfig     `mapstructure:"oanda" json:"oanda"`
	Crypto    CryptoConfig    `mapstructure:"cryptofeed" json:"cryptofeed"`
}

// ICMarketsConfig configures the polling ticker feed.
type ICMarketsConfig struct {
	BaseURL      string        `mapstructure:"base_url" json:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// OandaConfig configures the v20 HTTP streaming feed. An empty token marks
// the feed not_configured; it is skipped rather than retried.
type OandaConfig struct {
	StreamURL string `mapstructure:"stream_url" json:"stream_url"`
	AccountID string `mapstructure:"account_id" json:"account_id"`
	Token     string `mapstructure:"token" json:"token"`
}

// CryptoConfig configures the multi-stream WebSocket feed.
type CryptoConfig struct {
	WSURL string `mapstructure:"ws_url" json:"ws_url"`
}

// TrackerConfig tunes the core loops.
//
//   - RefreshInterval:   how often the working set is re-pulled from the store.
//   - ExpirySweep:       how often expired signals are cancelled.
//   - SettingsCacheTTL:  max staleness of the spread-buffer toggle read per tick.
//   - ShutdownGrace:     how long workers get to drain on shutdown.
type TrackerConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval" json:"refresh_interval"`
	ExpirySweep      time.Duration `mapstructure:"expiry_sweep" json:"expiry_sweep"`
	SettingsCacheTTL time.Duration `mapstructure:"settings_cache_ttl" json:"settings_cache_ttl"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" json:"shutdown_grace"`
}

// PathsConfig locates the runtime-mutable JSON documents.
type PathsConfig struct {
	AlertDistances string `mapstructure:"alert_distances" json:"alert_distances"`
	TakeProfit     string `mapstructure:"take_profit" json:"take_profit"`
	SymbolMappings string `mapstructure:"symbol_mappings" json:"symbol_mappings"`
	NewsEvents     string `mapstructure:"news_events" json:"news_events"`
	HealthConfig   string `mapstructure:"health_config" json:"health_config"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Load reads settings from a JSON file with env var overrides.
// Sensitive fields use env vars: SIGWATCH_OANDA_TOKEN, SIGWATCH_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("SIGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if tok := os.Getenv("SIGWATCH_OANDA_TOKEN"); tok != "" {
		cfg.Feeds.Oanda.Token = tok
	}
	if dsn := os.Getenv("SIGWATCH_POSTGRES_DSN"); dsn != "" {
		cfg.Store.PostgresDSN = dsn
	}
	if os.Getenv("SIGWATCH_DRY_RUN") == "true" || os.Getenv("SIGWATCH_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot_prefix", "!")
	v.SetDefault("spread_buffer.spread_buffer_enabled", false)
	v.SetDefault("spread_buffer.apply_to_hit", true)
	v.SetDefault("spread_buffer.fallback_spread", 0.0)
	v.SetDefault("store.call_timeout", 5*time.Second)
	v.SetDefault("feeds.icmarkets.poll_interval", 100*time.Millisecond)
	v.SetDefault("tracker.refresh_interval", 30*time.Second)
	v.SetDefault("tracker.expiry_sweep", 5*time.Minute)
	v.SetDefault("tracker.settings_cache_ttl", 30*time.Second)
	v.SetDefault("tracker.shutdown_grace", 10*time.Second)
	v.SetDefault("paths.alert_distances", "config/alert_distances.json")
	v.SetDefault("paths.take_profit", "config/tp_configuration.json")
	v.SetDefault("paths.symbol_mappings", "config/symbol_mappings.json")
	v.SetDefault("paths.news_events", "config/news_events.json")
	v.SetDefault("paths.health_config", "config/health_config.json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Store.CallTimeout <= 0 {
		return fmt.Errorf("store.call_timeout must be > 0")
	}
	if c.Feeds.ICMarkets.PollInterval <= 0 {
		return fmt.Errorf("feeds.icmarkets.poll_interval must be > 0")
	}
	if c.SpreadBuffer.FallbackSpread < 0 {
		return fmt.Errorf("spread_buffer.fallback_spread must be >= 0")
	}
	if c.SpreadBuffer.ApplyToStopLoss {
		return fmt.Errorf("spread_buffer.apply_to_stop_loss is not supported: stop losses are always exact")
	}
	if c.Tracker.RefreshInterval <= 0 {
		return fmt.Errorf("tracker.refresh_interval must be > 0")
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Manager — live snapshot with runtime toggles
// ————————————————————————————————————————————————————————————————————————

// Manager holds the current settings snapshot. Readers take the pointer
// without locking; mutations rebuild the snapshot, persist it, and swap.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewManager wraps a loaded config for runtime access.
func NewManager(path string, cfg *Config) *Manager {
	m := &Manager{path: path}
	m.cur.Store(cfg)
	return m
}

// Current returns the live snapshot. The returned value must not be mutated.
func (m *Manager) Current() *Config {
	return m.cur.Load()
}

// Reload re-reads settings from disk and swaps the snapshot.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cur.Store(cfg)
	return nil
}

// SetSpreadBuffer toggles the hit buffer, persists settings.json
// atomically, and swaps the snapshot.
func (m *Manager) SetSpreadBuffer(enabled bool) error {
	next := *m.cur.Load()
	next.SpreadBuffer.Enabled = enabled
	if err := writeJSON(m.path, &next); err != nil {
		return err
	}
	m.cur.Store(&next)
	return nil
}

// writeJSON atomically rewrites path (write .tmp, rename over target).
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, path)
}
