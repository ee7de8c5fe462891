// Package takeprofit decides when a signal with filled limits has earned
// an automatic close in profit.
//
// Thresholds live in config/tp_configuration.json with the same
// defaults/overrides shape as alert distances, plus a scalp tier that
// applies to signals flagged as scalps. The evaluator keeps a per-signal
// cache of filled limits so the per-tick check never touches the store.
package takeprofit

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/internal/symbols"
)

// ThresholdType selects the unit the threshold (and PnL) is measured in.
type ThresholdType string

const (
	UnitPips       ThresholdType = "pips"
	UnitDollars    ThresholdType = "dollars"
	UnitPercentage ThresholdType = "percentage"
)

// Valid reports whether t is a known threshold type.
func (t ThresholdType) Valid() bool {
	return t == UnitPips || t == UnitDollars || t == UnitPercentage
}

// Entry is one configured threshold.
type Entry struct {
	Type        ThresholdType   `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description,omitempty"`
	SetBy       string          `json:"set_by,omitempty"`
	SetAt       *time.Time      `json:"set_at,omitempty"`
}

type fileSchema struct {
	Defaults       map[string]Entry `json:"defaults"`
	Overrides      map[string]Entry `json:"overrides"`
	ScalpDefaults  map[string]Entry `json:"scalp_defaults"`
	ScalpOverrides map[string]Entry `json:"scalp_overrides"`
}

// fallbacks apply when neither tier configures the symbol. Scalp
// fallbacks are tighter.
var fallbacks = map[symbols.AssetClass]Entry{
	symbols.ClassForex:    {Type: UnitPips, Value: decimal.NewFromInt(20)},
	symbols.ClassForexJPY: {Type: UnitPips, Value: decimal.NewFromInt(20)},
	symbols.ClassMetals:   {Type: UnitDollars, Value: decimal.NewFromInt(5)},
	symbols.ClassIndices:  {Type: UnitDollars, Value: decimal.NewFromInt(30)},
	symbols.ClassStocks:   {Type: UnitDollars, Value: decimal.NewFromInt(2)},
	symbols.ClassCrypto:   {Type: UnitPercentage, Value: decimal.NewFromInt(1)},
	symbols.ClassOil:      {Type: UnitDollars, Value: decimal.NewFromInt(1)},
}

var scalpFallbacks = map[symbols.AssetClass]Entry{
	symbols.ClassForex:    {Type: UnitPips, Value: decimal.NewFromInt(10)},
	symbols.ClassForexJPY: {Type: UnitPips, Value: decimal.NewFromInt(10)},
	symbols.ClassMetals:   {Type: UnitDollars, Value: decimal.NewFromInt(3)},
	symbols.ClassIndices:  {Type: UnitDollars, Value: decimal.NewFromInt(15)},
	symbols.ClassStocks:   {Type: UnitDollars, Value: decimal.NewFromInt(1)},
	symbols.ClassCrypto:   {Type: UnitPercentage, Value: decimal.NewFromFloat(0.5)},
	symbols.ClassOil:      {Type: UnitDollars, Value: decimal.NewFromFloat(0.5)},
}

type tier struct {
	defaults  map[symbols.AssetClass]Entry
	overrides map[string]Entry
}

// Store holds the loaded thresholds and persists mutations atomically.
type Store struct {
	path string

	mu      sync.RWMutex
	regular tier
	scalp   tier
}

// Load reads the TP config. A missing file yields fallbacks only.
func Load(path string) (*Store, error) {
	s := &Store{
		path:    path,
		regular: tier{defaults: map[symbols.AssetClass]Entry{}, overrides: map[string]Entry{}},
		scalp:   tier{defaults: map[symbols.AssetClass]Entry{}, overrides: map[string]Entry{}},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file, replacing the in-memory tables.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tp config: %w", err)
	}
	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parse tp config: %w", err)
	}

	regular := loadTier(schema.Defaults, schema.Overrides)
	scalp := loadTier(schema.ScalpDefaults, schema.ScalpOverrides)

	s.mu.Lock()
	s.regular = regular
	s.scalp = scalp
	s.mu.Unlock()
	return nil
}

func loadTier(defaults, overrides map[string]Entry) tier {
	t := tier{
		defaults:  make(map[symbols.AssetClass]Entry, len(defaults)),
		overrides: make(map[string]Entry, len(overrides)),
	}
	for class, e := range defaults {
		if !e.Type.Valid() || !e.Value.IsPositive() {
			continue
		}
		t.defaults[symbols.AssetClass(class)] = e
	}
	for sym, e := range overrides {
		if !e.Type.Valid() || !e.Value.IsPositive() {
			continue
		}
		t.overrides[symbols.Normalize(sym)] = e
	}
	return t
}

// Resolve returns the effective threshold for a symbol in the given tier
// and where it came from: "override", "default", or "fallback".
func (s *Store) Resolve(sym string, scalp bool) (Entry, string) {
	sym = symbols.Normalize(sym)
	class := symbols.Class(sym)

	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.regular
	fb := fallbacks
	if scalp {
		t = s.scalp
		fb = scalpFallbacks
	}
	if e, ok := t.overrides[sym]; ok {
		return e, "override"
	}
	if e, ok := t.defaults[class]; ok {
		return e, "default"
	}
	return fb[class], "fallback"
}

// SetOverride records a per-symbol threshold and persists the file.
func (s *Store) SetOverride(sym string, scalp bool, typ ThresholdType, value decimal.Decimal, setBy string) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown threshold type %q", typ)
	}
	if !value.IsPositive() {
		return fmt.Errorf("threshold value must be > 0")
	}

	now := time.Now().UTC()
	s.mu.Lock()
	t := &s.regular
	if scalp {
		t = &s.scalp
	}
	t.overrides[symbols.Normalize(sym)] = Entry{Type: typ, Value: value, SetBy: setBy, SetAt: &now}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// RemoveOverride deletes a per-symbol threshold. Returns false if none
// existed.
func (s *Store) RemoveOverride(sym string, scalp bool) (bool, error) {
	sym = symbols.Normalize(sym)

	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.regular
	if scalp {
		t = &s.scalp
	}
	if _, ok := t.overrides[sym]; !ok {
		return false, nil
	}
	delete(t.overrides, sym)
	return true, s.saveLocked()
}

// Overrides returns the configured override symbols for a tier, sorted.
func (s *Store) Overrides(scalp bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.regular
	if scalp {
		t = s.scalp
	}
	out := make([]string, 0, len(t.overrides))
	for sym := range t.overrides {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Store) saveLocked() error {
	schema := fileSchema{
		Defaults:       make(map[string]Entry, len(s.regular.defaults)),
		Overrides:      s.regular.overrides,
		ScalpDefaults:  make(map[string]Entry, len(s.scalp.defaults)),
		ScalpOverrides: s.scalp.overrides,
	}
	for class, e := range s.regular.defaults {
		schema.Defaults[string(class)] = e
	}
	for class, e := range s.scalp.defaults {
		schema.ScalpDefaults[string(class)] = e
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tp config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tp config: %w", err)
	}
	return os.Rename(tmp, s.path)
}
