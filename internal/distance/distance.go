// Package distance resolves per-symbol approach thresholds.
//
// The configuration file carries per-asset-class defaults and per-symbol
// overrides, each as {type, value} where type is pips, dollars, or
// percentage. Resolution order: symbol override > asset-class default >
// hardcoded fallback. Older flat-schema files are migrated in place on
// first load.
package distance

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

// DistanceType selects how Value converts into price units.
type DistanceType string

const (
	TypePips       DistanceType = "pips"
	TypeDollars    DistanceType = "dollars"
	TypePercentage DistanceType = "percentage"
)

// Valid reports whether t is a known distance type.
func (t DistanceType) Valid() bool {
	return t == TypePips || t == TypeDollars || t == TypePercentage
}

// Entry is one configured threshold.
type Entry struct {
	Type        DistanceType    `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description,omitempty"`
	SetBy       string          `json:"set_by,omitempty"`
	SetAt       *time.Time      `json:"set_at,omitempty"`
}

type fileSchema struct {
	Defaults  map[string]Entry `json:"defaults"`
	Overrides map[string]Entry `json:"overrides"`
}

// fallbacks apply when neither an override nor a class default exists.
var fallbacks = map[symbols.AssetClass]Entry{
	symbols.ClassForex:    {Type: TypePips, Value: decimal.NewFromInt(10)},
	symbols.ClassForexJPY: {Type: TypePips, Value: decimal.NewFromInt(10)},
	symbols.ClassMetals:   {Type: TypeDollars, Value: decimal.NewFromInt(2)},
	symbols.ClassIndices:  {Type: TypeDollars, Value: decimal.NewFromInt(10)},
	symbols.ClassStocks:   {Type: TypeDollars, Value: decimal.NewFromInt(1)},
	symbols.ClassCrypto:   {Type: TypePercentage, Value: decimal.NewFromFloat(0.5)},
	symbols.ClassOil:      {Type: TypeDollars, Value: decimal.NewFromFloat(0.5)},
}

// Store holds the loaded thresholds and persists mutations atomically.
type Store struct {
	path string

	mu        sync.RWMutex
	defaults  map[symbols.AssetClass]Entry
	overrides map[string]Entry
}

// Load reads the config file, migrating legacy schemas. A missing file
// yields an empty store backed by the fallbacks.
func Load(path string) (*Store, error) {
	s := &Store{
		path:      path,
		defaults:  make(map[symbols.AssetClass]Entry),
		overrides: make(map[string]Entry),
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
		return fmt.Errorf("read alert distances: %w", err)
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil || (schema.Defaults == nil && schema.Overrides == nil) {
		migrated, merr := migrateLegacy(data)
		if merr != nil {
			return fmt.Errorf("parse alert distances: %w", merr)
		}
		schema = migrated
		if werr := writeFile(s.path, schema); werr != nil {
			return fmt.Errorf("rewrite migrated alert distances: %w", werr)
		}
	}

	defaults := make(map[symbols.AssetClass]Entry, len(schema.Defaults))
	for class, e := range schema.Defaults {
		if !e.Type.Valid() || !e.Value.IsPositive() {
			continue
		}
		defaults[symbols.AssetClass(class)] = e
	}
	overrides := make(map[string]Entry, len(schema.Overrides))
	for sym, e := range schema.Overrides {
		if !e.Type.Valid() || !e.Value.IsPositive() {
			continue
		}
		overrides[symbols.Normalize(sym)] = e
	}

	s.mu.Lock()
	s.defaults = defaults
	s.overrides = overrides
	s.mu.Unlock()
	return nil
}

// migrateLegacy converts the old flat {"SYMBOL": pips} schema.
func migrateLegacy(data []byte) (fileSchema, error) {
	var flat map[string]float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return fileSchema{}, err
	}
	out := fileSchema{
		Defaults:  make(map[string]Entry),
		Overrides: make(map[string]Entry, len(flat)),
	}
	for sym, pips := range flat {
		out.Overrides[symbols.Normalize(sym)] = Entry{
			Type:        TypePips,
			Value:       decimal.NewFromFloat(pips),
			Description: "migrated from legacy schema",
		}
	}
	return out, nil
}

// Resolve returns the effective entry for a symbol and where it came
// from: "override", "default", or "fallback".
func (s *Store) Resolve(sym string) (Entry, string) {
	sym = symbols.Normalize(sym)
	class := symbols.Class(sym)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.overrides[sym]; ok {
		return e, "override"
	}
	if e, ok := s.defaults[class]; ok {
		return e, "default"
	}
	return fallbacks[class], "fallback"
}

// Distance converts the effective entry into price units at the current
// price.
func (s *Store) Distance(sym string, currentPrice decimal.Decimal) decimal.Decimal {
	e, _ := s.Resolve(sym)
	switch e.Type {
	case TypePips:
		return e.Value.Mul(symbols.PipSize(sym))
	case TypeDollars:
		return e.Value
	case TypePercentage:
		return e.Value.Div(decimal.NewFromInt(100)).Mul(currentPrice)
	}
	return decimal.Zero
}

// Display formats the effective entry for alert text, e.g. "12.5 pips".
func (s *Store) Display(sym string, priceDistance decimal.Decimal) string {
	e, _ := s.Resolve(sym)
	switch e.Type {
	case TypePips:
		pip := symbols.PipSize(sym)
		if pip.IsZero() {
			return priceDistance.String()
		}
		return fmt.Sprintf("%s pips", priceDistance.Div(pip).Round(1))
	case TypePercentage:
		return fmt.Sprintf("%s (%s%%)", priceDistance, e.Value)
	default:
		return fmt.Sprintf("$%s", priceDistance)
	}
}

// SetOverride records a per-symbol override and persists the file.
func (s *Store) SetOverride(sym string, t DistanceType, value decimal.Decimal, setBy string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown distance type %q", t)
	}
	if !value.IsPositive() {
		return fmt.Errorf("distance value must be > 0")
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.overrides[symbols.Normalize(sym)] = Entry{Type: t, Value: value, SetBy: setBy, SetAt: &now}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// SetDefault records an asset-class default and persists the file.
func (s *Store) SetDefault(class symbols.AssetClass, t DistanceType, value decimal.Decimal) error {
	if !t.Valid() {
		return fmt.Errorf("unknown distance type %q", t)
	}
	if !value.IsPositive() {
		return fmt.Errorf("distance value must be > 0")
	}

	s.mu.Lock()
	s.defaults[class] = Entry{Type: t, Value: value}
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// RemoveOverride deletes a per-symbol override. Returns false if none
// existed.
func (s *Store) RemoveOverride(sym string) (bool, error) {
	sym = symbols.Normalize(sym)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[sym]; !ok {
		return false, nil
	}
	delete(s.overrides, sym)
	return true, s.saveLocked()
}

// Overrides returns the configured override symbols, sorted.
func (s *Store) Overrides() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.overrides))
	for sym := range s.overrides {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Store) saveLocked() error {
	schema := fileSchema{
		Defaults:  make(map[string]Entry, len(s.defaults)),
		Overrides: make(map[string]Entry, len(s.overrides)),
	}
	for class, e := range s.defaults {
		schema.Defaults[string(class)] = e
	}
	for sym, e := range s.overrides {
		schema.Overrides[sym] = e
	}
	return writeFile(s.path, schema)
}

// writeFile atomically rewrites path (write .tmp, rename over target).
func writeFile(path string, schema fileSchema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert distances: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write alert distances: %w", err)
	}
	return os.Rename(tmp, path)
}
