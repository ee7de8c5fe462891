// Package symbols translates between internal instrument identifiers and
// each feed's own vocabulary, classifies instruments into asset classes,
// and answers pip-size lookups.
//
// Internal symbols are opaque uppercase identifiers (EURUSD, XAUUSD,
// NAS100, BTCUSDT, AAPL.NAS). Each feed speaks a dialect:
//
//   - icmarkets: internal form as-is, with a handful of specific overrides.
//   - oanda:     six-letter pairs split on the midpoint with "_" (EUR_USD),
//     indices with a quote-currency suffix (NAS100_USD, DE30_EUR).
//   - cryptofeed: lowercased tickers (btcusdt); stored uppercase internally.
//
// The round-trip law holds for every supported (symbol, feed) pair:
// FromFeed(ToFeed(sym, feed), feed) == sym.
package symbols

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"signalwatch/pkg/types"
)

// AssetClass buckets instruments for pip sizes, market hours, alert
// distances and feed routing.
type AssetClass string

const (
	ClassForex    AssetClass = "forex"
	ClassForexJPY AssetClass = "forex_jpy"
	ClassMetals   AssetClass = "metals"
	ClassIndices  AssetClass = "indices"
	ClassStocks   AssetClass = "stocks"
	ClassCrypto   AssetClass = "crypto"
	ClassOil      AssetClass = "oil"
)

// ErrNoMapping is returned when a symbol has no translation on the
// requested feed, or no feed supports its asset class at all.
var ErrNoMapping = errors.New("symbols: no feed mapping")

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SGD": true, "NOK": true,
	"SEK": true, "DKK": true, "MXN": true, "ZAR": true, "TRY": true,
	"PLN": true, "HUF": true, "CZK": true, "HKD": true, "CNH": true,
}

var indexTokens = []string{
	"SPX", "US500", "NAS", "US100", "USTEC", "DOW", "US30", "DJI",
	"DAX", "DE30", "DE40", "GER40", "FTSE", "UK100", "JP225", "NIKKEI",
	"HK50", "HK33", "AUS200", "EU50", "FR40", "FRA40", "CAC",
}

var cryptoTickers = []string{
	"BTC", "ETH", "XRP", "LTC", "BNB", "SOL", "ADA", "DOGE", "DOT",
	"AVAX", "LINK", "MATIC", "SHIB", "TRX", "UNI",
}

var oilTokens = []string{"WTI", "BCO", "BRENT", "USOIL", "UKOIL", "XTI", "XBR"}

var metalTokens = []string{"XAU", "XAG", "GOLD", "SILVER", "XPT", "XPD"}

// Class derives the asset class purely from the identifier. Rules are
// checked from most to least specific so that e.g. XAUUSD lands in metals
// before the six-letter forex test can claim it.
func Class(sym string) AssetClass {
	s := strings.ToUpper(sym)

	if strings.Contains(s, ".") {
		return ClassStocks
	}
	for _, tok := range oilTokens {
		if strings.Contains(s, tok) {
			return ClassOil
		}
	}
	for _, tok := range metalTokens {
		if strings.Contains(s, tok) {
			return ClassMetals
		}
	}
	if strings.Contains(s, "USDT") {
		return ClassCrypto
	}
	for _, tok := range cryptoTickers {
		if strings.HasPrefix(s, tok) {
			return ClassCrypto
		}
	}
	for _, tok := range indexTokens {
		if strings.Contains(s, tok) {
			return ClassIndices
		}
	}
	if len(s) == 6 && isAlpha(s) {
		base, quote := s[:3], s[3:]
		if currencyCodes[base] && currencyCodes[quote] {
			if base == "JPY" || quote == "JPY" {
				return ClassForexJPY
			}
			return ClassForex
		}
	}
	return ClassForex
}

// PipSize returns the per-instrument price increment used to normalize
// PnL and pip-denominated alert distances.
func PipSize(sym string) decimal.Decimal {
	s := strings.ToUpper(sym)
	switch {
	case strings.Contains(s, "XAG") || strings.Contains(s, "SILVER"):
		return decimal.NewFromFloat(0.001)
	case strings.Contains(s, "XAU") || strings.Contains(s, "GOLD"):
		return decimal.NewFromFloat(0.01)
	case strings.HasPrefix(s, "BTC"):
		return decimal.NewFromInt(1)
	}
	switch Class(s) {
	case ClassForexJPY:
		return decimal.NewFromFloat(0.01)
	case ClassIndices:
		return decimal.NewFromInt(1)
	default:
		return decimal.NewFromFloat(0.0001)
	}
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Mapper
// ————————————————————————————————————————————————————————————————————————

// FeedMappings holds one feed's configured overrides. SpecificMappings
// wins over the dialect rules in both directions.
type FeedMappings struct {
	SpecificMappings map[string]string `json:"specific_mappings"`
	ReverseMappings  map[string]string `json:"reverse_mappings"`
}

// Config is the shape of config/symbol_mappings.json.
type Config struct {
	Feeds        map[string]FeedMappings `json:"feeds"`
	FeedPriority map[string][]string     `json:"feed_priority"`
}

// Mapper performs bidirectional symbol translation and feed routing.
// It is immutable after construction; Reload builds a fresh one.
type Mapper struct {
	specific map[types.Feed]map[string]string // internal → feed symbol
	reverse  map[types.Feed]map[string]string // feed symbol → internal
	priority map[AssetClass][]types.Feed
}

// defaultPriority is the per-asset-class feed routing table. Oil has no
// supported feed.
var defaultPriority = map[AssetClass][]types.Feed{
	ClassForex:    {types.FeedICMarkets, types.FeedOanda},
	ClassForexJPY: {types.FeedICMarkets, types.FeedOanda},
	ClassIndices:  {types.FeedOanda, types.FeedICMarkets},
	ClassCrypto:   {types.FeedCrypto},
	ClassMetals:   {types.FeedICMarkets},
	ClassStocks:   {types.FeedICMarkets},
}

// oandaIndexSuffix maps index symbols to the quote-currency suffix oanda
// appends before the underscore rule applies.
var oandaIndexSuffix = map[string]string{
	"SPX500": "USD", "NAS100": "USD", "US30": "USD", "US2000": "USD",
	"JP225": "USD", "DE30": "EUR", "DE40": "EUR", "EU50": "EUR",
	"FR40": "EUR", "UK100": "GBP", "HK33": "HKD", "AUS200": "AUD",
}

// NewMapper builds a mapper from config. A zero-value Config yields the
// built-in dialect rules only.
func NewMapper(cfg Config) *Mapper {
	m := &Mapper{
		specific: make(map[types.Feed]map[string]string),
		reverse:  make(map[types.Feed]map[string]string),
		priority: make(map[AssetClass][]types.Feed),
	}
	for class, feeds := range defaultPriority {
		m.priority[class] = feeds
	}
	for name, order := range cfg.FeedPriority {
		feeds := make([]types.Feed, 0, len(order))
		for _, f := range order {
			feeds = append(feeds, types.Feed(f))
		}
		m.priority[AssetClass(name)] = feeds
	}
	for name, fm := range cfg.Feeds {
		feed := types.Feed(name)
		m.specific[feed] = make(map[string]string, len(fm.SpecificMappings))
		m.reverse[feed] = make(map[string]string, len(fm.ReverseMappings)+len(fm.SpecificMappings))
		for in, out := range fm.SpecificMappings {
			m.specific[feed][strings.ToUpper(in)] = out
			m.reverse[feed][strings.ToUpper(out)] = strings.ToUpper(in)
		}
		for out, in := range fm.ReverseMappings {
			m.reverse[feed][strings.ToUpper(out)] = strings.ToUpper(in)
		}
	}
	return m
}

// Load reads config/symbol_mappings.json. A missing file is not an error;
// the built-in rules apply.
func Load(path string) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMapper(Config{}), nil
		}
		return nil, fmt.Errorf("read symbol mappings: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse symbol mappings: %w", err)
	}
	return NewMapper(cfg), nil
}

// ToFeed translates an internal symbol into the feed's vocabulary.
func (m *Mapper) ToFeed(sym string, feed types.Feed) (string, error) {
	s := strings.ToUpper(sym)
	if sp, ok := m.specific[feed]; ok {
		if out, ok := sp[s]; ok {
			return out, nil
		}
	}

	switch feed {
	case types.FeedICMarkets:
		return s, nil

	case types.FeedOanda:
		class := Class(s)
		switch class {
		case ClassForex, ClassForexJPY:
			return s[:3] + "_" + s[3:], nil
		case ClassMetals:
			if len(s) == 6 {
				return s[:3] + "_" + s[3:], nil
			}
			return "", fmt.Errorf("%w: %s on %s", ErrNoMapping, sym, feed)
		case ClassIndices:
			if suffix, ok := oandaIndexSuffix[s]; ok {
				return s + "_" + suffix, nil
			}
			return "", fmt.Errorf("%w: %s on %s", ErrNoMapping, sym, feed)
		default:
			return "", fmt.Errorf("%w: %s on %s", ErrNoMapping, sym, feed)
		}

	case types.FeedCrypto:
		if Class(s) != ClassCrypto {
			return "", fmt.Errorf("%w: %s on %s", ErrNoMapping, sym, feed)
		}
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("%w: unknown feed %s", ErrNoMapping, feed)
}

// FromFeed translates a feed symbol back to internal form.
func (m *Mapper) FromFeed(feedSym string, feed types.Feed) (string, error) {
	s := strings.ToUpper(feedSym)
	if rv, ok := m.reverse[feed]; ok {
		if in, ok := rv[s]; ok {
			return in, nil
		}
	}

	switch feed {
	case types.FeedICMarkets:
		return s, nil

	case types.FeedOanda:
		if i := strings.IndexByte(s, '_'); i > 0 {
			base := s[:i]
			// Index symbols carry a quote-currency suffix; pairs just
			// drop the separator.
			if _, ok := oandaIndexSuffix[base]; ok {
				return base, nil
			}
			return base + s[i+1:], nil
		}
		return s, nil

	case types.FeedCrypto:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown feed %s", ErrNoMapping, feed)
}

// BestFeed returns the highest-priority feed for the symbol's asset class.
func (m *Mapper) BestFeed(sym string) (types.Feed, error) {
	feeds, err := m.FeedsFor(sym)
	if err != nil {
		return "", err
	}
	return feeds[0], nil
}

// FeedsFor returns the feed priority list for the symbol's asset class.
func (m *Mapper) FeedsFor(sym string) ([]types.Feed, error) {
	class := Class(sym)
	feeds, ok := m.priority[class]
	if !ok || len(feeds) == 0 {
		return nil, fmt.Errorf("%w: asset class %s unsupported", ErrNoMapping, class)
	}
	return feeds, nil
}

// symbolAliases maps operator shorthand to canonical internal symbols.
var symbolAliases = map[string]string{
	"GOLD":   "XAUUSD",
	"SILVER": "XAGUSD",
	"OIL":    "WTIUSD",
	"BTC":    "BTCUSDT",
	"ETH":    "ETHUSDT",
	"NAS":    "NAS100",
	"SPX":    "SPX500",
	"DOW":    "US30",
	"DAX":    "DE40",
}

// Normalize canonicalizes operator-supplied symbol input.
func Normalize(sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if canon, ok := symbolAliases[s]; ok {
		return canon
	}
	return s
}
