package health

import (
	"time"

	"signalwatch/internal/symbols"
)

// Calendar answers market-hours questions in the America/New_York wall
// clock. Hours are static configuration:
//
//   - crypto: always open.
//   - stocks: 09:30–17:00 NY, Mon–Fri, excluding configured holidays.
//   - everything else: Sun 18:00 → Fri 17:00 NY. The daily 17:00–18:00
//     spread hour is treated as open for liveness; hit policy flags it
//     separately via InSpreadHour.
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool // "2006-01-02" in NY time
}

// NewCalendar builds a calendar with the given holiday dates.
func NewCalendar(holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	hs := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hs[h] = true
	}
	return &Calendar{loc: loc, holidays: hs}, nil
}

// Location exposes the NY location for expiry calculations.
func (c *Calendar) Location() *time.Location { return c.loc }

// Open reports whether the market for the asset class is open at t.
func (c *Calendar) Open(class symbols.AssetClass, t time.Time) bool {
	if class == symbols.ClassCrypto {
		return true
	}
	ny := t.In(c.loc)
	if class == symbols.ClassStocks {
		return c.stocksOpen(ny)
	}
	return c.forexOpen(ny)
}

func (c *Calendar) stocksOpen(ny time.Time) bool {
	switch ny.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.holidays[ny.Format("2006-01-02")] {
		return false
	}
	mins := ny.Hour()*60 + ny.Minute()
	return mins >= 9*60+30 && mins < 17*60
}

func (c *Calendar) forexOpen(ny time.Time) bool {
	switch ny.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return ny.Hour() >= 18
	case time.Friday:
		return ny.Hour() < 17
	default:
		return true
	}
}

// InSpreadHour reports whether t falls in the daily 17:00–18:00 NY
// weekday window during which hits are treated as artifacts.
func (c *Calendar) InSpreadHour(t time.Time) bool {
	ny := t.In(c.loc)
	switch ny.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return ny.Hour() == 17
}
