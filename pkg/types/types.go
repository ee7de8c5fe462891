// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the tracker — signals, limits,
// quotes, news events, and the enums that drive the signal state machine.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a signal: long (buy) or short (sell).
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// SignalStatus enumerates the signal lifecycle states.
type SignalStatus string

const (
	StatusActive    SignalStatus = "active"
	StatusHit       SignalStatus = "hit"
	StatusProfit    SignalStatus = "profit"
	StatusBreakeven SignalStatus = "breakeven"
	StatusStopLoss  SignalStatus = "stop_loss"
	StatusCancelled SignalStatus = "cancelled"
)

// Terminal reports whether the status closes the signal. Terminal signals
// carry a non-nil ClosedAt and have their pending limits cancelled.
func (s SignalStatus) Terminal() bool {
	switch s {
	case StatusProfit, StatusBreakeven, StatusStopLoss, StatusCancelled:
		return true
	}
	return false
}

// Trackable reports whether the status requires a live price subscription.
func (s SignalStatus) Trackable() bool {
	return s == StatusActive || s == StatusHit
}

// Valid reports whether s is a known status value.
func (s SignalStatus) Valid() bool {
	switch s {
	case StatusActive, StatusHit, StatusProfit, StatusBreakeven, StatusStopLoss, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an allowed automatic transition.
// Manual operator overrides bypass this table but still write an audit row.
func CanTransition(from, to SignalStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusActive:
		return to == StatusHit || to == StatusStopLoss || to == StatusCancelled
	case StatusHit:
		return to == StatusProfit || to == StatusBreakeven || to == StatusStopLoss || to == StatusCancelled
	case StatusProfit, StatusBreakeven, StatusStopLoss:
		// Corrections only.
		return to == StatusCancelled
	case StatusCancelled:
		return to == StatusActive || to == StatusHit
	}
	return false
}

// LimitStatus enumerates entry-limit states.
type LimitStatus string

const (
	LimitPending   LimitStatus = "pending"
	LimitHit       LimitStatus = "hit"
	LimitCancelled LimitStatus = "cancelled"
)

// ExpiryType selects how a signal's expiry instant is derived.
type ExpiryType string

const (
	ExpiryDayEnd   ExpiryType = "day_end"
	ExpiryWeekEnd  ExpiryType = "week_end"
	ExpiryMonthEnd ExpiryType = "month_end"
	ExpiryNone     ExpiryType = "no_expiry"
	ExpiryCustom   ExpiryType = "custom"
)

// ChangeType distinguishes automatic transitions from operator overrides.
type ChangeType string

const (
	ChangeAutomatic ChangeType = "automatic"
	ChangeManual    ChangeType = "manual"
)

// Feed identifies one of the price feeds.
type Feed string

const (
	FeedICMarkets Feed = "icmarkets"
	FeedOanda     Feed = "oanda"
	FeedCrypto    Feed = "cryptofeed"
)

// AllFeeds lists every known feed.
var AllFeeds = []Feed{FeedICMarkets, FeedOanda, FeedCrypto}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// RawTick is one raw price event as yielded by a feed client, still in the
// feed's own symbol vocabulary.
type RawTick struct {
	FeedSymbol string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Timestamp  time.Time
}

// Quote is a canonical price update after symbol translation. Spread is
// always non-negative; negative inputs are clamped to zero upstream.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Spread    decimal.Decimal
	Timestamp time.Time
	Feed      Feed
}

// PriceFor returns the direction-appropriate entry price: ask for long,
// bid for short.
func (q Quote) PriceFor(d Direction) decimal.Decimal {
	if d == Long {
		return q.Ask
	}
	return q.Bid
}

// ClosePriceFor returns the direction-appropriate exit price: bid for long,
// ask for short.
func (q Quote) ClosePriceFor(d Direction) decimal.Decimal {
	if d == Long {
		return q.Bid
	}
	return q.Ask
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Limit is one of up to four entry levels belonging to a signal.
// Sequence numbers are 1-based and unique within the signal.
type Limit struct {
	ID             int64
	SignalID       int64
	SequenceNumber int
	PriceLevel     decimal.Decimal
	Status         LimitStatus
	HitTime        *time.Time
	HitPrice       *decimal.Decimal

	// Alert idempotence flags. The persisted value is the source of truth;
	// in-memory copies are caches flipped only after the store confirms.
	ApproachingAlertSent bool
	HitAlertSent         bool
}

// Signal is a directional trade intent with entry limits and a stop loss.
// The tracker works on snapshots of this struct; the store owns the
// durable record.
type Signal struct {
	ID         int64
	MessageID  string
	ChannelID  string
	Instrument string
	Direction  Direction
	StopLoss   decimal.Decimal
	Status     SignalStatus
	ExpiryType ExpiryType
	ExpiryTime *time.Time

	TotalLimits       int
	LimitsHit         int
	FirstLimitHitTime *time.Time
	ClosedAt          *time.Time
	ClosedReason      string
	Scalp             bool

	Limits []Limit
}

// PendingLimits returns the limits still waiting to fill, in sequence order.
func (s *Signal) PendingLimits() []Limit {
	out := make([]Limit, 0, len(s.Limits))
	for _, l := range s.Limits {
		if l.Status == LimitPending {
			out = append(out, l)
		}
	}
	return out
}

// HasStopLoss reports whether a stop level is set.
func (s *Signal) HasStopLoss() bool {
	return !s.StopLoss.IsZero()
}

// AutoMessagePrefix marks message IDs generated internally (operator
// add-signal commands) rather than ingested from the chat channel.
const AutoMessagePrefix = "auto-"

// StatusChange is an immutable audit row recording one status transition.
type StatusChange struct {
	ID        int64
	SignalID  int64
	OldStatus SignalStatus
	NewStatus SignalStatus
	Type      ChangeType
	Reason    string
	ChangedAt time.Time
}

// HitLimit is a snapshot of one filled limit, ordered by sequence number.
// The take-profit evaluator caches these per signal.
type HitLimit struct {
	SequenceNumber int
	PriceLevel     decimal.Decimal
	HitPrice       decimal.Decimal
	HitTime        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// News
// ————————————————————————————————————————————————————————————————————————

// NewsEvent is a scheduled news window. The event is active over the closed
// interval [NewsTime − Window, NewsTime + Window].
type NewsEvent struct {
	ID            int64     `json:"event_id"`
	Category      string    `json:"category"`
	NewsTime      time.Time `json:"news_time"`
	WindowMinutes int       `json:"window_minutes"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Start returns the opening instant of the news window.
func (e NewsEvent) Start() time.Time {
	return e.NewsTime.Add(-time.Duration(e.WindowMinutes) * time.Minute)
}

// End returns the closing instant of the news window.
func (e NewsEvent) End() time.Time {
	return e.NewsTime.Add(time.Duration(e.WindowMinutes) * time.Minute)
}

// ActiveAt reports whether t falls inside the window. Both endpoints are
// inclusive.
func (e NewsEvent) ActiveAt(t time.Time) bool {
	return !t.Before(e.Start()) && !t.After(e.End())
}

// Expired reports whether the window has fully passed.
func (e NewsEvent) Expired(now time.Time) bool {
	return now.After(e.End())
}

// Clock abstracts time.Now so policy logic (expiry, spread hour, news
// windows) is testable with a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
