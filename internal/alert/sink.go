// Package alert defines the notification boundary of the tracker.
//
// The core emits one structured payload per alert kind through the Sink
// interface; transport-level formatting (chat embeds, role pings) is the
// front-end's concern. Sink implementations return synchronously; the
// core treats failures as non-fatal and logs them.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/pkg/types"
)

// ApproachAlert fires when price comes within the configured distance of a
// signal's first limit.
type ApproachAlert struct {
	Signal   types.Signal
	Limit    types.Limit
	Quote    types.Quote
	Distance decimal.Decimal // remaining distance in price units
	Display  string          // formatted distance, e.g. "12.5 pips"
}

// LimitHitAlert fires when an entry limit fills.
type LimitHitAlert struct {
	Signal       types.Signal
	Limit        types.Limit
	Quote        types.Quote
	HitPrice     decimal.Decimal
	Spread       decimal.Decimal
	BufferUsed   bool
	LimitsHit    int
	TotalLimits  int
}

// StopLossAlert fires when the stop level is breached on a signal with at
// least one filled limit.
type StopLossAlert struct {
	Signal types.Signal
	Quote  types.Quote
}

// CancelAlert fires when a would-be hit is vetoed by the spread-hour policy.
type CancelAlert struct {
	Signal types.Signal
	Quote  types.Quote
	Reason string
}

// NewsCancelAlert fires when a would-be hit is vetoed by a news blackout.
type NewsCancelAlert struct {
	Signal types.Signal
	Quote  types.Quote
	Event  types.NewsEvent
	Reason string
}

// NewsActivatedAlert fires once when a scheduled news window opens.
type NewsActivatedAlert struct {
	Event types.NewsEvent
}

// AutoTPAlert fires when the auto-take-profit condition is satisfied.
type AutoTPAlert struct {
	Signal    types.Signal
	Quote     types.Quote
	LastPnL   decimal.Decimal
	Unit      string // "pips" or "dollars"
	LimitsHit int
	Reason    string
}

// AdminAlert carries operational notifications (feed down, credentials
// rejected) to the admin channel.
type AdminAlert struct {
	Title   string
	Message string
	Feed    types.Feed
	At      time.Time
}

// Sink receives one call per alert. Implementations must be safe for
// concurrent use.
type Sink interface {
	Approach(ctx context.Context, a ApproachAlert) error
	LimitHit(ctx context.Context, a LimitHitAlert) error
	StopLoss(ctx context.Context, a StopLossAlert) error
	SpreadHourCancel(ctx context.Context, a CancelAlert) error
	NewsCancel(ctx context.Context, a NewsCancelAlert) error
	NewsActivated(ctx context.Context, a NewsActivatedAlert) error
	AutoTakeProfit(ctx context.Context, a AutoTPAlert) error
	AdminNotification(ctx context.Context, a AdminAlert) error
}

// LogSink writes every alert to the structured log. It is the dry-run
// sink and the fallback when no chat transport is wired.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "alerts")}
}

func (s *LogSink) Approach(ctx context.Context, a ApproachAlert) error {
	s.logger.Info("ALERT approaching",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"direction", a.Signal.Direction,
		"limit", a.Limit.PriceLevel,
		"distance", a.Display,
	)
	return nil
}

func (s *LogSink) LimitHit(ctx context.Context, a LimitHitAlert) error {
	s.logger.Info("ALERT limit hit",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"direction", a.Signal.Direction,
		"sequence", a.Limit.SequenceNumber,
		"limit", a.Limit.PriceLevel,
		"price", a.HitPrice,
		"spread", a.Spread,
		"buffered", a.BufferUsed,
		"limits_hit", a.LimitsHit,
		"total_limits", a.TotalLimits,
	)
	return nil
}

func (s *LogSink) StopLoss(ctx context.Context, a StopLossAlert) error {
	s.logger.Info("ALERT stop loss",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"stop", a.Signal.StopLoss,
		"bid", a.Quote.Bid,
		"ask", a.Quote.Ask,
	)
	return nil
}

func (s *LogSink) SpreadHourCancel(ctx context.Context, a CancelAlert) error {
	s.logger.Info("ALERT spread-hour cancel",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"reason", a.Reason,
	)
	return nil
}

func (s *LogSink) NewsCancel(ctx context.Context, a NewsCancelAlert) error {
	s.logger.Info("ALERT news cancel",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"category", a.Event.Category,
		"news_time", a.Event.NewsTime,
		"reason", a.Reason,
	)
	return nil
}

func (s *LogSink) NewsActivated(ctx context.Context, a NewsActivatedAlert) error {
	s.logger.Info("ALERT news window open",
		"event", a.Event.ID,
		"category", a.Event.Category,
		"news_time", a.Event.NewsTime,
		"window_minutes", a.Event.WindowMinutes,
	)
	return nil
}

func (s *LogSink) AutoTakeProfit(ctx context.Context, a AutoTPAlert) error {
	s.logger.Info("ALERT auto take-profit",
		"signal", a.Signal.ID,
		"symbol", a.Signal.Instrument,
		"last_pnl", a.LastPnL,
		"unit", a.Unit,
		"limits_hit", a.LimitsHit,
	)
	return nil
}

func (s *LogSink) AdminNotification(ctx context.Context, a AdminAlert) error {
	s.logger.Warn("ALERT admin",
		"title", a.Title,
		"message", a.Message,
		"feed", a.Feed,
	)
	return nil
}
