// Package store owns the durable record of signals, limits, and status
// changes.
//
// The tracker core talks to the SignalStore interface only. Two
// implementations exist: Postgres (pgxpool) for production and Memory for
// tests and dry-run mode. All writes are atomic at the grain of a single
// signal; cross-signal atomicity is not required.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/pkg/types"
)

var (
	// ErrNotFound is returned when a signal, limit, or message id does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when an automatic status change
	// violates the transition table.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// MarkLimitHitResult reports the signal-level outcome of filling a limit.
type MarkLimitHitResult struct {
	SignalID      int64
	StatusChanged bool
	NewStatus     types.SignalStatus
	LimitsHit     int
}

// SignalStore is the persistence contract consumed by the core.
//
// MarkLimitHit atomically marks the limit as hit, stamps hit_time and
// hit_price, flips hit_alert_sent, increments limits_hit, and — only if
// the signal is active — transitions it to hit and stamps
// first_limit_hit_time, writing the StatusChange audit row.
//
// TransitionStatus validates against the transition table unless the
// change type is manual. A terminal new status sets closed_at and cancels
// pending limits; a revival clears closed_at and restores cancelled
// limits to pending.
type SignalStore interface {
	InsertSignal(ctx context.Context, s *types.Signal) (int64, error)
	InsertLimits(ctx context.Context, signalID int64, prices []decimal.Decimal) error
	GetSignal(ctx context.Context, id int64) (*types.Signal, error)
	GetByMessage(ctx context.Context, messageID string) (*types.Signal, error)
	GetActiveForTracking(ctx context.Context) ([]*types.Signal, error)

	MarkLimitHit(ctx context.Context, limitID int64, actualPrice decimal.Decimal) (*MarkLimitHitResult, error)
	MarkApproachingSent(ctx context.Context, limitID int64) error
	TransitionStatus(ctx context.Context, signalID int64, newStatus types.SignalStatus, changeType types.ChangeType, reason string) (bool, error)

	HitLimitsFor(ctx context.Context, signalID int64) ([]types.HitLimit, error)
	StatusChangesFor(ctx context.Context, signalID int64) ([]types.StatusChange, error)
	ExpireOld(ctx context.Context, now time.Time) ([]int64, error)

	UpdateFromEdit(ctx context.Context, messageID string, parsed *types.Signal, prices []decimal.Decimal) error
	DeleteSignal(ctx context.Context, id int64) error
	ClearAll(ctx context.Context) (int, error)

	Close()
}
