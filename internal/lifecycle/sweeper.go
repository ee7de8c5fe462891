package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"signalwatch/internal/store"
	"signalwatch/pkg/types"
)

// Sweeper periodically cancels signals whose expiry has passed. The
// cancellation is silent: the store writes the audit row and the working
// set drops the signal on the next refresh, but no alert is emitted.
type Sweeper struct {
	st          store.SignalStore
	interval    time.Duration
	callTimeout time.Duration
	clock       types.Clock
	logger      *slog.Logger
}

// NewSweeper wires the store and cadence.
func NewSweeper(st store.SignalStore, interval, callTimeout time.Duration, clock types.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		st:          st,
		interval:    interval,
		callTimeout: callTimeout,
		clock:       clock,
		logger:      logger.With("component", "expiry"),
	}
}

// Run sweeps until ctx is cancelled. One sweep fires immediately on
// start so a restart does not leave stale signals live for a full
// interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	ids, err := s.st.ExpireOld(callCtx, s.clock.Now())
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("expired signals", "count", len(ids), "ids", ids)
	}
}
