package takeprofit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"signalwatch/internal/store"
	"signalwatch/internal/symbols"
	"signalwatch/pkg/types"
)

// epsilon absorbs representation noise on the threshold comparison so a
// PnL that lands exactly on the configured value triggers.
var epsilon = decimal.New(1, -9)

// Result carries the numbers behind one trigger decision.
type Result struct {
	LastPnL    decimal.Decimal
	EarlierSum decimal.Decimal
	Threshold  decimal.Decimal
	Unit       string
	LimitsHit  int
}

// Evaluator performs the per-tick auto-take-profit check. The trigger
// requires both conditions on the filled limits, ordered by sequence:
//
//   - the most recently filled limit's PnL meets the threshold, and
//   - the summed PnL of all earlier filled limits is not negative.
//
// Filled limits are cached per signal; Refresh pulls them from the store
// after each persisted hit and Evict drops a closed signal.
type Evaluator struct {
	cfg    *Store
	st     store.SignalStore
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[int64][]types.HitLimit
}

// NewEvaluator wires the threshold store and the signal store.
func NewEvaluator(cfg *Store, st store.SignalStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		st:     st,
		logger: logger.With("component", "takeprofit"),
		cache:  make(map[int64][]types.HitLimit),
	}
}

// Refresh reloads the filled-limit snapshot for a signal from the store.
func (e *Evaluator) Refresh(ctx context.Context, signalID int64) error {
	hits, err := e.st.HitLimitsFor(ctx, signalID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cache[signalID] = hits
	e.mu.Unlock()
	return nil
}

// Evict drops a signal from the cache.
func (e *Evaluator) Evict(signalID int64) {
	e.mu.Lock()
	delete(e.cache, signalID)
	e.mu.Unlock()
}

// Cached returns the cached filled limits, if any.
func (e *Evaluator) Cached(signalID int64) ([]types.HitLimit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hits, ok := e.cache[signalID]
	return hits, ok
}

// Evaluate runs the trigger check against the current quote. It returns
// the result and true only when the auto close should fire. Signals with
// no cached fills never trigger.
func (e *Evaluator) Evaluate(sig *types.Signal, q types.Quote) (Result, bool) {
	e.mu.RLock()
	hits := e.cache[sig.ID]
	e.mu.RUnlock()
	if len(hits) == 0 {
		return Result{}, false
	}

	entry, _ := e.cfg.Resolve(sig.Instrument, sig.Scalp)
	exit := q.ClosePriceFor(sig.Direction)

	last := hits[len(hits)-1]
	lastPnL := e.pnl(sig, entry.Type, last.HitPrice, exit)

	earlier := decimal.Zero
	for _, h := range hits[:len(hits)-1] {
		earlier = earlier.Add(e.pnl(sig, entry.Type, h.HitPrice, exit))
	}

	res := Result{
		LastPnL:    lastPnL,
		EarlierSum: earlier,
		Threshold:  entry.Value,
		Unit:       string(entry.Type),
		LimitsHit:  len(hits),
	}
	if lastPnL.Sub(entry.Value).LessThan(epsilon.Neg()) {
		return res, false
	}
	if earlier.IsNegative() {
		return res, false
	}
	return res, true
}

// pnl measures one fill's open profit in the threshold's unit, signed by
// direction.
func (e *Evaluator) pnl(sig *types.Signal, unit ThresholdType, entry, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if sig.Direction == types.Short {
		diff = diff.Neg()
	}
	switch unit {
	case UnitPips:
		pip := symbols.PipSize(sig.Instrument)
		if pip.IsZero() {
			return diff
		}
		return diff.Div(pip)
	case UnitPercentage:
		if entry.IsZero() {
			return decimal.Zero
		}
		return diff.Div(entry).Mul(decimal.NewFromInt(100))
	default:
		return diff
	}
}
