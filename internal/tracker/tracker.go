// Package tracker is the core per-tick evaluation engine.
//
// It holds a working set of trackable signals refreshed from the store on
// a fixed cadence, subscribes their instruments on the price bus, and on
// every quote checks approach distances, entry-limit fills, stop losses,
// and the auto-take-profit condition. All durable state changes go
// through the store before any alert is emitted and before any in-memory
// flag flips; a failed store write leaves the tick replayable.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/internal/alert"
	"signalwatch/internal/config"
	"signalwatch/internal/distance"
	"signalwatch/internal/health"
	"signalwatch/internal/news"
	"signalwatch/internal/store"
	"signalwatch/internal/symbols"
	"signalwatch/internal/takeprofit"
	"signalwatch/pkg/types"
)

// PriceBus is the slice of the stream manager the tracker drives.
type PriceBus interface {
	Subscribe(sym string) error
	Unsubscribe(sym string)
}

// Forgetter drops a symbol from liveness tracking when it leaves the
// working set. The health monitor implements it.
type Forgetter interface {
	Forget(symbol string)
}

// Tracker evaluates every quote against the working set.
type Tracker struct {
	cfg    *config.Manager
	st     store.SignalStore
	bus    PriceBus
	dist   *distance.Store
	tp     *takeprofit.Evaluator
	news   *news.Manager
	cal    *health.Calendar
	forget Forgetter
	sink   alert.Sink
	clock  types.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	signals  map[int64]*types.Signal
	bySymbol map[string][]int64

	settingsMu sync.Mutex
	settings   settingsSnapshot
}

// settingsSnapshot caches the spread-buffer toggle so the hot path does
// not re-read configuration on every tick. Staleness is bounded by
// SettingsCacheTTL.
type settingsSnapshot struct {
	buffer config.SpreadBufferConfig
	loaded time.Time
}

// New wires the tracker. Call Run to start the refresh loop and register
// OnQuote with the stream manager.
func New(cfg *config.Manager, st store.SignalStore, bus PriceBus, dist *distance.Store,
	tp *takeprofit.Evaluator, nm *news.Manager, cal *health.Calendar, forget Forgetter,
	sink alert.Sink, clock types.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		st:       st,
		bus:      bus,
		dist:     dist,
		tp:       tp,
		news:     nm,
		cal:      cal,
		forget:   forget,
		sink:     sink,
		clock:    clock,
		logger:   logger.With("component", "tracker"),
		signals:  make(map[int64]*types.Signal),
		bySymbol: make(map[string][]int64),
	}
}

// Run refreshes the working set on the configured cadence until ctx is
// cancelled. The initial refresh happens synchronously so the caller
// starts with subscriptions in place.
func (t *Tracker) Run(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		t.logger.Error("initial refresh failed", "error", err)
	}

	ticker := time.NewTicker(t.cfg.Current().Tracker.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.Error("refresh failed", "error", err)
			}
		}
	}
}

// Refresh re-pulls the trackable signals and reconciles subscriptions.
// The working set is replaced wholesale; per-tick mutations between
// refreshes survive because the store is the source of truth.
func (t *Tracker) Refresh(ctx context.Context) error {
	callCtx, cancel := t.storeCtx(ctx)
	defer cancel()

	active, err := t.st.GetActiveForTracking(callCtx)
	if err != nil {
		return fmt.Errorf("load trackable signals: %w", err)
	}

	next := make(map[int64]*types.Signal, len(active))
	nextBySym := make(map[string][]int64, len(active))
	for _, s := range active {
		sym := symbols.Normalize(s.Instrument)
		next[s.ID] = s
		nextBySym[sym] = append(nextBySym[sym], s.ID)
	}

	t.mu.Lock()
	prevBySym := t.bySymbol
	prev := t.signals
	t.signals = next
	t.bySymbol = nextBySym
	t.mu.Unlock()

	for sym := range nextBySym {
		if err := t.bus.Subscribe(sym); err != nil {
			t.logger.Warn("subscribe failed", "symbol", sym, "error", err)
		}
	}
	for sym := range prevBySym {
		if _, still := nextBySym[sym]; !still {
			t.bus.Unsubscribe(sym)
			t.forget.Forget(sym)
		}
	}
	for id := range prev {
		if _, still := next[id]; !still {
			t.tp.Evict(id)
		}
	}

	// Signals already in hit state need their fills cached before the
	// first tick arrives.
	for _, s := range active {
		if s.Status == types.StatusHit {
			if err := t.tp.Refresh(callCtx, s.ID); err != nil {
				t.logger.Warn("tp cache refresh failed", "signal", s.ID, "error", err)
			}
		}
	}

	t.logger.Debug("working set refreshed", "signals", len(next), "symbols", len(nextBySym))
	return nil
}

// Tracked returns the number of signals in the working set.
func (t *Tracker) Tracked() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.signals)
}

// OnQuote is the stream handler. Runs on the feed dispatcher goroutine;
// signals are processed sequentially with per-signal isolation so one
// failure cannot poison the rest of the tick.
func (t *Tracker) OnQuote(q types.Quote) {
	t.mu.RLock()
	ids := t.bySymbol[q.Symbol]
	sigs := make([]*types.Signal, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.signals[id]; ok {
			sigs = append(sigs, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range sigs {
		t.processSignal(s, q)
	}
}

func (t *Tracker) processSignal(s *types.Signal, q types.Quote) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("signal processing panicked", "signal", s.ID, "panic", r)
		}
	}()

	snap := t.snapshot(s.ID)
	if snap == nil || !snap.Status.Trackable() {
		return
	}

	ctx := context.Background()

	if t.checkHits(ctx, snap, q) {
		return
	}

	// Limits fill before the stop is consulted: a tick gapping through
	// both records the fill, then closes at the stop.
	if snap.Status == types.StatusHit {
		if t.checkStopLoss(ctx, snap, q) {
			return
		}
	}

	if snap.Status == types.StatusActive {
		t.checkApproach(ctx, snap, q)
	}

	if snap = t.snapshot(s.ID); snap != nil && snap.Status == types.StatusHit {
		t.checkTakeProfit(ctx, snap, q)
	}
}

// snapshot copies the working-set entry so evaluation never races the
// refresh loop.
func (t *Tracker) snapshot(id int64) *types.Signal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.signals[id]
	if !ok {
		return nil
	}
	cp := *s
	cp.Limits = make([]types.Limit, len(s.Limits))
	copy(cp.Limits, s.Limits)
	return &cp
}

// ————————————————————————————————————————————————————————————————————————
// Stop loss
// ————————————————————————————————————————————————————————————————————————

// checkStopLoss closes a hit signal whose stop level is breached. The
// stop is always exact; the spread buffer never applies here.
func (t *Tracker) checkStopLoss(ctx context.Context, s *types.Signal, q types.Quote) bool {
	if !s.HasStopLoss() {
		return false
	}

	breached := false
	switch s.Direction {
	case types.Long:
		breached = q.Bid.LessThanOrEqual(s.StopLoss)
	case types.Short:
		breached = q.Ask.GreaterThanOrEqual(s.StopLoss)
	}
	if !breached {
		return false
	}

	callCtx, cancel := t.storeCtx(ctx)
	changed, err := t.st.TransitionStatus(callCtx, s.ID, types.StatusStopLoss, types.ChangeAutomatic, "stop loss hit")
	cancel()
	if err != nil {
		t.logger.Error("stop loss transition failed", "signal", s.ID, "error", err)
		return false
	}
	if !changed {
		return false
	}

	t.drop(s.ID)
	t.tp.Evict(s.ID)
	if err := t.sink.StopLoss(ctx, alert.StopLossAlert{Signal: *s, Quote: q}); err != nil {
		t.logger.Error("stop loss alert failed", "signal", s.ID, "error", err)
	}
	t.logger.Info("stop loss", "signal", s.ID, "symbol", s.Instrument, "stop", s.StopLoss)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Entry limits
// ————————————————————————————————————————————————————————————————————————

// checkHits walks the pending limits in sequence order and fills every
// level the quote reaches. Returns true when the signal left the working
// set (news or spread-hour cancellation).
func (t *Tracker) checkHits(ctx context.Context, s *types.Signal, q types.Quote) bool {
	buf := t.bufferSettings()

	for i := range s.Limits {
		l := &s.Limits[i]
		if l.Status != types.LimitPending {
			continue
		}

		hit, buffered := limitReached(s.Direction, l.PriceLevel, q, buf, buf.ApplyToHit)
		if !hit {
			continue
		}

		if cancelled := t.applyHitPolicies(ctx, s, q); cancelled {
			return true
		}
		t.persistHit(ctx, s, l, q, buffered)
	}
	return false
}

// limitReached applies the direction-appropriate price and, when the
// buffer is active, a tolerance equal to the observed spread.
func limitReached(d types.Direction, level decimal.Decimal, q types.Quote, buf config.SpreadBufferConfig, apply bool) (hit, buffered bool) {
	tolerance := decimal.Zero
	if buf.Enabled && apply {
		tolerance = q.Spread
		if tolerance.IsZero() && buf.FallbackSpread > 0 {
			tolerance = decimal.NewFromFloat(buf.FallbackSpread)
		}
	}

	switch d {
	case types.Long:
		if q.Ask.LessThanOrEqual(level) {
			return true, false
		}
		if tolerance.IsPositive() && q.Ask.LessThanOrEqual(level.Add(tolerance)) {
			return true, true
		}
	case types.Short:
		if q.Bid.GreaterThanOrEqual(level) {
			return true, false
		}
		if tolerance.IsPositive() && q.Bid.GreaterThanOrEqual(level.Sub(tolerance)) {
			return true, true
		}
	}
	return false, false
}

// applyHitPolicies runs the vetoes that turn a would-be fill into a
// cancellation: an open news window first, then the daily spread hour for
// non-crypto instruments. Returns true when the signal was cancelled.
func (t *Tracker) applyHitPolicies(ctx context.Context, s *types.Signal, q types.Quote) bool {
	now := t.clock.Now()

	if ev, open := t.news.ActiveFor(s.Instrument, now); open {
		reason := fmt.Sprintf("news: %s @ %s", ev.Category, ev.NewsTime.UTC().Format(time.RFC3339))
		if !t.cancelSignal(ctx, s, reason) {
			return false
		}
		a := alert.NewsCancelAlert{Signal: *s, Quote: q, Event: ev, Reason: reason}
		if err := t.sink.NewsCancel(ctx, a); err != nil {
			t.logger.Error("news cancel alert failed", "signal", s.ID, "error", err)
		}
		return true
	}

	if symbols.Class(s.Instrument) != symbols.ClassCrypto && t.cal.InSpreadHour(now) {
		reason := "spread hour"
		if !t.cancelSignal(ctx, s, reason) {
			return false
		}
		a := alert.CancelAlert{Signal: *s, Quote: q, Reason: reason}
		if err := t.sink.SpreadHourCancel(ctx, a); err != nil {
			t.logger.Error("spread-hour cancel alert failed", "signal", s.ID, "error", err)
		}
		return true
	}
	return false
}

// cancelSignal persists the cancellation and drops the signal from the
// working set. Returns false when the store rejected the write; the next
// tick retries.
func (t *Tracker) cancelSignal(ctx context.Context, s *types.Signal, reason string) bool {
	callCtx, cancel := t.storeCtx(ctx)
	changed, err := t.st.TransitionStatus(callCtx, s.ID, types.StatusCancelled, types.ChangeAutomatic, reason)
	cancel()
	if err != nil {
		t.logger.Error("cancel transition failed", "signal", s.ID, "reason", reason, "error", err)
		return false
	}
	if !changed {
		return false
	}
	t.drop(s.ID)
	t.tp.Evict(s.ID)
	t.logger.Info("signal cancelled", "signal", s.ID, "symbol", s.Instrument, "reason", reason)
	return true
}

// persistHit records the fill, updates the in-memory snapshot, emits the
// alert, and refreshes the take-profit cache.
func (t *Tracker) persistHit(ctx context.Context, s *types.Signal, l *types.Limit, q types.Quote, buffered bool) {
	actual := q.PriceFor(s.Direction)

	callCtx, cancel := t.storeCtx(ctx)
	res, err := t.st.MarkLimitHit(callCtx, l.ID, actual)
	cancel()
	if err != nil {
		t.logger.Error("mark limit hit failed", "signal", s.ID, "limit", l.ID, "error", err)
		return
	}

	now := t.clock.Now()
	l.Status = types.LimitHit
	l.HitTime = &now
	l.HitPrice = &actual
	l.HitAlertSent = true
	s.LimitsHit = res.LimitsHit
	if res.StatusChanged {
		s.Status = res.NewStatus
	}
	t.updateWorkingSet(s, l, res)

	a := alert.LimitHitAlert{
		Signal:      *s,
		Limit:       *l,
		Quote:       q,
		HitPrice:    actual,
		Spread:      q.Spread,
		BufferUsed:  buffered,
		LimitsHit:   res.LimitsHit,
		TotalLimits: s.TotalLimits,
	}
	if err := t.sink.LimitHit(ctx, a); err != nil {
		t.logger.Error("limit hit alert failed", "signal", s.ID, "error", err)
	}

	buf := t.bufferSettings()
	if buffered && buf.LogBufferUsage {
		t.logger.Info("spread buffer used",
			"signal", s.ID, "limit", l.PriceLevel, "price", actual, "spread", q.Spread)
	}

	callCtx, cancel = t.storeCtx(ctx)
	if err := t.tp.Refresh(callCtx, s.ID); err != nil {
		t.logger.Warn("tp cache refresh failed", "signal", s.ID, "error", err)
	}
	cancel()
}

// updateWorkingSet writes the persisted outcome back into the shared
// entry so later ticks in the same refresh window see it.
func (t *Tracker) updateWorkingSet(s *types.Signal, l *types.Limit, res *store.MarkLimitHitResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.signals[s.ID]
	if !ok {
		return
	}
	cur.LimitsHit = res.LimitsHit
	if res.StatusChanged {
		cur.Status = res.NewStatus
		if cur.FirstLimitHitTime == nil {
			cur.FirstLimitHitTime = l.HitTime
		}
	}
	for i := range cur.Limits {
		if cur.Limits[i].ID == l.ID {
			cur.Limits[i] = *l
			break
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Approach
// ————————————————————————————————————————————————————————————————————————

// checkApproach fires the one-shot heads-up when price comes within the
// configured distance of the first limit. Later limits never produce
// approach alerts.
func (t *Tracker) checkApproach(ctx context.Context, s *types.Signal, q types.Quote) {
	var first *types.Limit
	for i := range s.Limits {
		if s.Limits[i].SequenceNumber == 1 {
			first = &s.Limits[i]
			break
		}
	}
	if first == nil || first.Status != types.LimitPending || first.ApproachingAlertSent {
		return
	}

	price := q.PriceFor(s.Direction)
	gap := price.Sub(first.PriceLevel).Abs()

	threshold := t.dist.Distance(s.Instrument, price)
	buf := t.bufferSettings()
	if buf.Enabled && buf.ApplyToApproach {
		threshold = threshold.Add(q.Spread)
	}
	if gap.GreaterThan(threshold) {
		return
	}

	callCtx, cancel := t.storeCtx(ctx)
	err := t.st.MarkApproachingSent(callCtx, first.ID)
	cancel()
	if err != nil {
		t.logger.Error("mark approaching failed", "signal", s.ID, "limit", first.ID, "error", err)
		return
	}

	first.ApproachingAlertSent = true
	t.mu.Lock()
	if cur, ok := t.signals[s.ID]; ok {
		for i := range cur.Limits {
			if cur.Limits[i].ID == first.ID {
				cur.Limits[i].ApproachingAlertSent = true
				break
			}
		}
	}
	t.mu.Unlock()

	a := alert.ApproachAlert{
		Signal:   *s,
		Limit:    *first,
		Quote:    q,
		Distance: gap,
		Display:  t.dist.Display(s.Instrument, gap),
	}
	if err := t.sink.Approach(ctx, a); err != nil {
		t.logger.Error("approach alert failed", "signal", s.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Take profit
// ————————————————————————————————————————————————————————————————————————

// checkTakeProfit closes the signal in profit when the evaluator fires.
// The status transition happens before the alert; a failed transition
// suppresses the alert and the next tick re-evaluates.
func (t *Tracker) checkTakeProfit(ctx context.Context, s *types.Signal, q types.Quote) {
	res, trigger := t.tp.Evaluate(s, q)
	if !trigger {
		return
	}

	reason := fmt.Sprintf("auto take-profit: last limit %s %s", res.LastPnL.Round(2), res.Unit)
	callCtx, cancel := t.storeCtx(ctx)
	changed, err := t.st.TransitionStatus(callCtx, s.ID, types.StatusProfit, types.ChangeAutomatic, reason)
	cancel()
	if err != nil {
		t.logger.Error("profit transition failed", "signal", s.ID, "error", err)
		return
	}
	if !changed {
		return
	}

	t.drop(s.ID)
	t.tp.Evict(s.ID)

	a := alert.AutoTPAlert{
		Signal:    *s,
		Quote:     q,
		LastPnL:   res.LastPnL,
		Unit:      res.Unit,
		LimitsHit: res.LimitsHit,
		Reason:    reason,
	}
	if err := t.sink.AutoTakeProfit(ctx, a); err != nil {
		t.logger.Error("auto tp alert failed", "signal", s.ID, "error", err)
	}
	t.logger.Info("auto take-profit", "signal", s.ID, "symbol", s.Instrument, "pnl", res.LastPnL, "unit", res.Unit)
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// drop removes a closed signal from the working set. The subscription
// stays until the next refresh reconciles it; another signal may share
// the symbol.
func (t *Tracker) drop(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.signals[id]
	if !ok {
		return
	}
	delete(t.signals, id)
	sym := symbols.Normalize(s.Instrument)
	ids := t.bySymbol[sym]
	for i, other := range ids {
		if other == id {
			t.bySymbol[sym] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.bySymbol[sym]) == 0 {
		delete(t.bySymbol, sym)
	}
}

// bufferSettings returns the cached spread-buffer configuration,
// re-reading it at most once per SettingsCacheTTL.
func (t *Tracker) bufferSettings() config.SpreadBufferConfig {
	cur := t.cfg.Current()
	ttl := cur.Tracker.SettingsCacheTTL

	t.settingsMu.Lock()
	defer t.settingsMu.Unlock()
	now := t.clock.Now()
	if now.Sub(t.settings.loaded) > ttl {
		t.settings = settingsSnapshot{buffer: cur.SpreadBuffer, loaded: now}
	}
	return t.settings.buffer
}

func (t *Tracker) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.Current().Store.CallTimeout)
}
