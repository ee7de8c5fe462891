package takeprofit

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/internal/store"
	"signalwatch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func newEvaluator(t *testing.T) (*Evaluator, *store.Memory, *Store) {
	t.Helper()
	cfg, err := Load(filepath.Join(t.TempDir(), "tp.json"))
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	return NewEvaluator(cfg, st, testLogger()), st, cfg
}

func seedHitSignal(t *testing.T, st *store.Memory, sym string, dir types.Direction, fills ...string) *types.Signal {
	t.Helper()
	ctx := context.Background()
	id, err := st.InsertSignal(ctx, &types.Signal{
		MessageID:  "msg-" + sym,
		Instrument: sym,
		Direction:  dir,
		Status:     types.StatusActive,
		ExpiryType: types.ExpiryNone,
	})
	if err != nil {
		t.Fatal(err)
	}
	var prices []decimal.Decimal
	for _, f := range fills {
		prices = append(prices, decimal.RequireFromString(f))
	}
	if err := st.InsertLimits(ctx, id, prices); err != nil {
		t.Fatal(err)
	}
	sig, _ := st.GetSignal(ctx, id)
	for i, f := range fills {
		if _, err := st.MarkLimitHit(ctx, sig.Limits[i].ID, decimal.RequireFromString(f)); err != nil {
			t.Fatal(err)
		}
	}
	sig, _ = st.GetSignal(ctx, id)
	return sig
}

func quote(sym, bid, ask string) types.Quote {
	b := decimal.RequireFromString(bid)
	a := decimal.RequireFromString(ask)
	return types.Quote{Symbol: sym, Bid: b, Ask: a, Spread: a.Sub(b), Timestamp: time.Now()}
}

func TestEvaluateTriggersAtThreshold(t *testing.T) {
	t.Parallel()
	ev, st, cfg := newEvaluator(t)
	ctx := context.Background()

	if err := cfg.SetOverride("USDJPY", false, UnitPips, decimal.NewFromInt(10), "test"); err != nil {
		t.Fatal(err)
	}
	sig := seedHitSignal(t, st, "USDJPY", types.Long, "145.00")
	if err := ev.Refresh(ctx, sig.ID); err != nil {
		t.Fatal(err)
	}

	// 12 pips above entry on the bid: beyond the 10 pip threshold.
	res, trigger := ev.Evaluate(sig, quote("USDJPY", "145.12", "145.14"))
	if !trigger {
		t.Fatalf("expected trigger, got %+v", res)
	}
	if !res.LastPnL.Equal(decimal.NewFromInt(12)) {
		t.Errorf("last pnl = %s, want 12", res.LastPnL)
	}
	if res.Unit != "pips" {
		t.Errorf("unit = %s, want pips", res.Unit)
	}

	// Exactly on the threshold must also trigger.
	_, trigger = ev.Evaluate(sig, quote("USDJPY", "145.10", "145.12"))
	if !trigger {
		t.Error("pnl exactly at threshold must trigger")
	}

	// Just below must not.
	_, trigger = ev.Evaluate(sig, quote("USDJPY", "145.09", "145.11"))
	if trigger {
		t.Error("pnl below threshold must not trigger")
	}
}

func TestEvaluateShortDirection(t *testing.T) {
	t.Parallel()
	ev, st, cfg := newEvaluator(t)
	ctx := context.Background()

	if err := cfg.SetOverride("XAUUSD", false, UnitDollars, decimal.NewFromInt(5), "test"); err != nil {
		t.Fatal(err)
	}
	sig := seedHitSignal(t, st, "XAUUSD", types.Short, "2500.00")
	if err := ev.Refresh(ctx, sig.ID); err != nil {
		t.Fatal(err)
	}

	// Short closes at the ask: 2494.50 is 5.50 in profit.
	res, trigger := ev.Evaluate(sig, quote("XAUUSD", "2494.20", "2494.50"))
	if !trigger {
		t.Fatalf("expected trigger, got %+v", res)
	}
	if !res.LastPnL.Equal(decimal.RequireFromString("5.5")) {
		t.Errorf("last pnl = %s, want 5.5", res.LastPnL)
	}

	// Price above entry: losing short must not trigger.
	if _, trigger := ev.Evaluate(sig, quote("XAUUSD", "2505.00", "2505.30")); trigger {
		t.Error("losing short must not trigger")
	}
}

func TestEvaluateEarlierLimitsMustNotDrag(t *testing.T) {
	t.Parallel()
	ev, st, cfg := newEvaluator(t)
	ctx := context.Background()

	if err := cfg.SetOverride("EURUSD", false, UnitPips, decimal.NewFromInt(10), "test"); err != nil {
		t.Fatal(err)
	}
	// Two fills: first at 1.1000, second at 1.0950.
	sig := seedHitSignal(t, st, "EURUSD", types.Long, "1.1000", "1.0950")
	if err := ev.Refresh(ctx, sig.ID); err != nil {
		t.Fatal(err)
	}

	// Bid 1.0960: last limit is +10 pips, but the first is -40 pips.
	if _, trigger := ev.Evaluate(sig, quote("EURUSD", "1.0960", "1.0962")); trigger {
		t.Error("negative earlier-limit sum must block the trigger")
	}

	// Bid 1.1060: last limit +110 pips, first +60 pips. Both conditions hold.
	if _, trigger := ev.Evaluate(sig, quote("EURUSD", "1.1060", "1.1062")); !trigger {
		t.Error("expected trigger once every fill is in profit")
	}
}

func TestEvaluateNoCacheNoTrigger(t *testing.T) {
	t.Parallel()
	ev, st, _ := newEvaluator(t)

	sig := seedHitSignal(t, st, "EURUSD", types.Long, "1.1000")
	// No Refresh: the evaluator has never seen this signal.
	if _, trigger := ev.Evaluate(sig, quote("EURUSD", "1.2000", "1.2002")); trigger {
		t.Error("uncached signal must not trigger")
	}
}

func TestEvictDropsCache(t *testing.T) {
	t.Parallel()
	ev, st, cfg := newEvaluator(t)
	ctx := context.Background()

	if err := cfg.SetOverride("EURUSD", false, UnitPips, decimal.NewFromInt(1), "test"); err != nil {
		t.Fatal(err)
	}
	sig := seedHitSignal(t, st, "EURUSD", types.Long, "1.1000")
	if err := ev.Refresh(ctx, sig.ID); err != nil {
		t.Fatal(err)
	}
	ev.Evict(sig.ID)
	if _, trigger := ev.Evaluate(sig, quote("EURUSD", "1.2000", "1.2002")); trigger {
		t.Error("evicted signal must not trigger")
	}
}

func TestScalpTierResolvesSeparately(t *testing.T) {
	t.Parallel()
	_, _, cfg := newEvaluator(t)

	if err := cfg.SetOverride("EURUSD", false, UnitPips, decimal.NewFromInt(20), "test"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetOverride("EURUSD", true, UnitPips, decimal.NewFromInt(8), "test"); err != nil {
		t.Fatal(err)
	}

	regular, source := cfg.Resolve("EURUSD", false)
	if source != "override" || !regular.Value.Equal(decimal.NewFromInt(20)) {
		t.Errorf("regular = %s (%s), want 20 (override)", regular.Value, source)
	}
	scalp, source := cfg.Resolve("EURUSD", true)
	if source != "override" || !scalp.Value.Equal(decimal.NewFromInt(8)) {
		t.Errorf("scalp = %s (%s), want 8 (override)", scalp.Value, source)
	}

	// An unconfigured symbol falls back per asset class.
	fb, source := cfg.Resolve("GBPUSD", false)
	if source != "fallback" || fb.Type != UnitPips {
		t.Errorf("fallback = %+v (%s)", fb, source)
	}
}
