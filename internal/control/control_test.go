package control

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signalwatch/internal/alert"
	"signalwatch/internal/config"
	"signalwatch/internal/distance"
	"signalwatch/internal/feed"
	"signalwatch/internal/health"
	"signalwatch/internal/news"
	"signalwatch/internal/store"
	"signalwatch/internal/takeprofit"
	"signalwatch/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fakeStreams struct {
	reconnected []types.Feed
}

func (s *fakeStreams) ReconnectFeed(ctx context.Context, f types.Feed) error {
	s.reconnected = append(s.reconnected, f)
	return nil
}

func (s *fakeStreams) Stats() []feed.Stats {
	return []feed.Stats{{Feed: types.FeedICMarkets, Configured: true, Connected: true, Subscribed: 2}}
}

type fakeTracker struct {
	refreshes int
}

func (t *fakeTracker) Refresh(ctx context.Context) error {
	t.refreshes++
	return nil
}

func (t *fakeTracker) Tracked() int { return 1 }

type fixture struct {
	st      *store.Memory
	streams *fakeStreams
	trk     *fakeTracker
	d       *Dispatcher
	stopped bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.Default()
	clock := &fakeClock{t: time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)}

	cfg := &config.Config{
		AdminIDs: []string{"admin"},
		Store:    config.StoreConfig{CallTimeout: 5 * time.Second},
		Tracker:  config.TrackerConfig{RefreshInterval: 30 * time.Second},
	}
	mgr := config.NewManager(filepath.Join(dir, "settings.json"), cfg)

	st := store.NewMemoryWithClock(clock)
	dist, err := distance.Load(filepath.Join(dir, "distances.json"))
	if err != nil {
		t.Fatal(err)
	}
	tp, err := takeprofit.Load(filepath.Join(dir, "tp.json"))
	if err != nil {
		t.Fatal(err)
	}
	nm, err := news.NewManager(filepath.Join(dir, "news.json"), alert.NewLogSink(logger), clock, logger)
	if err != nil {
		t.Fatal(err)
	}
	cal, err := health.NewCalendar(nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{st: st, streams: &fakeStreams{}, trk: &fakeTracker{}}
	f.d = New(mgr, st, f.streams, f.trk, dist, tp, nm, cal, clock,
		func() { f.stopped = true }, logger)
	return f
}

func (f *fixture) run(t *testing.T, caller, line string) string {
	t.Helper()
	out, err := f.d.Execute(context.Background(), caller, line)
	if err != nil {
		t.Fatalf("Execute(%q): %v", line, err)
	}
	return out
}

func TestAddSignalAndInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := f.run(t, "op", "add-signal eurusd long 1.1000,1.0950 1.0900 week_end")
	if !strings.Contains(out, "EURUSD") || !strings.Contains(out, "2 limit(s)") {
		t.Fatalf("add reply = %q", out)
	}
	if f.trk.refreshes == 0 {
		t.Error("add-signal must refresh the tracker")
	}

	sig, err := f.st.GetSignal(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sig.MessageID, types.AutoMessagePrefix) {
		t.Errorf("message id %q missing the auto prefix", sig.MessageID)
	}
	if sig.ExpiryType != types.ExpiryWeekEnd || sig.ExpiryTime == nil {
		t.Errorf("expiry = %s %v", sig.ExpiryType, sig.ExpiryTime)
	}
	if len(sig.Limits) != 2 {
		t.Errorf("limits = %d, want 2", len(sig.Limits))
	}

	info := f.run(t, "op", "info 1")
	if !strings.Contains(info, "EURUSD") || !strings.Contains(info, "limit 1") {
		t.Errorf("info reply = %q", info)
	}
}

func TestAddSignalValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Execute(ctx, "op", "add-signal EURUSD sideways 1.1 -"); err == nil {
		t.Error("bad direction must fail")
	}
	if _, err := f.d.Execute(ctx, "op", "add-signal EURUSD long 1.1,1.2,1.3,1.4,1.5 -"); err == nil {
		t.Error("more than four limits must fail")
	}
	if _, err := f.d.Execute(ctx, "op", "add-signal EURUSD long notaprice -"); err == nil {
		t.Error("unparseable limit must fail")
	}
}

func TestAdminGating(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Execute(ctx, "rando", "clear-all confirm"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin clear-all: %v", err)
	}
	if _, err := f.d.Execute(ctx, "rando", "shutdown"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin shutdown: %v", err)
	}
	if f.stopped {
		t.Fatal("shutdown fired for a non-admin")
	}

	f.run(t, "admin", "shutdown")
	if !f.stopped {
		t.Error("admin shutdown did not fire")
	}
}

func TestClearAllNeedsConfirm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "op", "add-signal EURUSD long 1.1000 -")
	if _, err := f.d.Execute(ctx, "admin", "clear-all"); err == nil {
		t.Error("clear-all without confirm must fail")
	}
	out := f.run(t, "admin", "clear-all confirm")
	if !strings.Contains(out, "1 signal") {
		t.Errorf("clear reply = %q", out)
	}
}

func TestSetStatusManualOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "op", "add-signal EURUSD long 1.1000 -")

	// active → profit is illegal automatically, but set-status is manual.
	out := f.run(t, "admin", "set-status 1 profit closed by hand")
	if !strings.Contains(out, "profit") {
		t.Errorf("set-status reply = %q", out)
	}

	changes, err := f.st.StatusChangesFor(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Type != types.ChangeManual || changes[0].Reason != "closed by hand" {
		t.Errorf("audit rows = %+v", changes)
	}

	if _, err := f.d.Execute(ctx, "rando", "set-status 1 active"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-admin set-status: %v", err)
	}
}

func TestCancelAndDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "op", "add-signal EURUSD long 1.1000 -")
	out := f.run(t, "op", "cancel 1 changed my mind")
	if !strings.Contains(out, "cancelled") {
		t.Errorf("cancel reply = %q", out)
	}
	sig, _ := f.st.GetSignal(ctx, 1)
	if sig.Status != types.StatusCancelled || sig.ClosedReason != "changed my mind" {
		t.Errorf("signal after cancel = %s %q", sig.Status, sig.ClosedReason)
	}

	f.run(t, "op", "delete-signal 1")
	if _, err := f.st.GetSignal(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("signal survived delete: %v", err)
	}
}

func TestSpreadBufferToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if out := f.run(t, "op", "spread-buffer status"); !strings.Contains(out, "off") {
		t.Errorf("initial status = %q", out)
	}
	f.run(t, "op", "spread-buffer on")
	if out := f.run(t, "op", "spread-buffer status"); !strings.Contains(out, "on") {
		t.Errorf("status after enable = %q", out)
	}
}

func TestAlertDistanceCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.run(t, "op", "set-alert-distance gold dollars 3")
	out := f.run(t, "op", "show-alert-distance XAUUSD")
	if !strings.Contains(out, "override") || !strings.Contains(out, "3") {
		t.Errorf("show reply = %q", out)
	}
	f.run(t, "op", "remove-alert-distance XAUUSD")
	out = f.run(t, "op", "show-alert-distance XAUUSD")
	if strings.Contains(out, "override") {
		t.Errorf("override survived removal: %q", out)
	}
}

func TestDefaultDistanceCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.run(t, "op", "set-default-distance metals dollars 5")
	// XAGUSD has no override, so the class default applies.
	out := f.run(t, "op", "show-alert-distance XAGUSD")
	if !strings.Contains(out, "default") || !strings.Contains(out, "5") {
		t.Errorf("show reply = %q", out)
	}

	if _, err := f.d.Execute(context.Background(), "op", "set-default-distance bonds dollars 5"); err == nil {
		t.Error("unknown asset class must fail")
	}
}

func TestNewsCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	when := time.Date(2025, 3, 11, 14, 30, 0, 0, time.UTC).Format(time.RFC3339)
	out := f.run(t, "op", "schedule-news USD "+when+" 30")
	if !strings.Contains(out, "USD") {
		t.Fatalf("schedule reply = %q", out)
	}
	if out := f.run(t, "op", "list-news"); !strings.Contains(out, "USD") {
		t.Errorf("list reply = %q", out)
	}
	f.run(t, "op", "remove-news 1")
	if out := f.run(t, "op", "list-news"); !strings.Contains(out, "no scheduled news") {
		t.Errorf("list after remove = %q", out)
	}
}

func TestReconnectAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.run(t, "op", "reconnect oanda")
	if len(f.streams.reconnected) != 1 || f.streams.reconnected[0] != types.FeedOanda {
		t.Errorf("reconnected = %v", f.streams.reconnected)
	}

	out := f.run(t, "op", "status")
	if !strings.Contains(out, "tracking 1 signal") || !strings.Contains(out, "icmarkets") {
		t.Errorf("status reply = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.d.Execute(context.Background(), "op", "frobnicate"); err == nil {
		t.Error("unknown verb must fail")
	}
}
