package news

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"signalwatch/internal/alert"
	"signalwatch/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type countingSink struct {
	alert.Sink
	mu        sync.Mutex
	activated []types.NewsEvent
}

func newCountingSink() *countingSink {
	return &countingSink{Sink: alert.NewLogSink(slog.Default())}
}

func (s *countingSink) NewsActivated(ctx context.Context, a alert.NewsActivatedAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, a.Event)
	return nil
}

func newTestManager(t *testing.T, clock types.Clock) (*Manager, string, *countingSink) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "news.json")
	sink := newCountingSink()
	m, err := NewManager(path, sink, clock, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return m, path, sink
}

func TestMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		category, sym string
		want          bool
	}{
		{"ALL", "EURUSD", true},
		{"ALL", "BTCUSDT", true},
		{"GOLD", "XAUUSD", true},
		{"GOLD", "EURUSD", false},
		{"SILVER", "XAGUSD", true},
		{"OIL", "WTIUSD", true},
		{"OIL", "EURUSD", false},
		{"BTC", "BTCUSDT", true},
		{"BTC", "ETHUSDT", false},
		{"CRYPTO", "ETHUSDT", true},
		{"CRYPTO", "EURUSD", false},
		{"USD", "EURUSD", true},
		{"USD", "GBPJPY", false},
		{"JPY", "GBPJPY", true},
		// XAUUSD embeds "USD" but is a metal, not a USD pair.
		{"USD", "XAUUSD", false},
		{"USD", "BTCUSDT", false},
		{"CHF", "EURUSD", false},
	}
	for _, tc := range cases {
		if got := Matches(tc.category, tc.sym); got != tc.want {
			t.Errorf("Matches(%s, %s) = %v, want %v", tc.category, tc.sym, got, tc.want)
		}
	}
}

func TestWindowIsClosedInterval(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	e := types.NewsEvent{Category: "USD", NewsTime: at, WindowMinutes: 30}

	if !e.ActiveAt(at.Add(-30 * time.Minute)) {
		t.Error("window start must be inclusive")
	}
	if !e.ActiveAt(at.Add(30 * time.Minute)) {
		t.Error("window end must be inclusive")
	}
	if e.ActiveAt(at.Add(-30*time.Minute - time.Second)) {
		t.Error("before the window must not be active")
	}
	if e.ActiveAt(at.Add(30*time.Minute + time.Second)) {
		t.Error("after the window must not be active")
	}
}

func TestAddRemoveActiveFor(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	m, _, _ := newTestManager(t, clock)

	e, err := m.Add("usd", now.Add(10*time.Minute), 30, "op")
	if err != nil {
		t.Fatal(err)
	}
	if e.Category != "USD" {
		t.Errorf("category = %s, want USD", e.Category)
	}

	if _, open := m.ActiveFor("EURUSD", now); !open {
		t.Error("EURUSD should be inside the window")
	}
	if _, open := m.ActiveFor("XAUUSD", now); open {
		t.Error("XAUUSD must not match a USD event")
	}

	removed, err := m.Remove(e.ID)
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if _, open := m.ActiveFor("EURUSD", now); open {
		t.Error("removed event must not stay active")
	}
}

func TestAddRejectsPastWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	m, _, _ := newTestManager(t, &fakeClock{t: now})

	if _, err := m.Add("USD", now.Add(-2*time.Hour), 30, "op"); err == nil {
		t.Error("expected error for a window that already closed")
	}
	if _, err := m.Add("USD", now, 0, "op"); err == nil {
		t.Error("expected error for a zero window")
	}
}

func TestPersistenceAndIDMonotonicity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	m, path, _ := newTestManager(t, clock)

	a, _ := m.Add("USD", now.Add(time.Hour), 30, "op")
	b, _ := m.Add("GOLD", now.Add(2*time.Hour), 15, "op")
	if b.ID != a.ID+1 {
		t.Fatalf("ids not sequential: %d then %d", a.ID, b.ID)
	}
	if _, err := m.Remove(b.ID); err != nil {
		t.Fatal(err)
	}

	// A fresh manager on the same file must keep the counter past the
	// removed event so ids never recycle.
	m2, err := NewManager(path, newCountingSink(), clock, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	c, err := m2.Add("OIL", now.Add(3*time.Hour), 10, "op")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID <= b.ID {
		t.Errorf("id %d reused after %d", c.ID, b.ID)
	}
	if len(m2.All()) != 2 {
		t.Errorf("expected 2 events after reload, got %d", len(m2.All()))
	}
}

func TestLoadDiscardsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	m, path, _ := newTestManager(t, clock)

	if _, err := m.Add("USD", now.Add(time.Hour), 30, "op"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add("GOLD", now.Add(2*time.Hour), 15, "op"); err != nil {
		t.Fatal(err)
	}

	later := &fakeClock{t: now.Add(91 * time.Minute)}
	m2, err := NewManager(path, newCountingSink(), later, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	events := m2.All()
	if len(events) != 1 || events[0].Category != "GOLD" {
		t.Errorf("expected only the GOLD event to survive, got %+v", events)
	}
}

func TestAnnounceOpenFiresOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	m, _, sink := newTestManager(t, clock)

	if _, err := m.Add("USD", now.Add(10*time.Minute), 30, "op"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.announceOpen(ctx)
	m.announceOpen(ctx)

	sink.mu.Lock()
	n := len(sink.activated)
	sink.mu.Unlock()
	if n != 1 {
		t.Errorf("window-open alert fired %d times, want 1", n)
	}
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	m, _, _ := newTestManager(t, clock)

	if _, err := m.Add("USD", now.Add(5*time.Minute), 10, "op"); err != nil {
		t.Fatal(err)
	}
	clock.t = now.Add(time.Hour)
	m.purgeExpired()
	if len(m.All()) != 0 {
		t.Error("expired event not purged")
	}
}
