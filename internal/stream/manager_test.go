package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/internal/feed"
	"signalwatch/internal/symbols"
	"signalwatch/pkg/types"
)

type fakeClient struct {
	name       types.Feed
	subscribed []string
	events     chan types.RawTick
	reconnects int
	runErr     error
}

func newFakeClient(name types.Feed) *fakeClient {
	return &fakeClient{name: name, events: make(chan types.RawTick, 16)}
}

func (c *fakeClient) Name() types.Feed                  { return c.name }
func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Subscribe(sym string) error {
	c.subscribed = append(c.subscribed, sym)
	return nil
}

func (c *fakeClient) Unsubscribe(sym string) error { return nil }

func (c *fakeClient) BulkSubscribe(syms []string) error {
	c.subscribed = append(c.subscribed, syms...)
	return nil
}

func (c *fakeClient) Events() <-chan types.RawTick { return c.events }

func (c *fakeClient) Run(ctx context.Context) error {
	if c.runErr != nil {
		return c.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeClient) Reconnect(ctx context.Context) error {
	c.reconnects++
	return nil
}

func (c *fakeClient) Stats() feed.Stats {
	return feed.Stats{Feed: c.name, Configured: true}
}

func newTestManager(t *testing.T) (*Manager, *fakeClient, *fakeClient) {
	t.Helper()
	ic := newFakeClient(types.FeedICMarkets)
	oa := newFakeClient(types.FeedOanda)
	m := NewManager(symbols.NewMapper(symbols.Config{}), []feed.Client{ic, oa}, slog.Default())
	return m, ic, oa
}

func tick(sym, bid, ask string) types.RawTick {
	return types.RawTick{
		FeedSymbol: sym,
		Bid:        decimal.RequireFromString(bid),
		Ask:        decimal.RequireFromString(ask),
		Timestamp:  time.Now(),
	}
}

func TestSubscribeRoutesToBestFeed(t *testing.T) {
	t.Parallel()
	m, ic, oa := newTestManager(t)

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	if len(ic.subscribed) != 1 || ic.subscribed[0] != "EURUSD" {
		t.Errorf("icmarkets subscriptions = %v", ic.subscribed)
	}

	// Indices route to oanda first, in its dialect.
	if err := m.Subscribe("NAS100"); err != nil {
		t.Fatal(err)
	}
	if len(oa.subscribed) != 1 || oa.subscribed[0] != "NAS100_USD" {
		t.Errorf("oanda subscriptions = %v", oa.subscribed)
	}

	// Re-subscribing is a no-op.
	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	if len(ic.subscribed) != 1 {
		t.Errorf("duplicate subscribe reached the client: %v", ic.subscribed)
	}
}

func TestHandleTickDispatchesCanonicalQuote(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	var got []types.Quote
	m.AddSubscriber(func(q types.Quote) { got = append(got, q) })

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.0998", "1.1000"))

	if len(got) != 1 {
		t.Fatalf("dispatched %d quotes, want 1", len(got))
	}
	q := got[0]
	if q.Symbol != "EURUSD" || q.Feed != types.FeedICMarkets {
		t.Errorf("quote = %+v", q)
	}
	if !q.Spread.Equal(decimal.RequireFromString("0.0002")) {
		t.Errorf("spread = %s, want 0.0002", q.Spread)
	}
}

func TestHandleTickIgnoresUnroutedFeed(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	var got int
	m.AddSubscriber(func(types.Quote) { got++ })

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	// EURUSD is routed to icmarkets; an oanda tick for it is dropped.
	m.handleTick(types.FeedOanda, tick("EUR_USD", "1.0998", "1.1000"))
	if got != 0 {
		t.Errorf("off-route tick dispatched %d quotes", got)
	}

	// Unsubscribed symbols are dropped too.
	m.handleTick(types.FeedICMarkets, tick("GBPUSD", "1.2500", "1.2502"))
	if got != 0 {
		t.Errorf("unsubscribed tick dispatched %d quotes", got)
	}
}

func TestHandleTickClampsNegativeSpread(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	var got []types.Quote
	m.AddSubscriber(func(q types.Quote) { got = append(got, q) })

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	// Crossed book: ask below bid.
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.1002", "1.1000"))
	if len(got) != 1 {
		t.Fatalf("dispatched %d quotes, want 1", len(got))
	}
	if !got[0].Spread.IsZero() {
		t.Errorf("spread = %s, want 0", got[0].Spread)
	}
}

func TestLatestPrice(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.0998", "1.1000"))

	q, ok := m.LatestPrice(ctx, "EURUSD")
	if !ok || !q.Ask.Equal(decimal.RequireFromString("1.1000")) {
		t.Errorf("LatestPrice = %+v, %v", q, ok)
	}

	if _, ok := m.LatestPrice(ctx, "GBPUSD"); ok {
		t.Error("unsubscribed symbol must report no price")
	}
}

func TestObserverSeesAcceptedTicks(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	var observed []string
	m.AddObserver(func(f types.Feed, sym string, seen time.Time) {
		observed = append(observed, sym)
	})

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.0998", "1.1000"))
	m.handleTick(types.FeedICMarkets, tick("GBPUSD", "1.2500", "1.2502"))

	if len(observed) != 1 || observed[0] != "EURUSD" {
		t.Errorf("observed = %v, want [EURUSD]", observed)
	}
}

func TestUnsubscribeDropsRoutingAndCache(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Subscribe("EURUSD"); err != nil {
		t.Fatal(err)
	}
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.0998", "1.1000"))
	m.Unsubscribe("EURUSD")

	if _, ok := m.LatestPrice(ctx, "EURUSD"); ok {
		t.Error("price cache survived unsubscribe")
	}

	var got int
	m.AddSubscriber(func(types.Quote) { got++ })
	m.handleTick(types.FeedICMarkets, tick("EURUSD", "1.0998", "1.1000"))
	if got != 0 {
		t.Error("tick dispatched after unsubscribe")
	}
}

func TestPermanentFailureNotifiesOnce(t *testing.T) {
	t.Parallel()
	ic := newFakeClient(types.FeedICMarkets)
	oa := newFakeClient(types.FeedOanda)
	oa.runErr = fmt.Errorf("%w: rejected credentials", feed.ErrPermanent)
	m := NewManager(symbols.NewMapper(symbols.Config{}), []feed.Client{ic, oa}, slog.Default())

	type failure struct {
		f   types.Feed
		err error
	}
	failures := make(chan failure, 4)
	m.OnPermanentFailure(func(f types.Feed, err error) {
		failures <- failure{f: f, err: err}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case got := <-failures:
		if got.f != types.FeedOanda {
			t.Errorf("failed feed = %s, want oanda", got.f)
		}
		if !errors.Is(got.err, feed.ErrPermanent) {
			t.Errorf("err = %v, want ErrPermanent", got.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("permanent failure never reported")
	}

	cancel()
	<-done

	// The healthy feed's shutdown must not fire the handler again.
	select {
	case extra := <-failures:
		t.Errorf("unexpected extra failure: %+v", extra)
	default:
	}
}

func TestReconnectFeed(t *testing.T) {
	t.Parallel()
	m, ic, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.ReconnectFeed(ctx, types.FeedICMarkets); err != nil {
		t.Fatal(err)
	}
	if ic.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", ic.reconnects)
	}
	if err := m.ReconnectFeed(ctx, types.Feed("bogus")); err == nil {
		t.Error("unknown feed must fail")
	}
}
