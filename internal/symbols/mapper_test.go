package symbols

import (
	"testing"

	"signalwatch/pkg/types"
)

func TestClass(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sym  string
		want AssetClass
	}{
		{"EURUSD", ClassForex},
		{"GBPCHF", ClassForex},
		{"USDJPY", ClassForexJPY},
		{"EURJPY", ClassForexJPY},
		{"XAUUSD", ClassMetals},
		{"XAGUSD", ClassMetals},
		{"GOLD", ClassMetals},
		{"BTCUSDT", ClassCrypto},
		{"ETHUSDT", ClassCrypto},
		{"SOLUSDT", ClassCrypto},
		{"NAS100", ClassIndices},
		{"US30", ClassIndices},
		{"DE40", ClassIndices},
		{"AAPL.NAS", ClassStocks},
		{"WTIUSD", ClassOil},
		{"UKOIL", ClassOil},
	}
	for _, tc := range cases {
		if got := Class(tc.sym); got != tc.want {
			t.Errorf("Class(%s) = %s, want %s", tc.sym, got, tc.want)
		}
	}
}

func TestPipSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sym  string
		want string
	}{
		{"EURUSD", "0.0001"},
		{"USDJPY", "0.01"},
		{"XAUUSD", "0.01"},
		{"XAGUSD", "0.001"},
		{"BTCUSDT", "1"},
		{"NAS100", "1"},
	}
	for _, tc := range cases {
		if got := PipSize(tc.sym).String(); got != tc.want {
			t.Errorf("PipSize(%s) = %s, want %s", tc.sym, got, tc.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMapper(Config{})
	cases := []struct {
		sym  string
		feed types.Feed
	}{
		{"EURUSD", types.FeedICMarkets},
		{"EURUSD", types.FeedOanda},
		{"USDJPY", types.FeedOanda},
		{"XAUUSD", types.FeedOanda},
		{"XAUUSD", types.FeedICMarkets},
		{"NAS100", types.FeedOanda},
		{"DE30", types.FeedOanda},
		{"BTCUSDT", types.FeedCrypto},
	}
	for _, tc := range cases {
		feedSym, err := m.ToFeed(tc.sym, tc.feed)
		if err != nil {
			t.Fatalf("ToFeed(%s, %s): %v", tc.sym, tc.feed, err)
		}
		back, err := m.FromFeed(feedSym, tc.feed)
		if err != nil {
			t.Fatalf("FromFeed(%s, %s): %v", feedSym, tc.feed, err)
		}
		if back != tc.sym {
			t.Errorf("round trip %s via %s: got %s (feed symbol %s)", tc.sym, tc.feed, back, feedSym)
		}
	}
}

func TestToFeedDialects(t *testing.T) {
	t.Parallel()

	m := NewMapper(Config{})
	cases := []struct {
		sym  string
		feed types.Feed
		want string
	}{
		{"EURUSD", types.FeedOanda, "EUR_USD"},
		{"NAS100", types.FeedOanda, "NAS100_USD"},
		{"DE30", types.FeedOanda, "DE30_EUR"},
		{"BTCUSDT", types.FeedCrypto, "btcusdt"},
		{"XAUUSD", types.FeedICMarkets, "XAUUSD"},
	}
	for _, tc := range cases {
		got, err := m.ToFeed(tc.sym, tc.feed)
		if err != nil {
			t.Fatalf("ToFeed(%s, %s): %v", tc.sym, tc.feed, err)
		}
		if got != tc.want {
			t.Errorf("ToFeed(%s, %s) = %s, want %s", tc.sym, tc.feed, got, tc.want)
		}
	}
}

func TestToFeedUnsupported(t *testing.T) {
	t.Parallel()

	m := NewMapper(Config{})
	if _, err := m.ToFeed("EURUSD", types.FeedCrypto); err == nil {
		t.Error("expected error for forex pair on crypto feed")
	}
	if _, err := m.FeedsFor("WTIUSD"); err == nil {
		t.Error("expected error for oil: no feed supports it")
	}
}

func TestSpecificMappingsWin(t *testing.T) {
	t.Parallel()

	m := NewMapper(Config{
		Feeds: map[string]FeedMappings{
			"icmarkets": {SpecificMappings: map[string]string{"XAUUSD": "GOLD.spot"}},
		},
	})
	got, err := m.ToFeed("XAUUSD", types.FeedICMarkets)
	if err != nil {
		t.Fatal(err)
	}
	if got != "GOLD.spot" {
		t.Errorf("ToFeed override = %s, want GOLD.spot", got)
	}
	back, err := m.FromFeed("GOLD.spot", types.FeedICMarkets)
	if err != nil {
		t.Fatal(err)
	}
	if back != "XAUUSD" {
		t.Errorf("FromFeed override = %s, want XAUUSD", back)
	}
}

func TestFeedPriority(t *testing.T) {
	t.Parallel()

	m := NewMapper(Config{})
	best, err := m.BestFeed("EURUSD")
	if err != nil {
		t.Fatal(err)
	}
	if best != types.FeedICMarkets {
		t.Errorf("BestFeed(EURUSD) = %s, want icmarkets", best)
	}
	best, err = m.BestFeed("NAS100")
	if err != nil {
		t.Fatal(err)
	}
	if best != types.FeedOanda {
		t.Errorf("BestFeed(NAS100) = %s, want oanda", best)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"gold":     "XAUUSD",
		"  BTC ":   "BTCUSDT",
		"eurusd":   "EURUSD",
		"Nas":      "NAS100",
		"AAPL.NAS": "AAPL.NAS",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %s, want %s", in, got, want)
		}
	}
}
