// Package feed implements the three streaming price connectors.
//
// Every client speaks the same interface: connect, maintain a subscribed
// set in the feed's own vocabulary, and push RawTicks onto an event
// channel. Run blocks until ctx is cancelled and reconnects with bounded
// exponential backoff on any transport error.
//
//   - icmarkets:  polling tick fetch per subscribed symbol (~100 ms),
//     emitting only on bid/ask change.
//   - oanda:      v20 HTTP streaming; one open request lists all
//     instruments, so subscription changes recycle the stream.
//   - cryptofeed: multi-stream WebSocket with dynamic SUBSCRIBE /
//     UNSUBSCRIBE control frames, acked by the server.
package feed

import (
	"context"
	"errors"
	"time"

	"signalwatch/pkg/types"
)

// ErrPermanent marks failures that retrying cannot fix (rejected
// credentials, unauthorized account). The engine marks the feed
// not_configured and stops retrying.
var ErrPermanent = errors.New("feed: permanent failure")

// ErrNotConnected is returned by operations that need a live transport.
var ErrNotConnected = errors.New("feed: not connected")

// Client is one streaming price connector. Symbols are in the feed's own
// vocabulary; translation happens in the stream manager.
type Client interface {
	Name() types.Feed

	// Connect establishes the transport once. Run calls it internally;
	// it exists so startup can fail fast on bad credentials.
	Connect(ctx context.Context) error

	Subscribe(feedSymbol string) error
	Unsubscribe(feedSymbol string) error
	BulkSubscribe(feedSymbols []string) error

	// Events yields raw ticks. The channel is owned by the client and
	// closed never; consumers stop via their own ctx.
	Events() <-chan types.RawTick

	// Run drives the stream until ctx is cancelled, reconnecting with
	// backoff on transport errors.
	Run(ctx context.Context) error

	// Reconnect drops and re-establishes the transport, re-subscribing
	// to the tracked set. Idempotent.
	Reconnect(ctx context.Context) error

	Stats() Stats
}

// Stats is a point-in-time snapshot of one client's health counters.
type Stats struct {
	Feed       types.Feed
	Configured bool
	Connected  bool
	Subscribed int
	Ticks      uint64
	Reconnects int
	LastEvent  time.Time
}

const (
	backoffBase = 5 * time.Second
	backoffMax  = 30 * time.Second
	eventBuffer = 256
)

// backoffDelay returns min(5s × 2ⁿ, 30s) for the nth consecutive failure.
func backoffDelay(failures int) time.Duration {
	d := backoffBase
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
