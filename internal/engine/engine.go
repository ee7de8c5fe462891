// Package engine assembles the tracker from configuration and owns the
// lifecycle of every background worker.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalwatch/internal/alert"
	"signalwatch/internal/config"
	"signalwatch/internal/control"
	"signalwatch/internal/distance"
	"signalwatch/internal/feed"
	"signalwatch/internal/health"
	"signalwatch/internal/lifecycle"
	"signalwatch/internal/news"
	"signalwatch/internal/store"
	"signalwatch/internal/stream"
	"signalwatch/internal/symbols"
	"signalwatch/internal/takeprofit"
	"signalwatch/internal/tracker"
	"signalwatch/pkg/types"
)

// Engine wires every component and runs the workers.
type Engine struct {
	cfg     *config.Manager
	logger  *slog.Logger
	clock   types.Clock
	st      store.SignalStore
	sink    alert.Sink
	streams *stream.Manager
	monitor *health.Monitor
	newsMgr *news.Manager
	trk     *tracker.Tracker
	sweeper *lifecycle.Sweeper
	ctl     *control.Dispatcher

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New builds the engine from a settings path. In dry-run mode (or with
// an empty DSN) the in-memory store backs everything and alerts go to
// the log.
func New(ctx context.Context, settingsPath string, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	mgr := config.NewManager(settingsPath, cfg)
	clock := types.SystemClock{}

	var st store.SignalStore
	if cfg.DryRun || cfg.Store.PostgresDSN == "" {
		logger.Info("using in-memory store", "dry_run", cfg.DryRun)
		st = store.NewMemory()
	} else {
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st = pg
	}

	sink := alert.NewLogSink(logger)

	mapper, err := symbols.Load(cfg.Paths.SymbolMappings)
	if err != nil {
		return nil, fmt.Errorf("symbol mappings: %w", err)
	}

	healthCfg, err := health.LoadConfig(cfg.Paths.HealthConfig)
	if err != nil {
		return nil, fmt.Errorf("health config: %w", err)
	}
	cal, err := health.NewCalendar(healthCfg.MarketHours.Holidays)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}

	var clients []feed.Client
	if cfg.Feeds.ICMarkets.BaseURL != "" {
		clients = append(clients, feed.NewICMarkets(cfg.Feeds.ICMarkets, logger))
	}
	if cfg.Feeds.Oanda.Token != "" && cfg.Feeds.Oanda.AccountID != "" {
		clients = append(clients, feed.NewOanda(cfg.Feeds.Oanda, logger))
	}
	if cfg.Feeds.Crypto.WSURL != "" {
		clients = append(clients, feed.NewCrypto(cfg.Feeds.Crypto, logger))
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no feeds configured")
	}

	streams := stream.NewManager(mapper, clients, logger)
	monitor := health.NewMonitor(healthCfg, cal, streams, sink, clock, logger)
	streams.AddObserver(monitor.Observe)

	// A credential rejection is not recoverable by retrying: pin the feed
	// to not_configured so the staleness sweep stops reconnecting it, and
	// tell the admin once.
	streams.OnPermanentFailure(func(f types.Feed, ferr error) {
		monitor.MarkNotConfigured(f)
		a := alert.AdminAlert{
			Title:   "feed disabled",
			Message: fmt.Sprintf("%s stopped permanently: %v. Fix credentials and use reconnect %s.", f, ferr, f),
			Feed:    f,
			At:      clock.Now(),
		}
		if err := sink.AdminNotification(context.Background(), a); err != nil {
			logger.Error("admin notification failed", "feed", f, "error", err)
		}
	})

	configured := make(map[types.Feed]bool, len(clients))
	for _, c := range clients {
		configured[c.Name()] = true
	}
	for _, f := range types.AllFeeds {
		if !configured[f] {
			monitor.MarkNotConfigured(f)
			logger.Warn("feed not configured", "feed", f)
		}
	}

	dist, err := distance.Load(cfg.Paths.AlertDistances)
	if err != nil {
		return nil, fmt.Errorf("alert distances: %w", err)
	}
	tpCfg, err := takeprofit.Load(cfg.Paths.TakeProfit)
	if err != nil {
		return nil, fmt.Errorf("take-profit config: %w", err)
	}
	tp := takeprofit.NewEvaluator(tpCfg, st, logger)

	newsMgr, err := news.NewManager(cfg.Paths.NewsEvents, sink, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("news events: %w", err)
	}

	trk := tracker.New(mgr, st, streams, dist, tp, newsMgr, cal, monitor, sink, clock, logger)
	streams.AddSubscriber(trk.OnQuote)

	sweeper := lifecycle.NewSweeper(st, cfg.Tracker.ExpirySweep, cfg.Store.CallTimeout, clock, logger)

	e := &Engine{
		cfg:      mgr,
		logger:   logger.With("component", "engine"),
		clock:    clock,
		st:       st,
		sink:     sink,
		streams:  streams,
		monitor:  monitor,
		newsMgr:  newsMgr,
		trk:      trk,
		sweeper:  sweeper,
		shutdown: make(chan struct{}),
	}
	e.ctl = control.New(mgr, st, streams, trk, dist, tpCfg, newsMgr, cal, clock, e.RequestShutdown, logger)
	return e, nil
}

// Dispatcher exposes the command surface to front-ends.
func (e *Engine) Dispatcher() *control.Dispatcher { return e.ctl }

// ShutdownRequested closes when the shutdown command fires.
func (e *Engine) ShutdownRequested() <-chan struct{} { return e.shutdown }

// RequestShutdown signals the main loop to stop.
func (e *Engine) RequestShutdown() {
	e.once.Do(func() { close(e.shutdown) })
}

// Start launches every worker. Returns once they are running.
func (e *Engine) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	run := func(name string, fn func(context.Context)) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			fn(ctx)
			e.logger.Debug("worker stopped", "worker", name)
		}()
	}

	run("streams", e.streams.Run)
	run("health", e.monitor.Run)
	run("news", e.newsMgr.Run)
	run("tracker", e.trk.Run)
	run("expiry", e.sweeper.Run)

	e.logger.Info("engine started", "dry_run", e.cfg.Current().DryRun)
}

// Stop cancels the workers and waits up to the shutdown grace period.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := e.cfg.Current().Tracker.ShutdownGrace
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("shutdown grace expired, abandoning workers", "grace", grace)
	}

	e.st.Close()
	e.logger.Info("engine stopped")
}
