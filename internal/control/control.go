// Package control is the operator command surface.
//
// Commands arrive as text lines (chat messages, a local console); the
// dispatcher parses the verb, gates admin-only commands on the caller id,
// and executes against the store, the tracker, and the runtime-mutable
// configuration documents. Every command returns a human-readable reply.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalwatch/internal/config"
	"signalwatch/internal/distance"
	"signalwatch/internal/feed"
	"signalwatch/internal/health"
	"signalwatch/internal/lifecycle"
	"signalwatch/internal/news"
	"signalwatch/internal/store"
	"signalwatch/internal/symbols"
	"signalwatch/internal/takeprofit"
	"signalwatch/pkg/types"
)

const maxLimits = 4

// ErrNotAuthorized is returned when a non-admin invokes an admin command.
var ErrNotAuthorized = errors.New("control: not authorized")

// Streams is the slice of the stream manager the commands touch.
type Streams interface {
	ReconnectFeed(ctx context.Context, f types.Feed) error
	Stats() []feed.Stats
}

// Refresher forces the tracker to re-pull its working set after a
// command changes the signal population.
type Refresher interface {
	Refresh(ctx context.Context) error
	Tracked() int
}

// Dispatcher parses and executes operator commands.
type Dispatcher struct {
	cfg      *config.Manager
	st       store.SignalStore
	streams  Streams
	trk      Refresher
	dist     *distance.Store
	tp       *takeprofit.Store
	news     *news.Manager
	cal      *health.Calendar
	clock    types.Clock
	shutdown func()
	logger   *slog.Logger
}

// New wires the dispatcher. shutdown is invoked by the shutdown command;
// the engine passes its root cancel.
func New(cfg *config.Manager, st store.SignalStore, streams Streams, trk Refresher,
	dist *distance.Store, tp *takeprofit.Store, nm *news.Manager, cal *health.Calendar,
	clock types.Clock, shutdown func(), logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		st:       st,
		streams:  streams,
		trk:      trk,
		dist:     dist,
		tp:       tp,
		news:     nm,
		cal:      cal,
		clock:    clock,
		shutdown: shutdown,
		logger:   logger.With("component", "control"),
	}
}

var adminOnly = map[string]bool{
	"clear-all":  true,
	"shutdown":   true,
	"set-status": true,
}

// Execute runs one command line on behalf of caller and returns the
// reply text.
func (d *Dispatcher) Execute(ctx context.Context, caller, line string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	if adminOnly[verb] && !d.isAdmin(caller) {
		d.logger.Warn("admin command denied", "caller", caller, "command", verb)
		return "", ErrNotAuthorized
	}

	d.logger.Info("command", "caller", caller, "verb", verb, "args", strings.Join(args, " "))

	switch verb {
	case "add-signal":
		return d.addSignal(ctx, args)
	case "delete-signal":
		return d.deleteSignal(ctx, args)
	case "info":
		return d.info(ctx, args)
	case "set-status":
		return d.setStatus(ctx, caller, args)
	case "set-expiry":
		return d.setExpiry(ctx, args)
	case "cancel":
		return d.cancel(ctx, caller, args)
	case "clear-all":
		return d.clearAll(ctx, args)
	case "spread-buffer":
		return d.spreadBuffer(args)
	case "set-alert-distance":
		return d.setAlertDistance(caller, args)
	case "set-default-distance":
		return d.setDefaultDistance(args)
	case "remove-alert-distance":
		return d.removeAlertDistance(args)
	case "show-alert-distance":
		return d.showAlertDistance(args)
	case "set-tp":
		return d.setTP(caller, args)
	case "remove-tp":
		return d.removeTP(args)
	case "schedule-news":
		return d.scheduleNews(caller, args)
	case "remove-news":
		return d.removeNews(args)
	case "list-news":
		return d.listNews()
	case "reconnect":
		return d.reconnect(ctx, args)
	case "reload-configs":
		return d.reloadConfigs()
	case "status":
		return d.status()
	case "shutdown":
		d.shutdown()
		return "shutting down", nil
	}
	return "", fmt.Errorf("unknown command %q", verb)
}

func (d *Dispatcher) isAdmin(caller string) bool {
	for _, id := range d.cfg.Current().AdminIDs {
		if id == caller {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Signal commands
// ————————————————————————————————————————————————————————————————————————

// addSignal: add-signal SYMBOL long|short LIMIT[,LIMIT...] STOP|- [EXPIRY] [scalp]
func (d *Dispatcher) addSignal(ctx context.Context, args []string) (string, error) {
	if len(args) < 4 {
		return "", fmt.Errorf("usage: add-signal SYMBOL long|short LIMITS STOP|- [expiry] [scalp]")
	}

	sym := symbols.Normalize(args[0])
	dir := types.Direction(strings.ToLower(args[1]))
	if dir != types.Long && dir != types.Short {
		return "", fmt.Errorf("direction must be long or short")
	}

	var prices []decimal.Decimal
	for _, p := range strings.Split(args[2], ",") {
		v, err := decimal.NewFromString(p)
		if err != nil {
			return "", fmt.Errorf("bad limit %q: %w", p, err)
		}
		prices = append(prices, v)
	}
	if len(prices) == 0 || len(prices) > maxLimits {
		return "", fmt.Errorf("need 1 to %d limits", maxLimits)
	}

	stop := decimal.Zero
	if args[3] != "-" {
		v, err := decimal.NewFromString(args[3])
		if err != nil {
			return "", fmt.Errorf("bad stop %q: %w", args[3], err)
		}
		stop = v
	}

	expiryType := types.ExpiryDayEnd
	scalp := false
	for _, extra := range args[4:] {
		if strings.EqualFold(extra, "scalp") {
			scalp = true
			continue
		}
		et, err := lifecycle.ParseExpiryType(strings.ToLower(extra))
		if err != nil {
			return "", err
		}
		expiryType = et
	}

	expiry, err := lifecycle.ComputeExpiry(expiryType, d.clock.Now(), d.cal.Location(), nil)
	if err != nil {
		return "", err
	}

	sig := &types.Signal{
		MessageID:   types.AutoMessagePrefix + uuid.NewString(),
		Instrument:  sym,
		Direction:   dir,
		StopLoss:    stop,
		Status:      types.StatusActive,
		ExpiryType:  expiryType,
		ExpiryTime:  expiry,
		TotalLimits: len(prices),
		Scalp:       scalp,
	}

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	id, err := d.st.InsertSignal(callCtx, sig)
	if err != nil {
		return "", fmt.Errorf("insert signal: %w", err)
	}
	if err := d.st.InsertLimits(callCtx, id, prices); err != nil {
		return "", fmt.Errorf("insert limits: %w", err)
	}
	if err := d.trk.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after add failed", "error", err)
	}
	return fmt.Sprintf("signal %d: %s %s, %d limit(s), expiry %s", id, sym, dir, len(prices), expiryType), nil
}

func (d *Dispatcher) deleteSignal(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: delete-signal ID|MESSAGE_ID")
	}
	sig, err := d.lookup(ctx, args[0])
	if err != nil {
		return "", err
	}

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	if err := d.st.DeleteSignal(callCtx, sig.ID); err != nil {
		return "", err
	}
	if err := d.trk.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after delete failed", "error", err)
	}
	return fmt.Sprintf("signal %d deleted", sig.ID), nil
}

func (d *Dispatcher) info(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: info ID|MESSAGE_ID")
	}
	sig, err := d.lookup(ctx, args[0])
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "signal %d: %s %s status=%s limits_hit=%d/%d",
		sig.ID, sig.Instrument, sig.Direction, sig.Status, sig.LimitsHit, sig.TotalLimits)
	if sig.HasStopLoss() {
		fmt.Fprintf(&b, " stop=%s", sig.StopLoss)
	}
	if sig.ExpiryTime != nil {
		fmt.Fprintf(&b, " expires=%s", sig.ExpiryTime.UTC().Format(time.RFC3339))
	}
	if sig.Scalp {
		b.WriteString(" scalp")
	}
	for _, l := range sig.Limits {
		fmt.Fprintf(&b, "\n  limit %d @ %s: %s", l.SequenceNumber, l.PriceLevel, l.Status)
		if l.HitPrice != nil {
			fmt.Fprintf(&b, " (filled @ %s)", l.HitPrice)
		}
	}

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	changes, err := d.st.StatusChangesFor(callCtx, sig.ID)
	if err == nil {
		for _, c := range changes {
			fmt.Fprintf(&b, "\n  %s: %s -> %s (%s) %s",
				c.ChangedAt.UTC().Format(time.RFC3339), c.OldStatus, c.NewStatus, c.Type, c.Reason)
		}
	}
	return b.String(), nil
}

// setStatus is the manual override: it bypasses the transition table but
// still writes the audit row.
func (d *Dispatcher) setStatus(ctx context.Context, caller string, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: set-status ID STATUS [reason]")
	}
	sig, err := d.lookup(ctx, args[0])
	if err != nil {
		return "", err
	}
	status := types.SignalStatus(strings.ToLower(args[1]))
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", args[1])
	}
	reason := "manual override by " + caller
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	changed, err := d.st.TransitionStatus(callCtx, sig.ID, status, types.ChangeManual, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		return fmt.Sprintf("signal %d already %s", sig.ID, status), nil
	}
	if err := d.trk.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after set-status failed", "error", err)
	}
	return fmt.Sprintf("signal %d: %s -> %s", sig.ID, sig.Status, status), nil
}

func (d *Dispatcher) setExpiry(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: set-expiry ID day_end|week_end|month_end|no_expiry|RFC3339")
	}
	sig, err := d.lookup(ctx, args[0])
	if err != nil {
		return "", err
	}

	var (
		expiryType types.ExpiryType
		custom     *time.Time
	)
	if et, perr := lifecycle.ParseExpiryType(strings.ToLower(args[1])); perr == nil {
		expiryType = et
	} else {
		t, terr := time.Parse(time.RFC3339, args[1])
		if terr != nil {
			return "", fmt.Errorf("expiry must be a type or an RFC3339 time")
		}
		expiryType = types.ExpiryCustom
		custom = &t
	}

	expiry, err := lifecycle.ComputeExpiry(expiryType, d.clock.Now(), d.cal.Location(), custom)
	if err != nil {
		return "", err
	}

	updated := *sig
	updated.ExpiryType = expiryType
	updated.ExpiryTime = expiry

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	if err := d.st.UpdateFromEdit(callCtx, sig.MessageID, &updated, nil); err != nil {
		return "", err
	}
	if expiry == nil {
		return fmt.Sprintf("signal %d: no expiry", sig.ID), nil
	}
	return fmt.Sprintf("signal %d expires %s", sig.ID, expiry.UTC().Format(time.RFC3339)), nil
}

func (d *Dispatcher) cancel(ctx context.Context, caller string, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: cancel ID [reason]")
	}
	sig, err := d.lookup(ctx, args[0])
	if err != nil {
		return "", err
	}
	reason := "cancelled by " + caller
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	changed, err := d.st.TransitionStatus(callCtx, sig.ID, types.StatusCancelled, types.ChangeManual, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		return fmt.Sprintf("signal %d already cancelled", sig.ID), nil
	}
	if err := d.trk.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after cancel failed", "error", err)
	}
	return fmt.Sprintf("signal %d cancelled", sig.ID), nil
}

// clearAll wipes every signal. Destructive, so it requires the literal
// confirm argument on top of admin gating.
func (d *Dispatcher) clearAll(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 || args[0] != "confirm" {
		return "", fmt.Errorf("usage: clear-all confirm")
	}
	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	n, err := d.st.ClearAll(callCtx)
	if err != nil {
		return "", err
	}
	if err := d.trk.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after clear-all failed", "error", err)
	}
	return fmt.Sprintf("cleared %d signal(s)", n), nil
}

// lookup resolves a numeric id or a message id to a signal.
func (d *Dispatcher) lookup(ctx context.Context, ref string) (*types.Signal, error) {
	callCtx, cancel := d.storeCtx(ctx)
	defer cancel()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return d.st.GetSignal(callCtx, id)
	}
	return d.st.GetByMessage(callCtx, ref)
}

// ————————————————————————————————————————————————————————————————————————
// Configuration commands
// ————————————————————————————————————————————————————————————————————————

func (d *Dispatcher) spreadBuffer(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: spread-buffer on|off|status")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		if err := d.cfg.SetSpreadBuffer(true); err != nil {
			return "", err
		}
		return "spread buffer enabled", nil
	case "off":
		if err := d.cfg.SetSpreadBuffer(false); err != nil {
			return "", err
		}
		return "spread buffer disabled", nil
	case "status":
		if d.cfg.Current().SpreadBuffer.Enabled {
			return "spread buffer: on", nil
		}
		return "spread buffer: off", nil
	}
	return "", fmt.Errorf("usage: spread-buffer on|off|status")
}

func (d *Dispatcher) setAlertDistance(caller string, args []string) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("usage: set-alert-distance SYMBOL pips|dollars|percentage VALUE")
	}
	value, err := decimal.NewFromString(args[2])
	if err != nil {
		return "", fmt.Errorf("bad value %q: %w", args[2], err)
	}
	sym := symbols.Normalize(args[0])
	if err := d.dist.SetOverride(sym, distance.DistanceType(strings.ToLower(args[1])), value, caller); err != nil {
		return "", err
	}
	return fmt.Sprintf("alert distance for %s: %s %s", sym, value, strings.ToLower(args[1])), nil
}

func (d *Dispatcher) setDefaultDistance(args []string) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("usage: set-default-distance CLASS pips|dollars|percentage VALUE")
	}
	class := symbols.AssetClass(strings.ToLower(args[0]))
	switch class {
	case symbols.ClassForex, symbols.ClassForexJPY, symbols.ClassMetals,
		symbols.ClassIndices, symbols.ClassStocks, symbols.ClassCrypto, symbols.ClassOil:
	default:
		return "", fmt.Errorf("unknown asset class %q", args[0])
	}
	value, err := decimal.NewFromString(args[2])
	if err != nil {
		return "", fmt.Errorf("bad value %q: %w", args[2], err)
	}
	if err := d.dist.SetDefault(class, distance.DistanceType(strings.ToLower(args[1])), value); err != nil {
		return "", err
	}
	return fmt.Sprintf("default alert distance for %s: %s %s", class, value, strings.ToLower(args[1])), nil
}

func (d *Dispatcher) removeAlertDistance(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: remove-alert-distance SYMBOL")
	}
	sym := symbols.Normalize(args[0])
	removed, err := d.dist.RemoveOverride(sym)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("no override for %s", sym), nil
	}
	return fmt.Sprintf("alert distance override for %s removed", sym), nil
}

func (d *Dispatcher) showAlertDistance(args []string) (string, error) {
	if len(args) == 1 {
		sym := symbols.Normalize(args[0])
		e, source := d.dist.Resolve(sym)
		return fmt.Sprintf("%s: %s %s (%s)", sym, e.Value, e.Type, source), nil
	}
	overrides := d.dist.Overrides()
	if len(overrides) == 0 {
		return "no alert distance overrides", nil
	}
	var b strings.Builder
	b.WriteString("alert distance overrides:")
	for _, sym := range overrides {
		e, _ := d.dist.Resolve(sym)
		fmt.Fprintf(&b, "\n  %s: %s %s", sym, e.Value, e.Type)
	}
	return b.String(), nil
}

func (d *Dispatcher) setTP(caller string, args []string) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("usage: set-tp SYMBOL pips|dollars|percentage VALUE [scalp]")
	}
	value, err := decimal.NewFromString(args[2])
	if err != nil {
		return "", fmt.Errorf("bad value %q: %w", args[2], err)
	}
	scalp := len(args) > 3 && strings.EqualFold(args[3], "scalp")
	sym := symbols.Normalize(args[0])
	if err := d.tp.SetOverride(sym, scalp, takeprofit.ThresholdType(strings.ToLower(args[1])), value, caller); err != nil {
		return "", err
	}
	tier := "regular"
	if scalp {
		tier = "scalp"
	}
	return fmt.Sprintf("take-profit for %s (%s): %s %s", sym, tier, value, strings.ToLower(args[1])), nil
}

func (d *Dispatcher) removeTP(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("usage: remove-tp SYMBOL [scalp]")
	}
	scalp := len(args) > 1 && strings.EqualFold(args[1], "scalp")
	sym := symbols.Normalize(args[0])
	removed, err := d.tp.RemoveOverride(sym, scalp)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("no take-profit override for %s", sym), nil
	}
	return fmt.Sprintf("take-profit override for %s removed", sym), nil
}

// ————————————————————————————————————————————————————————————————————————
// News commands
// ————————————————————————————————————————————————————————————————————————

func (d *Dispatcher) scheduleNews(caller string, args []string) (string, error) {
	if len(args) != 3 {
		return "", fmt.Errorf("usage: schedule-news CATEGORY RFC3339_TIME WINDOW_MINUTES")
	}
	at, err := time.Parse(time.RFC3339, args[1])
	if err != nil {
		return "", fmt.Errorf("bad time %q: %w", args[1], err)
	}
	window, err := strconv.Atoi(args[2])
	if err != nil {
		return "", fmt.Errorf("bad window %q: %w", args[2], err)
	}
	e, err := d.news.Add(args[0], at, window, caller)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("news %d: %s @ %s ±%dm", e.ID, e.Category,
		e.NewsTime.UTC().Format(time.RFC3339), e.WindowMinutes), nil
}

func (d *Dispatcher) removeNews(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: remove-news ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad id %q", args[0])
	}
	removed, err := d.news.Remove(id)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("no news event %d", id), nil
	}
	return fmt.Sprintf("news %d removed", id), nil
}

func (d *Dispatcher) listNews() (string, error) {
	events := d.news.All()
	if len(events) == 0 {
		return "no scheduled news", nil
	}
	var b strings.Builder
	b.WriteString("scheduled news:")
	for _, e := range events {
		fmt.Fprintf(&b, "\n  %d: %s @ %s ±%dm (by %s)",
			e.ID, e.Category, e.NewsTime.UTC().Format(time.RFC3339), e.WindowMinutes, e.CreatedBy)
	}
	return b.String(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Operational commands
// ————————————————————————————————————————————————————————————————————————

func (d *Dispatcher) reconnect(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: reconnect icmarkets|oanda|cryptofeed")
	}
	f := types.Feed(strings.ToLower(args[0]))
	if err := d.streams.ReconnectFeed(ctx, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("reconnecting %s", f), nil
}

func (d *Dispatcher) reloadConfigs() (string, error) {
	var failed []string
	if err := d.cfg.Reload(); err != nil {
		failed = append(failed, "settings: "+err.Error())
	}
	if err := d.dist.Reload(); err != nil {
		failed = append(failed, "alert distances: "+err.Error())
	}
	if err := d.tp.Reload(); err != nil {
		failed = append(failed, "take-profit: "+err.Error())
	}
	if len(failed) > 0 {
		return "", fmt.Errorf("reload: %s", strings.Join(failed, "; "))
	}
	return "configs reloaded", nil
}

func (d *Dispatcher) status() (string, error) {
	stats := d.streams.Stats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Feed < stats[j].Feed })

	var b strings.Builder
	fmt.Fprintf(&b, "tracking %d signal(s)", d.trk.Tracked())
	for _, s := range stats {
		state := "disconnected"
		switch {
		case !s.Configured:
			state = "not configured"
		case s.Connected:
			state = "connected"
		}
		fmt.Fprintf(&b, "\n  %s: %s, %d symbol(s), %d tick(s), %d reconnect(s)",
			s.Feed, state, s.Subscribed, s.Ticks, s.Reconnects)
	}
	return b.String(), nil
}

func (d *Dispatcher) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.Current().Store.CallTimeout)
}
