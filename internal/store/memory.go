package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalwatch/pkg/types"
)

// Memory is an in-process SignalStore used by the test suite and by
// dry-run mode. It mirrors the Postgres semantics, including the
// transition table, audit rows, and limit fan-out on close/revive.
type Memory struct {
	mu      sync.Mutex
	signals map[int64]*types.Signal
	changes []types.StatusChange
	nextSig int64
	nextLim int64
	nextChg int64
	clock   types.Clock
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(types.SystemClock{})
}

// NewMemoryWithClock creates a store stamping times from clock.
func NewMemoryWithClock(clock types.Clock) *Memory {
	return &Memory{
		signals: make(map[int64]*types.Signal),
		nextSig: 1,
		nextLim: 1,
		nextChg: 1,
		clock:   clock,
	}
}

func (m *Memory) Close() {}

func (m *Memory) InsertSignal(ctx context.Context, s *types.Signal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copySignal(s)
	cp.ID = m.nextSig
	m.nextSig++
	if cp.Status == "" {
		cp.Status = types.StatusActive
	}
	for i := range cp.Limits {
		cp.Limits[i].ID = m.nextLim
		m.nextLim++
		cp.Limits[i].SignalID = cp.ID
		if cp.Limits[i].Status == "" {
			cp.Limits[i].Status = types.LimitPending
		}
	}
	cp.TotalLimits = len(cp.Limits)
	m.signals[cp.ID] = cp
	return cp.ID, nil
}

func (m *Memory) InsertLimits(ctx context.Context, signalID int64, prices []decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[signalID]
	if !ok {
		return fmt.Errorf("%w: signal %d", ErrNotFound, signalID)
	}
	seq := len(s.Limits)
	for _, p := range prices {
		seq++
		s.Limits = append(s.Limits, types.Limit{
			ID:             m.nextLim,
			SignalID:       signalID,
			SequenceNumber: seq,
			PriceLevel:     p,
			Status:         types.LimitPending,
		})
		m.nextLim++
	}
	s.TotalLimits = len(s.Limits)
	return nil
}

func (m *Memory) GetSignal(ctx context.Context, id int64) (*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: signal %d", ErrNotFound, id)
	}
	return copySignal(s), nil
}

func (m *Memory) GetByMessage(ctx context.Context, messageID string) (*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.signals {
		if s.MessageID == messageID {
			return copySignal(s), nil
		}
	}
	return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (m *Memory) GetActiveForTracking(ctx context.Context) ([]*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		if s.Status.Trackable() {
			out = append(out, copySignal(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkLimitHit(ctx context.Context, limitID int64, actualPrice decimal.Decimal) (*MarkLimitHitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, l := m.findLimitLocked(limitID)
	if l == nil {
		return nil, fmt.Errorf("%w: limit %d", ErrNotFound, limitID)
	}

	// Replayed tick after a crash: the limit is already hit, nothing to do.
	if l.Status == types.LimitHit {
		return &MarkLimitHitResult{
			SignalID:  s.ID,
			NewStatus: s.Status,
			LimitsHit: s.LimitsHit,
		}, nil
	}
	if l.Status == types.LimitCancelled {
		return nil, fmt.Errorf("%w: limit %d is cancelled", ErrInvalidTransition, limitID)
	}

	now := m.clock.Now()
	price := actualPrice
	l.Status = types.LimitHit
	l.HitTime = &now
	l.HitPrice = &price
	l.HitAlertSent = true
	s.LimitsHit++

	res := &MarkLimitHitResult{
		SignalID:  s.ID,
		NewStatus: s.Status,
		LimitsHit: s.LimitsHit,
	}
	if s.Status == types.StatusActive {
		m.recordChangeLocked(s, types.StatusHit, types.ChangeAutomatic, "limit hit")
		s.Status = types.StatusHit
		s.FirstLimitHitTime = &now
		res.StatusChanged = true
		res.NewStatus = types.StatusHit
	}
	return res, nil
}

func (m *Memory) MarkApproachingSent(ctx context.Context, limitID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, l := m.findLimitLocked(limitID)
	if l == nil {
		return fmt.Errorf("%w: limit %d", ErrNotFound, limitID)
	}
	l.ApproachingAlertSent = true
	return nil
}

func (m *Memory) TransitionStatus(ctx context.Context, signalID int64, newStatus types.SignalStatus, changeType types.ChangeType, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[signalID]
	if !ok {
		return false, fmt.Errorf("%w: signal %d", ErrNotFound, signalID)
	}
	return m.transitionLocked(s, newStatus, changeType, reason)
}

func (m *Memory) transitionLocked(s *types.Signal, newStatus types.SignalStatus, changeType types.ChangeType, reason string) (bool, error) {
	if changeType != types.ChangeManual && !types.CanTransition(s.Status, newStatus) {
		return false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, newStatus)
	}
	if s.Status == newStatus {
		return false, nil
	}

	m.recordChangeLocked(s, newStatus, changeType, reason)
	now := m.clock.Now()
	wasTerminal := s.Status.Terminal()
	s.Status = newStatus
	s.ClosedReason = reason

	if newStatus.Terminal() {
		s.ClosedAt = &now
		for i := range s.Limits {
			if s.Limits[i].Status == types.LimitPending {
				s.Limits[i].Status = types.LimitCancelled
			}
		}
	} else if wasTerminal {
		// Revival: restore cancelled pending limits.
		s.ClosedAt = nil
		s.ClosedReason = ""
		for i := range s.Limits {
			if s.Limits[i].Status == types.LimitCancelled {
				s.Limits[i].Status = types.LimitPending
			}
		}
	}
	return true, nil
}

func (m *Memory) HitLimitsFor(ctx context.Context, signalID int64) ([]types.HitLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[signalID]
	if !ok {
		return nil, fmt.Errorf("%w: signal %d", ErrNotFound, signalID)
	}
	out := make([]types.HitLimit, 0, s.LimitsHit)
	for _, l := range s.Limits {
		if l.Status == types.LimitHit && l.HitPrice != nil && l.HitTime != nil {
			out = append(out, types.HitLimit{
				SequenceNumber: l.SequenceNumber,
				PriceLevel:     l.PriceLevel,
				HitPrice:       *l.HitPrice,
				HitTime:        *l.HitTime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *Memory) StatusChangesFor(ctx context.Context, signalID int64) ([]types.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.StatusChange
	for _, c := range m.changes {
		if c.SignalID == signalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ExpireOld(ctx context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []int64
	for _, s := range m.signals {
		if s.Status.Terminal() || s.ExpiryTime == nil {
			continue
		}
		if s.ExpiryTime.After(now) {
			continue
		}
		if _, err := m.transitionLocked(s, types.StatusCancelled, types.ChangeAutomatic, "expired"); err == nil {
			expired = append(expired, s.ID)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired, nil
}

func (m *Memory) UpdateFromEdit(ctx context.Context, messageID string, parsed *types.Signal, prices []decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s *types.Signal
	for _, cand := range m.signals {
		if cand.MessageID == messageID {
			s = cand
			break
		}
	}
	if s == nil {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}

	s.StopLoss = parsed.StopLoss
	s.ExpiryType = parsed.ExpiryType
	s.ExpiryTime = parsed.ExpiryTime
	s.Scalp = parsed.Scalp

	// Entry limits are only replaceable while nothing has filled. A nil
	// price list means the edit did not touch them.
	if prices != nil && s.LimitsHit == 0 && s.Status == types.StatusActive {
		s.Instrument = parsed.Instrument
		s.Direction = parsed.Direction
		s.Limits = nil
		for i, p := range prices {
			s.Limits = append(s.Limits, types.Limit{
				ID:             m.nextLim,
				SignalID:       s.ID,
				SequenceNumber: i + 1,
				PriceLevel:     p,
				Status:         types.LimitPending,
			})
			m.nextLim++
		}
		s.TotalLimits = len(s.Limits)
	}
	return nil
}

func (m *Memory) DeleteSignal(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.signals[id]; !ok {
		return fmt.Errorf("%w: signal %d", ErrNotFound, id)
	}
	delete(m.signals, id)
	return nil
}

func (m *Memory) ClearAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.signals)
	m.signals = make(map[int64]*types.Signal)
	return n, nil
}

func (m *Memory) recordChangeLocked(s *types.Signal, to types.SignalStatus, ct types.ChangeType, reason string) {
	m.changes = append(m.changes, types.StatusChange{
		ID:        m.nextChg,
		SignalID:  s.ID,
		OldStatus: s.Status,
		NewStatus: to,
		Type:      ct,
		Reason:    reason,
		ChangedAt: m.clock.Now(),
	})
	m.nextChg++
}

func (m *Memory) findLimitLocked(limitID int64) (*types.Signal, *types.Limit) {
	for _, s := range m.signals {
		for i := range s.Limits {
			if s.Limits[i].ID == limitID {
				return s, &s.Limits[i]
			}
		}
	}
	return nil, nil
}

func copySignal(s *types.Signal) *types.Signal {
	cp := *s
	cp.Limits = make([]types.Limit, len(s.Limits))
	copy(cp.Limits, s.Limits)
	return &cp
}
