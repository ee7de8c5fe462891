package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"signalwatch/pkg/types"
)

// Postgres is the production SignalStore backed by pgxpool. Signal-grain
// mutations (MarkLimitHit, TransitionStatus, ExpireOld) run inside a
// transaction so the audit row, the limit fan-out, and the signal row
// always move together.
type Postgres struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id                   BIGSERIAL PRIMARY KEY,
	message_id           TEXT NOT NULL UNIQUE,
	channel_id           TEXT NOT NULL DEFAULT '',
	instrument           TEXT NOT NULL,
	direction            TEXT NOT NULL,
	stop_loss            NUMERIC NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'active',
	expiry_type          TEXT NOT NULL DEFAULT 'no_expiry',
	expiry_time          TIMESTAMPTZ,
	total_limits         INT NOT NULL DEFAULT 0,
	limits_hit           INT NOT NULL DEFAULT 0,
	first_limit_hit_time TIMESTAMPTZ,
	closed_at            TIMESTAMPTZ,
	closed_reason        TEXT NOT NULL DEFAULT '',
	scalp                BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS limits (
	id                     BIGSERIAL PRIMARY KEY,
	signal_id              BIGINT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
	sequence_number        INT NOT NULL,
	price_level            NUMERIC NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending',
	hit_time               TIMESTAMPTZ,
	hit_price              NUMERIC,
	approaching_alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
	hit_alert_sent         BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (signal_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS status_changes (
	id          BIGSERIAL PRIMARY KEY,
	signal_id   BIGINT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
	old_status  TEXT NOT NULL,
	new_status  TEXT NOT NULL,
	change_type TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	changed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);
CREATE INDEX IF NOT EXISTS idx_limits_signal ON limits(signal_id);
CREATE INDEX IF NOT EXISTS idx_status_changes_signal ON status_changes(signal_id);
`

// OpenPostgres connects to the database and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) InsertSignal(ctx context.Context, s *types.Signal) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO signals (message_id, channel_id, instrument, direction, stop_loss,
		                     status, expiry_type, expiry_time, total_limits, scalp)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8, $9)
		RETURNING id`,
		s.MessageID, s.ChannelID, s.Instrument, string(s.Direction), s.StopLoss.String(),
		string(s.ExpiryType), s.ExpiryTime, len(s.Limits), s.Scalp,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}

	if len(s.Limits) > 0 {
		prices := make([]decimal.Decimal, len(s.Limits))
		for i, l := range s.Limits {
			prices[i] = l.PriceLevel
		}
		if err := p.InsertLimits(ctx, id, prices); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (p *Postgres) InsertLimits(ctx context.Context, signalID int64, prices []decimal.Decimal) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM limits WHERE signal_id = $1`,
		signalID).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	for _, price := range prices {
		seq++
		if _, err := tx.Exec(ctx, `
			INSERT INTO limits (signal_id, sequence_number, price_level, status)
			VALUES ($1, $2, $3, 'pending')`,
			signalID, seq, price.String()); err != nil {
			return fmt.Errorf("insert limit: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE signals SET total_limits = $2 WHERE id = $1`, signalID, seq); err != nil {
		return fmt.Errorf("update total_limits: %w", err)
	}
	return tx.Commit(ctx)
}

const signalColumns = `
	id, message_id, channel_id, instrument, direction, stop_loss::text,
	status, expiry_type, expiry_time, total_limits, limits_hit,
	first_limit_hit_time, closed_at, closed_reason, scalp`

func (p *Postgres) GetSignal(ctx context.Context, id int64) (*types.Signal, error) {
	row := p.pool.QueryRow(ctx, `SELECT`+signalColumns+` FROM signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: signal %d", ErrNotFound, id)
		}
		return nil, err
	}
	if err := p.loadLimits(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Postgres) GetByMessage(ctx context.Context, messageID string) (*types.Signal, error) {
	row := p.pool.QueryRow(ctx, `SELECT`+signalColumns+` FROM signals WHERE message_id = $1`, messageID)
	s, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, err
	}
	if err := p.loadLimits(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Postgres) GetActiveForTracking(ctx context.Context) ([]*types.Signal, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT`+signalColumns+` FROM signals WHERE status IN ('active', 'hit') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query trackable: %w", err)
	}
	defer rows.Close()

	var out []*types.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, s := range out {
		if err := p.loadLimits(ctx, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) MarkLimitHit(ctx context.Context, limitID int64, actualPrice decimal.Decimal) (*MarkLimitHitResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		signalID int64
		lstatus  string
	)
	err = tx.QueryRow(ctx,
		`SELECT signal_id, status FROM limits WHERE id = $1 FOR UPDATE`, limitID,
	).Scan(&signalID, &lstatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: limit %d", ErrNotFound, limitID)
		}
		return nil, fmt.Errorf("lock limit: %w", err)
	}

	var sstatus string
	var limitsHit int
	err = tx.QueryRow(ctx,
		`SELECT status, limits_hit FROM signals WHERE id = $1 FOR UPDATE`, signalID,
	).Scan(&sstatus, &limitsHit)
	if err != nil {
		return nil, fmt.Errorf("lock signal: %w", err)
	}

	// Replayed tick: already hit, leave everything untouched.
	if lstatus == string(types.LimitHit) {
		return &MarkLimitHitResult{
			SignalID:  signalID,
			NewStatus: types.SignalStatus(sstatus),
			LimitsHit: limitsHit,
		}, nil
	}
	if lstatus == string(types.LimitCancelled) {
		return nil, fmt.Errorf("%w: limit %d is cancelled", ErrInvalidTransition, limitID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE limits
		SET status = 'hit', hit_time = now(), hit_price = $2, hit_alert_sent = TRUE
		WHERE id = $1`,
		limitID, actualPrice.String()); err != nil {
		return nil, fmt.Errorf("mark limit hit: %w", err)
	}

	limitsHit++
	res := &MarkLimitHitResult{
		SignalID:  signalID,
		NewStatus: types.SignalStatus(sstatus),
		LimitsHit: limitsHit,
	}

	if sstatus == string(types.StatusActive) {
		if _, err := tx.Exec(ctx, `
			UPDATE signals
			SET status = 'hit', limits_hit = $2, first_limit_hit_time = now()
			WHERE id = $1`,
			signalID, limitsHit); err != nil {
			return nil, fmt.Errorf("transition to hit: %w", err)
		}
		if err := insertChange(ctx, tx, signalID, types.StatusActive, types.StatusHit, types.ChangeAutomatic, "limit hit"); err != nil {
			return nil, err
		}
		res.StatusChanged = true
		res.NewStatus = types.StatusHit
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE signals SET limits_hit = $2 WHERE id = $1`, signalID, limitsHit); err != nil {
			return nil, fmt.Errorf("update limits_hit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (p *Postgres) MarkApproachingSent(ctx context.Context, limitID int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE limits SET approaching_alert_sent = TRUE WHERE id = $1`, limitID)
	if err != nil {
		return fmt.Errorf("mark approaching: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: limit %d", ErrNotFound, limitID)
	}
	return nil
}

func (p *Postgres) TransitionStatus(ctx context.Context, signalID int64, newStatus types.SignalStatus, changeType types.ChangeType, reason string) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := transitionTx(ctx, tx, signalID, newStatus, changeType, reason)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

// transitionTx applies one status change inside tx: validation, audit row,
// closed_at stamping, and the pending/cancelled limit fan-out.
func transitionTx(ctx context.Context, tx pgx.Tx, signalID int64, newStatus types.SignalStatus, changeType types.ChangeType, reason string) (bool, error) {
	var cur string
	err := tx.QueryRow(ctx,
		`SELECT status FROM signals WHERE id = $1 FOR UPDATE`, signalID).Scan(&cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: signal %d", ErrNotFound, signalID)
		}
		return false, fmt.Errorf("lock signal: %w", err)
	}

	oldStatus := types.SignalStatus(cur)
	if oldStatus == newStatus {
		return false, nil
	}
	if changeType != types.ChangeManual && !types.CanTransition(oldStatus, newStatus) {
		return false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, oldStatus, newStatus)
	}

	if newStatus.Terminal() {
		if _, err := tx.Exec(ctx, `
			UPDATE signals SET status = $2, closed_at = now(), closed_reason = $3
			WHERE id = $1`,
			signalID, string(newStatus), reason); err != nil {
			return false, fmt.Errorf("close signal: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE limits SET status = 'cancelled'
			WHERE signal_id = $1 AND status = 'pending'`, signalID); err != nil {
			return false, fmt.Errorf("cancel pending limits: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE signals SET status = $2, closed_at = NULL, closed_reason = ''
			WHERE id = $1`,
			signalID, string(newStatus)); err != nil {
			return false, fmt.Errorf("revive signal: %w", err)
		}
		if oldStatus.Terminal() {
			if _, err := tx.Exec(ctx, `
				UPDATE limits SET status = 'pending'
				WHERE signal_id = $1 AND status = 'cancelled'`, signalID); err != nil {
				return false, fmt.Errorf("restore limits: %w", err)
			}
		}
	}

	if err := insertChange(ctx, tx, signalID, oldStatus, newStatus, changeType, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) HitLimitsFor(ctx context.Context, signalID int64) ([]types.HitLimit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sequence_number, price_level::text, hit_price::text, hit_time
		FROM limits
		WHERE signal_id = $1 AND status = 'hit'
		ORDER BY sequence_number`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query hit limits: %w", err)
	}
	defer rows.Close()

	var out []types.HitLimit
	for rows.Next() {
		var (
			hl         types.HitLimit
			level, hit string
		)
		if err := rows.Scan(&hl.SequenceNumber, &level, &hit, &hl.HitTime); err != nil {
			return nil, err
		}
		if hl.PriceLevel, err = decimal.NewFromString(level); err != nil {
			return nil, fmt.Errorf("parse price_level: %w", err)
		}
		if hl.HitPrice, err = decimal.NewFromString(hit); err != nil {
			return nil, fmt.Errorf("parse hit_price: %w", err)
		}
		out = append(out, hl)
	}
	return out, rows.Err()
}

func (p *Postgres) StatusChangesFor(ctx context.Context, signalID int64) ([]types.StatusChange, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, signal_id, old_status, new_status, change_type, reason, changed_at
		FROM status_changes
		WHERE signal_id = $1
		ORDER BY id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query status changes: %w", err)
	}
	defer rows.Close()

	var out []types.StatusChange
	for rows.Next() {
		var c types.StatusChange
		var oldS, newS, ct string
		if err := rows.Scan(&c.ID, &c.SignalID, &oldS, &newS, &ct, &c.Reason, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.OldStatus = types.SignalStatus(oldS)
		c.NewStatus = types.SignalStatus(newS)
		c.Type = types.ChangeType(ct)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ExpireOld(ctx context.Context, now time.Time) ([]int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM signals
		WHERE status IN ('active', 'hit') AND expiry_time IS NOT NULL AND expiry_time <= $1
		ORDER BY id
		FOR UPDATE`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := transitionTx(ctx, tx, id, types.StatusCancelled, types.ChangeAutomatic, "expired"); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit(ctx)
}

func (p *Postgres) UpdateFromEdit(ctx context.Context, messageID string, parsed *types.Signal, prices []decimal.Decimal) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id        int64
		status    string
		limitsHit int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, status, limits_hit FROM signals
		WHERE message_id = $1 FOR UPDATE`, messageID).Scan(&id, &status, &limitsHit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("lock signal: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE signals SET stop_loss = $2, expiry_type = $3, expiry_time = $4, scalp = $5
		WHERE id = $1`,
		id, parsed.StopLoss.String(), string(parsed.ExpiryType), parsed.ExpiryTime, parsed.Scalp); err != nil {
		return fmt.Errorf("update signal: %w", err)
	}

	// Entry limits are only replaceable while nothing has filled. A nil
	// price list means the edit did not touch them.
	if prices != nil && limitsHit == 0 && status == string(types.StatusActive) {
		if _, err := tx.Exec(ctx, `
			UPDATE signals SET instrument = $2, direction = $3, total_limits = $4
			WHERE id = $1`,
			id, parsed.Instrument, string(parsed.Direction), len(prices)); err != nil {
			return fmt.Errorf("update instrument: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM limits WHERE signal_id = $1`, id); err != nil {
			return fmt.Errorf("delete limits: %w", err)
		}
		for i, price := range prices {
			if _, err := tx.Exec(ctx, `
				INSERT INTO limits (signal_id, sequence_number, price_level, status)
				VALUES ($1, $2, $3, 'pending')`,
				id, i+1, price.String()); err != nil {
				return fmt.Errorf("insert limit: %w", err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DeleteSignal(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM signals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: signal %d", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) ClearAll(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM signals`)
	if err != nil {
		return 0, fmt.Errorf("clear signals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ————————————————————————————————————————————————————————————————————————
// scanning helpers
// ————————————————————————————————————————————————————————————————————————

func insertChange(ctx context.Context, tx pgx.Tx, signalID int64, from, to types.SignalStatus, ct types.ChangeType, reason string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO status_changes (signal_id, old_status, new_status, change_type, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		signalID, string(from), string(to), string(ct), reason); err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

func scanSignal(row pgx.Row) (*types.Signal, error) {
	var (
		s                    types.Signal
		direction, status    string
		expiryType, stopLoss string
	)
	err := row.Scan(
		&s.ID, &s.MessageID, &s.ChannelID, &s.Instrument, &direction, &stopLoss,
		&status, &expiryType, &s.ExpiryTime, &s.TotalLimits, &s.LimitsHit,
		&s.FirstLimitHitTime, &s.ClosedAt, &s.ClosedReason, &s.Scalp,
	)
	if err != nil {
		return nil, err
	}
	s.Direction = types.Direction(direction)
	s.Status = types.SignalStatus(status)
	s.ExpiryType = types.ExpiryType(expiryType)
	if s.StopLoss, err = decimal.NewFromString(stopLoss); err != nil {
		return nil, fmt.Errorf("parse stop_loss: %w", err)
	}
	return &s, nil
}

func (p *Postgres) loadLimits(ctx context.Context, s *types.Signal) error {
	rows, err := p.pool.Query(ctx, `
		SELECT id, signal_id, sequence_number, price_level::text, status,
		       hit_time, hit_price::text, approaching_alert_sent, hit_alert_sent
		FROM limits
		WHERE signal_id = $1
		ORDER BY sequence_number`, s.ID)
	if err != nil {
		return fmt.Errorf("query limits: %w", err)
	}
	defer rows.Close()

	s.Limits = nil
	for rows.Next() {
		var (
			l        types.Limit
			status   string
			level    string
			hitPrice *string
		)
		if err := rows.Scan(&l.ID, &l.SignalID, &l.SequenceNumber, &level, &status,
			&l.HitTime, &hitPrice, &l.ApproachingAlertSent, &l.HitAlertSent); err != nil {
			return err
		}
		l.Status = types.LimitStatus(status)
		if l.PriceLevel, err = decimal.NewFromString(level); err != nil {
			return fmt.Errorf("parse price_level: %w", err)
		}
		if hitPrice != nil {
			d, err := decimal.NewFromString(*hitPrice)
			if err != nil {
				return fmt.Errorf("parse hit_price: %w", err)
			}
			l.HitPrice = &d
		}
		s.Limits = append(s.Limits, l)
	}
	return rows.Err()
}
