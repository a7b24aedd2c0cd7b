package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Store owns the schedule lifecycle in sqlite. Status transitions for live
// dispatches are driven by the dispatch pipeline through the Mark*/
// Complete*/Retry*/Fail methods; nothing else flips a schedule's status.
type Store struct {
	db  *storage.DB
	log logx.Logger
	loc *time.Location

	defaultTolerance time.Duration

	now func() time.Time
}

func NewStore(db *storage.DB, log logx.Logger, loc *time.Location, defaultTolerance time.Duration) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		db:               db,
		log:              log,
		loc:              loc,
		defaultTolerance: defaultTolerance,
		now:              time.Now,
	}
}

// SetNowFunc replaces the clock. Test hook.
func (st *Store) SetNowFunc(now func() time.Time) { st.now = now }

func (st *Store) Location() *time.Location { return st.loc }

type row struct {
	ID               string  `db:"id"`
	Kind             string  `db:"kind"`
	ContactRef       string  `db:"contact_ref"`
	Message          string  `db:"message"`
	ScheduleTime     *int64  `db:"schedule_time"`
	CronExpr         *string `db:"cron_expr"`
	IntervalValue    int     `db:"interval_value"`
	IntervalUnit     *string `db:"interval_unit"`
	ToleranceMinutes int     `db:"tolerance_minutes"`
	Status           string  `db:"status"`
	NextRunAt        *int64  `db:"next_run_at"`
	LastRunAt        *int64  `db:"last_run_at"`
	RetryCount       int     `db:"retry_count"`
	CreatedAt        int64   `db:"created_at"`
	UpdatedAt        int64   `db:"updated_at"`
}

func (r row) toSchedule() *Schedule {
	s := &Schedule{
		ID:         r.ID,
		Kind:       Kind(r.Kind),
		ContactRef: r.ContactRef,
		Message:    r.Message,
		Tolerance:  time.Duration(r.ToleranceMinutes) * time.Minute,
		Status:     Status(r.Status),
		RetryCount: r.RetryCount,
		CreatedAt:  time.UnixMilli(r.CreatedAt),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt),
	}
	s.ScheduleTime = storage.FromMilli(r.ScheduleTime)
	s.NextRunAt = storage.FromMilli(r.NextRunAt)
	s.LastRunAt = storage.FromMilli(r.LastRunAt)
	if r.CronExpr != nil {
		s.Cadence.CronExpr = *r.CronExpr
	}
	s.Cadence.IntervalValue = r.IntervalValue
	if r.IntervalUnit != nil {
		s.Cadence.IntervalUnit = Unit(*r.IntervalUnit)
	}
	return s
}

// Upsert inserts or replaces a schedule. New schedules get an ID, pending
// status and an initial NextRunAt derived from their kind.
func (st *Store) Upsert(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	now := st.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
		s.CreatedAt = now
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.NextRunAt.IsZero() {
		next, err := st.initialNextRun(s, now)
		if err != nil {
			return err
		}
		s.NextRunAt = next
	}

	_, err := st.db.SQL.ExecContext(ctx, `
		INSERT INTO schedules (id, kind, contact_ref, message, schedule_time,
			cron_expr, interval_value, interval_unit, tolerance_minutes,
			status, next_run_at, last_run_at, retry_count, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, contact_ref=excluded.contact_ref,
			message=excluded.message, schedule_time=excluded.schedule_time,
			cron_expr=excluded.cron_expr, interval_value=excluded.interval_value,
			interval_unit=excluded.interval_unit,
			tolerance_minutes=excluded.tolerance_minutes,
			status=excluded.status, next_run_at=excluded.next_run_at,
			last_run_at=excluded.last_run_at, retry_count=excluded.retry_count,
			updated_at=excluded.updated_at`,
		s.ID, string(s.Kind), s.ContactRef, s.Message, storage.NullMilli(s.ScheduleTime),
		storage.NullStr(s.Cadence.CronExpr), s.Cadence.IntervalValue,
		storage.NullStr(string(s.Cadence.IntervalUnit)), int(s.Tolerance/time.Minute),
		string(s.Status), storage.NullMilli(s.NextRunAt), storage.NullMilli(s.LastRunAt),
		s.RetryCount, s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", s.ID, err)
	}
	return nil
}

func (st *Store) initialNextRun(s *Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInstant:
		return now, nil
	case KindOnce:
		return s.ScheduleTime, nil
	case KindRecurring:
		seed := s.ScheduleTime
		if seed.IsZero() {
			seed = now
		}
		if seed.After(now) {
			return seed, nil
		}
		return NextFromSeed(s.Cadence, seed, now, st.loc)
	}
	return time.Time{}, fmt.Errorf("unknown kind %q", s.Kind)
}

func (st *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	var r row
	err := st.db.SQL.GetContext(ctx, &r, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toSchedule(), nil
}

func (st *Store) List(ctx context.Context) ([]*Schedule, error) {
	var rows []row
	if err := st.db.SQL.SelectContext(ctx, &rows,
		`SELECT * FROM schedules ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

func (st *Store) Remove(ctx context.Context, id string) error {
	res, err := st.db.SQL.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (st *Store) Pause(ctx context.Context, id string) error {
	return st.setStatus(ctx, id, StatusPaused, StatusPending)
}

// Resume puts a paused schedule back to pending. A stale NextRunAt is left
// in place; the next ListDue pass applies the tolerance rules to it.
func (st *Store) Resume(ctx context.Context, id string) error {
	return st.setStatus(ctx, id, StatusPending, StatusPaused)
}

func (st *Store) setStatus(ctx context.Context, id string, to, from Status) error {
	res, err := st.db.SQL.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), st.now().UnixMilli(), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (st *Store) tolerance(s *Schedule) time.Duration {
	if s.Tolerance > 0 {
		return s.Tolerance
	}
	return st.defaultTolerance
}

// ListDue returns pending schedules with NextRunAt <= now, oldest first,
// ties broken by id for determinism.
//
// Occurrences that are late beyond their tolerance are not returned: a
// recurring schedule is silently advanced to its next occurrence after now
// (this bounds catch-up storms after downtime), and a one-shot schedule is
// terminally failed. Neither case records a send attempt.
func (st *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	var rows []row
	err := st.db.SQL.SelectContext(ctx, &rows, `
		SELECT * FROM schedules
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`,
		string(StatusPending), now.UnixMilli())
	if err != nil {
		return nil, err
	}

	due := make([]*Schedule, 0, len(rows))
	for _, r := range rows {
		s := r.toSchedule()
		if now.Sub(s.NextRunAt) <= st.tolerance(s) {
			due = append(due, s)
			continue
		}
		if err := st.skipMissed(ctx, s, now); err != nil {
			st.log.Warn("failed to advance missed schedule",
				logx.String("schedule", s.ID), logx.Err(err))
		}
	}
	return due, nil
}

func (st *Store) skipMissed(ctx context.Context, s *Schedule, now time.Time) error {
	if s.Kind != KindRecurring {
		st.log.Warn("one-shot schedule missed its window",
			logx.String("schedule", s.ID), logx.Time("next_run_at", s.NextRunAt))
		_, err := st.db.SQL.ExecContext(ctx,
			`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusFailed), now.UnixMilli(), s.ID)
		return err
	}
	next, err := Next(s.Cadence, now, st.loc)
	if err != nil {
		return err
	}
	st.log.Info("skipping missed occurrence",
		logx.String("schedule", s.ID),
		logx.Time("missed", s.NextRunAt),
		logx.Time("next", next))
	_, err = st.db.SQL.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		next.UnixMilli(), now.UnixMilli(), s.ID)
	return err
}

// MarkRunning claims a schedule for dispatch. It only succeeds from
// pending, so a concurrent tick cannot re-select an in-flight schedule.
func (st *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := st.db.SQL.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), st.now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Defer releases a claimed schedule untouched: status back to pending,
// NextRunAt unchanged, so the next tick picks it up again. Used when the
// rate limiter denies a token (no attempt is recorded).
func (st *Store) Defer(ctx context.Context, id string) error {
	_, err := st.db.SQL.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), st.now().UnixMilli(), id, string(StatusRunning))
	return err
}

// Complete finishes a successful one-shot dispatch.
func (st *Store) Complete(ctx context.Context, s *Schedule, at time.Time) error {
	_, err := st.db.SQL.ExecContext(ctx, `
		UPDATE schedules SET status = ?, last_run_at = ?, retry_count = 0, updated_at = ?
		WHERE id = ?`,
		string(StatusCompleted), at.UnixMilli(), at.UnixMilli(), s.ID)
	return err
}

// Reschedule finishes a successful recurring dispatch: the retry counter
// resets and NextRunAt moves to the next occurrence after at.
func (st *Store) Reschedule(ctx context.Context, s *Schedule, at time.Time) (time.Time, error) {
	next, err := Next(s.Cadence, at, st.loc)
	if err != nil {
		return time.Time{}, err
	}
	_, err = st.db.SQL.ExecContext(ctx, `
		UPDATE schedules SET status = ?, last_run_at = ?, next_run_at = ?,
			retry_count = 0, updated_at = ?
		WHERE id = ?`,
		string(StatusPending), at.UnixMilli(), next.UnixMilli(), at.UnixMilli(), s.ID)
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// RetryAt parks a failed dispatch for another attempt: the retry counter is
// bumped and the schedule goes back to pending with NextRunAt = at.
func (st *Store) RetryAt(ctx context.Context, s *Schedule, at time.Time) error {
	_, err := st.db.SQL.ExecContext(ctx, `
		UPDATE schedules SET status = ?, next_run_at = ?, retry_count = retry_count + 1,
			updated_at = ?
		WHERE id = ?`,
		string(StatusPending), at.UnixMilli(), st.now().UnixMilli(), s.ID)
	return err
}

// Fail marks a schedule terminally failed. Recurring schedules re-enter
// pending at their next occurrence instead, with the retry counter reset;
// if the next occurrence cannot be computed they are marked failed so the
// running claim is never left held.
func (st *Store) Fail(ctx context.Context, s *Schedule, at time.Time) error {
	if s.Kind == KindRecurring {
		_, err := st.Reschedule(ctx, s, at)
		if err == nil {
			return nil
		}
		st.log.Warn("reschedule after failure errored; marking schedule failed",
			logx.String("schedule", s.ID), logx.Err(err))
	}
	_, err := st.db.SQL.ExecContext(ctx, `
		UPDATE schedules SET status = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), at.UnixMilli(), at.UnixMilli(), s.ID)
	return err
}
