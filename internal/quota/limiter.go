package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

type Reason string

const (
	ReasonMinuteExhausted Reason = "minute_exhausted"
	ReasonDailyCap        Reason = "daily_cap"
)

// Decision is the outcome of a TryConsume call. A denial is a deferral
// signal, not an error.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

type Config struct {
	PerMinute  int
	PerDay     int
	Warmup     bool
	WarmupDays int
}

// State is the persisted quota record. The minute bucket and the daily
// counter are independent: day rollover does not touch MinuteTokens.
type State struct {
	MinuteTokens   float64   `db:"minute_tokens"`
	MinuteCapacity int       `db:"minute_capacity"`
	DailyCap       int       `db:"daily_cap"`
	SentToday      int       `db:"sent_today"`
	Today          string    `db:"-"` // calendar date in the configured zone
	UpdatedAt      time.Time `db:"-"`
	Warmup         bool      `db:"-"`
	FirstRunAt     time.Time `db:"-"`
}

const dateLayout = "2006-01-02"

// Limiter is the persisted token-bucket quota tracker. It is the sole
// owner of the rate_limit_state row; every mutation is written back before
// a token is granted, so a crash between grant and dispatch can lose at
// most the granted token (accepted quota loss, never a double spend).
type Limiter struct {
	mu  sync.Mutex
	db  *storage.DB
	log logx.Logger
	loc *time.Location
	cfg Config

	st State

	now func() time.Time
}

func New(ctx context.Context, db *storage.DB, log logx.Logger, loc *time.Location, cfg Config) (*Limiter, error) {
	if loc == nil {
		loc = time.Local
	}
	l := &Limiter{db: db, log: log, loc: loc, cfg: cfg, now: time.Now}
	if err := l.load(ctx); err != nil {
		return nil, fmt.Errorf("quota: load state: %w", err)
	}
	return l, nil
}

// SetNowFunc replaces the clock. Test hook.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply updates the configured caps at runtime. Tokens above the new
// capacity are clipped on the next refill.
func (l *Limiter) Apply(ctx context.Context, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.st.MinuteCapacity = cfg.PerMinute
	l.st.DailyCap = cfg.PerDay
	if err := l.persistLocked(ctx); err != nil {
		l.log.Error("quota: persist after config apply failed", logx.Err(err))
	}
}

type stateRow struct {
	MinuteTokens   float64 `db:"minute_tokens"`
	MinuteCapacity int     `db:"minute_capacity"`
	DailyCap       int     `db:"daily_cap"`
	SentToday      int     `db:"sent_today"`
	Today          string  `db:"today"`
	UpdatedAt      int64   `db:"updated_at"`
	Warmup         int     `db:"warmup"`
	FirstRunAt     int64   `db:"first_run_at"`
}

func (l *Limiter) load(ctx context.Context) error {
	var r stateRow
	err := l.db.SQL.GetContext(ctx, &r,
		`SELECT minute_tokens, minute_capacity, daily_cap, sent_today, today,
		        updated_at, warmup, first_run_at
		 FROM rate_limit_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		now := l.now()
		l.st = State{
			MinuteTokens:   float64(l.cfg.PerMinute),
			MinuteCapacity: l.cfg.PerMinute,
			DailyCap:       l.cfg.PerDay,
			SentToday:      0,
			Today:          now.In(l.loc).Format(dateLayout),
			UpdatedAt:      now,
			Warmup:         l.cfg.Warmup,
			FirstRunAt:     now,
		}
		return l.persistLocked(ctx)
	}
	if err != nil {
		return err
	}
	l.st = State{
		MinuteTokens:   r.MinuteTokens,
		MinuteCapacity: r.MinuteCapacity,
		DailyCap:       r.DailyCap,
		SentToday:      r.SentToday,
		Today:          r.Today,
		UpdatedAt:      time.UnixMilli(r.UpdatedAt),
		Warmup:         r.Warmup != 0,
		FirstRunAt:     time.UnixMilli(r.FirstRunAt),
	}
	// Config caps win over what a previous run persisted.
	l.st.MinuteCapacity = l.cfg.PerMinute
	l.st.DailyCap = l.cfg.PerDay
	return nil
}

func (l *Limiter) persistLocked(ctx context.Context) error {
	warm := 0
	if l.st.Warmup {
		warm = 1
	}
	_, err := l.db.SQL.ExecContext(ctx, `
		INSERT INTO rate_limit_state
			(id, minute_tokens, minute_capacity, daily_cap, sent_today, today,
			 updated_at, warmup, first_run_at)
		VALUES (1,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			minute_tokens=excluded.minute_tokens,
			minute_capacity=excluded.minute_capacity,
			daily_cap=excluded.daily_cap,
			sent_today=excluded.sent_today,
			today=excluded.today,
			updated_at=excluded.updated_at,
			warmup=excluded.warmup,
			first_run_at=excluded.first_run_at`,
		l.st.MinuteTokens, l.st.MinuteCapacity, l.st.DailyCap, l.st.SentToday,
		l.st.Today, l.st.UpdatedAt.UnixMilli(), warm, l.st.FirstRunAt.UnixMilli(),
	)
	return err
}

// effectiveCaps applies the warmup ramp: capacities climb linearly from a
// low floor to the configured caps over WarmupDays, anchored at FirstRunAt.
func (l *Limiter) effectiveCapsLocked(now time.Time) (minute, daily int) {
	minute, daily = l.st.MinuteCapacity, l.st.DailyCap
	if !l.st.Warmup {
		return minute, daily
	}
	window := time.Duration(l.cfg.WarmupDays) * 24 * time.Hour
	if window <= 0 {
		return minute, daily
	}
	elapsed := now.Sub(l.st.FirstRunAt)
	if elapsed >= window {
		return minute, daily
	}
	frac := float64(elapsed) / float64(window)
	minute = rampFloor(minute, frac, 1)
	daily = rampFloor(daily, frac, 5)
	return minute, daily
}

func rampFloor(full int, frac float64, floor int) int {
	v := int(float64(full) * frac)
	if v < floor {
		v = floor
	}
	if v > full {
		v = full
	}
	return v
}

// advanceLocked performs day rollover, warmup expiry and the lazy minute
// refill up to now. It reports whether persisted fields changed in a way
// that should be flushed even without a grant.
func (l *Limiter) advanceLocked(now time.Time) (dirty bool) {
	today := now.In(l.loc).Format(dateLayout)
	if today != l.st.Today {
		l.log.Info("quota day rollover",
			logx.String("from", l.st.Today), logx.String("to", today),
			logx.Int("sent", l.st.SentToday))
		l.st.Today = today
		l.st.SentToday = 0
		dirty = true
	}

	if l.st.Warmup {
		window := time.Duration(l.cfg.WarmupDays) * 24 * time.Hour
		if window <= 0 || now.Sub(l.st.FirstRunAt) >= window {
			l.log.Info("quota warmup ramp complete")
			l.st.Warmup = false
			dirty = true
		}
	}

	effMinute, _ := l.effectiveCapsLocked(now)
	if elapsed := now.Sub(l.st.UpdatedAt); elapsed > 0 {
		l.st.MinuteTokens += elapsed.Seconds() * float64(effMinute) / 60.0
	}
	if l.st.MinuteTokens > float64(effMinute) {
		l.st.MinuteTokens = float64(effMinute)
	}
	if l.st.MinuteTokens < 0 {
		l.st.MinuteTokens = 0
	}
	l.st.UpdatedAt = now
	return dirty
}

// TryConsume requests n send tokens. On a grant the mutated state is
// persisted before returning; a persistence failure does not roll back the
// in-memory grant but is surfaced to the caller.
func (l *Limiter) TryConsume(ctx context.Context, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dirty := l.advanceLocked(now)
	effMinute, effDaily := l.effectiveCapsLocked(now)

	if l.st.SentToday+n > effDaily {
		if dirty {
			if err := l.persistLocked(ctx); err != nil {
				l.log.Error("quota: persist failed", logx.Err(err))
			}
		}
		return Decision{
			Allowed:    false,
			Reason:     ReasonDailyCap,
			RetryAfter: untilNextMidnight(now, l.loc),
		}, nil
	}

	if l.st.MinuteTokens < float64(n) {
		if dirty {
			if err := l.persistLocked(ctx); err != nil {
				l.log.Error("quota: persist failed", logx.Err(err))
			}
		}
		missing := float64(n) - l.st.MinuteTokens
		wait := time.Duration(missing * 60.0 / float64(effMinute) * float64(time.Second))
		return Decision{
			Allowed:    false,
			Reason:     ReasonMinuteExhausted,
			RetryAfter: wait,
		}, nil
	}

	l.st.MinuteTokens -= float64(n)
	l.st.SentToday += n
	err := l.persistLocked(ctx)
	if err != nil {
		err = fmt.Errorf("quota: persist after grant: %w", err)
		l.log.Error("quota state persist failed; in-memory state kept", logx.Err(err))
	}
	return Decision{Allowed: true}, err
}

// Tick runs the rollover/refill housekeeping without consuming. The engine
// calls it once per poll so the day boundary is observed even when idle.
func (l *Limiter) Tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.advanceLocked(l.now()) {
		if err := l.persistLocked(ctx); err != nil {
			l.log.Error("quota: persist on tick failed", logx.Err(err))
		}
	}
}

// Snapshot returns a copy of the current state for health reporting.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advanceLocked(l.now())
	return l.st
}

func untilNextMidnight(now time.Time, loc *time.Location) time.Duration {
	n := now.In(loc)
	next := time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, loc)
	return next.Sub(n)
}
