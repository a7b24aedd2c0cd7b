package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wasched/internal/contacts"
	"wasched/internal/quota"
	"wasched/internal/schedule"
	"wasched/internal/storage"
	"wasched/internal/transport"
	logx "wasched/pkg/logx"
)

// fakeTransport returns queued errors in order, then succeeds.
type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeTransport) Init(ctx context.Context) error  { return nil }
func (f *fakeTransport) IsReady() bool                   { return true }
func (f *fakeTransport) Close(ctx context.Context) error { return nil }

func (f *fakeTransport) FetchContacts(ctx context.Context) ([]transport.Contact, error) {
	return nil, nil
}

func (f *fakeTransport) SendToContact(ctx context.Context, c transport.Contact, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return c.Phone, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store    *schedule.Store
	pipeline *Pipeline
	sendLog  *SendLog
	tr       *fakeTransport
	now      time.Time
}

func (fx *fixture) advance(d time.Duration) { fx.now = fx.now.Add(d) }

func newFixture(t *testing.T, qcfg quota.Config) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fx := &fixture{
		tr:  &fakeTransport{},
		now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.now }

	fx.store = schedule.NewStore(db, logx.Nop(), time.UTC, 15*time.Minute)
	fx.store.SetNowFunc(clock)

	limiter, err := quota.New(context.Background(), db, logx.Nop(), time.UTC, qcfg)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	limiter.SetNowFunc(clock)

	cache := contacts.New(db, logx.Nop(), fx.tr, transport.NewGate(), time.Hour)
	if err := cache.Upsert(context.Background(),
		transport.Contact{Name: "Alice", Phone: "+628111"}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	fx.sendLog = NewSendLog(db, logx.Nop(), 0)
	fx.pipeline = NewPipeline(fx.store, cache, limiter, fx.tr, fx.sendLog, logx.Nop(), Config{
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
		MinSendGap:    time.Millisecond,
		SendTimeout:   time.Second,
	})
	fx.pipeline.SetNowFunc(clock)
	return fx
}

func logStatusCounts(t *testing.T, entries []LogEntry) map[LogStatus]int {
	t.Helper()
	out := map[LogStatus]int{}
	for _, e := range entries {
		out[e.Status]++
	}
	return out
}

func TestDispatchUnknownContactIsTerminal(t *testing.T) {
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 100})
	ctx := context.Background()

	s := schedule.Schedule{Kind: schedule.KindInstant, ContactRef: "Nobody", Message: "hi"}
	if err := fx.store.Upsert(ctx, &s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if out := fx.pipeline.Dispatch(ctx, &s); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	if n := fx.tr.callCount(); n != 0 {
		t.Fatalf("transport called %d times for unknown contact, want 0", n)
	}

	got, err := fx.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != schedule.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}

	hist, err := fx.sendLog.History(ctx, s.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("log entries = %d, want exactly 1", len(hist))
	}
	if hist[0].Status != LogFailed || hist[0].Error != ErrContactNotFound.Error() {
		t.Fatalf("entry = %+v, want failed with contact-not-found error", hist[0])
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 100})
	ctx := context.Background()
	fx.tr.errs = []error{
		Transient(errors.New("session wobble")),
		Transient(errors.New("session wobble")),
	}

	s := schedule.Schedule{
		Kind: schedule.KindRecurring, ContactRef: "Alice", Message: "hi",
		Cadence: schedule.Cadence{IntervalValue: 1, IntervalUnit: schedule.UnitHour},
	}
	if err := fx.store.Upsert(ctx, &s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		cur, err := fx.store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if out := fx.pipeline.Dispatch(ctx, cur); out != OutcomeFailed {
			t.Fatalf("attempt %d outcome = %s, want failed", attempt, out)
		}
		cur, _ = fx.store.Get(ctx, s.ID)
		if cur.Status != schedule.StatusPending {
			t.Fatalf("attempt %d: Status = %s, want pending for retry", attempt, cur.Status)
		}
		if cur.RetryCount != attempt {
			t.Fatalf("attempt %d: RetryCount = %d", attempt, cur.RetryCount)
		}
		fx.advance(time.Minute)
	}

	cur, _ := fx.store.Get(ctx, s.ID)
	if out := fx.pipeline.Dispatch(ctx, cur); out != OutcomeSent {
		t.Fatalf("final outcome = %s, want sent", out)
	}

	got, _ := fx.store.Get(ctx, s.ID)
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount after success = %d, want 0", got.RetryCount)
	}
	if got.Status != schedule.StatusPending {
		t.Fatalf("recurring Status = %s, want pending (rescheduled)", got.Status)
	}
	if !got.NextRunAt.After(fx.now) {
		t.Fatalf("NextRunAt = %v, want after %v", got.NextRunAt, fx.now)
	}

	hist, _ := fx.sendLog.History(ctx, s.ID)
	if len(hist) != 3 {
		t.Fatalf("log entries = %d, want 3 (one per attempt)", len(hist))
	}
	counts := logStatusCounts(t, hist)
	if counts[LogFailed] != 2 || counts[LogSent] != 1 {
		t.Fatalf("log statuses = %v, want 2 failed + 1 sent", counts)
	}
}

func TestDispatchPermanentErrorExhaustsNothing(t *testing.T) {
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 100})
	ctx := context.Background()
	fx.tr.errs = []error{Permanent(errors.New("payload rejected"))}

	s := schedule.Schedule{Kind: schedule.KindInstant, ContactRef: "Alice", Message: "hi"}
	if err := fx.store.Upsert(ctx, &s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if out := fx.pipeline.Dispatch(ctx, &s); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	got, _ := fx.store.Get(ctx, s.ID)
	if got.Status != schedule.StatusFailed {
		t.Fatalf("Status = %s, want failed (no retry for permanent errors)", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", got.RetryCount)
	}
	hist, _ := fx.sendLog.History(ctx, s.ID)
	if len(hist) != 1 || hist[0].Status != LogFailed {
		t.Fatalf("history = %+v, want a single failed entry", hist)
	}
}

func TestDispatchQuotaDenialDefers(t *testing.T) {
	// PerDay 0 denies every request at the daily cap.
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 0})
	ctx := context.Background()

	s := schedule.Schedule{
		Kind: schedule.KindOnce, ContactRef: "Alice", Message: "hi",
		ScheduleTime: fx.now,
	}
	if err := fx.store.Upsert(ctx, &s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	before, _ := fx.store.Get(ctx, s.ID)

	if out := fx.pipeline.Dispatch(ctx, &s); out != OutcomeDeferred {
		t.Fatalf("outcome = %s, want deferred", out)
	}
	if n := fx.tr.callCount(); n != 0 {
		t.Fatalf("transport called %d times while quota denied, want 0", n)
	}

	got, _ := fx.store.Get(ctx, s.ID)
	if got.Status != schedule.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	if !got.NextRunAt.Equal(before.NextRunAt) {
		t.Fatalf("NextRunAt moved on deferral: %v != %v", got.NextRunAt, before.NextRunAt)
	}

	hist, _ := fx.sendLog.History(ctx, s.ID)
	if len(hist) != 0 {
		t.Fatalf("deferral recorded %d log entries, want 0", len(hist))
	}
}

func TestDispatchRetriesExhaustedIsTerminal(t *testing.T) {
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 100})
	ctx := context.Background()
	fx.tr.errs = []error{
		Transient(errors.New("down")),
		Transient(errors.New("down")),
		Transient(errors.New("down")),
		Transient(errors.New("down")),
	}

	s := schedule.Schedule{Kind: schedule.KindInstant, ContactRef: "Alice", Message: "hi"}
	if err := fx.store.Upsert(ctx, &s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < 4; i++ {
		cur, err := fx.store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if out := fx.pipeline.Dispatch(ctx, cur); out != OutcomeFailed {
			t.Fatalf("attempt %d outcome = %s", i+1, out)
		}
		fx.advance(time.Minute)
	}
	got, _ := fx.store.Get(ctx, s.ID)
	if got.Status != schedule.StatusFailed {
		t.Fatalf("Status = %s, want failed after retries exhausted", got.Status)
	}
	hist, _ := fx.sendLog.History(ctx, s.ID)
	if len(hist) != 4 {
		t.Fatalf("log entries = %d, want 4", len(hist))
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	base, maxDelay := time.Second, 30*time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := retryDelay(base, maxDelay, attempt)
			if d < base/2 {
				t.Fatalf("attempt %d: delay %v below half the base", attempt, d)
			}
			if d > maxDelay {
				t.Fatalf("attempt %d: delay %v above the cap", attempt, d)
			}
		}
	}
}

func TestDispatchSentWithBrokenCadenceReleasesClaim(t *testing.T) {
	fx := newFixture(t, quota.Config{PerMinute: 10, PerDay: 100})
	ctx := context.Background()

	s := &schedule.Schedule{Kind: schedule.KindRecurring, ContactRef: "Alice", Message: "hi",
		ScheduleTime: fx.now.Add(-time.Minute),
		Cadence:      schedule.Cadence{IntervalValue: 10, IntervalUnit: schedule.UnitMinute}}
	if err := fx.store.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The send succeeds but the next occurrence cannot be computed. The
	// schedule must not stay claimed as running.
	s.Cadence = schedule.Cadence{CronExpr: "not a cron"}
	if out := fx.pipeline.Dispatch(ctx, s); out != OutcomeSent {
		t.Fatalf("outcome = %s, want sent", out)
	}
	if fx.tr.callCount() != 1 {
		t.Fatalf("transport calls = %d, want 1", fx.tr.callCount())
	}
	got, err := fx.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != schedule.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
}
