package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestLimiter(t *testing.T, cfg Config, clk *fakeClock) *Limiter {
	t.Helper()
	l, err := New(context.Background(), openTestDB(t), logx.Nop(), time.UTC, cfg)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	l.SetNowFunc(clk.Now)
	// Re-anchor the freshly created state to the fake clock.
	l.mu.Lock()
	l.st.UpdatedAt = clk.Now()
	l.st.FirstRunAt = clk.Now()
	l.st.Today = clk.Now().In(time.UTC).Format(dateLayout)
	l.mu.Unlock()
	return l
}

func TestMinuteBucketExhaustionAndRefill(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)}
	l := newTestLimiter(t, Config{PerMinute: 10, PerDay: 200}, clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.TryConsume(ctx, 1)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("consume %d denied: %s", i, d.Reason)
		}
	}

	d, err := l.TryConsume(ctx, 1)
	if err != nil {
		t.Fatalf("11th consume: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th consume should be denied")
	}
	if d.Reason != ReasonMinuteExhausted {
		t.Fatalf("reason = %s, want %s", d.Reason, ReasonMinuteExhausted)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("retry_after = %v, want > 0", d.RetryAfter)
	}

	clk.Advance(60 * time.Second)
	d, err = l.TryConsume(ctx, 1)
	if err != nil {
		t.Fatalf("consume after refill: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("consume after 60s should succeed, denied: %s", d.Reason)
	}
}

func TestTokensNeverExceedCapacityOrGoNegative(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)}
	l := newTestLimiter(t, Config{PerMinute: 5, PerDay: 1000}, clk)
	ctx := context.Background()

	// A long idle stretch must not accumulate beyond capacity.
	clk.Advance(4 * time.Hour)
	st := l.Snapshot()
	if st.MinuteTokens > float64(st.MinuteCapacity) {
		t.Fatalf("tokens %v exceed capacity %d", st.MinuteTokens, st.MinuteCapacity)
	}

	// Arbitrary consume sequences keep tokens in [0, cap].
	for i := 0; i < 30; i++ {
		_, _ = l.TryConsume(ctx, 1)
		st := l.Snapshot()
		if st.MinuteTokens < 0 || st.MinuteTokens > float64(st.MinuteCapacity) {
			t.Fatalf("step %d: tokens %v out of range [0,%d]", i, st.MinuteTokens, st.MinuteCapacity)
		}
		clk.Advance(3 * time.Second)
	}
}

func TestDailyCapAndRollover(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2025, 4, 2, 23, 50, 0, 0, time.UTC)}
	l := newTestLimiter(t, Config{PerMinute: 100, PerDay: 3}, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := l.TryConsume(ctx, 1)
		if !d.Allowed {
			t.Fatalf("consume %d denied: %s", i, d.Reason)
		}
		clk.Advance(time.Second)
	}
	d, _ := l.TryConsume(ctx, 1)
	if d.Allowed || d.Reason != ReasonDailyCap {
		t.Fatalf("want daily cap denial, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 24*time.Hour {
		t.Fatalf("retry_after = %v, want within (0, 24h]", d.RetryAfter)
	}

	// Crossing local midnight resets the counter exactly once.
	clk.Set(time.Date(2025, 4, 3, 0, 0, 1, 0, time.UTC))
	st := l.Snapshot()
	if st.SentToday != 0 {
		t.Fatalf("sent_today after rollover = %d, want 0", st.SentToday)
	}
	if st.Today != "2025-04-03" {
		t.Fatalf("today = %s, want 2025-04-03", st.Today)
	}

	// The minute bucket is independent: rollover must not refill it beyond
	// the normal lazy refill.
	d, _ = l.TryConsume(ctx, 1)
	if !d.Allowed {
		t.Fatalf("post-rollover consume denied: %s", d.Reason)
	}
	if got := l.Snapshot().SentToday; got != 1 {
		t.Fatalf("sent_today = %d, want 1", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	db, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	cfg := Config{PerMinute: 10, PerDay: 200}
	clk := &fakeClock{t: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	l, err := New(ctx, db, logx.Nop(), time.UTC, cfg)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	l.SetNowFunc(clk.Now)
	l.mu.Lock()
	l.st.UpdatedAt = clk.Now()
	l.st.FirstRunAt = clk.Now()
	l.st.Today = "2025-04-02"
	l.mu.Unlock()

	for i := 0; i < 4; i++ {
		if d, _ := l.TryConsume(ctx, 1); !d.Allowed {
			t.Fatalf("consume %d denied", i)
		}
	}
	_ = db.Close()

	// New process, same file: the spent quota must still be visible.
	db2, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer db2.Close()
	l2, err := New(ctx, db2, logx.Nop(), time.UTC, cfg)
	if err != nil {
		t.Fatalf("reload limiter: %v", err)
	}
	l2.SetNowFunc(clk.Now)
	if got := l2.Snapshot().SentToday; got != 4 {
		t.Fatalf("sent_today after restart = %d, want 4", got)
	}
}

func TestWarmupRamp(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	l := newTestLimiter(t, Config{PerMinute: 10, PerDay: 200, Warmup: true, WarmupDays: 10}, clk)

	// Early in the ramp the effective caps sit near the floor.
	l.mu.Lock()
	m0, d0 := l.effectiveCapsLocked(clk.Now())
	l.mu.Unlock()
	if m0 >= 10 || d0 >= 200 {
		t.Fatalf("day 0 caps = (%d,%d), want below configured (10,200)", m0, d0)
	}

	// Halfway the caps sit roughly in the middle, monotonically above day 0.
	clk.Advance(5 * 24 * time.Hour)
	l.mu.Lock()
	m5, d5 := l.effectiveCapsLocked(clk.Now())
	l.mu.Unlock()
	if m5 < m0 || d5 < d0 {
		t.Fatalf("ramp not monotonic: (%d,%d) then (%d,%d)", m0, d0, m5, d5)
	}

	// After the window the warmup flag clears and full caps apply.
	clk.Advance(6 * 24 * time.Hour)
	l.Tick(context.Background())
	st := l.Snapshot()
	if st.Warmup {
		t.Fatal("warmup flag should clear after the ramp window")
	}
	l.mu.Lock()
	mFull, dFull := l.effectiveCapsLocked(clk.Now())
	l.mu.Unlock()
	if mFull != 10 || dFull != 200 {
		t.Fatalf("post-ramp caps = (%d,%d), want (10,200)", mFull, dFull)
	}
}
