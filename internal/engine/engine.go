package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"wasched/internal/contacts"
	"wasched/internal/dispatch"
	"wasched/internal/eventbus"
	"wasched/internal/quota"
	"wasched/internal/schedule"
	"wasched/internal/transport"
	logx "wasched/pkg/logx"
)

type Config struct {
	PollInterval time.Duration
	DrainTimeout time.Duration
	SendNowWait  time.Duration
	Headless     bool
}

// Engine is the control loop: every poll interval it runs the quota
// rollover check, scans the store for due schedules and pushes them
// one at a time through the dispatch pipeline behind the transport gate.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	store    *schedule.Store
	pipeline *dispatch.Pipeline
	limiter  *quota.Limiter
	cache    *contacts.Cache
	tr       transport.Transport
	gate     *transport.Gate
	bus      eventbus.Bus

	stopCh   chan struct{}
	done     chan struct{}
	inFlight sync.WaitGroup

	now func() time.Time
}

func New(
	cfg Config,
	log logx.Logger,
	store *schedule.Store,
	pipeline *dispatch.Pipeline,
	limiter *quota.Limiter,
	cache *contacts.Cache,
	tr transport.Transport,
	gate *transport.Gate,
	bus eventbus.Bus,
) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Minute
	}
	if cfg.SendNowWait <= 0 {
		cfg.SendNowWait = 10 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		pipeline: pipeline,
		limiter:  limiter,
		cache:    cache,
		tr:       tr,
		gate:     gate,
		bus:      bus,
		now:      time.Now,
	}
}

// Apply updates tunable knobs at runtime. The new poll interval takes
// effect on the next tick.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.PollInterval > 0 {
		e.cfg.PollInterval = cfg.PollInterval
	}
	if cfg.DrainTimeout > 0 {
		e.cfg.DrainTimeout = cfg.DrainTimeout
	}
	if cfg.SendNowWait > 0 {
		e.cfg.SendNowWait = cfg.SendNowWait
	}
	e.cfg.Headless = cfg.Headless
}

func (e *Engine) pollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.PollInterval
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	go e.watchSession(ctx, stopCh)
	go e.run(ctx, stopCh)
	e.log.Info("engine started", logx.Duration("poll", e.pollInterval()))
}

// Stop halts scheduling immediately but lets an in-flight dispatch finish,
// bounded by the drain timeout.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	stopCh := e.stopCh
	done := e.done
	drain := e.cfg.DrainTimeout
	e.stopCh = nil
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done

	waited := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		e.log.Info("engine stopped")
	case <-time.After(drain):
		e.log.Warn("engine stop: drain timeout elapsed with dispatch still in flight")
	case <-ctx.Done():
		e.log.Warn("engine stop: context canceled during drain")
	}
}

func (e *Engine) run(ctx context.Context, stopCh <-chan struct{}) {
	defer close(e.done)

	timer := time.NewTimer(e.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}
		e.tick(ctx)
		timer.Reset(e.pollInterval())
	}
}

// tick is one Idle -> Scanning -> (Dispatching)* -> Idle pass.
func (e *Engine) tick(ctx context.Context) {
	e.limiter.Tick(ctx)

	// Refresh runs under its own single-flight and freshness guards, so
	// triggering it every tick is cheap.
	go e.cache.Refresh(ctx)

	if !e.tr.IsReady() {
		e.log.Debug("tick skipped: session not ready")
		return
	}

	now := e.now()
	due, err := e.store.ListDue(ctx, now)
	if err != nil {
		e.log.Error("due scan failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	e.log.Debug("due schedules", logx.Int("count", len(due)))

	for _, s := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Non-blocking: if a direct send holds the gate, yield to next tick.
		if !e.gate.TryAcquire() {
			e.log.Debug("transport busy; deferring remaining due schedules")
			return
		}
		e.dispatchOne(ctx, s)
	}
}

// dispatchOne runs one pipeline call while holding the gate. A panic or
// error in one schedule never aborts the remainder of the tick.
func (e *Engine) dispatchOne(ctx context.Context, s *schedule.Schedule) {
	e.inFlight.Add(1)
	defer e.inFlight.Done()
	defer e.gate.Release()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("dispatch panicked",
				logx.String("schedule", s.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	outcome := e.pipeline.Dispatch(ctx, s)
	e.log.Debug("dispatch finished",
		logx.String("schedule", s.ID), logx.String("outcome", string(outcome)))
}

// SendNow pushes an immediate message through the same pipeline and the
// same gate as scheduled work. It blocks up to the configured wait for the
// gate and fails fast with transport.ErrBusy instead of queueing.
func (e *Engine) SendNow(ctx context.Context, contactRef, message string) (dispatch.Outcome, error) {
	e.mu.Lock()
	wait := e.cfg.SendNowWait
	e.mu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := e.gate.Acquire(gctx); err != nil {
		return dispatch.OutcomeDeferred, err
	}

	e.inFlight.Add(1)
	defer e.inFlight.Done()
	defer e.gate.Release()

	// Persist only after the gate is held. A Busy failure must leave
	// nothing behind that a later tick would deliver anyway.
	s := &schedule.Schedule{
		Kind:       schedule.KindInstant,
		ContactRef: contactRef,
		Message:    message,
	}
	if err := e.store.Upsert(ctx, s); err != nil {
		return dispatch.OutcomeFailed, err
	}

	return e.pipeline.Dispatch(ctx, s), nil
}

// watchSession logs transport lifecycle events from the bus. Not-ready
// conditions short-circuit ticks via IsReady; this loop only narrates.
func (e *Engine) watchSession(ctx context.Context, stopCh <-chan struct{}) {
	if e.bus == nil {
		return
	}
	ch, unsub := e.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case transport.EventQRRequired:
				e.log.Warn("session requires QR relink; dispatch paused until ready")
			case transport.EventOffline:
				e.log.Warn("session offline")
			case transport.EventRelinked:
				e.log.Info("session relinked")
			case transport.EventError:
				e.log.Warn("session error", logx.Any("data", ev.Data))
			}
		}
	}
}
