package app

import (
	"context"
	"fmt"
	"time"

	"wasched/internal/config"
	"wasched/internal/contacts"
	"wasched/internal/dispatch"
	"wasched/internal/engine"
	"wasched/internal/eventbus"
	"wasched/internal/quota"
	"wasched/internal/schedule"
	"wasched/internal/storage"
	"wasched/internal/transport"
	logx "wasched/pkg/logx"
)

// TransportFactory builds the session implementation. The engine only ever
// sees the transport.Transport interface; the automation driver itself
// lives outside this module.
type TransportFactory func(bus eventbus.Bus, log logx.Logger) transport.Transport

// App owns the full service graph and its start/stop order.
type App struct {
	cfgManager *config.Manager
	logSvc     *logx.Service
	log        logx.Logger

	bus  eventbus.Bus
	gate *transport.Gate
	tr   transport.Transport

	db       *storage.DB
	store    *schedule.Store
	limiter  *quota.Limiter
	cache    *contacts.Cache
	pipeline *dispatch.Pipeline
	engine   *engine.Engine

	cfgSub    chan *config.Config
	watchDone chan struct{}
}

const sendLogMaxRows = 10000

func New(cfgPath string, newTransport TransportFactory) (*App, error) {
	a := &App{cfgManager: config.NewManager(cfgPath)}

	cfg, err := a.cfgManager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a.logSvc, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.cfgManager.SetLogger(a.log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()
	a.gate = transport.NewGate()
	a.tr = newTransport(a.bus, a.log.With(logx.String("comp", "transport")))

	loc := cfg.Location()

	a.db, err = storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 5*time.Second),
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.store = schedule.NewStore(a.db, a.log.With(logx.String("comp", "schedules")),
		loc, cfg.Dispatch.ResolvedTolerance())

	a.limiter, err = quota.New(context.Background(), a.db,
		a.log.With(logx.String("comp", "quota")), loc, quota.Config{
			PerMinute:  cfg.Quota.ResolvedPerMinute(),
			PerDay:     cfg.Quota.ResolvedPerDay(),
			Warmup:     cfg.Quota.Warmup,
			WarmupDays: cfg.Quota.ResolvedWarmupDays(),
		})
	if err != nil {
		_ = a.db.Close()
		return nil, err
	}

	a.cache = contacts.New(a.db, a.log.With(logx.String("comp", "contacts")),
		a.tr, a.gate, config.DurationOr(cfg.Contacts.RefreshInterval, 30*time.Minute))

	sendLog := dispatch.NewSendLog(a.db, a.log.With(logx.String("comp", "sendlog")), sendLogMaxRows)
	a.pipeline = dispatch.NewPipeline(a.store, a.cache, a.limiter, a.tr, sendLog,
		a.log.With(logx.String("comp", "dispatch")), dispatch.Config{
			MaxRetries:    cfg.Dispatch.ResolvedMaxRetries(),
			RetryBase:     config.DurationOr(cfg.Dispatch.RetryBase, 30*time.Second),
			RetryMaxDelay: config.DurationOr(cfg.Dispatch.RetryMaxDelay, 10*time.Minute),
			MinSendGap:    config.DurationOr(cfg.Dispatch.MinSendGap, 3*time.Second),
			SendTimeout:   config.DurationOr(cfg.Engine.SendTimeout, 90*time.Second),
		})

	a.engine = engine.New(engine.Config{
		PollInterval: config.DurationOr(cfg.Engine.PollInterval, 5*time.Second),
		DrainTimeout: config.DurationOr(cfg.Engine.DrainTimeout, 2*time.Minute),
		SendNowWait:  config.DurationOr(cfg.Engine.SendNowWait, 10*time.Second),
		Headless:     cfg.Headless,
	}, a.log.With(logx.String("comp", "engine")),
		a.store, a.pipeline, a.limiter, a.cache, a.tr, a.gate, a.bus)

	return a, nil
}

// Schedules exposes the CRUD surface consumed by the API layer.
func (a *App) Schedules() *schedule.Store { return a.store }

// Contacts exposes the contact cache.
func (a *App) Contacts() *contacts.Cache { return a.cache }

// Engine exposes SendNow and the health snapshot.
func (a *App) Engine() *engine.Engine { return a.engine }

// SendLog exposes the audit trail reader.
func (a *App) SendLog() *dispatch.SendLog { return a.pipeline.SendLog() }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	if err := a.tr.Init(ctx); err != nil {
		return fmt.Errorf("transport init: %w", err)
	}

	a.engine.Start(ctx)

	// Hot reload: watch the file and re-apply tunables on commit.
	a.cfgSub = a.cfgManager.Subscribe(1)
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		_ = a.cfgManager.Watch(ctx)
	}()
	go a.applyLoop(ctx)

	a.log.Info("app started")
	return nil
}

func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgSub:
			if !ok || cfg == nil {
				return
			}
			a.apply(ctx, cfg)
		}
	}
}

// apply pushes reloadable settings into running services. Storage path and
// timezone changes need a restart and are deliberately not applied live.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.limiter.Apply(ctx, quota.Config{
		PerMinute:  cfg.Quota.ResolvedPerMinute(),
		PerDay:     cfg.Quota.ResolvedPerDay(),
		Warmup:     cfg.Quota.Warmup,
		WarmupDays: cfg.Quota.ResolvedWarmupDays(),
	})
	a.engine.Apply(engine.Config{
		PollInterval: config.DurationOr(cfg.Engine.PollInterval, 5*time.Second),
		DrainTimeout: config.DurationOr(cfg.Engine.DrainTimeout, 2*time.Minute),
		SendNowWait:  config.DurationOr(cfg.Engine.SendNowWait, 10*time.Second),
		Headless:     cfg.Headless,
	})
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.engine.Stop(ctx)
	if err := a.tr.Close(ctx); err != nil {
		a.log.Warn("transport close failed", logx.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	_ = a.logSvc.Close()
	return nil
}
