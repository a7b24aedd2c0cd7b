package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"wasched/internal/contacts"
	"wasched/internal/quota"
	"wasched/internal/schedule"
	"wasched/internal/transport"
	logx "wasched/pkg/logx"
)

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
)

type Config struct {
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	MinSendGap    time.Duration
	SendTimeout   time.Duration
}

// Pipeline resolves one due schedule into one transport call and settles
// the consequences: quota, send log and schedule state. It is the only
// writer of send-log entries and the only actor that transitions schedule
// status. Callers must hold the transport gate for the whole call.
type Pipeline struct {
	store   *schedule.Store
	cache   *contacts.Cache
	limiter *quota.Limiter
	tr      transport.Transport
	sendLog *SendLog
	log     logx.Logger

	cfg Config

	// pace enforces the minimum gap between consecutive transport calls;
	// the web session drops messages when they are fired back to back.
	pace *rate.Limiter

	now func() time.Time
}

func NewPipeline(
	store *schedule.Store,
	cache *contacts.Cache,
	limiter *quota.Limiter,
	tr transport.Transport,
	sendLog *SendLog,
	log logx.Logger,
	cfg Config,
) *Pipeline {
	gap := cfg.MinSendGap
	if gap <= 0 {
		gap = 3 * time.Second
	}
	return &Pipeline{
		store:   store,
		cache:   cache,
		limiter: limiter,
		tr:      tr,
		sendLog: sendLog,
		log:     log,
		cfg:     cfg,
		pace:    rate.NewLimiter(rate.Every(gap), 1),
		now:     time.Now,
	}
}

// SetNowFunc replaces the clock. Test hook.
func (p *Pipeline) SetNowFunc(now func() time.Time) { p.now = now }

// SendLog exposes the audit trail for read access (history surfaces).
func (p *Pipeline) SendLog() *SendLog { return p.sendLog }

// Dispatch runs one attempt for s. The schedule is claimed (running) for
// the duration so a concurrent tick cannot re-select it.
func (p *Pipeline) Dispatch(ctx context.Context, s *schedule.Schedule) Outcome {
	claimed, err := p.store.MarkRunning(ctx, s.ID)
	if err != nil {
		p.log.Error("dispatch: claim failed", logx.String("schedule", s.ID), logx.Err(err))
		return OutcomeDeferred
	}
	if !claimed {
		// Someone else holds it, or it was paused/removed since the scan.
		return OutcomeDeferred
	}

	log := p.log.With(logx.String("schedule", s.ID), logx.String("contact", s.ContactRef))

	// 1. Resolve the contact. Unknown contact is terminal: retrying cannot
	// conjure it into the address book.
	contact, ok := p.cache.Resolve(s.ContactRef)
	if !ok {
		now := p.now()
		if err := p.sendLog.Append(ctx, LogEntry{
			ScheduleID: s.ID,
			Kind:       string(s.Kind),
			ContactRef: s.ContactRef,
			Message:    s.Message,
			Status:     LogFailed,
			Error:      ErrContactNotFound.Error(),
			At:         now,
		}); err != nil {
			log.Error("send log append failed", logx.Err(err))
		}
		if err := p.store.Fail(ctx, s, now); err != nil {
			log.Error("mark failed errored", logx.Err(err))
		}
		log.Warn("dispatch failed: contact not found")
		return OutcomeFailed
	}

	// 2. Ask the rate limiter for a token. Denial is a deferral: the
	// schedule goes back to pending with NextRunAt untouched and no token
	// or log entry is spent.
	decision, err := p.limiter.TryConsume(ctx, 1)
	if err != nil {
		log.Error("quota persist error", logx.Err(err))
	}
	if !decision.Allowed {
		if err := p.store.Defer(ctx, s.ID); err != nil {
			log.Error("defer failed", logx.Err(err))
		}
		log.Debug("dispatch deferred by quota",
			logx.String("reason", string(decision.Reason)),
			logx.Duration("retry_after", decision.RetryAfter))
		return OutcomeDeferred
	}

	// 3. Record the attempt before touching the transport.
	entryID, err := p.sendLog.Begin(ctx, s.ID, string(s.Kind), s.ContactRef, s.Message, p.now())
	if err != nil {
		log.Error("send log begin failed", logx.Err(err))
	}

	// 4. The one transport call, paced and bounded.
	addr, sendErr := p.send(ctx, contact, s.Message)

	now := p.now()
	if sendErr == nil {
		if entryID != "" {
			if err := p.sendLog.MarkSent(ctx, entryID, addr, now); err != nil {
				log.Error("send log update failed", logx.Err(err))
			}
		}
		p.settleSuccess(ctx, s, now, log)
		return OutcomeSent
	}

	if entryID != "" {
		if err := p.sendLog.MarkFailed(ctx, entryID, sendErr.Error(), now); err != nil {
			log.Error("send log update failed", logx.Err(err))
		}
	}
	return p.settleFailure(ctx, s, sendErr, now, log)
}

func (p *Pipeline) send(ctx context.Context, contact transport.Contact, text string) (string, error) {
	if err := p.pace.Wait(ctx); err != nil {
		return "", Transient(err)
	}
	sctx := ctx
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	return p.tr.SendToContact(sctx, contact, text)
}

func (p *Pipeline) settleSuccess(ctx context.Context, s *schedule.Schedule, now time.Time, log logx.Logger) {
	switch s.Kind {
	case schedule.KindRecurring:
		next, err := p.store.Reschedule(ctx, s, now)
		if err != nil {
			// Release the running claim even when the next occurrence cannot
			// be computed, or the schedule would stay claimed forever.
			log.Error("reschedule failed", logx.Err(err))
			if ferr := p.store.Fail(ctx, s, now); ferr != nil {
				log.Error("mark failed errored", logx.Err(ferr))
			}
			return
		}
		log.Info("message sent", logx.Time("next_run", next))
	default:
		if err := p.store.Complete(ctx, s, now); err != nil {
			log.Error("complete failed", logx.Err(err))
			return
		}
		log.Info("message sent")
	}
}

func (p *Pipeline) settleFailure(ctx context.Context, s *schedule.Schedule, sendErr error, now time.Time, log logx.Logger) Outcome {
	if Retryable(sendErr) && s.RetryCount < p.cfg.MaxRetries {
		delay := retryDelay(p.cfg.RetryBase, p.cfg.RetryMaxDelay, s.RetryCount+1)
		if err := p.store.RetryAt(ctx, s, now.Add(delay)); err != nil {
			log.Error("retry scheduling failed", logx.Err(err))
		}
		log.Warn("dispatch failed; retry scheduled",
			logx.Int("attempt", s.RetryCount+1),
			logx.Duration("delay", delay),
			logx.Err(sendErr))
		return OutcomeFailed
	}

	if err := p.store.Fail(ctx, s, now); err != nil {
		log.Error("mark failed errored", logx.Err(err))
	}
	log.Warn("dispatch failed terminally",
		logx.Int("retries", s.RetryCount), logx.Err(sendErr))
	return OutcomeFailed
}
