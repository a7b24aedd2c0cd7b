package transport

import (
	"context"
	"sync/atomic"

	"wasched/internal/eventbus"
	logx "wasched/pkg/logx"
)

// DryRun is a stand-in session that logs sends instead of performing them.
// Used when the automation driver is not attached (local development, or
// smoke-testing schedules against real quota state).
type DryRun struct {
	log   logx.Logger
	bus   eventbus.Bus
	ready atomic.Bool

	contacts []Contact
}

func NewDryRun(bus eventbus.Bus, log logx.Logger, contacts []Contact) *DryRun {
	return &DryRun{log: log, bus: bus, contacts: contacts}
}

func (d *DryRun) Init(ctx context.Context) error {
	d.ready.Store(true)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventRelinked})
	}
	d.log.Info("dry-run transport ready", logx.Int("contacts", len(d.contacts)))
	return nil
}

func (d *DryRun) IsReady() bool { return d.ready.Load() }

func (d *DryRun) SendToContact(ctx context.Context, contact Contact, text string) (string, error) {
	if !d.ready.Load() {
		return "", ErrNotReady
	}
	addr := contact.Phone
	if addr == "" {
		addr = contact.Name
	}
	d.log.Info("dry-run send",
		logx.String("contact", contact.Name),
		logx.String("address", addr),
		logx.Int("len", len(text)))
	return addr, nil
}

func (d *DryRun) FetchContacts(ctx context.Context) ([]Contact, error) {
	if !d.ready.Load() {
		return nil, ErrNotReady
	}
	out := make([]Contact, len(d.contacts))
	copy(out, d.contacts)
	return out, nil
}

func (d *DryRun) Close(ctx context.Context) error {
	d.ready.Store(false)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventOffline})
	}
	return nil
}
