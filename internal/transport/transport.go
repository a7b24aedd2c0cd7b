package transport

import (
	"context"
	"errors"
)

// Contact is one addressable entry from the session's contact list.
type Contact struct {
	Name  string `json:"name" db:"name"`
	Phone string `json:"phone,omitempty" db:"phone"`
}

// Session event types published on the event bus. The automation session
// surfaces its lifecycle through these instead of callbacks, so components
// subscribe where they care and no hidden listener graph forms.
const (
	EventQRRequired = "transport.qr_required"
	EventRelinked   = "transport.relinked"
	EventOffline    = "transport.offline"
	EventError      = "transport.error"
)

// ErrNotReady is returned by a Transport whose session is not authenticated
// (logged out, waiting for QR relink, or still starting up). It is a
// retryable condition, never a terminal one.
var ErrNotReady = errors.New("transport session not ready")

// Transport is the single outbound messaging capability. Exactly one call
// may be in flight at a time; callers serialize through a Gate.
//
// Implementations wrap the browser-automation session. The engine only sees
// this interface plus the session events on the bus.
type Transport interface {
	Init(ctx context.Context) error
	IsReady() bool

	// SendToContact delivers text to the named contact and reports the
	// address actually used (e.g. the resolved phone number).
	SendToContact(ctx context.Context, contact Contact, text string) (addressUsed string, err error)

	// FetchContacts returns the session's current contact list.
	FetchContacts(ctx context.Context) ([]Contact, error)

	Close(ctx context.Context) error
}
