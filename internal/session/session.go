// Package session owns the lifecycle of the transport session: connect,
// pairing, reconnect after closure and logout.
//
// The transport itself (the bridge speaking the WhatsApp protocol) is reached
// through the Transport and Session interfaces; the Manager only tracks state
// and decides when to start a new session.
package session

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

var (
	// ErrSessionNotReady is returned when an operation needs a live session handle.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrAlreadyConnected is returned when pairing is requested on an authenticated session.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrInvalidPhone is returned when a phone number has no digits.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session manager closed")
)

// Pairing methods.
const (
	PairingQR   = "qr"
	PairingCode = "code"
)

// EventKind identifies a transport lifecycle event.
type EventKind int

const (
	EventQR              EventKind = iota + 1 // new QR code issued
	EventPairingRequired                      // not authenticated yet
	EventReady                                // authenticated and online
	EventClosed                               // connection closed, Reason set
	EventMessage                              // inbound chat message
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventPairingRequired:
		return "pairing_required"
	case EventReady:
		return "ready"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session while it is alive.
type Event struct {
	Kind    EventKind
	QR      string // EventQR
	User    string // EventReady
	Reason  string // EventClosed; ReasonLoggedOut stops reconnects
	Message bus.InboundMessage
}

// ReasonLoggedOut is the closure reason reported when the account was logged out.
const ReasonLoggedOut = "logged_out"

// Sink receives events of one session, in order, from a single goroutine.
type Sink func(Event)

// Session is a live transport handle.
type Session interface {
	SendText(ctx context.Context, chatID, text string) error
	SetPresence(ctx context.Context, chatID, state string) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Close() error
}

// Transport opens sessions. Connect returns once a handle exists, which may
// not be authenticated yet; progress is reported to sink.
type Transport interface {
	Connect(ctx context.Context, sink Sink) (Session, error)
}
