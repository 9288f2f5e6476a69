// Package transport provides the network adapter for the chat layers: a
// connection to one line-oriented endpoint with unicast and multicast
// delivery and a typed inbound event stream.
//
// A single physical inbound frame routes to exactly one of the unicast or
// multicast registrations, never both. Events are delivered on the
// adapter's processing loop; callbacks must not block it.
package transport

import (
	"context"
	"errors"
)

// EventKind discriminates inbound events so direct-message and group
// handling never share a callback slot.
type EventKind uint8

const (
	// EventUnicast is a frame addressed to this client's handle.
	EventUnicast EventKind = iota
	// EventMulticast is a frame addressed to a joined multicast address.
	EventMulticast
	// EventSystem is a connection-level notice (disconnect, join, error).
	EventSystem
)

func (k EventKind) String() string {
	switch k {
	case EventUnicast:
		return "unicast"
	case EventMulticast:
		return "multicast"
	case EventSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is one inbound transport event.
type Event struct {
	Kind    EventKind
	Sender  string // transport handle of the originator, when known
	Target  string // this client's handle, or the multicast address
	Payload []byte
}

// Handler processes one inbound event on the transport loop.
type Handler func(Event)

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = errors.New("transport not connected")

// System event payloads for session state changes. Transports emit these
// exact values so consumers match on them instead of parsing free text.
const (
	// SystemDisconnected follows an explicit Disconnect call.
	SystemDisconnected = "disconnected"
	// SystemConnectionLost follows an unexpected connection failure.
	SystemConnectionLost = "connection lost"
)

// Transport is the adapter contract the chat layers depend on.
//
// Sends are fire-and-forget: they return once the frame is handed to the
// network, with no delivery confirmation. Disconnection is explicit; there
// is no silent auto-reconnect, and reconnecting requires a new Connect.
type Transport interface {
	// Connect establishes the session and returns the handle actually
	// registered, which may differ from the requested one after a
	// collision retry.
	Connect(ctx context.Context, endpoint, handle string) (string, error)
	// Disconnect closes the session and stops the processing loop.
	Disconnect() error
	// Connected reports whether a session is live.
	Connected() bool
	// LocalHandle returns the registered handle, empty when disconnected.
	LocalHandle() string

	JoinMulticast(address string) error
	LeaveMulticast(address string) error
	SendUnicast(handle string, payload []byte) error
	SendMulticast(address string, payload []byte) error

	// OnUnicast, OnMulticast, and OnSystem register the inbound handlers.
	// Each replaces any previous registration of the same kind.
	OnUnicast(h Handler)
	OnMulticast(h Handler)
	OnSystem(h Handler)
}
