// ABOUTME: Chat transport adapter contract shared by the session lifecycle manager.
// ABOUTME: Defines the Transport interface, lifecycle events, and the Dialer factory.

package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected indicates a send was attempted before Opened or after Closed.
var ErrNotConnected = errors.New("transport not connected")

// EventKind identifies the type of a transport lifecycle event.
type EventKind int

const (
	// EventPairingChallenge carries a pairing code that must be completed
	// out-of-band (e.g. scanned) before the transport can authenticate.
	EventPairingChallenge EventKind = iota

	// EventStatusChanged carries a human-readable status update.
	EventStatusChanged

	// EventOpened signals the transport is connected and authenticated.
	// Emitted at most once per successful connect cycle.
	EventOpened

	// EventClosed signals the transport has shut down. Always eventually
	// emitted once teardown begins, so the lifecycle manager can decide
	// whether to reconnect.
	EventClosed

	// EventInboundMessage carries a message received from a remote peer.
	EventInboundMessage
)

// Event is a single transport lifecycle event. Kind selects which fields
// are populated.
type Event struct {
	Kind EventKind

	// Code is the pairing challenge payload (EventPairingChallenge).
	Code string

	// Status is the status text (EventStatusChanged).
	Status string

	// Reason describes why the transport closed (EventClosed).
	Reason string

	// Terminal marks a close caused by explicit logout. The session cannot
	// recover without re-pairing (EventClosed).
	Terminal bool

	// Message is the inbound payload (EventInboundMessage).
	Message *InboundMessage
}

// InboundMessage is a message received over the chat transport.
type InboundMessage struct {
	PeerID    string
	Text      string
	MessageID string
	Timestamp time.Time
}

// Transport is one live connection to the external chat network. A Transport
// is single-use: after Disconnect (or a terminal close) it is discarded and
// the Dialer produces a replacement for the next connect cycle.
type Transport interface {
	// Connect starts the connection attempt. Pairing challenges, open/close
	// notifications, and inbound messages arrive on Events.
	Connect(ctx context.Context) error

	// Send delivers a text message to a peer. Returns ErrNotConnected if the
	// transport is not currently open.
	Send(ctx context.Context, peerID, text string) error

	// Disconnect tears the connection down. Safe to call at any time,
	// including before Connect or more than once.
	Disconnect() error

	// Events returns the transport's lifecycle event stream. Events from a
	// single Transport are delivered in emission order.
	Events() <-chan Event
}

// Dialer produces a fresh Transport for a tenant's connect cycle. Each call
// returns a new instance; reconnects must never reuse a torn-down transport.
type Dialer func(ctx context.Context, tenantID string) (Transport, error)
