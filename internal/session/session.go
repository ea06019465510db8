// ABOUTME: Session binds one CRM tenant to one live (or reconnecting) chat transport.
// ABOUTME: Holds the lifecycle state, exclusive transport ownership, and client notifier.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/2389/beacon-gateway/internal/transport"
)

// State is a session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePairingPending
	StateConnected
	StateReconnecting
	StateLoggedOut
)

// String returns the lowercase state name used in logs and status payloads.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePairingPending:
		return "pairing_pending"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Credentials are the CRM credentials bound to a session for its lifetime.
type Credentials struct {
	Domain      string
	AccessToken string
}

// MessageRecord is the normalized form of an inbound chat message, surfaced
// to the owning client connection and forwarded to the CRM.
type MessageRecord struct {
	SessionID string    `json:"sessionId"`
	TenantID  string    `json:"tenantId"`
	PeerID    string    `json:"peerId"`
	Text      string    `json:"text"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives lifecycle and relay notifications for the client
// connection that owns a session. Implementations must not block.
type Notifier interface {
	PairingChallenge(code string)
	StatusChanged(status string)
	Connected()
	MessageReceived(rec MessageRecord)
	Error(msg string)
}

// Session is one tenant's bound pair of chat transport and CRM credentials.
// State and transport are mutated only by the lifecycle manager's dispatch
// loop; everything else reads them through the mutex.
type Session struct {
	ID          string
	TenantID    string
	Credentials Credentials

	notifier Notifier

	mu           sync.Mutex
	state        State
	transport    transport.Transport
	lastActivity time.Time

	// ctx is cancelled by an explicit disconnect; done closes when the
	// lifecycle dispatch loop has fully torn the session down.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records a state transition.
func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// setTransport installs the live transport for the current connect cycle.
func (s *Session) setTransport(t transport.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// clearTransport drops the transport reference after teardown.
func (s *Session) clearTransport() {
	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
}

// Notifier returns the owning client connection's notifier.
func (s *Session) Notifier() Notifier {
	return s.notifier
}

// LastActivity returns the time of the most recent relayed message. Zero if
// nothing has been relayed yet. Observability only, never used for eviction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records message activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Send delivers a text message to a peer over the session's transport.
// Returns transport.ErrNotConnected unless the session is Connected with a
// live transport.
func (s *Session) Send(ctx context.Context, peerID, text string) error {
	s.mu.Lock()
	t := s.transport
	state := s.state
	s.mu.Unlock()

	if t == nil || state != StateConnected {
		return transport.ErrNotConnected
	}
	if err := t.Send(ctx, peerID, text); err != nil {
		return err
	}
	s.Touch()
	return nil
}

// Done returns a channel closed once the session's dispatch loop has exited
// and the transport is fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
