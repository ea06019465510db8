// ABOUTME: Connection lifecycle manager driving each session's state machine.
// ABOUTME: One dispatch loop per session consumes transport events and owns all transitions.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/beacon-gateway/internal/transport"
)

const (
	// DefaultReconnectDelay is waited after a transient close of an active
	// (opened) connection before reconnecting.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultInitialRetryDelay is waited after a failure during initial
	// connect, before the connection attempt.
	DefaultInitialRetryDelay = 10 * time.Second
)

// Delays holds the fixed reconnect delays. Retries are unbounded; there is
// no exponential backoff and no attempt cap.
type Delays struct {
	Reconnect    time.Duration // transient close of an opened connection
	InitialRetry time.Duration // failure before the connection ever opened
}

// DefaultDelays returns the production reconnect delays.
func DefaultDelays() Delays {
	return Delays{
		Reconnect:    DefaultReconnectDelay,
		InitialRetry: DefaultInitialRetryDelay,
	}
}

// InboundHandler consumes inbound chat messages from a connected session.
// The lifecycle manager dispatches each message on its own goroutine so slow
// CRM calls never stall the session's event loop.
type InboundHandler interface {
	HandleInbound(ctx context.Context, sess *Session, msg transport.InboundMessage)
}

// Manager drives session state machines. It is the only component that
// mutates session state and transport ownership.
type Manager struct {
	registry *Registry
	dial     transport.Dialer
	inbound  InboundHandler
	delays   Delays
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a lifecycle manager. inbound may be nil if inbound
// messages should only be surfaced to the client connection.
func NewManager(registry *Registry, dial transport.Dialer, inbound InboundHandler, delays Delays, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		dial:     dial,
		inbound:  inbound,
		delays:   delays,
		logger:   logger.With("component", "lifecycle"),
	}
}

// SetInboundHandler wires the inbound relay after construction. Must be
// called before the first Start.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.inbound = h
}

// Start launches the dispatch loop for a freshly created session, moving it
// from Idle to Connecting.
func (m *Manager) Start(sess *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(sess)
	}()
}

// Disconnect requests teardown of a session: the pending reconnect timer (if
// any) is cancelled, an in-flight connect is discarded, the transport is torn
// down, and the session is removed from the registry. Blocks until the
// dispatch loop has exited. Idempotent.
func (m *Manager) Disconnect(sessionID string) {
	sess, ok := m.registry.LookupBySessionID(sessionID)
	if !ok {
		return
	}
	sess.cancel()
	<-sess.done
	m.registry.Remove(sessionID)
}

// DisconnectAll drains every registered session. Used on process shutdown.
func (m *Manager) DisconnectAll() {
	for _, sess := range m.registry.Sessions() {
		m.Disconnect(sess.ID)
	}
	m.wg.Wait()
}

// run is the single dispatch loop for one session. All state transitions
// happen here, so no event can interleave with another for the same session.
func (m *Manager) run(sess *Session) {
	defer close(sess.done)

	log := m.logger.With("session_id", sess.ID, "tenant_id", sess.TenantID)
	ctx := sess.ctx

	for {
		sess.setState(StateConnecting)

		tr, err := m.connect(ctx, sess, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Synchronous connect failure is treated like a transient close
			// during initial connect: report, wait, retry. Never fatal.
			sess.Notifier().Error("connection failed: " + err.Error())
			sess.setState(StateReconnecting)
			if !m.wait(ctx, m.delays.InitialRetry) {
				return
			}
			continue
		}

		again := m.dispatch(ctx, sess, tr, log)
		if !again {
			return
		}
	}
}

// connect dials a fresh transport and starts its connection attempt. A
// connect that completes after disconnect was requested is torn down and
// discarded, never promoted to Connected.
func (m *Manager) connect(ctx context.Context, sess *Session, log *slog.Logger) (transport.Transport, error) {
	tr, err := m.dial(ctx, sess.TenantID)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Disconnect()
		return nil, err
	}
	if ctx.Err() != nil {
		_ = tr.Disconnect()
		return nil, ctx.Err()
	}

	sess.setTransport(tr)
	log.Debug("transport dialed", "state", sess.State().String())
	return tr, nil
}

// dispatch consumes one transport instance's events until it closes or the
// session is disconnected. Returns true if the loop should reconnect.
func (m *Manager) dispatch(ctx context.Context, sess *Session, tr transport.Transport, log *slog.Logger) (again bool) {
	opened := false

	teardown := func() {
		_ = tr.Disconnect()
		sess.clearTransport()
	}

	for {
		select {
		case <-ctx.Done():
			teardown()
			return false

		case evt, ok := <-tr.Events():
			if !ok {
				// Treat a closed event stream as a transient close.
				evt = transport.Event{Kind: transport.EventClosed, Reason: "event stream ended"}
			}

			switch evt.Kind {
			case transport.EventPairingChallenge:
				// Each renewed challenge is surfaced verbatim.
				sess.setState(StatePairingPending)
				sess.Notifier().PairingChallenge(evt.Code)

			case transport.EventStatusChanged:
				sess.Notifier().StatusChanged(evt.Status)

			case transport.EventOpened:
				opened = true
				sess.setState(StateConnected)
				sess.Notifier().Connected()
				log.Info("session connected")

			case transport.EventInboundMessage:
				sess.Touch()
				if m.inbound != nil && evt.Message != nil {
					go m.inbound.HandleInbound(ctx, sess, *evt.Message)
				}

			case transport.EventClosed:
				teardown()

				if evt.Terminal {
					// Explicit logout: no automatic recovery. The session is
					// removed so the client's next initialize on the same
					// connection starts fresh instead of hitting the
					// duplicate-session check.
					sess.setState(StateLoggedOut)
					sess.Notifier().StatusChanged("logged out: " + evt.Reason)
					log.Info("session logged out", "reason", evt.Reason)
					m.registry.Remove(sess.ID)
					return false
				}

				sess.setState(StateReconnecting)
				sess.Notifier().StatusChanged("reconnecting: " + evt.Reason)

				// Exactly one reconnect timer per close: once teardown ran we
				// stop reading this transport's events, so a straggling
				// second Closed can never schedule another.
				delay := m.delays.InitialRetry
				if opened {
					delay = m.delays.Reconnect
				}
				log.Info("scheduling reconnect", "reason", evt.Reason, "delay", delay)
				return m.wait(ctx, delay)
			}
		}
	}
}

// wait sleeps for the reconnect delay, returning false if the session was
// disconnected first. The timer is always stopped.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
