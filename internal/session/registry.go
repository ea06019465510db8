// ABOUTME: Process-wide table of active sessions, keyed by client connection and tenant.
// ABOUTME: In-memory only; a restart loses every session and clients must re-initialize.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDuplicateTenant indicates the tenant already has an active session.
var ErrDuplicateTenant = errors.New("tenant already has an active session")

// ErrSessionExists indicates the client connection already owns a session.
var ErrSessionExists = errors.New("session already registered for this connection")

// Registry tracks all active sessions. Mutations are mutex-serialized so the
// lifecycle manager and HTTP surface can share it safely.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Create registers a new session bound to the given tenant and credentials.
// Returns ErrSessionExists if the client connection already owns a session,
// or ErrDuplicateTenant if another non-logged-out session holds the tenant.
func (r *Registry) Create(sessionID, tenantID string, creds Credentials, notifier Notifier) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, ErrSessionExists
	}
	for _, s := range r.sessions {
		if s.TenantID == tenantID && s.State() != StateLoggedOut {
			return nil, ErrDuplicateTenant
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:          sessionID,
		TenantID:    tenantID,
		Credentials: creds,
		notifier:    notifier,
		state:       StateIdle,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	r.sessions[sessionID] = sess

	r.logger.Info("session registered",
		"session_id", sessionID,
		"tenant_id", tenantID,
		"total_sessions", len(r.sessions),
	)
	return sess, nil
}

// LookupBySessionID returns the session owned by the given client connection.
func (r *Registry) LookupBySessionID(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// LookupByTenantID returns the session bound to the given tenant. Logged-out
// sessions are skipped; they no longer claim the tenant. With one session per
// tenant this is a linear scan over active sessions; callers go through this
// method so the scan can be swapped for an index later.
func (r *Registry) LookupByTenantID(tenantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.TenantID == tenantID && s.State() != StateLoggedOut {
			return s, true
		}
	}
	return nil, false
}

// Remove drops a session from the registry. Removing an unknown session is
// a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[sessionID]; exists {
		delete(r.sessions, sessionID)
		r.logger.Info("session removed",
			"session_id", sessionID,
			"tenant_id", s.TenantID,
			"total_sessions", len(r.sessions),
		)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
