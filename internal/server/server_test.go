// ABOUTME: Tests for the HTTP surface: health, status, and the CRM webhook.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/crm"
	"github.com/2389/beacon-gateway/internal/dedupe"
	"github.com/2389/beacon-gateway/internal/relay"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/transport"
)

// fakeTransport records sends and lets tests drive lifecycle events.
type fakeTransport struct {
	events chan transport.Event

	mu    sync.Mutex
	sends []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, peerID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, peerID+"|"+text)
	return nil
}

func (f *fakeTransport) Disconnect() error              { return nil }
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// silentNotifier discards notifications.
type silentNotifier struct{}

func (silentNotifier) PairingChallenge(string)               {}
func (silentNotifier) StatusChanged(string)                  {}
func (silentNotifier) Connected()                            {}
func (silentNotifier) MessageReceived(session.MessageRecord) {}
func (silentNotifier) Error(string)                          {}

func newTestServer(t *testing.T, tr *fakeTransport) *Server {
	t.Helper()

	logger := slog.Default()
	ledger, err := store.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	seen := dedupe.New(time.Minute, 128)
	t.Cleanup(seen.Close)

	registry := session.NewRegistry(logger)
	dial := func(ctx context.Context, tenantID string) (transport.Transport, error) {
		return tr, nil
	}
	manager := session.NewManager(registry, dial, nil, session.Delays{
		Reconnect:    20 * time.Millisecond,
		InitialRetry: 20 * time.Millisecond,
	}, logger)
	t.Cleanup(manager.DisconnectAll)

	rly := relay.New(registry, crm.NewClient("http://crm.invalid"), seen, ledger, "", logger)
	manager.SetInboundHandler(rly)

	return &Server{
		cfg: &config.Config{
			Server: config.ServerConfig{HTTPAddr: "localhost:0"},
			CRM:    config.CRMConfig{BaseURL: "http://crm.invalid"},
		},
		registry:  registry,
		lifecycle: manager,
		relay:     rly,
		ledger:    ledger,
		seen:      seen,
		logger:    logger,
	}
}

// connectTenant registers and connects one session for the tenant.
func connectTenant(t *testing.T, s *Server, tr *fakeTransport, tenantID string) *session.Session {
	t.Helper()

	sess, err := s.registry.Create("conn-"+tenantID, tenantID, session.Credentials{
		Domain:      tenantID,
		AccessToken: "token",
	}, silentNotifier{})
	require.NoError(t, err)

	s.lifecycle.Start(sess)
	tr.events <- transport.Event{Kind: transport.EventOpened}
	require.Eventually(t, func() bool { return sess.State() == session.StateConnected }, time.Second, time.Millisecond)
	return sess
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, newFakeTransport())

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestWebhook_AlwaysAcknowledged(t *testing.T) {
	s := newTestServer(t, newFakeTransport())
	routes := s.routes()

	// Well-formed event for an unknown tenant: still acknowledged.
	body := `{"eventType":"MESSAGE_ADDED","payload":{"chatId":"1","text":"hi"},"auth":{"domain":"nobody.example"}}`
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/crm", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)

	// Malformed JSON: still acknowledged.
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/crm", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_DeliversToTenantSession(t *testing.T) {
	tr := newFakeTransport()
	s := newTestServer(t, tr)
	connectTenant(t, s, tr, "acme.example")

	body := `{"eventType":"MESSAGE_ADDED","payload":{"chatId":"491512345","text":"reply"},"auth":{"domain":"acme.example"}}`
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/crm", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	// Delivery is asynchronous relative to the acknowledgment.
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, time.Millisecond)
}

func TestStatus_ReportsSessions(t *testing.T) {
	tr := newFakeTransport()
	s := newTestServer(t, tr)
	connectTenant(t, s, tr, "acme.example")

	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		ActiveSessionCount int             `json:"activeSessionCount"`
		Sessions           []sessionStatus `json:"sessions"`
		TotalMessages      int64           `json:"totalMessages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))

	assert.Equal(t, 1, payload.ActiveSessionCount)
	require.Len(t, payload.Sessions, 1)
	assert.Equal(t, "acme.example", payload.Sessions[0].TenantID)
	assert.Equal(t, "connected", payload.Sessions[0].State)
}
