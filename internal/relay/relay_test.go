// ABOUTME: Tests for the bidirectional relay between chat sessions and the CRM.
// ABOUTME: Covers inbound forwarding, webhook routing, dedupe, and admin notices.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/dedupe"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/transport"
)

// fakeTransport records sends and lets tests drive lifecycle events.
type fakeTransport struct {
	events chan transport.Event

	mu      sync.Mutex
	sends   []sendCall
	sendErr error
}

type sendCall struct {
	peerID string
	text   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, peerID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{peerID: peerID, text: text})
	return f.sendErr
}

func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sendCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.sends))
	copy(out, f.sends)
	return out
}

// fakePoster records CRM message-post calls.
type fakePoster struct {
	mu      sync.Mutex
	calls   []postCall
	postErr error
}

type postCall struct {
	domain      string
	dialogID    string
	text        string
	accessToken string
}

func (p *fakePoster) PostMessage(ctx context.Context, domain, dialogID, text, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, postCall{domain: domain, dialogID: dialogID, text: text, accessToken: accessToken})
	return p.postErr
}

func (p *fakePoster) callList() []postCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]postCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	records []session.MessageRecord
	errs    []string
}

func (n *recordingNotifier) PairingChallenge(code string) {}
func (n *recordingNotifier) StatusChanged(status string)  {}
func (n *recordingNotifier) Connected()                   {}

func (n *recordingNotifier) MessageReceived(rec session.MessageRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, msg)
}

func (n *recordingNotifier) recordCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func (n *recordingNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

// testEnv is a shared registry and lifecycle manager whose dialer hands out
// one fake transport per tenant.
type testEnv struct {
	registry *session.Registry
	manager  *session.Manager

	mu         sync.Mutex
	transports map[string]*fakeTransport
}

// harness is one connected session inside a testEnv.
type harness struct {
	registry  *session.Registry
	sess      *session.Session
	transport *fakeTransport
	notifier  *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{transports: make(map[string]*fakeTransport)}
	dial := func(ctx context.Context, tenant string) (transport.Transport, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		tr := newFakeTransport()
		env.transports[tenant] = tr
		return tr, nil
	}

	env.registry = session.NewRegistry(slog.Default())
	env.manager = session.NewManager(env.registry, dial, nil, session.Delays{
		Reconnect:    20 * time.Millisecond,
		InitialRetry: 20 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(env.manager.DisconnectAll)
	return env
}

func (env *testEnv) connect(t *testing.T, tenantID string) *harness {
	t.Helper()

	notifier := &recordingNotifier{}
	sess, err := env.registry.Create("conn-"+tenantID, tenantID, session.Credentials{
		Domain:      tenantID,
		AccessToken: "token-" + tenantID,
	}, notifier)
	require.NoError(t, err)

	env.manager.Start(sess)
	require.Eventually(t, func() bool {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.transports[tenantID] != nil
	}, time.Second, time.Millisecond)

	env.mu.Lock()
	tr := env.transports[tenantID]
	env.mu.Unlock()

	tr.events <- transport.Event{Kind: transport.EventOpened}
	require.Eventually(t, func() bool { return sess.State() == session.StateConnected }, time.Second, time.Millisecond)

	return &harness{
		registry:  env.registry,
		sess:      sess,
		transport: tr,
		notifier:  notifier,
	}
}

func newConnectedSession(t *testing.T, tenantID string) *harness {
	t.Helper()
	return newTestEnv(t).connect(t, tenantID)
}

func inboundMsg(id string) transport.InboundMessage {
	return transport.InboundMessage{
		PeerID:    "491512345",
		Text:      "hello there",
		MessageID: id,
		Timestamp: time.Now(),
	}
}

func TestHandleInbound_ForwardsOnceToCRM(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	poster := &fakePoster{}
	rly := New(h.registry, poster, nil, nil, "", slog.Default())

	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))

	calls := poster.callList()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme.example", calls[0].domain)
	assert.Equal(t, "491512345", calls[0].dialogID)
	assert.Equal(t, "hello there", calls[0].text)
	assert.Equal(t, "token-acme.example", calls[0].accessToken)

	// The client connection saw the normalized record before forwarding.
	assert.Equal(t, 1, h.notifier.recordCount())
	assert.Equal(t, 0, h.notifier.errorCount())
}

func TestHandleInbound_FailedPostIsReportedNotRetried(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	poster := &fakePoster{postErr: errors.New("crm unavailable")}
	rly := New(h.registry, poster, nil, nil, "", slog.Default())

	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))

	// Exactly one call happened despite the failure; the error went to the
	// owning connection instead of a retry queue.
	require.Len(t, poster.callList(), 1)
	assert.Equal(t, 1, h.notifier.recordCount())
	assert.Equal(t, 1, h.notifier.errorCount())
}

func TestHandleInbound_DuplicateMessageIgnored(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	poster := &fakePoster{}
	seen := dedupe.New(time.Minute, 128)
	t.Cleanup(seen.Close)
	rly := New(h.registry, poster, seen, nil, "", slog.Default())

	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))
	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))
	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-2"))

	assert.Len(t, poster.callList(), 2)
	assert.Equal(t, 2, h.notifier.recordCount())
}

func TestHandleInbound_RedeliveryAfterFailedPostStaysSuppressed(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	poster := &fakePoster{postErr: errors.New("crm unavailable")}
	seen := dedupe.New(time.Minute, 128)
	t.Cleanup(seen.Close)
	rly := New(h.registry, poster, seen, nil, "", slog.Default())

	// At-most-once: the message is marked seen before the post, so a
	// redelivery after the failed post does not produce a second attempt.
	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))
	rly.HandleInbound(context.Background(), h.sess, inboundMsg("msg-1"))

	assert.Len(t, poster.callList(), 1)
	assert.Equal(t, 1, h.notifier.errorCount())
}

func TestHandleWebhook_MessageAddedRoutesToTenantSession(t *testing.T) {
	env := newTestEnv(t)
	h := env.connect(t, "acme.example")
	other := env.connect(t, "other.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventMessageAdded,
		Payload:   WebhookPayload{ChatID: "491512345", Text: "reply from crm"},
		Auth:      WebhookAuth{Domain: "acme.example", AccessToken: "token-acme.example"},
	})

	calls := h.transport.sendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, sendCall{peerID: "491512345", text: "reply from crm"}, calls[0])

	// The other tenant's session saw nothing.
	assert.Empty(t, other.transport.sendCalls())
}

func TestHandleWebhook_RoutingMissIsNoOp(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventMessageAdded,
		Payload:   WebhookPayload{ChatID: "491512345", Text: "reply"},
		Auth:      WebhookAuth{Domain: "unknown.example"},
	})

	assert.Empty(t, h.transport.sendCalls())
	assert.Equal(t, 0, h.notifier.errorCount())
}

func TestHandleWebhook_MissingFieldsDropped(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventMessageAdded,
		Payload:   WebhookPayload{Text: "no chat id"},
		Auth:      WebhookAuth{Domain: "acme.example"},
	})
	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventMessageAdded,
		Payload:   WebhookPayload{ChatID: "491512345"},
		Auth:      WebhookAuth{Domain: "acme.example"},
	})

	assert.Empty(t, h.transport.sendCalls())
}

func TestHandleWebhook_SendFailureSurfacedToOwner(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	h.transport.setSendErr(errors.New("socket closed"))
	rly := New(h.registry, &fakePoster{}, nil, nil, "", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventMessageAdded,
		Payload:   WebhookPayload{ChatID: "491512345", Text: "reply"},
		Auth:      WebhookAuth{Domain: "acme.example"},
	})

	require.Len(t, h.transport.sendCalls(), 1)
	assert.Equal(t, 1, h.notifier.errorCount())
}

func TestHandleWebhook_LeadCreatedNotifiesAdminPeer(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "admin-peer", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventLeadCreated,
		Payload:   WebhookPayload{Title: "Jane Doe"},
		Auth:      WebhookAuth{Domain: "acme.example"},
	})

	calls := h.transport.sendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "admin-peer", calls[0].peerID)
	assert.Equal(t, "New lead in acme.example: Jane Doe", calls[0].text)
}

func TestHandleWebhook_ContactCreatedWithoutAdminPeerDropped(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: EventContactCreated,
		Payload:   WebhookPayload{Title: "Jane Doe"},
		Auth:      WebhookAuth{Domain: "acme.example"},
	})

	assert.Empty(t, h.transport.sendCalls())
}

func TestHandleWebhook_UnknownEventTypeIgnored(t *testing.T) {
	h := newConnectedSession(t, "acme.example")
	rly := New(h.registry, &fakePoster{}, nil, nil, "admin-peer", slog.Default())

	rly.HandleWebhook(context.Background(), WebhookEvent{
		EventType: "TASK_COMPLETED",
		Auth:      WebhookAuth{Domain: "acme.example"},
	})

	assert.Empty(t, h.transport.sendCalls())
}
