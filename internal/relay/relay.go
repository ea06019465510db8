// ABOUTME: Bidirectional message relay between chat transport sessions and the CRM.
// ABOUTME: Inbound chat messages post to the CRM; CRM webhooks route to tenant sessions.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/beacon-gateway/internal/dedupe"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/transport"
)

// Webhook event types emitted by the CRM.
const (
	EventMessageAdded   = "MESSAGE_ADDED"
	EventLeadCreated    = "LEAD_CREATED"
	EventContactCreated = "CONTACT_CREATED"
)

// WebhookEvent is an inbound CRM webhook notification.
type WebhookEvent struct {
	EventType string         `json:"eventType"`
	Payload   WebhookPayload `json:"payload"`
	Auth      WebhookAuth    `json:"auth"`
}

// WebhookPayload carries the event-specific fields the relay cares about.
type WebhookPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	Title  string `json:"title"` // lead/contact display name, if provided
}

// WebhookAuth identifies the CRM tenant the event belongs to.
type WebhookAuth struct {
	Domain      string `json:"domain"`
	AccessToken string `json:"accessToken"`
}

// TenantResolver finds the session bound to a CRM tenant.
type TenantResolver interface {
	LookupByTenantID(tenantID string) (*session.Session, bool)
}

// MessagePoster forwards one chat message into the CRM.
type MessagePoster interface {
	PostMessage(ctx context.Context, domain, dialogID, text, accessToken string) error
}

// Relay forwards messages in both directions. It never retries: inbound
// forwarding is fire-and-forget with failures surfaced to the owning client
// connection, and webhook callers are always acknowledged regardless of
// routing or delivery outcome.
type Relay struct {
	sessions  TenantResolver
	crm       MessagePoster
	seen      *dedupe.Cache
	ledger    store.Ledger // optional
	adminPeer string       // side-channel target for lead/contact notices
	logger    *slog.Logger
}

// New creates a relay. seen and ledger may be nil; adminPeer may be empty to
// disable lead/contact notifications.
func New(sessions TenantResolver, crm MessagePoster, seen *dedupe.Cache, ledger store.Ledger, adminPeer string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessions:  sessions,
		crm:       crm,
		seen:      seen,
		ledger:    ledger,
		adminPeer: adminPeer,
		logger:    logger.With("component", "relay"),
	}
}

// HandleInbound forwards one inbound chat message to the CRM. The normalized
// record is surfaced to the owning client connection first, then exactly one
// message-post call is made; a failed post is reported, not requeued.
// Implements session.InboundHandler.
func (r *Relay) HandleInbound(ctx context.Context, sess *session.Session, msg transport.InboundMessage) {
	if r.seen != nil {
		// Marked before the post, so a transport redelivery is suppressed
		// even when the post below fails: at-most-once, matching the
		// fire-and-forget contract. The ledger records the failed attempt.
		key := fmt.Sprintf("chat:%s:%s", sess.TenantID, msg.MessageID)
		if r.seen.CheckAndMark(key) {
			r.logger.Debug("duplicate inbound message ignored",
				"tenant_id", sess.TenantID,
				"message_id", msg.MessageID,
			)
			return
		}
	}

	rec := session.MessageRecord{
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		PeerID:    msg.PeerID,
		Text:      msg.Text,
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp,
	}
	sess.Notifier().MessageReceived(rec)

	err := r.crm.PostMessage(ctx, sess.Credentials.Domain, msg.PeerID, msg.Text, sess.Credentials.AccessToken)
	if err != nil {
		r.logger.Error("crm forward failed",
			"tenant_id", sess.TenantID,
			"peer_id", msg.PeerID,
			"error", err,
		)
		sess.Notifier().Error("forwarding to CRM failed: " + err.Error())
	}

	r.record(ctx, sess, store.DirectionInbound, msg.PeerID, msg.Text, msg.MessageID, err)
}

// HandleWebhook routes one CRM webhook event. It never returns an error:
// the webhook caller is acknowledged independent of the outcome.
func (r *Relay) HandleWebhook(ctx context.Context, evt WebhookEvent) {
	switch evt.EventType {
	case EventMessageAdded:
		r.handleMessageAdded(ctx, evt)
	case EventLeadCreated, EventContactCreated:
		r.handleEntityCreated(ctx, evt)
	default:
		r.logger.Debug("ignoring unknown webhook event type", "event_type", evt.EventType)
	}
}

// handleMessageAdded sends a CRM-authored message to the tenant's chat peer.
func (r *Relay) handleMessageAdded(ctx context.Context, evt WebhookEvent) {
	if evt.Payload.ChatID == "" || evt.Payload.Text == "" {
		r.logger.Debug("dropping webhook with missing fields",
			"event_type", evt.EventType,
			"domain", evt.Auth.Domain,
		)
		return
	}

	sess, ok := r.sessions.LookupByTenantID(evt.Auth.Domain)
	if !ok {
		// Routing miss is a no-op, not an error.
		r.logger.Debug("no session for webhook tenant", "domain", evt.Auth.Domain)
		return
	}

	r.deliver(ctx, sess, evt.Payload.ChatID, evt.Payload.Text)
}

// handleEntityCreated sends a fixed-template notice about a new lead or
// contact to the configured administrative peer. These are side-channel
// notifications, not conversational replies.
func (r *Relay) handleEntityCreated(ctx context.Context, evt WebhookEvent) {
	if r.adminPeer == "" {
		r.logger.Debug("no admin peer configured, dropping notification", "event_type", evt.EventType)
		return
	}

	sess, ok := r.sessions.LookupByTenantID(evt.Auth.Domain)
	if !ok {
		r.logger.Debug("no session for webhook tenant", "domain", evt.Auth.Domain)
		return
	}

	kind := "lead"
	if evt.EventType == EventContactCreated {
		kind = "contact"
	}
	text := fmt.Sprintf("New %s in %s", kind, evt.Auth.Domain)
	if evt.Payload.Title != "" {
		text += ": " + evt.Payload.Title
	}

	r.deliver(ctx, sess, r.adminPeer, text)
}

// deliver sends one outbound message over the session's transport, surfacing
// failures to the owning client connection only.
func (r *Relay) deliver(ctx context.Context, sess *session.Session, peerID, text string) {
	err := sess.Send(ctx, peerID, text)
	if err != nil {
		r.logger.Error("outbound send failed",
			"tenant_id", sess.TenantID,
			"peer_id", peerID,
			"error", err,
		)
		sess.Notifier().Error("sending to chat failed: " + err.Error())
	}

	r.record(ctx, sess, store.DirectionOutbound, peerID, text, "", err)
}

// record appends a ledger entry for a relayed message. Ledger failures are
// logged and otherwise ignored; the ledger is observability, not delivery.
func (r *Relay) record(ctx context.Context, sess *session.Session, dir store.Direction, peerID, text, messageID string, sendErr error) {
	if r.ledger == nil {
		return
	}

	rec := &store.MessageRecord{
		ID:        uuid.New().String(),
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Direction: dir,
		PeerID:    peerID,
		Text:      text,
		MessageID: messageID,
		Outcome:   store.OutcomeDelivered,
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		rec.Outcome = store.OutcomeFailed
		rec.Detail = sendErr.Error()
	}

	if err := r.ledger.RecordMessage(ctx, rec); err != nil {
		r.logger.Warn("ledger write failed", "tenant_id", sess.TenantID, "error", err)
	}
}
