// ABOUTME: Production chat transport adapter backed by whatsmeow.
// ABOUTME: Maps whatsmeow client events onto the Transport event stream.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// eventBufferSize is the buffer for the adapter's event channel. Events are
// dropped with a warning if the consumer falls this far behind.
const eventBufferSize = 32

// Whatsmeow adapts a whatsmeow client to the Transport interface. Each
// instance owns exactly one connect cycle; the device credential store on
// disk is shared across cycles so a paired tenant can resume without
// re-scanning.
type Whatsmeow struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *slog.Logger

	events chan Event
	done   chan struct{} // closed by Disconnect; unblocks pending emits

	mu      sync.Mutex
	opened  bool // Opened already emitted this cycle
	stopped bool // Disconnect called; drop further events
}

// NewWhatsmeowDialer returns a Dialer that opens one credential container per
// tenant under storeDir. The container is whatsmeow's own persistence format
// and is treated as opaque here.
func NewWhatsmeowDialer(storeDir string, logger *slog.Logger) Dialer {
	return func(ctx context.Context, tenantID string) (Transport, error) {
		dbPath := filepath.Join(storeDir, credentialFileName(tenantID))
		container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
		if err != nil {
			return nil, fmt.Errorf("opening credential store: %w", err)
		}

		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading device credentials: %w", err)
		}

		t := &Whatsmeow{
			client:    whatsmeow.NewClient(device, waLog.Noop),
			container: container,
			logger:    logger.With("component", "transport", "tenant_id", tenantID),
			events:    make(chan Event, eventBufferSize),
			done:      make(chan struct{}),
		}
		t.client.AddEventHandler(t.handleEvent)
		return t, nil
	}
}

// credentialFileName maps a tenant ID to a filesystem-safe database name.
func credentialFileName(tenantID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, tenantID)
	return safe + ".db"
}

// Connect starts the connection. If the device has never paired, a QR channel
// is opened first and each renewed code is surfaced as a pairing challenge.
func (t *Whatsmeow) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		// GetQRChannel must be called before Connect on an unpaired device.
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("opening pairing channel: %w", err)
		}
		go t.pumpPairing(qrChan)
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	return nil
}

// pumpPairing forwards QR channel items as pairing challenges. Renewed codes
// are surfaced individually, never deduplicated.
func (t *Whatsmeow) pumpPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event == "code" {
			t.emit(Event{Kind: EventPairingChallenge, Code: item.Code})
			continue
		}
		t.emit(Event{Kind: EventStatusChanged, Status: "pairing: " + item.Event})
	}
}

// handleEvent translates whatsmeow events into transport events.
func (t *Whatsmeow) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		t.mu.Lock()
		already := t.opened
		t.opened = true
		t.mu.Unlock()
		if !already {
			t.emit(Event{Kind: EventOpened})
		}

	case *events.PairSuccess:
		t.emit(Event{Kind: EventStatusChanged, Status: "paired with " + evt.ID.String()})

	case *events.Disconnected:
		t.emit(Event{Kind: EventClosed, Reason: "stream closed"})

	case *events.StreamReplaced:
		t.emit(Event{Kind: EventClosed, Reason: "stream replaced by another client"})

	case *events.LoggedOut:
		// The only close the lifecycle manager treats as terminal.
		t.emit(Event{
			Kind:     EventClosed,
			Reason:   fmt.Sprintf("logged out (%v)", evt.Reason),
			Terminal: true,
		})

	case *events.Message:
		if evt.Info.IsFromMe {
			return
		}
		text := extractText(evt.Message)
		if text == "" {
			return
		}
		t.emit(Event{Kind: EventInboundMessage, Message: &InboundMessage{
			PeerID:    evt.Info.Chat.User,
			Text:      text,
			MessageID: evt.Info.ID,
			Timestamp: evt.Info.Timestamp,
		}})
	}
}

// extractText pulls the plain text out of a message payload, if any.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// Send delivers a text message to the given peer.
func (t *Whatsmeow) Send(ctx context.Context, peerID, text string) error {
	if !t.client.IsConnected() {
		return ErrNotConnected
	}

	jid, err := types.ParseJID(peerID)
	if err != nil || jid.Server == "" {
		jid = types.NewJID(peerID, types.DefaultUserServer)
	}

	_, err = t.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", jid, err)
	}
	return nil
}

// Disconnect tears down the connection and closes the credential container.
// Idempotent; emits a final Closed event so the consumer is always unblocked.
func (t *Whatsmeow) Disconnect() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	t.client.Disconnect()

	// Explicit disconnect does not fire events.Disconnected, so emit the
	// final Closed directly, bypassing the stopped guard in emit.
	select {
	case t.events <- Event{Kind: EventClosed, Reason: "disconnect requested"}:
	default:
	}
	close(t.done)

	// The container holds a SQLite handle per connect cycle; without this,
	// unbounded reconnects accumulate open databases.
	if err := t.container.Close(); err != nil {
		return fmt.Errorf("closing credential store: %w", err)
	}
	return nil
}

// Events returns the transport event stream.
func (t *Whatsmeow) Events() <-chan Event {
	return t.events
}

// emit delivers an event to the consumer. Events after Disconnect are
// discarded. Closed is never dropped: the lifecycle manager drains events
// until it sees one, so a lost Closed would strand the session with no
// reconnect and no logout. Everything else is best-effort so a slow consumer
// cannot stall the whatsmeow event loop.
func (t *Whatsmeow) emit(evt Event) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	if evt.Kind == EventClosed {
		select {
		case t.events <- evt:
		case <-t.done:
		}
		return
	}

	select {
	case t.events <- evt:
	default:
		t.logger.Warn("event channel full, dropping transport event", "kind", evt.Kind)
	}
}
