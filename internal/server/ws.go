// ABOUTME: WebSocket client-connection handler speaking the gateway command protocol.
// ABOUTME: Each connection owns at most one session and receives its notifications.

package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/2389/beacon-gateway/internal/session"
)

// notifyBufferSize is the per-connection notification buffer. Notifications
// are dropped with a warning if a client falls this far behind.
const notifyBufferSize = 64

// command is an inbound client command frame.
type command struct {
	Command     string `json:"command"`
	TenantID    string `json:"tenantId,omitempty"`
	Domain      string `json:"domain,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	PeerID      string `json:"peerId,omitempty"`
	Text        string `json:"text,omitempty"`
}

// notification is an outbound server notification frame.
type notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// statusSnapshot is the getStatus response payload.
type statusSnapshot struct {
	Connected           bool `json:"connected"`
	TenantSessionActive bool `json:"tenantSessionActive"`
	ActiveSessionCount  int  `json:"activeSessionCount"`
}

// clientConn is one connected WebSocket client. It implements
// session.Notifier for the session it owns; the connection ID doubles as the
// session ID so a session never outlives its owning connection.
type clientConn struct {
	id     string
	ws     *websocket.Conn
	srv    *Server
	notify chan notification
	logger *slog.Logger
}

// handleWS upgrades the request and runs the client connection until it
// closes, then tears down any session it owns.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.New().String()
	cc := &clientConn{
		id:     id,
		ws:     ws,
		srv:    s,
		notify: make(chan notification, notifyBufferSize),
		logger: s.logger.With("client_id", id),
	}
	cc.run(c.Request.Context())
}

// run pumps notifications out and commands in until the connection dies.
func (cc *clientConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cc.logger.Info("client connected")

	go cc.writeLoop(ctx)
	cc.readLoop(ctx)

	// Client-connection teardown: the owned session must not outlive us.
	cc.srv.lifecycle.Disconnect(cc.id)
	cc.ws.Close(websocket.StatusNormalClosure, "")
	cc.logger.Info("client disconnected")
}

// readLoop parses and dispatches client commands.
func (cc *clientConn) readLoop(ctx context.Context) {
	for {
		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			cc.Error("malformed command")
			continue
		}

		switch cmd.Command {
		case "initialize":
			cc.handleInitialize(cmd)
		case "sendMessage":
			cc.handleSendMessage(ctx, cmd)
		case "getStatus":
			cc.handleGetStatus()
		case "disconnect":
			cc.srv.lifecycle.Disconnect(cc.id)
			cc.StatusChanged("disconnected")
		default:
			cc.Error("unknown command: " + cmd.Command)
		}
	}
}

// handleInitialize creates and starts a session bound to this connection.
func (cc *clientConn) handleInitialize(cmd command) {
	tenantID := cmd.TenantID
	if tenantID == "" {
		tenantID = cmd.Domain
	}
	domain := cmd.Domain
	if domain == "" {
		domain = cmd.TenantID
	}
	if tenantID == "" || cmd.AccessToken == "" {
		cc.Error("initialize requires tenantId and accessToken")
		return
	}

	sess, err := cc.srv.registry.Create(cc.id, tenantID, session.Credentials{
		Domain:      domain,
		AccessToken: cmd.AccessToken,
	}, cc)
	if err != nil {
		cc.Error("initialize failed: " + err.Error())
		return
	}

	cc.srv.lifecycle.Start(sess)
	cc.StatusChanged("initializing")
}

// handleSendMessage sends a text message over this connection's session.
func (cc *clientConn) handleSendMessage(ctx context.Context, cmd command) {
	sess, ok := cc.srv.registry.LookupBySessionID(cc.id)
	if !ok {
		cc.Error("no active session, initialize first")
		return
	}
	if cmd.PeerID == "" || cmd.Text == "" {
		cc.Error("sendMessage requires peerId and text")
		return
	}

	if err := sess.Send(ctx, cmd.PeerID, cmd.Text); err != nil {
		cc.Error("send failed: " + err.Error())
	}
}

// handleGetStatus pushes a status snapshot for this connection.
func (cc *clientConn) handleGetStatus() {
	snap := statusSnapshot{
		ActiveSessionCount: cc.srv.registry.Count(),
	}
	if sess, ok := cc.srv.registry.LookupBySessionID(cc.id); ok {
		state := sess.State()
		snap.Connected = state == session.StateConnected
		snap.TenantSessionActive = state != session.StateLoggedOut
	}
	cc.push(notification{Type: "statusSnapshot", Payload: snap})
}

// writeLoop serializes notifications onto the socket.
func (cc *clientConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-cc.notify:
			data, err := json.Marshal(n)
			if err != nil {
				cc.logger.Warn("marshaling notification", "type", n.Type, "error", err)
				continue
			}
			if err := cc.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// push enqueues a notification without blocking the caller.
func (cc *clientConn) push(n notification) {
	select {
	case cc.notify <- n:
	default:
		cc.logger.Warn("notification buffer full, dropping", "type", n.Type)
	}
}

// session.Notifier implementation

func (cc *clientConn) PairingChallenge(code string) {
	cc.push(notification{Type: "pairingChallenge", Payload: map[string]string{"code": code}})
}

func (cc *clientConn) StatusChanged(status string) {
	cc.push(notification{Type: "statusChanged", Payload: map[string]string{"status": status}})
}

func (cc *clientConn) Connected() {
	cc.push(notification{Type: "connected"})
}

func (cc *clientConn) MessageReceived(rec session.MessageRecord) {
	cc.push(notification{Type: "messageReceived", Payload: rec})
}

func (cc *clientConn) Error(msg string) {
	cc.push(notification{Type: "error", Payload: map[string]string{"message": msg}})
}
