// ABOUTME: HTTP server orchestrating the registry, lifecycle manager, and relay.
// ABOUTME: Exposes the CRM webhook endpoint, status endpoints, and the client WebSocket.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/crm"
	"github.com/2389/beacon-gateway/internal/dedupe"
	"github.com/2389/beacon-gateway/internal/relay"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/transport"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// Server wires the gateway components together and serves the HTTP surface.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	lifecycle *session.Manager
	relay     *relay.Relay
	ledger    store.Ledger
	seen      *dedupe.Cache
	logger    *slog.Logger
}

// New constructs a fully wired server from configuration: ledger, dedupe
// cache, registry, whatsmeow transport dialer, lifecycle manager, CRM client,
// and relay.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	ledger, err := store.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	seen := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	registry := session.NewRegistry(logger)
	dialer := transport.NewWhatsmeowDialer(cfg.Transport.StoreDir, logger)

	manager := session.NewManager(registry, dialer, nil, session.Delays{
		Reconnect:    cfg.Transport.ReconnectDelay,
		InitialRetry: cfg.Transport.InitialRetryDelay,
	}, logger)

	crmClient := crm.NewClient(cfg.CRM.BaseURL)
	rly := relay.New(registry, crmClient, seen, ledger, cfg.CRM.AdminPeer, logger)
	manager.SetInboundHandler(rly)

	return &Server{
		cfg:       cfg,
		registry:  registry,
		lifecycle: manager,
		relay:     rly,
		ledger:    ledger,
		seen:      seen,
		logger:    logger.With("component", "server"),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then drains: every active session
// is disconnected through the lifecycle manager before the process exits.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	httpServer := &http.Server{
		Addr:    s.cfg.Server.HTTPAddr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("beacon-gateway listening", "http_addr", s.cfg.Server.HTTPAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down, draining sessions", "active_sessions", s.registry.Count())
	s.lifecycle.DisconnectAll()
	s.seen.Close()
	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("closing ledger", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// routes builds the gin engine with all endpoints.
func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.POST("/webhook/crm", s.handleWebhook)
	r.GET("/ws", s.handleWS)

	return r
}

// requestLogger logs each request through slog.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook accepts a CRM webhook event. The caller always receives a
// success acknowledgment: routing happens asynchronously and delivery
// failures are surfaced only to the owning client connection.
func (s *Server) handleWebhook(c *gin.Context) {
	var evt relay.WebhookEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		s.logger.Warn("malformed webhook payload", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	// Detached context: the ack must not depend on transport delivery, and
	// the request context dies as soon as we respond.
	go s.relay.HandleWebhook(context.Background(), evt)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionStatus is one session's entry in the status payload.
type sessionStatus struct {
	SessionID    string `json:"sessionId"`
	TenantID     string `json:"tenantId"`
	State        string `json:"state"`
	LastActivity string `json:"lastActivity,omitempty"`
}

// handleStatus reports the registry and ledger snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	sessions := s.registry.Sessions()
	out := make([]sessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		st := sessionStatus{
			SessionID: sess.ID,
			TenantID:  sess.TenantID,
			State:     sess.State().String(),
		}
		if last := sess.LastActivity(); !last.IsZero() {
			st.LastActivity = last.UTC().Format(time.RFC3339)
		}
		out = append(out, st)
	}

	total, err := s.ledger.CountMessages(c.Request.Context())
	if err != nil {
		s.logger.Warn("counting ledger messages", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"activeSessionCount": len(out),
		"sessions":           out,
		"totalMessages":      total,
	})
}
