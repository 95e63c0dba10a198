// Package api assembles the HTTP surface: the WhatsApp webhook, the
// web chat endpoints, and the admin operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/attache-ai/attache/internal/agent"
	"github.com/attache-ai/attache/internal/buildinfo"
	"github.com/attache-ai/attache/internal/catalog"
	"github.com/attache-ai/attache/internal/render"
	"github.com/attache-ai/attache/internal/store"
	"github.com/attache-ai/attache/internal/web"
	"github.com/attache-ai/attache/internal/whatsapp"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server.
type Server struct {
	address     string
	port        int
	service     *agent.Service
	catalog     *catalog.Cache
	store       *store.Store
	webHandlers *web.Handlers
	webhook     *whatsapp.Webhook
	sender      *whatsapp.Sender
	adminSecret string
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates the HTTP server. verifyToken guards the WhatsApp
// webhook handshake; adminSecret guards the admin endpoints.
func NewServer(address string, port int, svc *agent.Service, cat *catalog.Cache, st *store.Store,
	webHandlers *web.Handlers, sender *whatsapp.Sender, verifyToken, adminSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:     address,
		port:        port,
		service:     svc,
		catalog:     cat,
		store:       st,
		webHandlers: webHandlers,
		sender:      sender,
		adminSecret: adminSecret,
		logger:      logger,
	}
	s.webhook = whatsapp.NewWebhook(verifyToken, s.handleWhatsAppMessage, logger)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WhatsApp channel
	mux.HandleFunc("GET /webhook", s.webhook.Verify)
	mux.HandleFunc("POST /webhook", s.webhook.Receive)

	// Web chat channel
	mux.HandleFunc("POST /web/message", s.webHandlers.Message)
	mux.HandleFunc("GET /web/transcript", s.webHandlers.Transcript)
	mux.HandleFunc("GET /web/ws", s.webHandlers.WS)

	// Admin operations
	mux.HandleFunc("POST /sendMessage", s.handleSendMessage)
	mux.HandleFunc("DELETE /admin/tool-cache", s.handleToolCacheInvalidate)
	mux.HandleFunc("POST /admin/reset", s.handleAdminReset)

	// Health
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // agent turns can be slow
	}

	s.logger.Info("starting HTTP server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleWhatsAppMessage runs one inbound WhatsApp message through the
// agent and replies over the Graph API. The answer is flattened to
// plain text because WhatsApp renders no markup.
func (s *Server) handleWhatsAppMessage(ctx context.Context, from, text string) error {
	answer, err := s.service.HandleFromPhone(ctx, from, text)
	if err != nil {
		return err
	}
	if answer == "" {
		return nil
	}
	return s.sender.Send(ctx, from, flatten(answer))
}

// flatten converts an assistant markdown answer to plain text, falling
// back to the raw text if rendering fails.
func flatten(markdown string) string {
	h, err := render.HTML(markdown)
	if err != nil {
		return markdown
	}
	plain, err := render.PlainText(h)
	if err != nil {
		return markdown
	}
	return plain
}

// requireAdmin checks the shared-secret bearer on admin endpoints.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminSecret == "" || r.Header.Get("Authorization") != "Bearer "+s.adminSecret {
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// handleSendMessage lets an operator push a message to a user. The
// text is rewritten into conversational form, recorded, and delivered
// over WhatsApp.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, `missing "phone" or "message" in request body`)
		return
	}

	rewritten := s.service.RewriteOutbound(r.Context(), req.Phone, req.Message)

	if err := s.store.AddMessage(&store.Message{
		Contact: req.Phone,
		Role:    store.RoleAssistant,
		Content: rewritten,
	}); err != nil {
		s.logger.Error("outbound message write failed", "contact", req.Phone, "error", err)
	}

	if err := s.sender.Send(r.Context(), req.Phone, flatten(rewritten)); err != nil {
		s.logger.Error("outbound send failed", "contact", req.Phone, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

// handleToolCacheInvalidate drops the cached tool catalogs so the next
// request rediscovers against the CRM.
func (s *Server) handleToolCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := s.catalog.Invalidate(); err != nil {
		s.logger.Error("tool cache invalidation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "invalidation failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok"}, s.logger)
}

type adminResetRequest struct {
	Contact     string `json:"contact"`
	WipeHistory bool   `json:"wipe_history"`
}

// handleAdminReset clears a user's session so their next message
// behaves as a first-ever message.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var req adminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Contact == "" {
		s.errorResponse(w, http.StatusBadRequest, `missing "contact" in request body`)
		return
	}

	user, err := s.store.GetOrCreateUser(req.Contact)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "resolve user failed")
		return
	}
	if err := s.service.Reset(r.Context(), user, req.WipeHistory); err != nil {
		s.logger.Error("admin reset failed", "contact", req.Contact, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Attache",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
