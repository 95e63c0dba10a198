// Package web implements the web chat channel: a message endpoint
// authenticated by the user's CRM bearer token, a rendered transcript
// page, and a websocket for live chat.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/attache-ai/attache/internal/agent"
	"github.com/attache-ai/attache/internal/render"
	"github.com/attache-ai/attache/internal/store"
)

// resetKeyword clears the sender's session when received verbatim.
const resetKeyword = "Reset"

// errUnknownToken marks a bearer token the CRM does not recognize.
var errUnknownToken = errors.New("unknown token")

// Handlers serves the web chat endpoints.
type Handlers struct {
	store    *store.Store
	service  *agent.Service
	invoker  agent.Invoker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates the web chat handlers. The invoker resolves
// unknown bearer tokens through the CRM's getUserDataFromToken tool.
func NewHandlers(st *store.Store, svc *agent.Service, invoker agent.Invoker, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:   st,
		service: svc,
		invoker: invoker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// resolveUser maps a CRM bearer token to a user, creating the local
// record lazily when the CRM vouches for the token.
func (h *Handlers) resolveUser(ctx context.Context, token string) (*store.User, error) {
	user, err := h.store.UserByToken(token)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	// Unknown locally: ask the CRM who this token belongs to.
	result, err := h.invoker.CallTool(ctx, "", "getUserDataFromToken", map[string]any{"auth_token": token})
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	var data struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(result), &data); err != nil || data.Email == "" {
		return nil, errUnknownToken
	}

	if user, err = h.store.UserByEmail(data.Email); err != nil {
		return nil, err
	}
	if user != nil {
		user.Token = token
		if err := h.store.SaveUser(user); err != nil {
			return nil, err
		}
		return user, nil
	}

	user = &store.User{Email: data.Email, Name: data.Name, Token: token}
	if err := h.store.CreateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// bearerToken extracts the Authorization bearer value, falling back to
// the token query parameter for websocket clients.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type messageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Message handles POST /web/message: one inbound chat message, plain
// text answer back.
func (h *Handlers) Message(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "please provide a message", http.StatusBadRequest)
		return
	}

	user, err := h.resolveUser(r.Context(), token)
	if err != nil {
		h.logger.Warn("token resolution failed", "error", err)
		http.Error(w, "could not authorize user", http.StatusNotFound)
		return
	}

	answer, err := h.respond(r.Context(), user, req.Message, req.ConversationID)
	if err != nil {
		h.logger.Error("web message failed", "contact", user.Contact(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, answer)
}

// respond runs one message through the service, honoring the reset
// keyword.
func (h *Handlers) respond(ctx context.Context, user *store.User, text, conversationID string) (string, error) {
	if text == resetKeyword {
		if err := h.service.Reset(ctx, user, true); err != nil {
			return "", err
		}
		return resetKeyword, nil
	}
	return h.service.HandleInbound(ctx, user, text, conversationID)
}

// Transcript handles GET /web/transcript: the user's recent
// conversation rendered as HTML, oldest first. A conversation query
// parameter narrows the page to one threaded conversation.
func (h *Handlers) Transcript(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.resolveUser(r.Context(), token)
	if err != nil {
		http.Error(w, "could not authorize user", http.StatusNotFound)
		return
	}

	var msgs []store.Message
	if conversationID := r.URL.Query().Get("conversation"); conversationID != "" {
		msgs, err = h.store.ByConversation(conversationID, 50)
	} else {
		msgs, err = h.store.Recent(user.Contact(), 50)
	}
	if err != nil {
		h.logger.Error("transcript read failed", "contact", user.Contact(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Conversation</title></head><body>\n")
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		// A guessed conversation id must not expose someone else's
		// messages.
		if m.Contact != user.Contact() {
			continue
		}
		switch m.Role {
		case store.RoleUser:
			fmt.Fprintf(&b, "<div class=\"msg user\"><p>%s</p></div>\n", html.EscapeString(m.Content))
		case store.RoleAssistant:
			rendered, err := render.HTML(m.Content)
			if err != nil {
				rendered = "<p>" + html.EscapeString(m.Content) + "</p>"
			}
			fmt.Fprintf(&b, "<div class=\"msg assistant\">%s</div>\n", rendered)
		}
		// Tool chatter stays out of the transcript.
	}
	b.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, b.String())
}

type wsOutbound struct {
	Message string `json:"message"`
	HTML    string `json:"html,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WS handles GET /web/ws: live chat over a websocket. The client
// authenticates with a token query parameter and exchanges JSON
// frames shaped like the /web/message request and response.
func (h *Handlers) WS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := h.resolveUser(r.Context(), token)
	if err != nil {
		http.Error(w, "could not authorize user", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Messages on one connection share a conversation unless the client
	// threads its own.
	connConversation := uuid.NewString()
	h.logger.Info("websocket connected", "contact", user.Contact(), "conversation", connConversation)

	for {
		var req messageRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if req.Message == "" {
			conn.WriteJSON(wsOutbound{Error: "please provide a message"})
			continue
		}

		conversationID := req.ConversationID
		if conversationID == "" {
			conversationID = connConversation
		}

		answer, err := h.respond(r.Context(), user, req.Message, conversationID)
		if err != nil {
			h.logger.Error("websocket message failed", "contact", user.Contact(), "error", err)
			conn.WriteJSON(wsOutbound{Error: "internal error"})
			continue
		}

		out := wsOutbound{Message: answer}
		if rendered, err := render.HTML(answer); err == nil {
			out.HTML = rendered
		}
		if err := conn.WriteJSON(out); err != nil {
			h.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}
