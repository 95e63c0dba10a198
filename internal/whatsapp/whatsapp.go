// Package whatsapp implements the Meta WhatsApp Business Cloud API
// channel: webhook verification, inbound message extraction, and the
// Graph API sender.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/attache-ai/attache/internal/httpkit"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// SenderConfig configures a Graph API sender.
type SenderConfig struct {
	// AccessToken is the WhatsApp Business access token.
	AccessToken string

	// PhoneNumberID is the sending phone number's Graph API id.
	PhoneNumberID string

	// BaseURL overrides the Graph API base URL. Used in tests.
	BaseURL string

	// HTTPClient overrides the default httpkit client. Used in tests.
	HTTPClient *http.Client

	// Logger is the structured logger for send diagnostics.
	Logger *slog.Logger
}

// Sender delivers outbound text messages over the Graph API.
type Sender struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewSender creates a Graph API sender for the given config.
func NewSender(cfg SenderConfig) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Sender{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		logger:        logger,
	}
}

type outboundMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	Type             string       `json:"type"`
	To               string       `json:"to"`
	Text             outboundText `json:"text"`
}

type outboundText struct {
	Body string `json:"body"`
}

// Send delivers one text message to the given phone number.
func (s *Sender) Send(ctx context.Context, to, text string) error {
	payload := outboundMessage{
		MessagingProduct: "whatsapp",
		Type:             "text",
		To:               to,
		Text:             outboundText{Body: text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("graph API returned %d: %s", resp.StatusCode, errBody)
	}

	s.logger.Debug("message sent", "to", to, "len", len(text))
	return nil
}

// Handler processes one inbound message and delivers any reply itself.
type Handler func(ctx context.Context, from, text string) error

// Webhook serves the Meta webhook endpoints: subscription verification
// on GET and inbound notifications on POST.
type Webhook struct {
	verifyToken string
	handle      Handler
	logger      *slog.Logger
}

// NewWebhook creates a webhook bound to the given verify token and
// message handler.
func NewWebhook(verifyToken string, handle Handler, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{verifyToken: verifyToken, handle: handle, logger: logger}
}

// Verify answers Meta's subscription handshake: echo hub.challenge
// when the verify token matches.
func (wh *Webhook) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == wh.verifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// Webhook notification payload, trimmed to the fields we consume.

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// Receive handles an inbound notification. Non-message notifications
// (status updates, etc.) are acknowledged without action.
func (wh *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if payload.Object != "whatsapp_business_account" {
		http.NotFound(w, r)
		return
	}

	msg, ok := firstMessage(payload)
	if !ok || msg.Text == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	wh.logger.Info("inbound whatsapp message", "from", msg.From, "len", len(msg.Text.Body))

	if err := wh.handle(r.Context(), msg.From, msg.Text.Body); err != nil {
		wh.logger.Error("message handling failed", "from", msg.From, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func firstMessage(p webhookPayload) (inboundMessage, bool) {
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if len(ch.Value.Messages) > 0 {
				return ch.Value.Messages[0], true
			}
		}
	}
	return inboundMessage{}, false
}
