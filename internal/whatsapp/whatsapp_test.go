package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestWebhookVerify(t *testing.T) {
	wh := NewWebhook("my-secret", nil, nil)

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantBody   string
	}{
		{
			name: "valid subscription",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"my-secret"},
				"hub.challenge":    {"challenge-123"},
			},
			wantStatus: http.StatusOK,
			wantBody:   "challenge-123",
		},
		{
			name: "wrong token",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"wrong"},
				"hub.challenge":    {"challenge-123"},
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing mode",
			query:      url.Values{"hub.verify_token": {"my-secret"}},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query.Encode(), nil)
			w := httptest.NewRecorder()
			wh.Verify(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func inboundBody(from, text string) string {
	return `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {"messages": [
			{"from": "` + from + `", "text": {"body": "` + text + `"}}
		]}}]}]
	}`
}

func TestWebhookReceive(t *testing.T) {
	var gotFrom, gotText string
	wh := NewWebhook("s", func(ctx context.Context, from, text string) error {
		gotFrom, gotText = from, text
		return nil
	}, nil)

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(inboundBody("15550100", "hello")))
	w := httptest.NewRecorder()
	wh.Receive(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if gotFrom != "15550100" || gotText != "hello" {
		t.Errorf("handler got (%q, %q)", gotFrom, gotText)
	}
}

func TestWebhookReceive_WrongObject(t *testing.T) {
	wh := NewWebhook("s", func(ctx context.Context, from, text string) error {
		t.Error("handler called for a non-whatsapp notification")
		return nil
	}, nil)

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"object":"instagram"}`))
	w := httptest.NewRecorder()
	wh.Receive(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWebhookReceive_StatusOnlyNotification(t *testing.T) {
	wh := NewWebhook("s", func(ctx context.Context, from, text string) error {
		t.Error("handler called with no message present")
		return nil
	}, nil)

	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{}}]}]}`
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	wh.Receive(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 ack", w.Code)
	}
}

func TestWebhookReceive_HandlerError(t *testing.T) {
	wh := NewWebhook("s", func(ctx context.Context, from, text string) error {
		return errors.New("boom")
	}, nil)

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(inboundBody("1", "hi")))
	w := httptest.NewRecorder()
	wh.Receive(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSenderSend(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload outboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(SenderConfig{
		AccessToken:   "wa-token",
		PhoneNumberID: "12345",
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
	})

	if err := s.Send(context.Background(), "15550100", "hello there"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotPath != "/12345/messages" {
		t.Errorf("path = %q, want /12345/messages", gotPath)
	}
	if gotAuth != "Bearer wa-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPayload.MessagingProduct != "whatsapp" || gotPayload.To != "15550100" || gotPayload.Text.Body != "hello there" {
		t.Errorf("payload = %+v", gotPayload)
	}
}

func TestSenderSend_GraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSender(SenderConfig{
		AccessToken:   "bad",
		PhoneNumberID: "12345",
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
	})

	err := s.Send(context.Background(), "15550100", "hello")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Send() error = %v, want graph API 401", err)
	}
}
