package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/attache-ai/attache/internal/agent"
	"github.com/attache-ai/attache/internal/crm"
	"github.com/attache-ai/attache/internal/llm"
	"github.com/attache-ai/attache/internal/store"
)

// scriptModel answers every turn with the next scripted answer.
type scriptModel struct {
	answers []string
	calls   int
}

func (m *scriptModel) CreateTurn(ctx context.Context, req llm.TurnRequest) (*llm.Turn, error) {
	i := m.calls
	m.calls++
	answer := "ok"
	if i < len(m.answers) {
		answer = m.answers[i]
	}
	return &llm.Turn{ID: fmt.Sprintf("resp-%d", i), Kind: llm.TurnAnswer, Answer: answer}, nil
}

// toolFake serves canned tool results and records calls.
type toolFake struct {
	results map[string]string
	calls   []toolCall
}

type toolCall struct {
	credential string
	name       string
	args       map[string]any
}

func (f *toolFake) CallTool(ctx context.Context, credential, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, toolCall{credential, name, args})
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return "", &crm.InvocationError{Tool: name, Err: context.Canceled}
}

type emptyCatalog struct{}

func (emptyCatalog) Tools(ctx context.Context, credential string) ([]crm.Tool, error) {
	return nil, nil
}

func newTestHandlers(t *testing.T, model agent.Model, tools *toolFake) (*Handlers, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	loop := agent.NewLoop(model, tools, emptyCatalog{}, st, 10, "", "", nil)
	svc := agent.NewService(loop, st, nil, 24*time.Hour, nil)
	return NewHandlers(st, svc, tools, nil), st
}

func seedUser(t *testing.T, st *store.Store, token string) *store.User {
	t.Helper()
	u := &store.User{Email: "ada@example.com", Name: "Ada", Token: token}
	if err := st.CreateUser(u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return u
}

func postMessage(h *Handlers, token, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/web/message", strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.Message(w, r)
	return w
}

func TestMessage_RequiresAuth(t *testing.T) {
	h, _ := newTestHandlers(t, &scriptModel{}, &toolFake{})
	w := postMessage(h, "", `{"message":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMessage_RequiresBody(t *testing.T) {
	h, st := newTestHandlers(t, &scriptModel{}, &toolFake{})
	seedUser(t, st, "tok-1")
	w := postMessage(h, "tok-1", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMessage_KnownToken(t *testing.T) {
	model := &scriptModel{answers: []string{"Here are your accounts."}}
	h, st := newTestHandlers(t, model, &toolFake{})
	seedUser(t, st, "tok-1")

	w := postMessage(h, "tok-1", `{"message":"show accounts","conversation_id":"conv-7"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "Here are your accounts." {
		t.Errorf("body = %q", w.Body.String())
	}

	// Messages carry the conversation id from the request.
	msgs, _ := st.ByConversation("conv-7", 10)
	if len(msgs) != 2 {
		t.Errorf("conversation log = %d messages, want inbound + answer", len(msgs))
	}
}

func TestMessage_UnknownTokenResolvedViaCRM(t *testing.T) {
	tools := &toolFake{results: map[string]string{
		"getUserDataFromToken": `{"email":"new@example.com","name":"New User"}`,
	}}
	h, st := newTestHandlers(t, &scriptModel{answers: []string{"hello"}}, tools)

	w := postMessage(h, "tok-fresh", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// The token was resolved anonymously through the CRM.
	if len(tools.calls) == 0 || tools.calls[0].name != "getUserDataFromToken" {
		t.Fatalf("tool calls = %+v", tools.calls)
	}
	if tools.calls[0].credential != "" {
		t.Errorf("resolution used credential %q, want none", tools.calls[0].credential)
	}
	if tools.calls[0].args["auth_token"] != "tok-fresh" {
		t.Errorf("resolution args = %+v", tools.calls[0].args)
	}

	// The user now exists locally with the token attached.
	u, err := st.UserByToken("tok-fresh")
	if err != nil || u == nil || u.Email != "new@example.com" {
		t.Errorf("UserByToken() = %+v, %v", u, err)
	}
}

func TestMessage_UnknownTokenAttachesToExistingUser(t *testing.T) {
	tools := &toolFake{results: map[string]string{
		"getUserDataFromToken": `{"email":"ada@example.com","name":"Ada"}`,
	}}
	h, st := newTestHandlers(t, &scriptModel{}, tools)

	existing := &store.User{Email: "ada@example.com", Name: "Ada"}
	if err := st.CreateUser(existing); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	w := postMessage(h, "tok-rotated", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	u, _ := st.UserByToken("tok-rotated")
	if u == nil || u.ID != existing.ID {
		t.Errorf("token attached to %+v, want existing user %q", u, existing.ID)
	}
}

func TestMessage_UnresolvableToken(t *testing.T) {
	tools := &toolFake{results: map[string]string{
		"getUserDataFromToken": `{}`,
	}}
	h, _ := newTestHandlers(t, &scriptModel{}, tools)

	w := postMessage(h, "tok-bogus", `{"message":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMessage_ResetKeyword(t *testing.T) {
	model := &scriptModel{answers: []string{"first answer"}}
	h, st := newTestHandlers(t, model, &toolFake{})
	seedUser(t, st, "tok-1")

	postMessage(h, "tok-1", `{"message":"hi"}`)

	w := postMessage(h, "tok-1", `{"message":"Reset"}`)
	if w.Code != http.StatusOK || w.Body.String() != "Reset" {
		t.Fatalf("reset response = %d %q", w.Code, w.Body.String())
	}

	u, _ := st.UserByToken("tok-1")
	if u.LastResponseID != "" {
		t.Errorf("LastResponseID after reset = %q", u.LastResponseID)
	}
	if msgs, _ := st.Recent(u.Contact(), 10); len(msgs) != 0 {
		t.Errorf("history after reset = %d messages", len(msgs))
	}
	// The model was never consulted for the keyword.
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
}

func TestTranscript(t *testing.T) {
	h, st := newTestHandlers(t, &scriptModel{}, &toolFake{})
	u := seedUser(t, st, "tok-1")

	base := time.Now().Add(-time.Minute)
	st.AddMessage(&store.Message{Contact: u.Contact(), Role: store.RoleUser, Content: "hi <script>", CreatedAt: base})
	st.AddMessage(&store.Message{Contact: u.Contact(), Role: store.RoleToolCall, Content: "Calling x with {}", CreatedAt: base.Add(time.Second)})
	st.AddMessage(&store.Message{Contact: u.Contact(), Role: store.RoleAssistant, Content: "**Hello** Ada", CreatedAt: base.Add(2 * time.Second)})

	r := httptest.NewRequest(http.MethodGet, "/web/transcript", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	h.Transcript(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "hi &lt;script&gt;") {
		t.Errorf("user content not escaped: %s", body)
	}
	if !strings.Contains(body, "<strong>Hello</strong>") {
		t.Errorf("assistant markdown not rendered: %s", body)
	}
	if strings.Contains(body, "Calling x") {
		t.Errorf("tool chatter leaked into transcript: %s", body)
	}
	// User turn precedes the assistant turn.
	if strings.Index(body, "hi &lt;script&gt;") > strings.Index(body, "<strong>Hello</strong>") {
		t.Error("transcript not oldest-first")
	}
}

func TestTranscript_ConversationScoped(t *testing.T) {
	h, st := newTestHandlers(t, &scriptModel{}, &toolFake{})
	u := seedUser(t, st, "tok-1")

	base := time.Now().Add(-time.Minute)
	st.AddMessage(&store.Message{Contact: u.Contact(), ConversationID: "conv-7", Role: store.RoleUser, Content: "about the deal", CreatedAt: base})
	st.AddMessage(&store.Message{Contact: u.Contact(), ConversationID: "conv-7", Role: store.RoleAssistant, Content: "Deal is on track.", CreatedAt: base.Add(time.Second)})
	st.AddMessage(&store.Message{Contact: u.Contact(), ConversationID: "conv-8", Role: store.RoleUser, Content: "unrelated thread", CreatedAt: base.Add(2 * time.Second)})
	// Same conversation id claimed by another contact.
	st.AddMessage(&store.Message{Contact: "someone-else", ConversationID: "conv-7", Role: store.RoleUser, Content: "their secret", CreatedAt: base.Add(3 * time.Second)})

	r := httptest.NewRequest(http.MethodGet, "/web/transcript?conversation=conv-7", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	h.Transcript(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "about the deal") || !strings.Contains(body, "Deal is on track.") {
		t.Errorf("conversation messages missing: %s", body)
	}
	if strings.Contains(body, "unrelated thread") {
		t.Errorf("other conversation leaked in: %s", body)
	}
	if strings.Contains(body, "their secret") {
		t.Errorf("another contact's messages leaked in: %s", body)
	}
}

func TestWS(t *testing.T) {
	model := &scriptModel{answers: []string{"**Hi** there"}}
	h, st := newTestHandlers(t, model, &toolFake{})
	seedUser(t, st, "tok-1")

	srv := httptest.NewServer(http.HandlerFunc(h.WS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=tok-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(messageRequest{Message: "hi"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var out wsOutbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if out.Message != "**Hi** there" {
		t.Errorf("message = %q", out.Message)
	}
	if !strings.Contains(out.HTML, "<strong>Hi</strong>") {
		t.Errorf("html = %q, want rendered markdown", out.HTML)
	}
}

func TestWS_RequiresToken(t *testing.T) {
	h, _ := newTestHandlers(t, &scriptModel{}, &toolFake{})
	r := httptest.NewRequest(http.MethodGet, "/web/ws", nil)
	w := httptest.NewRecorder()
	h.WS(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
