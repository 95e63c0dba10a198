// Package agent implements the core agent loop: repeated model turns
// and tool executions until a final natural-language answer, plus the
// channel-facing service that wraps it with identity resolution and
// session policy.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/attache-ai/attache/internal/crm"
	"github.com/attache-ai/attache/internal/llm"
	"github.com/attache-ai/attache/internal/prompts"
	"github.com/attache-ai/attache/internal/store"
)

// authenticateTool is the CRM tool whose successful result carries the
// user's credential. The loop intercepts it to perform the
// anonymous-to-authenticated transition. initAuthTool starts that same
// email-code exchange; both receive the shared CRM auth secret.
const (
	authenticateTool = "authenticate"
	initAuthTool     = "initAuth"
)

// ErrTurnBudgetExhausted reports that the loop hit its round bound
// without the model producing a final answer.
var ErrTurnBudgetExhausted = errors.New("turn budget exhausted")

// Model creates one model-service turn. Satisfied by *llm.OpenAIClient.
type Model interface {
	CreateTurn(ctx context.Context, req llm.TurnRequest) (*llm.Turn, error)
}

// Invoker executes one named tool call. Satisfied by *crm.Client.
type Invoker interface {
	CallTool(ctx context.Context, credential, name string, args map[string]any) (string, error)
}

// Catalog returns the tool catalog for a credential's authentication
// class. Satisfied by *catalog.Cache.
type Catalog interface {
	Tools(ctx context.Context, credential string) ([]crm.Tool, error)
}

// Log appends turns to the conversation log. Satisfied by *store.Store.
type Log interface {
	AddMessage(m *store.Message) error
}

// Result is the outcome of one loop run.
type Result struct {
	// Answer is the final natural-language answer for the user.
	Answer string

	// ContinuityID is the model service's handle for chaining the
	// user's next turn.
	ContinuityID string

	// Credential, Name, and Email are set when an authenticate tool
	// call completed during this run. The caller persists them.
	Credential string
	Name       string
	Email      string
}

// Loop drives the bounded turn state machine for one inbound message.
type Loop struct {
	model      Model
	invoker    Invoker
	catalog    Catalog
	log        Log
	logger     *slog.Logger
	maxRounds  int
	homepage   string
	authSecret string
}

// NewLoop creates an agent loop. maxRounds bounds the number of model
// turns per inbound message. authSecret, when set, is attached to
// email-code auth tool calls made for users without a credential.
func NewLoop(model Model, invoker Invoker, cat Catalog, log Log, maxRounds int, homepage, authSecret string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Loop{
		model:      model,
		invoker:    invoker,
		catalog:    cat,
		log:        log,
		logger:     logger,
		maxRounds:  maxRounds,
		homepage:   homepage,
		authSecret: authSecret,
	}
}

// Run processes one inbound message for the given user, starting from
// the supplied continuity handle ("" starts fresh). It returns when
// the model yields a plain answer or the turn budget runs out; in the
// latter case the error wraps ErrTurnBudgetExhausted.
func (l *Loop) Run(ctx context.Context, user *store.User, text, conversationID, continuity string) (*Result, error) {
	credential := user.Token
	contact := user.Contact()

	instructions := l.instructions(user)

	catalogTools, err := l.catalog.Tools(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("tool catalog: %w", err)
	}
	tools := make([]llm.Tool, 0, len(catalogTools))
	for _, t := range catalogTools {
		tools = append(tools, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	l.logger.Info("agent loop started",
		"contact", contact,
		"authenticated", credential != "",
		"tools", len(tools),
		"chained", continuity != "",
	)

	res := &Result{}
	input := []llm.Item{llm.UserMessage(text)}
	prev := continuity
	retried := false

	for round := 1; round <= l.maxRounds; round++ {
		req := llm.TurnRequest{
			Instructions: instructions,
			Input:        input,
			Tools:        tools,
			PreviousID:   prev,
		}

		turn, err := l.model.CreateTurn(ctx, req)
		if err != nil && !retried {
			// One recovery attempt per run: drop any continuity handle
			// and replay the same round from scratch. Covers an explicit
			// continuity rejection and plain transport failure alike.
			retried = true
			l.logger.Warn("model turn failed, retrying without continuity",
				"round", round, "error", err)
			req.PreviousID = ""
			prev = ""
			turn, err = l.model.CreateTurn(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("model turn: %w", err)
		}

		if turn.Kind == llm.TurnAnswer {
			res.Answer = turn.Answer
			res.ContinuityID = turn.ID
			l.record(&store.Message{
				Contact:        contact,
				ConversationID: conversationID,
				Role:           store.RoleAssistant,
				Content:        turn.Answer,
			})
			l.logger.Info("agent loop done", "contact", contact, "rounds", round)
			return res, nil
		}

		// Tool round: execute every requested call in order, feed the
		// results back as the next round's input, and chain continuity
		// through this turn.
		next := make([]llm.Item, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			output := l.execute(ctx, user, credential, conversationID, call, res)
			next = append(next, llm.ToolResult(call.ID, output))
		}
		input = next
		prev = turn.ID
		res.ContinuityID = turn.ID
	}

	return res, fmt.Errorf("no answer after %d rounds: %w", l.maxRounds, ErrTurnBudgetExhausted)
}

// execute runs a single tool call, records the call and its result,
// and intercepts the authenticate tool. Errors come back as
// string-shaped results so the model can react instead of the turn
// crashing.
func (l *Loop) execute(ctx context.Context, user *store.User, credential, conversationID string, call llm.ToolCall, res *Result) string {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	// Tools need an identity hint even before a credential exists.
	if credential == "" {
		args["phone"] = user.Contact()
	}

	argsJSON, _ := json.Marshal(args)
	l.logger.Info("calling tool", "tool", call.Name, "args", string(argsJSON))

	l.record(&store.Message{
		Contact:        user.Contact(),
		ConversationID: conversationID,
		Role:           store.RoleToolCall,
		Content:        fmt.Sprintf("Calling %s with %s", call.Name, argsJSON),
		ToolCallID:     call.ID,
		ToolPayload:    string(argsJSON),
	})

	// The shared auth secret rides only on the wire, after logging, so
	// it never lands in the conversation log.
	if credential == "" && l.authSecret != "" && (call.Name == initAuthTool || call.Name == authenticateTool) {
		args["secret"] = l.authSecret
	}

	output, err := l.invoker.CallTool(ctx, credential, call.Name, args)
	if err != nil {
		l.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		output = "Error: " + err.Error()
	} else if call.Name == authenticateTool {
		output = l.intercept(args, output, res)
	}

	l.record(&store.Message{
		Contact:        user.Contact(),
		ConversationID: conversationID,
		Role:           store.RoleToolResult,
		Content:        fmt.Sprintf("Result of %s: %s", call.Name, output),
		ToolCallID:     call.ID,
	})

	return output
}

// intercept inspects a successful authenticate result. When it carries
// a credential, the caller-visible Result captures it and the model
// sees only a confirmation, never the raw token.
func (l *Loop) intercept(args map[string]any, output string, res *Result) string {
	var payload struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(output), &payload); err != nil || payload.Token == "" {
		return output
	}

	res.Credential = payload.Token
	res.Name = payload.Name
	if email, ok := args["email"].(string); ok {
		res.Email = email
	}
	l.logger.Info("user authenticated", "name", payload.Name)

	return "The user is now authenticated."
}

// instructions selects the system prompt for the user's mode.
func (l *Loop) instructions(user *store.User) string {
	now := time.Now()
	if user.Authenticated() {
		return prompts.Authenticated(prompts.Profile{
			Name:  user.Name,
			Phone: user.Phone,
			Email: user.Email,
		}, l.homepage, now)
	}
	return prompts.Anonymous(l.homepage, now)
}

// record appends to the conversation log best-effort: a failed write
// is logged and the turn proceeds, the answer still reaches the user.
func (l *Loop) record(m *store.Message) {
	if err := l.log.AddMessage(m); err != nil {
		l.logger.Error("conversation log write failed", "role", m.Role, "error", err)
	}
}
