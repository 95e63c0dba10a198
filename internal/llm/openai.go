package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/attache-ai/attache/internal/config"
	"github.com/attache-ai/attache/internal/httpkit"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures an OpenAI client.
type Config struct {
	// APIKey is the bearer key for the model service.
	APIKey string

	// BaseURL overrides the API base URL (tests, proxies).
	BaseURL string

	// Model is the model name used for every turn.
	Model string

	// HTTPClient overrides the default httpkit client. Used in tests.
	HTTPClient *http.Client

	// Logger is the structured logger for request diagnostics.
	Logger *slog.Logger
}

// OpenAIClient is a client for the OpenAI Responses API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a model-service client for the given config.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// The service can take a long time before sending headers on
		// tool-heavy turns. Use a generous response header timeout and
		// rely on ctx deadlines for overall timeout control.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		)
	}

	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.Model,
		httpClient: httpClient,
		logger:     logger.With("provider", "openai"),
	}
}

// Request/response types for the Responses API.

type responsesRequest struct {
	Model              string     `json:"model"`
	Instructions       string     `json:"instructions,omitempty"`
	Input              []Item     `json:"input"`
	Tools              []toolDef  `json:"tools,omitempty"`
	PreviousResponseID string     `json:"previous_response_id,omitempty"`
}

type toolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responsesResponse struct {
	ID     string       `json:"id"`
	Output []outputItem `json:"output"`
	Error  *apiError    `json:"error,omitempty"`
}

type outputItem struct {
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// CreateTurn invokes the model service once and returns the tagged
// response: a final answer or a tool-call batch, plus the continuity
// handle for the next turn.
func (c *OpenAIClient) CreateTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	body := responsesRequest{
		Model:              c.model,
		Instructions:       req.Instructions,
		Input:              req.Input,
		PreviousResponseID: req.PreviousID,
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, toolDef{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}

	c.logger.Debug("preparing turn",
		"model", c.model,
		"input_items", len(req.Input),
		"tools", len(req.Tools),
		"chained", req.PreviousID != "",
	)

	var resp responsesResponse
	if err := c.post(ctx, "/responses", body, &resp); err != nil {
		return nil, err
	}

	turn := &Turn{ID: resp.ID, Kind: TurnAnswer}
	var answer strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					answer.WriteString(part.Text)
				}
			}
		case "function_call":
			var args map[string]any
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
					// Malformed arguments still reach the invoker, which
					// reflects the problem back to the model.
					args = map[string]any{"_raw": item.Arguments}
				}
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: args,
			})
		}
	}
	turn.Answer = answer.String()
	if len(turn.ToolCalls) > 0 {
		turn.Kind = TurnToolCalls
	}

	c.logger.Debug("turn complete",
		"response_id", turn.ID,
		"tool_calls", len(turn.ToolCalls),
		"answer_len", len(turn.Answer),
	)
	c.logger.Log(ctx, config.LevelTrace, "turn answer", "content", turn.Answer)

	return turn, nil
}

// Rewrite asks the model to rewrite an operator-authored message into
// conversational form, given recent history lines for context.
func (c *OpenAIClient) Rewrite(ctx context.Context, history []string, text string) (string, error) {
	instructions := "You are a helpful assistant that rewrites a message to be more concise and clear.\n" +
		"The result should be a text that flows, not a list of bullet points.\n" +
		"I will provide you the conversation history so that you have some context:\n" +
		strings.Join(history, "\n")

	body := responsesRequest{
		Model:        c.model,
		Instructions: instructions,
		Input:        []Item{UserMessage(text)},
	}

	var resp responsesResponse
	if err := c.post(ctx, "/responses", body, &resp); err != nil {
		return "", err
	}

	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String(), nil
}

// post sends a JSON request to the given API path and decodes the
// response, mapping continuity-handle refusals to ErrContinuityRejected.
func (c *OpenAIClient) post(ctx context.Context, path string, body any, out *responsesResponse) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		if isContinuityRejection(resp.StatusCode, errBody) {
			return fmt.Errorf("openai API error %d: %s: %w", resp.StatusCode, errBody, ErrContinuityRejected)
		}
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("openai API error: %s", out.Error.Message)
	}
	return nil
}

// isContinuityRejection recognizes the service refusing a
// previous_response_id, which the caller recovers from by clearing
// the handle and retrying.
func isContinuityRejection(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusNotFound {
		return false
	}
	return strings.Contains(strings.ToLower(body), "previous response")
}
