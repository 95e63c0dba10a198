// Package crm talks to the remote CRM's tool endpoint: JSON-RPC 2.0
// over HTTP POST, with tools/list for discovery and tools/call for
// invocation. The per-user CRM credential is sent as a Bearer header
// on each request, so a single client serves all users.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/attache-ai/attache/internal/httpkit"
)

// Tool is a CRM tool as returned by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// DiscoveryError reports a failed tools/list call. Discovery failures
// are surfaced to the caller rather than cached.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return fmt.Sprintf("tool discovery: %v", e.Err) }
func (e *DiscoveryError) Unwrap() error { return e.Err }

// InvocationError reports a failed tools/call. The agent turns these
// into string-shaped tool results for the model; they never abort a turn.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *InvocationError) Unwrap() error { return e.Err }

// Config configures a CRM client.
type Config struct {
	// URL is the CRM base URL; the tool endpoint lives at /mcp under it.
	URL string

	// HTTPClient overrides the default httpkit client. Used in tests.
	HTTPClient *http.Client

	// Logger is the structured logger for request diagnostics.
	Logger *slog.Logger
}

// Client provides typed access to the CRM tool endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64
}

// NewClient creates a CRM client for the given config.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithLogger(logger),
		)
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/mcp",
		httpClient: httpClient,
		logger:     logger,
	}
}

// ListTools calls tools/list with the given credential ("" for an
// anonymous listing) and returns the tools the CRM exposes to that
// authentication class.
func (c *Client) ListTools(ctx context.Context, credential string) ([]Tool, error) {
	resp, err := c.send(ctx, credential, "tools/list", nil)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("unmarshal tools/list result: %w", err)}
	}

	c.logger.Info("discovered CRM tools", "count", len(result.Tools), "authenticated", credential != "")
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments. The result
// is extracted from the response content blocks as a single string.
// Non-text content blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, credential, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, credential, "tools/call", params)
	if err != nil {
		return "", &InvocationError{Tool: name, Err: err}
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &InvocationError{Tool: name, Err: fmt.Errorf("unmarshal tools/call result: %w", err)}
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", &InvocationError{Tool: name, Err: fmt.Errorf("tool reported error: %s", text)}
	}

	return text, nil
}

// send issues a JSON-RPC request over HTTP POST and checks for
// protocol-level errors.
func (c *Client) send(ctx context.Context, credential, method string, params any) (*Response, error) {
	req := NewRequest(c.nextID.Add(1), method, params)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", c.endpoint, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("CRM returned %d: %s", httpResp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return &resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
