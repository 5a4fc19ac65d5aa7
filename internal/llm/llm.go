// Package llm is a client for an OpenAI-compatible chat completions server,
// normally the local model server. It supports tool calls, which the
// classifier uses to get a structured routing answer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/oracle-garnett/oracle/pkg/config"
)

// ErrEmptyResponse is returned when the server answers without choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client defines the interface for communicating with a model.
type Client interface {
	// Chat sends a chat completion request. Zero Model, Temperature and
	// MaxTokens fall back to the configured defaults.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is a single message in the conversation.
type Message struct {
	Role       string     `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// System and User build messages with the given role.
func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDefinition
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusError is returned for non-200 answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: server returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	defaults   config.LLMConfig
}

// NewHTTPClient creates a client for the configured server.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "http://localhost:11434/v1"
	}
	return &HTTPClient{
		apiURL:     apiURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		defaults:   cfg,
	}
}

// Chat sends a chat completion request.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaults.Model
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.defaults.Temperature
	}
	maxTok := req.MaxTokens
	if maxTok == 0 {
		maxTok = c.defaults.MaxTokens
	}

	apiReq := wireRequest{
		Model:       model,
		Temperature: temp,
		MaxTokens:   maxTok,
		Messages:    toWireMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = toWireTools(req.Tools)
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 500)),
		)
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var apiResp wireResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	result := fromWireResponse(apiResp)

	slog.Debug("llm: chat response",
		slog.String("model", model),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
		slog.Int("tool_calls", len(result.ToolCalls)),
	)
	return result, nil
}

// --- wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string      `json:"type"`
	Function wireFuncDef `json:"function"`
}

type wireFuncDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFuncCall `json:"function"`
}

type wireFuncCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

func toWireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFuncCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out[i] = wm
	}
	return out
}

func toWireTools(tools []ToolDefinition) []wireTool {
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{
			Type:     "function",
			Function: wireFuncDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		}
	}
	return out
}

func fromWireResponse(resp wireResponse) *ChatResponse {
	result := &ChatResponse{Usage: resp.Usage}
	msg := resp.Choices[0].Message
	result.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		if args == nil {
			args = map[string]any{}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
