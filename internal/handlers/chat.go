package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/llm"
	"github.com/oracle-garnett/oracle/internal/memory"
	"github.com/oracle-garnett/oracle/pkg/config"
)

// Chat answers conversationally through the local model server. The same
// type serves the fallback capability for unclassified requests.
type Chat struct {
	client   llm.Client
	memories memory.Reader
	backends Caller
	persona  config.PersonaConfig
	recall   int
	fallback bool
}

// ChatOption configures a Chat handler.
type ChatOption func(*Chat)

// WithMemories adds the n most recent memory records to the system prompt.
func WithMemories(r memory.Reader, n int) ChatOption {
	return func(c *Chat) { c.memories, c.recall = r, n }
}

// WithPersona sets the assistant's name and core traits.
func WithPersona(p config.PersonaConfig) ChatOption {
	return func(c *Chat) { c.persona = p }
}

// WithBackends routes model calls through a circuit breaker.
func WithBackends(b Caller) ChatOption {
	return func(c *Chat) { c.backends = b }
}

// AsFallback marks the handler as the fallback for unknown requests.
func AsFallback() ChatOption {
	return func(c *Chat) { c.fallback = true }
}

// NewChat creates a chat handler.
func NewChat(client llm.Client, opts ...ChatOption) *Chat {
	c := &Chat{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chat) RequiresPermission() bool { return false }
func (c *Chat) IsRetryable() bool        { return true }

// Invoke implements capability.Handler. The request text is read from the
// "text" parameter.
func (c *Chat) Invoke(ctx context.Context, p capability.Params) (capability.Result, error) {
	text := strings.TrimSpace(p["text"])
	if text == "" {
		return capability.Result{}, missingParam("text")
	}

	msgs := []llm.Message{llm.System(c.systemPrompt(ctx))}
	msgs = append(msgs, llm.User(text))

	var resp *llm.ChatResponse
	err := guard(ctx, c.backends, BackendLLM, func(ctx context.Context) error {
		var err error
		resp, err = c.client.Chat(ctx, llm.ChatRequest{Messages: msgs})
		return err
	})
	if err != nil {
		return capability.Result{}, llmFailure(ctx, err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return capability.Result{}, capability.Recoverable("model returned an empty reply", llm.ErrEmptyResponse)
	}
	return capability.Result{Summary: reply}, nil
}

func (c *Chat) systemPrompt(ctx context.Context) string {
	name := c.persona.Name
	if name == "" {
		name = "Oracle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a helpful household assistant.", name)
	if len(c.persona.Traits) > 0 {
		b.WriteString(" Core traits: " + strings.Join(c.persona.Traits, "; ") + ".")
	}
	if c.fallback {
		b.WriteString(" The request could not be routed to a tool; answer it conversationally.")
	}

	if c.memories == nil || c.recall <= 0 {
		return b.String()
	}
	recs, err := c.memories.Recent(ctx, c.recall)
	if err != nil {
		// Chat still works without context.
		slog.Warn("handlers: recall memories", slog.String("error", err.Error()))
		return b.String()
	}
	if len(recs) > 0 {
		b.WriteString("\nRecent interactions:")
		for i := len(recs) - 1; i >= 0; i-- {
			b.WriteString("\n- " + recs[i].Summary)
		}
	}
	return b.String()
}

func llmFailure(ctx context.Context, err error) error {
	if _, ok := capability.AsFailure(err); ok {
		return err
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return statusFailure("model server", se.Code)
	}
	if errors.Is(err, llm.ErrEmptyResponse) {
		return capability.Recoverable("model returned no choices", err)
	}
	return transportFailure(ctx, "model server", err)
}
