package classify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/llm"
)

const routeTool = "route_request"

const routePrompt = "You route requests for a household assistant. " +
	"Call route_request exactly once with the capability that best serves the request " +
	"and your confidence between 0 and 1. Use \"chat\" for conversation."

// LLMModel routes with a tool call to the local model server.
type LLMModel struct {
	client llm.Client
}

// NewLLMModel wraps an llm.Client as a Model.
func NewLLMModel(c llm.Client) *LLMModel {
	return &LLMModel{client: c}
}

// Route asks the model to pick one of tags.
func (m *LLMModel) Route(ctx context.Context, text string, tags []capability.Tag) (Verdict, error) {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = string(t)
	}

	resp, err := m.client.Chat(ctx, llm.ChatRequest{
		Temperature: 0.01,
		MaxTokens:   128,
		Messages:    []llm.Message{llm.System(routePrompt), llm.User(text)},
		Tools: []llm.ToolDefinition{{
			Name:        routeTool,
			Description: "Select the capability that handles the request.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tag":        map[string]any{"type": "string", "enum": names},
					"confidence": map[string]any{"type": "number"},
					"url":        map[string]any{"type": "string"},
					"query":      map[string]any{"type": "string"},
					"prompt":     map[string]any{"type": "string"},
				},
				"required": []string{"tag", "confidence"},
			},
		}},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("classify: route: %w", err)
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != routeTool {
			continue
		}
		return verdictFromArgs(tc.Arguments), nil
	}
	return Verdict{}, errors.New("classify: model did not call " + routeTool)
}

func verdictFromArgs(args map[string]any) Verdict {
	v := Verdict{Params: map[string]string{}}
	for k, raw := range args {
		switch k {
		case "tag":
			v.Tag, _ = raw.(string)
		case "confidence":
			v.Confidence = toFloat(raw)
		default:
			if s, ok := raw.(string); ok && s != "" {
				v.Params[k] = s
			}
		}
	}
	return v
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
