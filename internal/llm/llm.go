// Package llm provides the model client behind the in-process executor
// provider. The one real implementation talks to the Anthropic Messages API;
// the Client interface exists so tool loops can be driven by a stub in tests.
package llm

import (
	"context"
	"encoding/json"

	"github.com/atelier-dev/atelier/internal/model"
)

// ToolDefinition describes one tool offered to the model for a request.
// InputSchema is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult reports the outcome of an earlier ToolCall back to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn. Assistant turns may carry ToolCalls,
// user turns may carry ToolResults. Turns with no content are skipped.
type Message struct {
	Role        model.MessageRole
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a single completion request.
type Request struct {
	// Model selects the configured model for the tier; empty means smart.
	Model model.ModelTier

	// System is the system prompt. Messages with the system role are folded
	// in after it.
	System string

	Messages []Message
	Tools    []ToolDefinition

	// MaxTokens overrides the configured completion cap when positive.
	MaxTokens int
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the model's reply to a Request.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client issues completion requests against a hosted model.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
