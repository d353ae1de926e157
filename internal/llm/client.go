// Package llm defines the contract between the turn-execution runtime and
// language-model providers. Provider adapters live outside this module;
// the runtime only depends on the Client interface.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-result message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider-requested tool invocation. Arguments arrive as an
// untyped map; Raw preserves the provider's original argument text for the
// normalization stage's streaming-fragment rescue.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// ToolDef describes a tool offered to the provider.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Request is a single completion request.
type Request struct {
	Provider string
	Model    string
	System   string
	Messages []Message
	// Tools offered for this request; empty disables tool use entirely
	// (the synthesis-only path).
	Tools     []ToolDef
	MaxTokens int
	// OnDelta, when set, receives streamed text fragments. Advisory only;
	// the full text is always present on the Response.
	OnDelta func(text string)
}

// Response is a provider's completed answer.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Usage reports token consumption when the provider exposes it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the opaque provider interface the runtime calls.
type Client interface {
	// Name identifies the provider for logs and metrics.
	Name() string
	// Complete runs one completion, blocking until the provider finishes
	// or ctx ends.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a plain function to the Client interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Name implements Client.
func (Func) Name() string { return "func" }

// Complete implements Client.
func (f Func) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
