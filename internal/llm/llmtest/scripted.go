// Package llmtest provides scripted llm.Client implementations for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/llm"
)

// Step is one scripted completion outcome.
type Step struct {
	// Response returned when Err is nil.
	Response *llm.Response
	// Err fails the completion.
	Err error
	// Deltas are streamed to OnDelta before returning.
	Deltas []string
	// Delay blocks before answering, honoring context cancellation.
	Delay time.Duration
}

// Text builds a step answering with plain assistant text.
func Text(text string) Step {
	return Step{Response: &llm.Response{Text: text, StopReason: "end_turn"}}
}

// Calls builds a step answering with tool calls.
func Calls(calls ...llm.ToolCall) Step {
	return Step{Response: &llm.Response{ToolCalls: calls, StopReason: "tool_use"}}
}

// Fail builds a step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call is a convenience constructor for a tool call.
func Call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// ScriptedClient replays a fixed sequence of steps and records every
// request it served. Safe for concurrent use.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []*llm.Request
}

// NewScripted returns a client that serves the given steps in order.
func NewScripted(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Name implements llm.Client.
func (c *ScriptedClient) Name() string { return "scripted" }

// Complete implements llm.Client.
func (c *ScriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.steps) {
		n := c.next
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client exhausted after %d steps", n)
	}
	step := c.steps[c.next]
	c.next++
	c.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if req.OnDelta != nil {
		for _, delta := range step.Deltas {
			req.OnDelta(delta)
		}
	}
	// Copy so callers cannot mutate the script.
	resp := *step.Response
	return &resp, nil
}

// Requests returns the requests served so far, in order.
func (c *ScriptedClient) Requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// CallCount reports how many completions were requested.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
