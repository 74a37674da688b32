// Package llm abstracts the coordinator's model behind a small
// prompt-in, text-out interface. The production invoker speaks the
// Anthropic Messages API and runs apc tool calls in-process; tests
// substitute the Stub.
package llm

import (
	"context"
	"time"
)

// Request is one model invocation.
type Request struct {
	System    string
	Prompt    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ToolCall is one apc command the model issued during the exchange.
type ToolCall struct {
	ID   string
	Name string
	Argv []string
}

// Usage accumulates token counts across the tool loop.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the final state of one invocation: the concatenated text
// of every assistant turn, the last stop reason, and the tool calls
// observed along the way.
type Response struct {
	Text       string
	StopReason string
	ToolCalls  []ToolCall
	Usage      Usage
}

// Invoker runs one model invocation to completion.
type Invoker interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ToolExecutor runs one in-process apc command on behalf of the model
// and returns its textual output.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, argv []string) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, argv []string) (string, error)

// ExecuteTool implements ToolExecutor.
func (f ToolExecutorFunc) ExecuteTool(ctx context.Context, argv []string) (string, error) {
	return f(ctx, argv)
}
