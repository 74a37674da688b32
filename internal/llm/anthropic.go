package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
)

// toolName is the single tool the daemon advertises to the model. Its
// input is {"argv": ["task","start","PS_000001_T001"]} and it executes
// against the in-process command dispatcher.
const toolName = "apc"

// maxToolRounds caps how many times one evaluation may bounce between
// the model and the tool executor.
const maxToolRounds = 8

// MessagesClient is the subset of the Anthropic SDK the invoker uses.
// *sdk.MessageService satisfies it; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures an AnthropicInvoker.
type Options struct {
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
	// MaxTokens is the completion cap when Request.MaxTokens is not set.
	MaxTokens int
	// Temperature is the sampling temperature; zero leaves the API default.
	Temperature float64
	// Executor runs apc tool calls. When nil the tool is not advertised
	// and the invocation is a single prompt/response exchange.
	Executor ToolExecutor
	// Metrics records per-call latency; nil disables recording.
	Metrics *metrics.Metrics
}

// AnthropicInvoker implements Invoker on the Anthropic Messages API
// with an in-process tool loop.
type AnthropicInvoker struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
	executor     ToolExecutor
	metrics      *metrics.Metrics
}

// NewAnthropic builds an invoker from a Messages client.
func NewAnthropic(msg MessagesClient, opts Options) (*AnthropicInvoker, error) {
	if msg == nil {
		return nil, fault.New(fault.Validation, "anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, fault.New(fault.Validation, "default model identifier is required")
	}
	return &AnthropicInvoker{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		executor:     opts.Executor,
		metrics:      opts.Metrics,
	}, nil
}

// NewFromAPIKey builds an invoker over the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*AnthropicInvoker, error) {
	if apiKey == "" {
		return nil, fault.New(fault.Validation, "anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, opts)
}

// Complete invokes the model and drives the tool loop until the model
// stops calling tools or the round cap is reached.
func (a *AnthropicInvoker) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, fault.New(fault.Validation, "prompt is required")
	}
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	if maxTokens <= 0 {
		return Response{}, fault.New(fault.Validation, "max tokens must be positive")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if a.temperature > 0 {
		params.Temperature = sdk.Float(a.temperature)
	}
	if a.executor != nil {
		params.Tools = []sdk.ToolUnionParam{apcToolParam()}
	}

	var (
		out  Response
		text strings.Builder
	)
	for round := 0; ; round++ {
		start := time.Now()
		msg, err := a.msg.New(ctx, params)
		if err != nil {
			return Response{}, fault.Wrap(fault.ExternalFailure, err, "anthropic messages.new")
		}
		a.metrics.LLMRequest(model, time.Since(start))

		out.StopReason = string(msg.StopReason)
		out.Usage.InputTokens += int(msg.Usage.InputTokens)
		out.Usage.OutputTokens += int(msg.Usage.OutputTokens)

		var toolUses []sdk.ContentBlockUnion
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(block.Text)
			case "tool_use":
				toolUses = append(toolUses, block)
			}
		}

		if len(toolUses) == 0 || a.executor == nil {
			break
		}
		if round+1 >= maxToolRounds {
			log.Warn(log.CatLLM, "tool loop cap reached, dropping pending calls",
				"model", model, "rounds", maxToolRounds, "pending", len(toolUses))
			break
		}

		params.Messages = append(params.Messages, assistantTurn(msg))
		results := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			output, isErr := a.runTool(ctx, use, &out)
			results = append(results, sdk.NewToolResultBlock(use.ID, output, isErr))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(results...))
	}

	out.Text = strings.TrimSpace(text.String())
	log.Debug(log.CatLLM, "model invocation finished",
		"model", model, "stopReason", out.StopReason,
		"toolCalls", len(out.ToolCalls), "outputTokens", out.Usage.OutputTokens)
	return out, nil
}

// runTool executes one tool_use block and reports the textual result.
// Bad tool names and malformed inputs become error results so the model
// can correct itself.
func (a *AnthropicInvoker) runTool(ctx context.Context, use sdk.ContentBlockUnion, out *Response) (string, bool) {
	if use.Name != toolName {
		return fmt.Sprintf("unknown tool %q, only %q is available", use.Name, toolName), true
	}
	argv, err := parseArgv(use.Input)
	if err != nil {
		return err.Error(), true
	}
	out.ToolCalls = append(out.ToolCalls, ToolCall{ID: use.ID, Name: use.Name, Argv: argv})

	log.Info(log.CatLLM, "apc tool call", "argv", strings.Join(argv, " "))
	output, err := a.executor.ExecuteTool(ctx, argv)
	if err != nil {
		return err.Error(), true
	}
	return output, false
}

func parseArgv(input json.RawMessage) ([]string, error) {
	var body struct {
		Argv []string `json:"argv"`
	}
	if err := json.Unmarshal(input, &body); err != nil {
		return nil, fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if len(body.Argv) == 0 {
		return nil, fmt.Errorf(`tool input requires a non-empty "argv" array`)
	}
	return body.Argv, nil
}

// assistantTurn rebuilds the model's turn as request blocks so the tool
// results that follow attach to the right tool_use ids.
func assistantTurn(msg *sdk.Message) sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case "tool_use":
			blocks = append(blocks, sdk.NewToolUseBlock(b.ID, b.Input, b.Name))
		}
	}
	return sdk.NewAssistantMessage(blocks...)
}

func apcToolParam() sdk.ToolUnionParam {
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
		ExtraFields: map[string]any{
			"properties": map[string]any{
				"argv": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": `Command arguments without the binary name, e.g. ["task","start","PS_000001_T001"].`,
				},
			},
			"required": []any{"argv"},
		},
	}, toolName)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Execute one apc control command inside the daemon: " +
			"start tasks, answer questions, pause or resume work, inspect state.")
	}
	return u
}
