package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/apc-dev/apc/internal/fault"
)

// ToolExecutor adapts the router to the model's in-process apc tool.
// It is built before the router exists (the invoker needs the executor,
// the coordinator needs the invoker, the orchestrator needs the
// coordinator, and the router needs the orchestrator), so the router
// arrives late through Bind.
type ToolExecutor struct {
	mu     sync.RWMutex
	router *Router
}

// NewToolExecutor returns an unbound executor. Calls before Bind fail
// with a precondition fault.
func NewToolExecutor() *ToolExecutor { return &ToolExecutor{} }

// Bind attaches the router once the daemon has finished wiring.
func (e *ToolExecutor) Bind(r *Router) {
	e.mu.Lock()
	e.router = r
	e.mu.Unlock()
}

// ExecuteTool parses one `apc <category> <action> ...` invocation and
// dispatches it in-process. The reply is the JSON envelope; the model
// reads success and error from it like any other client.
func (e *ToolExecutor) ExecuteTool(ctx context.Context, argv []string) (string, error) {
	e.mu.RLock()
	router := e.router
	e.mu.RUnlock()
	if router == nil {
		return "", fault.New(fault.Precondition, "apc tool is not bound to a router yet")
	}
	req, err := ParseArgv(argv)
	if err != nil {
		return marshalEnvelope(failure("", err))
	}
	return marshalEnvelope(router.Dispatch(ctx, req))
}

func marshalEnvelope(resp Response) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "encoding tool reply")
	}
	return string(data), nil
}

// toolPositionals names the parameters positional arguments fill, in
// order. Commands outside the table take flags only. The order mirrors
// the CLI subcommands, so the prompt examples read the same both ways.
var toolPositionals = map[string][]string{
	"session.list":     {},
	"session.get":      {"session"},
	"session.create":   {"requirement"},
	"session.approve":  {"session"},
	"session.complete": {"session"},
	"session.cancel":   {"session"},

	"plan.get":    {"session"},
	"plan.status": {"session"},
	"exec.start":  {"session"},

	"workflow.list":   {"session"},
	"workflow.get":    {"workflow"},
	"workflow.cancel": {"workflow"},
	"workflow.event":  {"workflow", "type"},

	"pool.status":    {},
	"pool.resize":    {"size"},
	"pool.release":   {"agent"},
	"agent.start":    {"agent", "workflow", "task"},
	"agent.complete": {"session", "workflow", "stage", "result"},
	"roles.list":     {},

	"task.create":    {"task", "description"},
	"task.list":      {"session"},
	"task.get":       {"task"},
	"task.start":     {"task"},
	"task.pause":     {"task"},
	"task.resume":    {"task"},
	"task.remove":    {"task"},
	"task.addDep":    {"task", "dependsOn"},
	"task.removeDep": {"task", "dependsOn"},
	"taskAgent.list": {"session"},
	"deps.list":      {"session"},

	"unity.reportError": {"message"},
	"unity.status":      {},

	"coordinator.evaluate": {"session"},
	"coordinator.history":  {"session"},
	"coordinator.pause":    {"session"},
	"coordinator.resume":   {"session"},

	"process.pause":  {"procId"},
	"process.resume": {"procId"},
	"process.list":   {},

	"config.get":   {"key"},
	"config.set":   {"key", "value"},
	"folders.list": {},

	"prompts.list": {},
	"prompts.get":  {"name"},
	"prompts.set":  {"name", "content"},

	"system.status": {},
	"system.ping":   {},

	"user.ask":       {"session", "task", "question"},
	"user.respond":   {"questionId", "answer"},
	"user.questions": {"session"},
}

// ParseArgv turns tool argv into a request envelope. Grammar:
//
//	[apc] <category> <action> [positional ...] [--flag value | --flag=value | --flag]
//
// Flag values stay strings; the handlers coerce. A flag with no value
// reads as a boolean switch.
func ParseArgv(argv []string) (Request, error) {
	args := make([]string, 0, len(argv))
	for _, a := range argv {
		if t := strings.TrimSpace(a); t != "" {
			args = append(args, t)
		}
	}
	if len(args) > 0 && args[0] == "apc" {
		args = args[1:]
	}
	if len(args) < 2 {
		return Request{}, fault.New(fault.Validation,
			"want <category> <action>, got %q", strings.Join(args, " "))
	}
	if strings.HasPrefix(args[0], "--") || strings.HasPrefix(args[1], "--") {
		return Request{}, fault.New(fault.Validation,
			"flags come after <category> <action>")
	}
	cmd := args[0] + "." + args[1]

	p := map[string]any{}
	var positional []string
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if !strings.HasPrefix(tok, "--") {
			positional = append(positional, tok)
			continue
		}
		name := strings.TrimPrefix(tok, "--")
		if name == "" {
			return Request{}, fault.New(fault.Validation, "bare -- is not a flag")
		}
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			p[name[:eq]] = name[eq+1:]
			continue
		}
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			p[name] = rest[i+1]
			i++
			continue
		}
		p[name] = true
	}

	names := toolPositionals[cmd]
	if len(positional) > len(names) {
		return Request{}, fault.New(fault.Validation,
			"%s takes at most %d positional arguments, got %d; pass extras as --flags",
			cmd, len(names), len(positional))
	}
	for i, v := range positional {
		p[names[i]] = v
	}
	if len(p) == 0 {
		p = nil
	}
	return Request{Cmd: cmd, Params: p}, nil
}
