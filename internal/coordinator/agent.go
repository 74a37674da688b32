package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/llm"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/taskid"
)

// Timing defaults for the evaluation scheduler.
const (
	DefaultDebounce    = 2 * time.Second
	DefaultMaxWait     = 10 * time.Second
	DefaultCooldown    = 10 * time.Second
	defaultEvalTimeout = 2 * time.Minute

	// reasoningLimit caps the REASONING excerpt stored in the ledger.
	reasoningLimit = 500

	// queueCapacity bounds the inbound event channel. Producers never
	// block: when the queue is full the event is dropped with a warning.
	queueCapacity = 256
)

// retryBackoff is waited between failed model attempts. The initial
// attempt plus one retry per entry gives four attempts total.
var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Options configures an Agent. Invoker, Builder, and Ledger are required.
type Options struct {
	Invoker llm.Invoker
	Builder *PromptBuilder
	Ledger  *Ledger
	Layout  paths.Layout

	// Model and MaxTokens are passed through on every evaluation request.
	Model     string
	MaxTokens int

	// Debounce is the quiet period after the last queued event.
	// MaxWait is the ceiling from the first queued event, after which the
	// batch fires even if events keep arriving. Cooldown is the minimum
	// spacing after an evaluation before the next may begin.
	Debounce time.Duration
	MaxWait  time.Duration
	Cooldown time.Duration

	// EvalTimeout bounds a single model attempt.
	EvalTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Agent is the coordinator's evaluation scheduler. Components queue
// events as the system changes; the agent debounces them, collapses
// each burst into one event per session, builds a prompt snapshot, and
// runs the model with the apc tool attached. At most one evaluation
// batch runs at a time.
type Agent struct {
	invoker llm.Invoker
	builder *PromptBuilder
	ledger  *Ledger
	layout  paths.Layout
	clk     clock.Clock
	m       *metrics.Metrics
	tracer  trace.Tracer

	model       string
	maxTokens   int
	debounce    time.Duration
	maxWait     time.Duration
	cooldown    time.Duration
	evalTimeout time.Duration

	events   chan Event
	evalDone chan time.Time

	pausedMu sync.Mutex
	paused   map[string]string // session -> reason

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New builds an Agent. Call Start to begin scheduling.
func New(opts Options) (*Agent, error) {
	if opts.Invoker == nil {
		return nil, fmt.Errorf("coordinator: Invoker is required")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("coordinator: Builder is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("coordinator: Ledger is required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("coordinator")
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	evalTimeout := opts.EvalTimeout
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		invoker:     opts.Invoker,
		builder:     opts.Builder,
		ledger:      opts.Ledger,
		layout:      opts.Layout,
		clk:         clk,
		m:           opts.Metrics,
		tracer:      tracer,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		debounce:    debounce,
		maxWait:     maxWait,
		cooldown:    cooldown,
		evalTimeout: evalTimeout,
		events:      make(chan Event, queueCapacity),
		evalDone:    make(chan time.Time, 1),
		paused:      make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// Start launches the scheduler loop. Call once.
func (a *Agent) Start() {
	go a.loop()
}

// Stop terminates the loop and waits for it to exit. Safe to call more
// than once, and before Start.
func (a *Agent) Stop() {
	a.cancel()
	a.closeDone()
	<-a.done
}

func (a *Agent) closeDone() {
	a.closeOnce.Do(func() { close(a.done) })
}

// QueueEvent enqueues an event for the session. Never blocks; a full
// queue drops the event with a warning.
func (a *Agent) QueueEvent(session, eventType string, payload map[string]any) {
	ev := Event{Session: session, Type: eventType, Payload: payload, At: a.clk.Now()}
	select {
	case a.events <- ev:
	default:
		log.Warn(log.CatCoord, "event queue full, dropping event",
			"session", session, "event", eventType)
	}
}

// PauseEvaluations suppresses evaluations for the session. Queued and
// future events for it are discarded at fire time until resumed.
func (a *Agent) PauseEvaluations(session, reason string) {
	a.pausedMu.Lock()
	a.paused[session] = reason
	a.pausedMu.Unlock()
	log.Info(log.CatCoord, "evaluations paused", "session", session, "reason", reason)
}

// ResumeEvaluations lifts a pause set by PauseEvaluations.
func (a *Agent) ResumeEvaluations(session string) {
	a.pausedMu.Lock()
	delete(a.paused, session)
	a.pausedMu.Unlock()
	log.Info(log.CatCoord, "evaluations resumed", "session", session)
}

// PausedReason reports whether the session's evaluations are paused.
func (a *Agent) PausedReason(session string) (string, bool) {
	a.pausedMu.Lock()
	defer a.pausedMu.Unlock()
	reason, ok := a.paused[session]
	return reason, ok
}

// RecordOutcome annotates the most recent ledger entry that dispatched
// taskID with the workflow's result, closing the decision feedback loop.
func (a *Agent) RecordOutcome(session, taskID string, success bool, notes string) {
	a.ledger.AnnotateOutcome(session, taskID, Outcome{
		Success:     success,
		Notes:       notes,
		CompletedAt: a.clk.Now(),
	})
}

// History returns the newest n ledger entries for the session.
func (a *Agent) History(session string, n int) []Entry {
	return a.ledger.Recent(session, n)
}

// loop owns all scheduling state. Events arrive on a.events; the timer
// fires debounced batches; evalDone re-opens the scheduler after a
// batch finishes.
func (a *Agent) loop() {
	defer a.closeDone()

	var (
		pending      []Event
		firstEventAt time.Time
		lastEvalEnd  time.Time
		timer        clock.Timer
		evaluating   bool
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	armTimer := func(d time.Duration) {
		stopTimer()
		timer = a.clk.NewTimer(d)
	}
	timerChan := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C()
	}
	inCooldown := func(now time.Time) (time.Duration, bool) {
		if lastEvalEnd.IsZero() {
			return 0, false
		}
		elapsed := now.Sub(lastEvalEnd)
		if elapsed >= a.cooldown {
			return 0, false
		}
		return a.cooldown - elapsed, true
	}
	fire := func() {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		firstEventAt = time.Time{}
		evaluating = true
		go a.runBatch(batch)
	}

	for {
		select {
		case ev := <-a.events:
			pending = append(pending, ev)
			if len(pending) == 1 {
				firstEventAt = ev.At
			}
			if evaluating {
				// Scheduling resumes when the running batch reports done.
				continue
			}
			now := a.clk.Now()
			if remaining, cooling := inCooldown(now); cooling {
				armTimer(remaining + a.debounce)
				continue
			}
			if now.Sub(firstEventAt) >= a.maxWait {
				fire()
				continue
			}
			armTimer(a.debounce)

		case <-timerChan():
			timer = nil
			now := a.clk.Now()
			if remaining, cooling := inCooldown(now); cooling {
				armTimer(remaining + a.debounce)
				continue
			}
			fire()

		case end := <-a.evalDone:
			evaluating = false
			// A zero end means every session in the batch was skipped;
			// no evaluation ran, so no cooldown begins.
			if !end.IsZero() {
				lastEvalEnd = end
			}
			if len(pending) > 0 {
				if remaining, cooling := inCooldown(a.clk.Now()); cooling {
					armTimer(remaining + a.debounce)
				} else {
					armTimer(a.debounce)
				}
			}

		case <-a.ctx.Done():
			stopTimer()
			return
		}
	}
}

// runBatch evaluates one fired batch, one session at a time in
// first-seen order, then reports completion back to the loop.
func (a *Agent) runBatch(batch []Event) {
	ran := false
	defer func() {
		var end time.Time
		if ran {
			end = a.clk.Now()
		}
		select {
		case a.evalDone <- end:
		case <-a.ctx.Done():
		}
	}()

	bySession := make(map[string][]Event)
	var order []string
	for _, ev := range batch {
		if _, seen := bySession[ev.Session]; !seen {
			order = append(order, ev.Session)
		}
		bySession[ev.Session] = append(bySession[ev.Session], ev)
	}

	for _, session := range order {
		if reason, paused := a.PausedReason(session); paused {
			log.Debug(log.CatCoord, "evaluation skipped, session paused",
				"session", session, "reason", reason, "events", len(bySession[session]))
			continue
		}
		ran = true
		a.evaluate(a.ctx, session, combineEvents(bySession[session]))
	}
}

// evaluate runs one model evaluation for the session and records the
// decision in the ledger. Failures are recorded too, so the next prompt
// shows the model what went wrong.
func (a *Agent) evaluate(ctx context.Context, session string, ev Event) {
	start := a.clk.Now()
	evalID := uuid.NewString()

	ctx, span := a.tracer.Start(ctx, "coordinator.evaluate", trace.WithAttributes(
		attribute.String("apc.session", session),
		attribute.String("apc.event", ev.Type),
		attribute.String("apc.evaluation_id", evalID),
	))
	defer span.End()

	log.Info(log.CatCoord, "evaluation started",
		"session", session, "event", ev.Type, "evalId", evalID)

	prompt, err := a.builder.Build(ctx, session, ev)
	if err != nil {
		span.RecordError(err)
		log.ErrorErr(log.CatCoord, "prompt build failed", err, "session", session)
		a.m.EvaluationDone("prompt_error", a.clk.Since(start))
		return
	}
	a.writeAudit(session, evalID, start, "prompt", prompt)

	resp, err := a.complete(ctx, session, prompt)
	elapsed := a.clk.Since(start)
	if err != nil {
		span.RecordError(err)
		log.ErrorErr(log.CatCoord, "evaluation failed", err,
			"session", session, "event", ev.Type, "evalId", evalID)
		a.m.EvaluationDone("failed", elapsed)
		if aerr := a.ledger.Append(session, Entry{
			ID:           evalID,
			Session:      session,
			At:           start,
			Event:        ev.Type,
			EventSummary: describeEvent(ev),
			Reasoning:    "evaluation failed: " + err.Error(),
			DurationMs:   elapsed.Milliseconds(),
		}); aerr != nil {
			log.ErrorErr(log.CatCoord, "ledger append failed", aerr, "session", session)
		}
		return
	}
	a.writeAudit(session, evalID, start, "output", resp.Text)

	entry := Entry{
		ID:              evalID,
		Session:         session,
		At:              start,
		Event:           ev.Type,
		EventSummary:    describeEvent(ev),
		Reasoning:       extractReasoning(resp.Text),
		Confidence:      extractConfidence(resp.Text),
		DispatchedTasks: dispatchedTasks(resp.ToolCalls),
		ToolCalls:       len(resp.ToolCalls),
		DurationMs:      elapsed.Milliseconds(),
	}
	if err := a.ledger.Append(session, entry); err != nil {
		log.ErrorErr(log.CatCoord, "ledger append failed", err, "session", session)
	}
	a.m.EvaluationDone("success", elapsed)
	span.SetAttributes(
		attribute.Int("apc.tool_calls", entry.ToolCalls),
		attribute.Float64("apc.confidence", entry.Confidence),
	)
	log.Info(log.CatCoord, "evaluation complete",
		"session", session, "event", ev.Type, "evalId", evalID,
		"toolCalls", entry.ToolCalls, "dispatched", strings.Join(entry.DispatchedTasks, ","),
		"confidence", entry.Confidence, "elapsedMs", entry.DurationMs)
}

// complete runs the model with retries: the initial attempt plus one
// per backoff entry, waiting 2s/4s/8s between failures.
func (a *Agent) complete(ctx context.Context, session, prompt string) (llm.Response, error) {
	req := llm.Request{
		Prompt:    prompt,
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Timeout:   a.evalTimeout,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := a.invoker.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= len(retryBackoff) {
			break
		}
		delay := retryBackoff[attempt]
		log.Warn(log.CatLLM, "model call failed, retrying",
			"session", session, "attempt", attempt+1, "backoff", delay.String(), "error", err.Error())
		if !a.sleep(ctx, delay) {
			return llm.Response{}, ctx.Err()
		}
	}
	return llm.Response{}, fmt.Errorf("model call failed after %d attempts: %w", len(retryBackoff)+1, lastErr)
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := a.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// writeAudit drops the full prompt or model output next to the session's
// coordinator history for postmortems. Audit failures never block the
// evaluation.
func (a *Agent) writeAudit(session, evalID string, at time.Time, kind, content string) {
	if err := a.layout.EnsureSession(session); err != nil {
		log.Warn(log.CatCoord, "audit dir unavailable", "session", session, "error", err.Error())
		return
	}
	name := fmt.Sprintf("%s_%s_%s.txt", at.Format("20060102T150405"), evalID, kind)
	path := filepath.Join(a.layout.CoordinatorsDir(session), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // G306: audit trail, not secrets
		log.Warn(log.CatCoord, "audit write failed", "path", path, "error", err.Error())
	}
}

// extractReasoning pulls the REASONING: block from the model's final
// text, up to the CONFIDENCE: marker, capped at reasoningLimit.
func extractReasoning(text string) string {
	idx := strings.LastIndex(text, "REASONING:")
	if idx < 0 {
		return ""
	}
	rest := text[idx+len("REASONING:"):]
	if c := strings.Index(rest, "CONFIDENCE:"); c >= 0 {
		rest = rest[:c]
	}
	rest = strings.TrimSpace(rest)
	if len(rest) > reasoningLimit {
		rest = rest[:reasoningLimit]
	}
	return rest
}

// extractConfidence parses the CONFIDENCE: float, clamped to [0, 1].
// Absent or malformed markers yield 0.
func extractConfidence(text string) float64 {
	idx := strings.LastIndex(text, "CONFIDENCE:")
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSpace(text[idx+len("CONFIDENCE:"):])
	if i := strings.IndexAny(rest, " \t\r\n"); i >= 0 {
		rest = rest[:i]
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// dispatchedTasks collects task ids the model started via the apc tool,
// recovered from observed `task start <id>` invocations.
func dispatchedTasks(calls []llm.ToolCall) []string {
	var ids []string
	for _, tc := range calls {
		if len(tc.Argv) < 3 || tc.Argv[0] != "task" || tc.Argv[1] != "start" {
			continue
		}
		id := taskid.Normalize(tc.Argv[2])
		if taskid.IsValid(id) {
			ids = append(ids, id)
		}
	}
	return ids
}
