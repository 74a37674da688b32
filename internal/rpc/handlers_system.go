package rpc

import (
	"context"
	"runtime"

	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/orchestrator"
)

// unityReportError queues a unity_error coordinator event. Errors with
// no session land in the reserved error session, which is created on
// first use.
func (r *Router) unityReportError(_ context.Context, p params) (any, error) {
	message, err := p.str("message")
	if err != nil {
		return nil, err
	}
	sess := p.optStr("session")
	if sess == "" {
		es, err := r.deps.Sessions.EnsureErrorSession()
		if err != nil {
			return nil, err
		}
		sess = es.ID
	} else if _, err := r.deps.Sessions.Get(sess); err != nil {
		return nil, err
	}
	payload := map[string]any{"message": message}
	if file := p.optStr("file"); file != "" {
		payload["file"] = file
	}
	if line, err := p.optInt("line", 0); err != nil {
		return nil, err
	} else if line > 0 {
		payload["line"] = line
	}
	r.deps.Coordinator.QueueEvent(sess, coordinator.EventUnityError, payload)
	return map[string]any{"queued": true, "session": sess}, nil
}

func (r *Router) unityStatus(_ context.Context, _ params) (any, error) {
	return map[string]any{"enabled": r.deps.Runtime.UnityEnabled()}, nil
}

func (r *Router) coordinatorEvaluate(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	if err := r.deps.Orch.TriggerEvaluation(sess, p.optStr("reason")); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true}, nil
}

func (r *Router) coordinatorHistory(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	limit, err := p.optInt("limit", 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": r.deps.Coordinator.History(sess, limit)}, nil
}

func (r *Router) coordinatorPause(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	reason := p.optStr("reason")
	if reason == "" {
		reason = "paused via rpc"
	}
	r.deps.Coordinator.PauseEvaluations(sess, reason)
	return map[string]any{"paused": true}, nil
}

func (r *Router) coordinatorResume(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	r.deps.Coordinator.ResumeEvaluations(sess)
	return map[string]any{"paused": false}, nil
}

func (r *Router) processPause(_ context.Context, p params) (any, error) {
	procID, err := p.str("procId")
	if err != nil {
		return nil, err
	}
	meta, err := p.optMap("meta")
	if err != nil {
		return nil, err
	}
	return r.deps.Orch.PauseProcess(procID, meta)
}

func (r *Router) processResume(_ context.Context, p params) (any, error) {
	procID, err := p.str("procId")
	if err != nil {
		return nil, err
	}
	resumed, err := r.deps.Orch.ResumeProcess(procID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"resumed": resumed}, nil
}

func (r *Router) processList(_ context.Context, _ params) (any, error) {
	procs, err := r.deps.Orch.PausedProcesses()
	if err != nil {
		return nil, err
	}
	return map[string]any{"processes": procs}, nil
}

func (r *Router) configGet(_ context.Context, p params) (any, error) {
	key := p.optStr("key")
	if key == "" {
		return r.deps.Runtime.Snapshot(), nil
	}
	v, ok := r.deps.Runtime.Get(key)
	if !ok {
		return nil, fault.New(fault.Validation, "key %q is not runtime-tunable", key)
	}
	return map[string]any{"key": key, "value": v}, nil
}

func (r *Router) configSet(_ context.Context, p params) (any, error) {
	key, err := p.str("key")
	if err != nil {
		return nil, err
	}
	value, ok := p["value"]
	if !ok {
		return nil, fault.New(fault.Validation, "param %q is required", "value")
	}
	if err := r.deps.Runtime.Set(key, value); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "config.set rejected")
	}
	v, _ := r.deps.Runtime.Get(key)
	return map[string]any{"key": key, "value": v, "ok": true}, nil
}

func (r *Router) foldersList(_ context.Context, _ params) (any, error) {
	return map[string]any{
		"plansDir":   r.deps.Layout.PlansDir(),
		"contextDir": r.deps.Layout.ContextDir(),
		"stateDir":   r.deps.Layout.StateDir(),
		"promptsDir": r.deps.Layout.PromptsDir(),
	}, nil
}

func (r *Router) promptsList(ctx context.Context, _ params) (any, error) {
	templates, err := r.deps.Templates.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": templates}, nil
}

// promptsGet includes the template body, which List deliberately omits.
func (r *Router) promptsGet(ctx context.Context, p params) (any, error) {
	name, err := p.str("name")
	if err != nil {
		return nil, err
	}
	tpl, err := r.deps.Templates.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":        tpl.Name,
		"description": tpl.Description,
		"source":      tpl.Source,
		"content":     tpl.Content,
	}, nil
}

func (r *Router) promptsSet(_ context.Context, p params) (any, error) {
	name, err := p.str("name")
	if err != nil {
		return nil, err
	}
	content, err := p.str("content")
	if err != nil {
		return nil, err
	}
	if err := r.deps.Templates.SetOverride(name, content); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "source": "override"}, nil
}

type statusReport struct {
	orchestrator.Snapshot
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
}

func (r *Router) systemStatus(_ context.Context, _ params) (any, error) {
	return statusReport{
		Snapshot:  r.deps.Orch.Status(),
		Version:   r.deps.Version,
		GoVersion: runtime.Version(),
	}, nil
}

func (r *Router) systemPing(_ context.Context, _ params) (any, error) {
	return map[string]any{"pong": true, "ts": r.deps.Clock.Now()}, nil
}

func (r *Router) userAsk(_ context.Context, p params) (any, error) {
	sess, err := p.str("session")
	if err != nil {
		return nil, err
	}
	question, err := p.str("question")
	if err != nil {
		return nil, err
	}
	q, err := r.deps.Orch.AskQuestion(sess, p.optStr("task"), question)
	if err != nil {
		return nil, err
	}
	return map[string]any{"questionId": q.ID}, nil
}

func (r *Router) userRespond(_ context.Context, p params) (any, error) {
	id, err := p.str("questionId")
	if err != nil {
		return nil, err
	}
	answer, err := p.str("answer")
	if err != nil {
		return nil, err
	}
	q, err := r.deps.Orch.AnswerQuestion(id, answer)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "taskId": q.TaskID}, nil
}

func (r *Router) userQuestions(_ context.Context, p params) (any, error) {
	qs := r.deps.Orch.Questions(p.optStr("session"), p.optBool("includeAnswered"))
	return map[string]any{"questions": qs}, nil
}
