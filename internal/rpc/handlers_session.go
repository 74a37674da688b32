package rpc

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/session"
)

func (r *Router) sessionList(_ context.Context, _ params) (any, error) {
	return map[string]any{"sessions": r.deps.Sessions.List()}, nil
}

func (r *Router) sessionGet(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	return r.deps.Sessions.Get(id)
}

// sessionCreate registers a session for the external planning subsystem
// and records the requirement text it will plan against. The id is
// allocated when the caller does not bring one.
func (r *Router) sessionCreate(_ context.Context, p params) (any, error) {
	requirement, err := p.str("requirement")
	if err != nil {
		return nil, err
	}
	id := p.optStr("session")
	if id == "" {
		id = r.nextSessionID()
	}
	sess, err := r.deps.Sessions.Create(id)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Layout.EnsureSession(sess.ID); err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "creating session directories for %s", sess.ID)
	}
	if err := os.WriteFile(r.deps.Layout.RequirementFile(sess.ID),
		[]byte(strings.TrimSpace(requirement)+"\n"), 0o644); err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "writing requirement for %s", sess.ID)
	}
	r.deps.Broadcast.Publish(broadcast.SessionCreated, sess.ID, map[string]any{
		"status": string(sess.Status),
	})
	return sess, nil
}

// nextSessionID allocates the lowest unused PS_NNNNNN above the current
// maximum. The reserved error session does not count.
func (r *Router) nextSessionID() string {
	max := 0
	for _, sess := range r.deps.Sessions.List() {
		if sess.ID == session.ErrorSessionID {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(sess.ID, "PS_"))
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("PS_%06d", max+1)
}

func (r *Router) sessionApprove(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Sessions.Transition(id, session.StatusApproved)
	if err != nil {
		return nil, err
	}
	r.deps.Broadcast.Publish(broadcast.SessionUpdated, sess.ID, map[string]any{
		"status": string(sess.Status),
	})
	return map[string]any{"status": sess.Status}, nil
}

func (r *Router) sessionComplete(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Orch.CompleteSession(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": sess.Status}, nil
}

func (r *Router) sessionCancel(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Orch.CancelSession(id, p.optStr("reason"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": sess.Status}, nil
}

func (r *Router) planGet(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	path := sess.PlanPath
	if path == "" {
		path = r.deps.Layout.PlanFile(sess.ID)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.Precondition,
			"session %s has no plan yet (status %s)", sess.ID, sess.Status)
	}
	return map[string]any{"path": path, "content": string(content)}, nil
}

func (r *Router) planStatus(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	sess, err := r.deps.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": sess.Status, "planPath": sess.PlanPath}, nil
}

func (r *Router) execStart(_ context.Context, p params) (any, error) {
	id, err := p.str("session")
	if err != nil {
		return nil, err
	}
	if err := r.deps.Orch.ExecStart(id); err != nil {
		return nil, err
	}
	return map[string]any{"triggered": true}, nil
}
