// Package rendezvous matches workflows waiting on stage completions
// with the external agent callbacks that deliver them. Waits are
// one-shot: each (workflow, stage, task) key carries a single channel,
// and whichever of signal and timeout deletes the map row first wins.
package rendezvous

import (
	"context"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/taskid"
)

// liveWarnThreshold is the live-wait count above which registration
// logs loudly; that many stranded waits implies a lost consumer.
const liveWarnThreshold = 100

// Signal is one completion report from an external agent.
type Signal struct {
	WorkflowID string         `json:"workflowId"`
	Stage      string         `json:"stage"`
	TaskID     string         `json:"taskId,omitempty"`
	Result     string         `json:"result"`
	Payload    map[string]any `json:"payload,omitempty"`
	SignaledAt time.Time      `json:"signaledAt"`
}

// Success reports whether the signal carries a successful result.
func (s Signal) Success() bool { return s.Result == "success" }

type key struct {
	workflow string
	stage    string
	task     string
}

type waiter struct {
	ch    chan Signal
	since time.Time
}

// Rendezvous is the completion-signal exchange. Safe for concurrent use.
type Rendezvous struct {
	mu    sync.Mutex
	waits map[key]*waiter

	clk     clock.Clock
	metrics *metrics.Metrics
}

// New builds an empty exchange. A nil clock means the real one.
func New(clk clock.Clock, m *metrics.Metrics) *Rendezvous {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Rendezvous{
		waits:   make(map[key]*waiter),
		clk:     clk,
		metrics: m,
	}
}

// WaitForCompletion registers a one-shot wait and blocks until a
// matching signal, the timeout, or ctx cancellation. A second wait on a
// key already being waited on is refused.
func (r *Rendezvous) WaitForCompletion(ctx context.Context, workflowID, stage string, timeout time.Duration, taskID string) (Signal, error) {
	k := key{workflow: workflowID, stage: stage, task: taskid.Normalize(taskID)}

	r.mu.Lock()
	if _, exists := r.waits[k]; exists {
		r.mu.Unlock()
		return Signal{}, fault.New(fault.Precondition,
			"workflow %s already waits on stage %s", workflowID, stage)
	}
	w := &waiter{ch: make(chan Signal, 1), since: r.clk.Now()}
	r.waits[k] = w
	live := len(r.waits)
	r.mu.Unlock()

	if live > liveWarnThreshold {
		log.Error(log.CatWorkflow, "completion waits piling up, consumer lost?",
			"live", live)
	}

	timer := r.clk.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig, ok := <-w.ch:
		if !ok {
			return Signal{}, fault.New(fault.Internal,
				"completion wait for %s/%s cancelled", workflowID, stage)
		}
		return sig, nil

	case <-timer.C():
		// The signal may have deleted the row first; then the value is
		// already in the channel and the timeout loses.
		r.mu.Lock()
		cur, ok := r.waits[k]
		if ok && cur == w {
			delete(r.waits, k)
			r.mu.Unlock()
			return Signal{}, fault.New(fault.ExternalTimeout,
				"no completion signal for %s stage %s within %s", workflowID, stage, timeout)
		}
		r.mu.Unlock()
		sig, ok := <-w.ch
		if !ok {
			return Signal{}, fault.New(fault.Internal,
				"completion wait for %s/%s cancelled", workflowID, stage)
		}
		return sig, nil

	case <-ctx.Done():
		r.mu.Lock()
		if cur, ok := r.waits[k]; ok && cur == w {
			delete(r.waits, k)
		}
		r.mu.Unlock()
		return Signal{}, ctx.Err()
	}
}

// SignalCompletion resolves the matching wait. When no waiter is
// registered the signal is logged and dropped; nothing queues.
func (r *Rendezvous) SignalCompletion(sig Signal) bool {
	k := key{workflow: sig.WorkflowID, stage: sig.Stage, task: taskid.Normalize(sig.TaskID)}

	r.mu.Lock()
	w, ok := r.waits[k]
	if ok {
		delete(r.waits, k)
	}
	r.mu.Unlock()

	if !ok {
		log.Warn(log.CatWorkflow, "completion signal without waiter dropped",
			"workflow", sig.WorkflowID, "stage", sig.Stage, "task", sig.TaskID)
		r.metrics.RendezvousSignal(false)
		return false
	}
	sig.SignaledAt = r.clk.Now()
	w.ch <- sig
	r.metrics.RendezvousSignal(true)
	return true
}

// CancelPendingSignal tears down waits for a workflow. An empty stage
// cancels every wait the workflow has; a stage (and optional task)
// cancels just that one. Returns how many waits were cancelled.
func (r *Rendezvous) CancelPendingSignal(workflowID, stage, taskID string) int {
	r.mu.Lock()
	var cancelled []*waiter
	for k, w := range r.waits {
		if k.workflow != workflowID {
			continue
		}
		if stage != "" && k.stage != stage {
			continue
		}
		if stage != "" && taskID != "" && k.task != taskid.Normalize(taskID) {
			continue
		}
		cancelled = append(cancelled, w)
		delete(r.waits, k)
	}
	r.mu.Unlock()

	for _, w := range cancelled {
		close(w.ch)
	}
	if len(cancelled) > 0 {
		log.Debug(log.CatWorkflow, "pending completion waits cancelled",
			"workflow", workflowID, "count", len(cancelled))
	}
	return len(cancelled)
}

// Live returns the current number of registered waits.
func (r *Rendezvous) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

// PurgeStale cancels waits older than maxAge and returns how many went.
// Used by the periodic cleanup as a backstop against leaked consumers.
func (r *Rendezvous) PurgeStale(maxAge time.Duration) int {
	cutoff := r.clk.Now().Add(-maxAge)
	r.mu.Lock()
	var stale []*waiter
	for k, w := range r.waits {
		if w.since.Before(cutoff) {
			stale = append(stale, w)
			delete(r.waits, k)
		}
	}
	r.mu.Unlock()

	for _, w := range stale {
		close(w.ch)
	}
	if len(stale) > 0 {
		log.Warn(log.CatWorkflow, "stale completion waits purged",
			"count", len(stale), "maxAge", maxAge)
	}
	return len(stale)
}
