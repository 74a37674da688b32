// Package idle nudges the coordinator when approved sessions sit on
// runnable work while agents are free. It owns no state machine of its
// own: every nudge is a manual_evaluation event and the coordinator
// decides what, if anything, to run.
package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

const (
	// DefaultTick paces the monitor sweep.
	DefaultTick = 10 * time.Second
	// DefaultIdleThreshold is how long a fully idle session waits
	// before its first nudge.
	DefaultIdleThreshold = time.Minute
	// DefaultTriggerCooldown is the minimum spacing between nudges for
	// one session.
	DefaultTriggerCooldown = 5 * time.Minute
)

// Options wires the monitor. Sessions, Tasks, Engine, Pool, and
// Coordinator are required.
type Options struct {
	Sessions    *session.Store
	Tasks       *task.Store
	Engine      *workflow.Engine
	Pool        *pool.Pool
	Coordinator *coordinator.Agent

	// Ready gates the first sweep behind recovery. Nil means no gate.
	Ready <-chan struct{}
	Clock clock.Clock

	Tick            time.Duration
	IdleThreshold   time.Duration
	TriggerCooldown time.Duration
}

// idleMode distinguishes the two reasons a session counts as idle.
type idleMode int

const (
	// modeEngage: workflows are running and ready tasks are queued
	// behind them; free agents could start more right away.
	modeEngage idleMode = iota
	// modeIdle: nothing is running at all.
	modeIdle
)

// sessionIdle is the per-session ledger the sweep keeps between ticks.
type sessionIdle struct {
	mode        idleMode
	idleSince   time.Time
	lastTrigger time.Time
}

// Monitor periodically inspects approved sessions and queues coordinator
// evaluations for the ones with unused capacity.
type Monitor struct {
	sessions *session.Store
	tasks    *task.Store
	engine   *workflow.Engine
	pool     *pool.Pool
	coord    *coordinator.Agent
	clk      clock.Clock
	ready    <-chan struct{}

	tick      time.Duration
	threshold time.Duration
	cooldown  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state map[string]*sessionIdle
}

// New validates the wiring and returns an unstarted monitor.
func New(opts Options) (*Monitor, error) {
	switch {
	case opts.Sessions == nil:
		return nil, fault.New(fault.Validation, "idle monitor requires a session store")
	case opts.Tasks == nil:
		return nil, fault.New(fault.Validation, "idle monitor requires a task store")
	case opts.Engine == nil:
		return nil, fault.New(fault.Validation, "idle monitor requires a workflow engine")
	case opts.Pool == nil:
		return nil, fault.New(fault.Validation, "idle monitor requires an agent pool")
	case opts.Coordinator == nil:
		return nil, fault.New(fault.Validation, "idle monitor requires a coordinator agent")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.TriggerCooldown <= 0 {
		opts.TriggerCooldown = DefaultTriggerCooldown
	}
	ready := opts.Ready
	if ready == nil {
		closed := make(chan struct{})
		close(closed)
		ready = closed
	}
	return &Monitor{
		sessions:  opts.Sessions,
		tasks:     opts.Tasks,
		engine:    opts.Engine,
		pool:      opts.Pool,
		coord:     opts.Coordinator,
		clk:       opts.Clock,
		ready:     ready,
		tick:      opts.Tick,
		threshold: opts.IdleThreshold,
		cooldown:  opts.TriggerCooldown,
		state:     make(map[string]*sessionIdle),
	}, nil
}

// Start spawns the sweep loop. The first sweep waits for Ready.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	select {
	case <-m.ctx.Done():
		return
	case <-m.ready:
	}
	m.startupNudge()

	t := m.clk.NewTicker(m.tick)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C():
			m.sweep()
		}
	}
}

// startupNudge fires one evaluation per workflow-free approved session
// when the daemon comes up with agents to spare, so recovered plans
// resume without waiting out the idle threshold.
func (m *Monitor) startupNudge() {
	avail := len(m.pool.Available())
	if avail == 0 {
		return
	}
	now := m.clk.Now()
	for _, s := range m.sessions.List() {
		if s.Status != session.StatusApproved {
			continue
		}
		if len(m.engine.NonTerminal(s.ID)) > 0 {
			continue
		}
		m.coord.QueueEvent(s.ID, coordinator.EventManualEvaluation, map[string]any{
			"reason": fmt.Sprintf("daemon start: free_agents=%d", avail),
		})
		m.mu.Lock()
		m.state[s.ID] = &sessionIdle{mode: modeIdle, idleSince: now, lastTrigger: now}
		m.mu.Unlock()
		log.Info(log.CatIdle, "startup nudge", "session", s.ID, "available", avail)
	}
}

// sweep runs one monitor pass over every approved session.
func (m *Monitor) sweep() {
	avail := len(m.pool.Available())
	if avail == 0 {
		return
	}
	now := m.clk.Now()
	for _, s := range m.sessions.List() {
		if s.Status != session.StatusApproved {
			m.clear(s.ID)
			continue
		}
		m.sweepSession(s.ID, now, avail)
	}
}

func (m *Monitor) sweepSession(sess string, now time.Time, avail int) {
	list, err := m.tasks.List(sess)
	if err != nil {
		// half-registered session; skip rather than mis-trigger
		log.Debug(log.CatIdle, "task source unavailable", "session", sess, "error", err)
		return
	}
	ready := 0
	for _, t := range list {
		if t.Status == task.StatusReady {
			ready++
		}
	}
	active := len(m.engine.NonTerminal(sess))

	var mode idleMode
	var threshold time.Duration
	switch {
	case active > 0 && ready > 0:
		// agents could pick up queued work right away
		mode, threshold = modeEngage, 0
	case active == 0 && ready > 0:
		mode, threshold = modeIdle, m.threshold
	default:
		// busy with nothing queued, or nothing runnable at all
		m.clear(sess)
		return
	}

	m.mu.Lock()
	st := m.state[sess]
	if st == nil || st.mode != mode {
		last := time.Time{}
		if st != nil {
			last = st.lastTrigger
		}
		m.state[sess] = &sessionIdle{mode: mode, idleSince: now, lastTrigger: last}
		m.mu.Unlock()
		return
	}
	idleFor := now.Sub(st.idleSince)
	due := idleFor >= threshold &&
		(st.lastTrigger.IsZero() || now.Sub(st.lastTrigger) >= m.cooldown)
	if due {
		st.lastTrigger = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	var reason string
	switch mode {
	case modeEngage:
		reason = fmt.Sprintf("ready tasks queued behind running work: ready=%d running=%d free_agents=%d",
			ready, active, avail)
	case modeIdle:
		reason = fmt.Sprintf("session idle for %s: ready=%d free_agents=%d",
			idleFor.Round(time.Second), ready, avail)
	}
	m.coord.QueueEvent(sess, coordinator.EventManualEvaluation, map[string]any{"reason": reason})
	log.Info(log.CatIdle, "idle trigger fired", "session", sess, "reason", reason)
}

func (m *Monitor) clear(sess string) {
	m.mu.Lock()
	delete(m.state, sess)
	m.mu.Unlock()
}
