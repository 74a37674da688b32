// Package orchestrator glues the daemon's singletons together: it
// dispatches workflows, pumps the agent request queue, arbitrates task
// occupancy conflicts, relays terminal outcomes to the coordinator, and
// runs periodic cleanup. One orchestrator per daemon.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/workflow"
)

const (
	// DefaultCleanupInterval paces the periodic maintenance pass.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultSessionAge is how long a terminal session survives before
	// cleanup removes it from the store.
	DefaultSessionAge = 4 * time.Hour
	// DefaultArchiveGrace is how long finished workflow objects stay
	// live before eviction archives them.
	DefaultArchiveGrace = 5 * time.Minute
)

// Options wires the daemon's singletons into the orchestrator. The
// first seven are required.
type Options struct {
	Sessions    *session.Store
	Tasks       *task.Store
	Pool        *pool.Pool
	Engine      *workflow.Engine
	Coordinator *coordinator.Agent
	Ledger      *coordinator.Ledger
	Broadcast   *broadcast.Broadcaster

	Rendezvous *rendezvous.Rendezvous
	Layout     paths.Layout
	Clock      clock.Clock
	Metrics    *metrics.Metrics

	CleanupInterval time.Duration
	SessionAge      time.Duration
	ArchiveGrace    time.Duration
}

// dispatchSpec remembers how a live workflow was started so a parked
// conflict waiter can be re-dispatched with the same input.
type dispatchSpec struct {
	Session string
	Type    string
	Input   workflow.Input
}

// Orchestrator owns the engine event loop and the glue state around it.
type Orchestrator struct {
	sessions *session.Store
	tasks    *task.Store
	pool     *pool.Pool
	engine   *workflow.Engine
	coord    *coordinator.Agent
	ledger   *coordinator.Ledger
	bcast    *broadcast.Broadcaster
	rdv      *rendezvous.Rendezvous
	layout   paths.Layout
	clk      clock.Clock
	m        *metrics.Metrics

	cleanupInterval time.Duration
	sessionAge      time.Duration
	archiveGrace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	startedAt time.Time

	// per-task-id start locks serialize StartTaskWorkflow.
	startMu    sync.Mutex
	startLocks map[string]*sync.Mutex

	queueMu    sync.Mutex
	agentQueue []workflow.AgentRequest
	pumping    atomic.Bool

	// specs and waiting are keyed by workflow id; waiting marks
	// workflows parked by wait_for_others arbitration.
	specMu  sync.Mutex
	specs   map[string]dispatchSpec
	waiting map[string]bool

	qMu       sync.Mutex
	questions map[string]*Question
}

// New validates the wiring and returns an unstarted orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Sessions == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires a session store")
	case opts.Tasks == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires a task store")
	case opts.Pool == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires an agent pool")
	case opts.Engine == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires a workflow engine")
	case opts.Coordinator == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires a coordinator agent")
	case opts.Ledger == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires the coordinator ledger")
	case opts.Broadcast == nil:
		return nil, fault.New(fault.Validation, "orchestrator requires a broadcaster")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.SessionAge <= 0 {
		opts.SessionAge = DefaultSessionAge
	}
	if opts.ArchiveGrace <= 0 {
		opts.ArchiveGrace = DefaultArchiveGrace
	}
	return &Orchestrator{
		sessions:        opts.Sessions,
		tasks:           opts.Tasks,
		pool:            opts.Pool,
		engine:          opts.Engine,
		coord:           opts.Coordinator,
		ledger:          opts.Ledger,
		bcast:           opts.Broadcast,
		rdv:             opts.Rendezvous,
		layout:          opts.Layout,
		clk:             opts.Clock,
		m:               opts.Metrics,
		cleanupInterval: opts.CleanupInterval,
		sessionAge:      opts.SessionAge,
		archiveGrace:    opts.ArchiveGrace,
		ready:           make(chan struct{}),
		startLocks:      make(map[string]*sync.Mutex),
		specs:           make(map[string]dispatchSpec),
		waiting:         make(map[string]bool),
		questions:       make(map[string]*Question),
	}, nil
}

// Start recovers persisted state, subscribes to the engine, and spawns
// the event and cleanup loops. The ready channel closes once recovery
// finished; consumers that must not observe a half-recovered store
// block on SystemReady first.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.startedAt = o.clk.Now()

	if err := o.recover(); err != nil {
		return err
	}

	events := o.engine.Subscribe(o.ctx)
	o.wg.Add(2)
	go o.eventLoop(events)
	go o.cleanupLoop()

	o.readyOnce.Do(func() { close(o.ready) })
	log.Info(log.CatState, "orchestrator ready",
		"sessions", len(o.sessions.List()), "agents", o.pool.Size())
	return nil
}

// recover replays persisted state on daemon start: sessions and pool
// from the state store, task files for every non-terminal session, then
// orphan release against the empty live-workflow set (nothing survives
// a restart) and a readiness recompute.
func (o *Orchestrator) recover() error {
	if err := o.sessions.Load(); err != nil {
		return err
	}
	if _, err := o.sessions.EnsureErrorSession(); err != nil {
		return err
	}
	if err := o.pool.Load(); err != nil {
		return err
	}
	for _, s := range o.sessions.List() {
		if s.IsTerminal() {
			continue
		}
		if _, err := o.tasks.List(s.ID); err != nil {
			log.Warn(log.CatState, "task recovery skipped",
				"session", s.ID, "error", err)
		}
	}
	if freed := o.pool.ReleaseOrphans(nil); len(freed) > 0 {
		log.Info(log.CatState, "released orphaned agents",
			"agents", strings.Join(freed, ","))
	}
	o.tasks.UpdateReadyTasks()
	return nil
}

// SystemReady closes once startup recovery completed.
func (o *Orchestrator) SystemReady() <-chan struct{} { return o.ready }

// Close drains the daemon: cancel every non-terminal workflow serially
// per session, wait for the engine, release whatever agents the
// cancelled workflows still held, then stop the loops. Safe to call
// more than once.
func (o *Orchestrator) Close(ctx context.Context) {
	o.closeOnce.Do(func() {
		for _, s := range o.sessions.List() {
			if n := o.engine.CancelSession(s.ID, "daemon shutdown"); n > 0 {
				log.Info(log.CatState, "cancelled workflows for shutdown",
					"session", s.ID, "count", n)
			}
		}
		if err := o.engine.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatState, "engine shutdown incomplete", err)
		}
		o.pool.ReleaseOrphans(nil)
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
}

// Snapshot is the system.status payload.
type Snapshot struct {
	Ready         bool           `json:"ready"`
	UptimeMs      int64          `json:"uptimeMs"`
	Sessions      int            `json:"sessions"`
	LiveWorkflows int            `json:"liveWorkflows"`
	Agents        map[string]int `json:"agents"`
	AgentRequests int            `json:"agentRequests"`
	OpenQuestions int            `json:"openQuestions"`
}

// Status reports a point-in-time view of the daemon.
func (o *Orchestrator) Status() Snapshot {
	snap := Snapshot{Agents: map[string]int{}}
	select {
	case <-o.ready:
		snap.Ready = true
		snap.UptimeMs = o.clk.Since(o.startedAt).Milliseconds()
	default:
	}
	snap.Sessions = len(o.sessions.List())
	snap.LiveWorkflows = o.engine.LiveCount()
	for state, n := range o.pool.CountByState() {
		snap.Agents[string(state)] = n
	}
	o.queueMu.Lock()
	snap.AgentRequests = len(o.agentQueue)
	o.queueMu.Unlock()
	o.qMu.Lock()
	for _, q := range o.questions {
		if q.RespondedAt.IsZero() {
			snap.OpenQuestions++
		}
	}
	o.qMu.Unlock()
	return snap
}
