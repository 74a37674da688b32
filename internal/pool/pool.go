// Package pool manages the fixed-size agent pool. Each agent moves
// through a four-state lifecycle:
//
//	available ──allocate──▶ allocated ──promote──▶ busy
//	   ▲                        │                    │
//	   │                        └───────release──────┤
//	   └────── cooldown ──── resting ◀───────────────┘
//
// Released agents rest for a cooldown before returning to available.
// A single mutex guards every mutation so allocation decisions are
// serialized process-wide.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/state"
)

// DefaultRestCooldown is how long a released agent rests before it can
// be allocated again.
const DefaultRestCooldown = 5 * time.Second

// State is an agent's lifecycle state.
type State string

const (
	// StateAvailable means the agent can be allocated.
	StateAvailable State = "available"
	// StateResting means the agent was recently released and is cooling down.
	StateResting State = "resting"
	// StateAllocated means the agent is reserved by a workflow but not
	// yet executing a task.
	StateAllocated State = "allocated"
	// StateBusy means the agent is executing a task for its workflow.
	StateBusy State = "busy"
)

// Agent is one pool slot. It doubles as the persisted record and the
// snapshot row.
type Agent struct {
	Name         string     `json:"name"`
	State        State      `json:"state"`
	Session      string     `json:"session,omitempty"`
	Workflow     string     `json:"workflow,omitempty"`
	Role         string     `json:"role,omitempty"`
	Task         string     `json:"task,omitempty"`
	Since        time.Time  `json:"since"`
	RestingUntil *time.Time `json:"restingUntil,omitempty"`
}

func (a *Agent) clone() Agent {
	dup := *a
	if a.RestingUntil != nil {
		until := *a.RestingUntil
		dup.RestingUntil = &until
	}
	return dup
}

// Options configures a Pool.
type Options struct {
	// Size is the initial agent count, drawn from the roster.
	Size int
	// Roster overrides the canonical roster. Empty means DefaultRoster.
	Roster []string
	// Cooldown overrides DefaultRestCooldown. Zero means the default.
	Cooldown time.Duration
	// Clock supplies time and timers. Nil means the real clock.
	Clock clock.Clock
	// Persist and Path wire write-through persistence. A nil Persist
	// disables it.
	Persist *state.Store
	Path    string
	// Metrics receives pool gauges. Nil-safe.
	Metrics *metrics.Metrics
	// OnChange runs after any successful mutation, outside the pool
	// lock. Used to publish pool.changed.
	OnChange func()
}

// Pool is the agent registry. All methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*Agent
	timers map[string]clock.Timer

	roster   []string
	cooldown time.Duration
	clk      clock.Clock
	persist  *state.Store
	path     string
	metrics  *metrics.Metrics
	onChange func()
}

type poolFile struct {
	Agents []*Agent `json:"agents"`
}

// New builds a pool of opts.Size agents, all available.
func New(opts Options) (*Pool, error) {
	roster := opts.Roster
	if len(roster) == 0 {
		roster = DefaultRoster
	}
	if opts.Size < 0 || opts.Size > len(roster) {
		return nil, fault.New(fault.Validation,
			"pool size %d out of range [0,%d]", opts.Size, len(roster))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultRestCooldown
	}
	p := &Pool{
		agents:   make(map[string]*Agent, opts.Size),
		timers:   make(map[string]clock.Timer),
		roster:   roster,
		cooldown: cooldown,
		clk:      clk,
		persist:  opts.Persist,
		path:     opts.Path,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
	}
	now := clk.Now()
	for _, name := range roster[:opts.Size] {
		p.agents[name] = &Agent{Name: name, State: StateAvailable, Since: now}
	}
	return p, nil
}

// Load replaces pool state with the persisted snapshot, if one exists.
// Expired resting entries sweep to available; future ones re-arm their
// timers. Allocated and busy agents are left for ReleaseOrphans.
func (p *Pool) Load() error {
	if p.persist == nil {
		return nil
	}
	var file poolFile
	if err := p.persist.Load(p.path, &file); err != nil {
		if errors.Is(err, state.ErrNotExist) {
			return nil
		}
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = make(map[string]*Agent, len(file.Agents))
	now := p.clk.Now()
	for _, a := range file.Agents {
		p.agents[a.Name] = a
		if a.State == StateResting {
			if a.RestingUntil == nil || !a.RestingUntil.After(now) {
				p.toAvailableLocked(a, now)
			} else {
				p.armRestTimerLocked(a.Name, a.RestingUntil.Sub(now))
			}
		}
	}
	log.Info(log.CatPool, "pool restored", "agents", len(p.agents))
	p.updateGaugesLocked()
	return nil
}

// Allocate reserves up to count available agents for the workflow and
// returns their names, sorted. It may return fewer than count; the
// caller queues for the remainder.
func (p *Pool) Allocate(ctx context.Context, session, workflowID string, count int, roleID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidRole(roleID) {
		return nil, fault.New(fault.Validation, "unknown role %q", roleID)
	}
	if count <= 0 {
		return nil, fault.New(fault.Validation, "allocate count must be positive, got %d", count)
	}

	p.mu.Lock()
	now := p.clk.Now()
	p.sweepLocked(now)
	picked := p.availableLocked()
	if len(picked) > count {
		picked = picked[:count]
	}
	for _, name := range picked {
		a := p.agents[name]
		a.State = StateAllocated
		a.Session = session
		a.Workflow = workflowID
		a.Role = roleID
		a.Task = ""
		a.Since = now
		a.RestingUntil = nil
	}
	err := p.persistLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(picked) > 0 {
		log.Info(log.CatPool, "agents allocated",
			"agents", picked, "session", session, "workflow", workflowID, "role", roleID)
		p.notify()
	}
	return picked, nil
}

// PromoteToBusy moves an allocated agent to busy for a task. Legal only
// when the agent is allocated to the caller's workflow; otherwise it
// logs a warning and returns false.
func (p *Pool) PromoteToBusy(name, workflowID, taskID string) bool {
	p.mu.Lock()
	a, ok := p.agents[name]
	if !ok || a.State != StateAllocated || a.Workflow != workflowID {
		p.mu.Unlock()
		log.Warn(log.CatPool, "promote refused",
			"agent", name, "workflow", workflowID, "task", taskID)
		return false
	}
	a.State = StateBusy
	a.Task = taskID
	a.Since = p.clk.Now()
	err := p.persistLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
	if err != nil {
		return false
	}
	p.notify()
	return true
}

// DemoteToBench moves a busy agent back to allocated, keeping its
// workflow reservation across phase transitions.
func (p *Pool) DemoteToBench(name string) bool {
	p.mu.Lock()
	a, ok := p.agents[name]
	if !ok || a.State != StateBusy {
		p.mu.Unlock()
		log.Warn(log.CatPool, "demote refused", "agent", name)
		return false
	}
	a.State = StateAllocated
	a.Task = ""
	a.Since = p.clk.Now()
	err := p.persistLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
	if err != nil {
		return false
	}
	p.notify()
	return true
}

// Release moves each named agent to resting with a cooldown timer.
// Agents already resting get a fresh cooldown, deferring their
// availability. Unknown names are skipped.
func (p *Pool) Release(names []string) {
	p.mu.Lock()
	now := p.clk.Now()
	released := p.releaseLocked(names, now)
	var err error
	if len(released) > 0 {
		err = p.persistLocked()
		p.updateGaugesLocked()
	}
	p.mu.Unlock()
	if len(released) > 0 && err == nil {
		log.Info(log.CatPool, "agents released", "agents", released)
		p.notify()
	}
}

// ReleaseSessionAgents releases every agent assigned to the session and
// returns their names.
func (p *Pool) ReleaseSessionAgents(session string) []string {
	p.mu.Lock()
	var names []string
	for name, a := range p.agents {
		if a.Session == session && (a.State == StateAllocated || a.State == StateBusy) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	now := p.clk.Now()
	released := p.releaseLocked(names, now)
	var err error
	if len(released) > 0 {
		err = p.persistLocked()
		p.updateGaugesLocked()
	}
	p.mu.Unlock()
	if len(released) > 0 && err == nil {
		log.Info(log.CatPool, "session agents released", "session", session, "agents", released)
		p.notify()
	}
	return released
}

// ReleaseOrphans releases any assigned agent whose workflow is not in
// the live set and returns their names. Running it twice in a row
// reclaims nothing the second time.
func (p *Pool) ReleaseOrphans(liveWorkflows []string) []string {
	live := make(map[string]bool, len(liveWorkflows))
	for _, id := range liveWorkflows {
		live[id] = true
	}
	p.mu.Lock()
	var names []string
	for name, a := range p.agents {
		if (a.State == StateAllocated || a.State == StateBusy) && !live[a.Workflow] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	now := p.clk.Now()
	released := p.releaseLocked(names, now)
	var err error
	if len(released) > 0 {
		err = p.persistLocked()
		p.updateGaugesLocked()
	}
	p.mu.Unlock()
	if len(released) > 0 && err == nil {
		log.Warn(log.CatPool, "orphaned agents reclaimed", "agents", released)
		p.notify()
	}
	return released
}

// ForceRelease releases one agent regardless of state. Unknown names
// log a warning and return false.
func (p *Pool) ForceRelease(name string) bool {
	p.mu.Lock()
	if _, ok := p.agents[name]; !ok {
		p.mu.Unlock()
		log.Warn(log.CatPool, "force release of unknown agent", "agent", name)
		return false
	}
	released := p.releaseLocked([]string{name}, p.clk.Now())
	var err error
	if len(released) > 0 {
		err = p.persistLocked()
		p.updateGaugesLocked()
	}
	p.mu.Unlock()
	if len(released) == 0 || err != nil {
		return false
	}
	log.Info(log.CatPool, "agent force released", "agent", name)
	p.notify()
	return true
}

// Resize grows the pool from unused roster names or shrinks it by
// removing available agents. A shrink below the assigned count removes
// what it can; the returned size reports what remains.
func (p *Pool) Resize(newSize int) (int, error) {
	if newSize < 0 || newSize > len(p.roster) {
		return p.Size(), fault.New(fault.Validation,
			"pool size %d out of range [0,%d]", newSize, len(p.roster))
	}
	p.mu.Lock()
	now := p.clk.Now()
	p.sweepLocked(now)

	if newSize > len(p.agents) {
		for _, name := range p.roster {
			if len(p.agents) == newSize {
				break
			}
			if _, ok := p.agents[name]; ok {
				continue
			}
			p.agents[name] = &Agent{Name: name, State: StateAvailable, Since: now}
		}
	} else if newSize < len(p.agents) {
		// Remove available agents only, never assigned or resting ones.
		removable := p.availableLocked()
		excess := len(p.agents) - newSize
		if excess > len(removable) {
			excess = len(removable)
		}
		// Drop from the end so low-roster names stay longest.
		for i := 0; i < excess; i++ {
			delete(p.agents, removable[len(removable)-1-i])
		}
	}

	size := len(p.agents)
	err := p.persistLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
	if err != nil {
		return size, err
	}
	if size != newSize {
		log.Warn(log.CatPool, "resize fell short", "requested", newSize, "actual", size)
	} else {
		log.Info(log.CatPool, "pool resized", "size", size)
	}
	p.notify()
	return size, nil
}

// Snapshot returns a copy of every agent, sorted by name.
func (p *Pool) Snapshot() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CountByState returns the agent count per state.
func (p *Pool) CountByState() map[State]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[State]int, 4)
	for _, a := range p.agents {
		counts[a.State]++
	}
	return counts
}

// Available returns available agent names, sorted, after sweeping
// expired resting entries.
func (p *Pool) Available() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(p.clk.Now())
	return p.availableLocked()
}

// Size returns the current pool cardinality.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// BenchedFor returns allocated (not busy) agents reserved by the given
// workflow, sorted. The bench is workflow-scoped: agents benched by one
// workflow are never offered to another.
func (p *Pool) BenchedFor(workflowID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name, a := range p.agents {
		if a.State == StateAllocated && a.Workflow == workflowID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// releaseLocked moves names to resting and arms their cooldown timers.
// Any state transitions to resting; an agent already resting has its
// cooldown restarted. Returns the names actually mutated. Callers hold
// p.mu.
func (p *Pool) releaseLocked(names []string, now time.Time) []string {
	var released []string
	until := now.Add(p.cooldown)
	for _, name := range names {
		a, ok := p.agents[name]
		if !ok {
			continue
		}
		a.State = StateResting
		a.Session = ""
		a.Workflow = ""
		a.Role = ""
		a.Task = ""
		a.Since = now
		restUntil := until
		a.RestingUntil = &restUntil
		p.armRestTimerLocked(name, p.cooldown)
		released = append(released, name)
	}
	return released
}

// armRestTimerLocked schedules the resting→available sweep for one
// agent, replacing any previous timer. Callers hold p.mu.
func (p *Pool) armRestTimerLocked(name string, d time.Duration) {
	if t, ok := p.timers[name]; ok {
		t.Stop()
	}
	p.timers[name] = p.clk.AfterFunc(d, func() {
		p.mu.Lock()
		changed := false
		if a, ok := p.agents[name]; ok && a.State == StateResting {
			now := p.clk.Now()
			if a.RestingUntil == nil || !a.RestingUntil.After(now) {
				p.toAvailableLocked(a, now)
				changed = true
			}
		}
		var err error
		if changed {
			err = p.persistLocked()
			p.updateGaugesLocked()
		}
		p.mu.Unlock()
		if changed && err == nil {
			p.notify()
		}
	})
}

// sweepLocked moves expired resting agents to available. Runs on every
// allocate so cooldown expiry never depends on timers alone. Callers
// hold p.mu.
func (p *Pool) sweepLocked(now time.Time) {
	for _, a := range p.agents {
		if a.State == StateResting && a.RestingUntil != nil && !a.RestingUntil.After(now) {
			p.toAvailableLocked(a, now)
		}
	}
}

// toAvailableLocked resets one agent to available. Callers hold p.mu.
func (p *Pool) toAvailableLocked(a *Agent, now time.Time) {
	a.State = StateAvailable
	a.Session = ""
	a.Workflow = ""
	a.Role = ""
	a.Task = ""
	a.Since = now
	a.RestingUntil = nil
	if t, ok := p.timers[a.Name]; ok {
		t.Stop()
		delete(p.timers, a.Name)
	}
}

// availableLocked returns available names sorted for deterministic
// allocation. Callers hold p.mu.
func (p *Pool) availableLocked() []string {
	var names []string
	for name, a := range p.agents {
		if a.State == StateAvailable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// persistLocked writes the pool snapshot through the state store.
// Callers hold p.mu.
func (p *Pool) persistLocked() error {
	if p.persist == nil {
		return nil
	}
	file := poolFile{Agents: make([]*Agent, 0, len(p.agents))}
	for _, a := range p.agents {
		file.Agents = append(file.Agents, a)
	}
	sort.Slice(file.Agents, func(i, j int) bool {
		return file.Agents[i].Name < file.Agents[j].Name
	})
	return p.persist.Save(p.path, file)
}

// updateGaugesLocked refreshes the per-state gauges. Callers hold p.mu.
func (p *Pool) updateGaugesLocked() {
	counts := map[State]int{StateAvailable: 0, StateResting: 0, StateAllocated: 0, StateBusy: 0}
	for _, a := range p.agents {
		counts[a.State]++
	}
	for st, n := range counts {
		p.metrics.SetPoolAgents(string(st), n)
	}
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange()
	}
}
