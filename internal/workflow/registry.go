package workflow

import (
	"sort"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/taskid"
)

// Workflow type tags. The registry is closed: these four are the only
// types the daemon dispatches.
const (
	TypeTaskImplementation = "task_implementation"
	TypeErrorResolution    = "error_resolution"
	TypeContextGathering   = "context_gathering"
	TypePlanningRevision   = "planning_revision"
)

// PhaseKind separates phases that wait on an external agent stage from
// phases that only advance local progress.
type PhaseKind string

const (
	PhaseLocal    PhaseKind = "local"
	PhaseExternal PhaseKind = "external"
)

// PhaseSpec declares one phase of a workflow type. External phases name
// the rendezvous stage the workflow blocks on.
type PhaseSpec struct {
	Name  string    `json:"name"`
	Kind  PhaseKind `json:"kind"`
	Stage string    `json:"stage,omitempty"`
}

// Metadata describes a registered workflow type.
type Metadata struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`

	// RequiresCompleteDependencies gates dispatch on every dependency
	// of the target task being succeeded.
	RequiresCompleteDependencies bool `json:"requiresCompleteDependencies"`

	// PausesEvaluations suspends coordinator evaluations for the
	// session while an instance of this type runs.
	PausesEvaluations bool `json:"pausesEvaluations"`

	Role       string                  `json:"role"`
	Phases     []PhaseSpec             `json:"phases"`
	Occupancy  task.OccupancyKind      `json:"occupancy"`
	Resolution task.ConflictResolution `json:"resolution"`
}

// Input is the caller-supplied payload for a dispatch.
type Input struct {
	TaskID   string   `json:"taskId,omitempty"`
	TaskIDs  []string `json:"taskIds,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// Factory builds a workflow instance for a dispatch.
type Factory func(id, session string, in Input, deps Deps) *Instance

type registryEntry struct {
	meta    Metadata
	factory Factory
}

// Registry maps workflow type tags to their metadata and factories.
type Registry struct {
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a workflow type. Re-registering a tag is refused.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	if meta.Type == "" {
		return fault.New(fault.Validation, "workflow type tag required")
	}
	if factory == nil {
		return fault.New(fault.Validation, "workflow factory required for %s", meta.Type)
	}
	if _, ok := r.entries[meta.Type]; ok {
		return fault.New(fault.Precondition, "workflow type %s already registered", meta.Type)
	}
	r.entries[meta.Type] = registryEntry{meta: meta, factory: factory}
	return nil
}

// Get returns the metadata and factory for a type tag.
func (r *Registry) Get(wtype string) (Metadata, Factory, error) {
	e, ok := r.entries[wtype]
	if !ok {
		return Metadata{}, nil, fault.New(fault.Validation, "unknown workflow type %q", wtype)
	}
	return e.meta, e.factory, nil
}

// Metadata returns the metadata for a type tag.
func (r *Registry) Metadata(wtype string) (Metadata, bool) {
	e, ok := r.entries[wtype]
	return e.meta, ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Selection returns all metadata rows sorted by type tag; the
// coordinator renders these into its workflow-selection prompt section.
func (r *Registry) Selection() []Metadata {
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// DefaultRegistry builds the closed production registry.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, meta := range builtinTypes {
		meta := meta
		must(r.Register(meta, func(id, session string, in Input, deps Deps) *Instance {
			return newInstance(id, session, meta, in, deps)
		}))
	}
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

var builtinTypes = []Metadata{
	{
		Type:                         TypeTaskImplementation,
		DisplayName:                  "Task implementation",
		Description:                  "Implements one plan task end to end and verifies the result.",
		RequiresCompleteDependencies: true,
		Role:                         pool.RoleImplementer,
		Phases: []PhaseSpec{
			{Name: "preparing", Kind: PhaseLocal},
			{Name: "implementing", Kind: PhaseExternal, Stage: "implementation"},
			{Name: "verifying", Kind: PhaseExternal, Stage: "verification"},
		},
		Occupancy:  task.OccupancyExclusive,
		Resolution: task.ResolutionAbortIfOccupied,
	},
	{
		Type:        TypeErrorResolution,
		DisplayName: "Error resolution",
		Description: "Analyzes a reported failure and applies a fix.",
		Role:        pool.RoleFixer,
		Phases: []PhaseSpec{
			{Name: "analyzing", Kind: PhaseExternal, Stage: "analysis"},
			{Name: "fixing", Kind: PhaseExternal, Stage: "fix"},
		},
		Occupancy:  task.OccupancyExclusive,
		Resolution: task.ResolutionCancelOthers,
	},
	{
		Type:        TypeContextGathering,
		DisplayName: "Context gathering",
		Description: "Scans the codebase for context relevant to upcoming tasks.",
		Role:        pool.RoleResearcher,
		Phases: []PhaseSpec{
			{Name: "scanning", Kind: PhaseExternal, Stage: "context"},
			{Name: "summarizing", Kind: PhaseLocal},
		},
		Occupancy:  task.OccupancyShared,
		Resolution: task.ResolutionWaitForOthers,
	},
	{
		Type:              TypePlanningRevision,
		DisplayName:       "Planning revision",
		Description:       "Drafts a plan revision and applies it to the impacted tasks.",
		PausesEvaluations: true,
		Role:              pool.RoleReviewer,
		Phases: []PhaseSpec{
			{Name: "drafting", Kind: PhaseExternal, Stage: "revision"},
			{Name: "applying", Kind: PhaseLocal},
		},
		Occupancy:  task.OccupancyExclusive,
		Resolution: task.ResolutionCancelOthers,
	},
}

// occupancyTargets resolves which task ids an instance claims. Task
// workflows claim their single task; revision and context workflows
// claim the supplied set.
func occupancyTargets(in Input) []string {
	if in.TaskID != "" {
		return []string{taskid.Normalize(in.TaskID)}
	}
	out := make([]string, 0, len(in.TaskIDs))
	for _, id := range in.TaskIDs {
		out = append(out, taskid.Normalize(id))
	}
	return out
}
