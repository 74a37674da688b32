package pool

import "sort"

// DefaultRoster is the canonical agent name roster. Resize grows the
// pool by taking the first names not already in use, in roster order,
// so the order is part of the contract.
var DefaultRoster = []string{
	"athena", "boreas", "calypso", "daphne",
	"eos", "favonius", "gaia", "helios",
	"iris", "janus", "kratos", "leto",
	"metis", "nyx", "orion", "pallas",
}

// Role registry ids.
const (
	RoleImplementer = "implementer"
	RoleReviewer    = "reviewer"
	RoleResearcher  = "researcher"
	RoleFixer       = "fixer"
)

// Role describes one entry in the closed role registry.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// roles is the closed registry of roles an agent can be allocated
// under. Allocation with any other role id fails validation.
var roles = map[string]Role{
	RoleImplementer: {
		ID:          RoleImplementer,
		Name:        "Implementer",
		Description: "Writes the code for a task",
	},
	RoleReviewer: {
		ID:          RoleReviewer,
		Name:        "Reviewer",
		Description: "Reviews a finished implementation",
	},
	RoleResearcher: {
		ID:          RoleResearcher,
		Name:        "Researcher",
		Description: "Gathers context before implementation starts",
	},
	RoleFixer: {
		ID:          RoleFixer,
		Name:        "Fixer",
		Description: "Resolves build and test failures",
	},
}

// ValidRole reports whether id names a registered role.
func ValidRole(id string) bool {
	_, ok := roles[id]
	return ok
}

// Roles returns the registry sorted by role id.
func Roles() []Role {
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
