package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/rs/zerolog"
)

// Authority resolves role hierarchies and permissions. The role graph is an
// immutable snapshot rebuilt wholesale on reload and swapped atomically, so
// readers never observe a partially updated hierarchy.
type Authority struct {
	graph  atomic.Pointer[graph]
	logger zerolog.Logger

	subjectMu sync.RWMutex
	subjects  map[string]map[string]bool // subject id -> role names
}

// graph is one immutable snapshot of the role hierarchy with precomputed
// transitive permission closures
type graph struct {
	roles   map[string]*types.Role
	closure map[string]map[string]types.Permission // role -> permission key -> permission

	// Closure cache per sorted role-set key; dies with the snapshot so a
	// reload invalidates it implicitly
	cacheMu sync.RWMutex
	cache   map[string]map[string]types.Permission
}

// NewAuthority creates an authority with an empty role graph
func NewAuthority() *Authority {
	a := &Authority{
		logger:   log.WithComponent("rbac"),
		subjects: make(map[string]map[string]bool),
	}
	a.graph.Store(&graph{
		roles:   make(map[string]*types.Role),
		closure: make(map[string]map[string]types.Permission),
		cache:   make(map[string]map[string]types.Permission),
	})
	return a
}

// Load validates the role set and atomically replaces the active graph.
// Cycles and unknown parent references reject the whole load, leaving the
// previous graph in service.
func (a *Authority) Load(roles []*types.Role) error {
	g, err := buildGraph(roles)
	if err != nil {
		return types.NewRBACError("load roles", err)
	}
	a.graph.Store(g)
	a.logger.Info().Int("roles", len(roles)).Msg("role graph reloaded")
	return nil
}

// PermissionsFor returns the transitive permission closure of a role set.
// Unknown role names are skipped but logged as a data-quality warning.
func (a *Authority) PermissionsFor(roleNames []string) map[string]types.Permission {
	g := a.graph.Load()

	key := cacheKey(roleNames)
	g.cacheMu.RLock()
	cached, ok := g.cache[key]
	g.cacheMu.RUnlock()
	if ok {
		return cached
	}

	perms := make(map[string]types.Permission)
	for _, name := range roleNames {
		roleClosure, ok := g.closure[name]
		if !ok {
			a.logger.Warn().Str("role", name).Msg("unknown role in request role set")
			continue
		}
		for k, p := range roleClosure {
			perms[k] = p
		}
	}

	g.cacheMu.Lock()
	g.cache[key] = perms
	g.cacheMu.Unlock()

	return perms
}

// Check reports whether the role set's closure grants the required permission
func (a *Authority) Check(roleNames []string, required types.Permission) bool {
	for _, granted := range a.PermissionsFor(roleNames) {
		if granted.Covers(required) {
			return true
		}
	}
	return false
}

// AssignRole grants a role to a subject, effective immediately for
// subsequent requests
func (a *Authority) AssignRole(subjectID, roleName string) error {
	g := a.graph.Load()
	if _, ok := g.roles[roleName]; !ok {
		return types.NewRBACError("assign role", fmt.Errorf("unknown role %q", roleName))
	}

	a.subjectMu.Lock()
	defer a.subjectMu.Unlock()

	if a.subjects[subjectID] == nil {
		a.subjects[subjectID] = make(map[string]bool)
	}
	a.subjects[subjectID][roleName] = true
	return nil
}

// RevokeRole removes a role from a subject, effective immediately
func (a *Authority) RevokeRole(subjectID, roleName string) {
	a.subjectMu.Lock()
	defer a.subjectMu.Unlock()

	delete(a.subjects[subjectID], roleName)
	if len(a.subjects[subjectID]) == 0 {
		delete(a.subjects, subjectID)
	}
}

// RolesOf returns the roles currently assigned to a subject
func (a *Authority) RolesOf(subjectID string) []string {
	a.subjectMu.RLock()
	defer a.subjectMu.RUnlock()

	names := make([]string, 0, len(a.subjects[subjectID]))
	for name := range a.subjects[subjectID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roles returns the names of all loaded roles
func (a *Authority) Roles() []string {
	g := a.graph.Load()
	names := make([]string, 0, len(g.roles))
	for name := range g.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildGraph(roles []*types.Role) (*graph, error) {
	byName := make(map[string]*types.Role, len(roles))
	for _, role := range roles {
		if role.Name == "" {
			return nil, fmt.Errorf("role with empty name")
		}
		if _, dup := byName[role.Name]; dup {
			return nil, fmt.Errorf("duplicate role %q", role.Name)
		}
		byName[role.Name] = role
	}

	for _, role := range roles {
		for _, parent := range role.Parents {
			if _, ok := byName[parent]; !ok {
				return nil, fmt.Errorf("role %q references unknown parent %q", role.Name, parent)
			}
		}
	}

	if cycle := findCycle(byName); cycle != nil {
		return nil, fmt.Errorf("role hierarchy contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	g := &graph{
		roles:   byName,
		closure: make(map[string]map[string]types.Permission, len(byName)),
		cache:   make(map[string]map[string]types.Permission),
	}
	for name := range byName {
		g.closure[name] = computeClosure(byName, name, make(map[string]bool))
	}
	return g, nil
}

// computeClosure unions a role's own permissions with all ancestor
// permissions. Inactive roles contribute nothing.
func computeClosure(roles map[string]*types.Role, name string, visited map[string]bool) map[string]types.Permission {
	perms := make(map[string]types.Permission)
	if visited[name] {
		return perms
	}
	visited[name] = true

	role := roles[name]
	if role == nil || !role.Active {
		return perms
	}

	for _, p := range role.Permissions {
		perms[p.String()] = p
	}
	for _, parent := range role.Parents {
		for k, p := range computeClosure(roles, parent, visited) {
			perms[k] = p
		}
	}
	return perms
}

// findCycle runs a three-color DFS over the parent edges and returns one
// cycle path if any exists
func findCycle(roles map[string]*types.Role) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(roles))

	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		path = append(path, name)

		role := roles[name]
		for _, parent := range role.Parents {
			switch color[parent] {
			case gray:
				// Found a back edge; slice out the cycle
				for i, n := range path {
					if n == parent {
						return append(append([]string{}, path[i:]...), parent)
					}
				}
				return []string{parent, name, parent}
			case white:
				if cycle := visit(parent); cycle != nil {
					return cycle
				}
			}
		}

		color[name] = black
		path = path[:len(path)-1]
		return nil
	}

	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == white {
			path = path[:0]
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func cacheKey(roleNames []string) string {
	sorted := make([]string, len(roleNames))
	copy(sorted, roleNames)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
