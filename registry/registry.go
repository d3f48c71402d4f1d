// Package registry implements the Unit Registry Bridge (spec.md §4.3):
// unit-name derivation from a mount path, and a Registry interface the
// rest of the core calls into for lookup/allocate/free and dependency
// edges. In the real manager the registry is shared across every unit
// kind and backed by the generic unit vtable (spec.md §1 non-goals);
// here it is modeled as an interface with an in-memory reference
// implementation, grounded on the backend-registry pattern the teacher
// uses for pluggable execution environments.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"mountd/mountunit"
)

// EdgeKind is a dependency edge type named in spec.md §4.7.
type EdgeKind int

const (
	EdgeAfter EdgeKind = iota
	EdgeBefore
	EdgeRequires
	EdgeWants
	EdgeConflicts
	EdgeBindsTo
)

var edgeKindNames = [...]string{
	EdgeAfter:     "after",
	EdgeBefore:    "before",
	EdgeRequires:  "requires",
	EdgeWants:     "wants",
	EdgeConflicts: "conflicts",
	EdgeBindsTo:   "binds-to",
}

func (k EdgeKind) String() string {
	if int(k) < 0 || int(k) >= len(edgeKindNames) {
		return "unknown"
	}
	return edgeKindNames[k]
}

// Edge is one dependency edge from a unit to a named target. Target
// may be a mount unit name or one of the string identifiers listed in
// spec.md §6 (local-fs.target, quotacheck.service, ...).
type Edge struct {
	Kind   EdgeKind
	Target string
}

// ErrUnknownUnit is returned by lookups that find nothing and were not
// asked to allocate.
type ErrUnknownUnit struct {
	Name string
}

func (e *ErrUnknownUnit) Error() string {
	return fmt.Sprintf("registry: no unit named %q", e.Name)
}

// NameForPath derives the canonical unit name from an absolute,
// normalized mount path (spec.md §4.3): replace "/" with "-", ensure a
// ".mount" suffix, and special-case the root to "-.mount".
func NameForPath(where string) (string, error) {
	norm, err := mountunit.NormalizePath(where)
	if err != nil {
		return "", err
	}
	if norm == mountunit.RootPath {
		return "-.mount", nil
	}

	trimmed := strings.TrimPrefix(norm, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "-")
	return escaped + ".mount", nil
}

// Registry is the API the core calls into (spec.md §4.3): lookup by
// name, allocate, mark for load, mark for notification, attach
// dependency edges. It is intentionally agnostic of mount-specific
// semantics; the mount subsystem is one caller among the generic unit
// vtable's many kinds.
type Registry interface {
	// Lookup returns the unit named name, or ErrUnknownUnit.
	Lookup(name string) (*mountunit.Unit, error)

	// LookupOrCreate returns the existing unit named name, or
	// allocates a fresh DEAD one via newUnit and registers it.
	LookupOrCreate(name string, newUnit func() *mountunit.Unit) (unit *mountunit.Unit, created bool)

	// Free removes a unit from the registry. Callers must have already
	// checked the garbage-collection predicate (spec.md §4.8, §3
	// "Lifecycle").
	Free(name string) error

	// MarkForLoad enqueues name for the dependency builder / loader to
	// process before the next dispatch point (spec.md §4.8 step 3).
	MarkForLoad(name string)

	// DrainLoadQueue returns and clears the names marked for load.
	DrainLoadQueue() []string

	// AddEdge attaches a dependency edge from "from" to edge.Target.
	AddEdge(from string, edge Edge)

	// Edges returns the edges currently attached to name, in
	// insertion order.
	Edges(name string) []Edge

	// Names returns every registered unit name in a stable order.
	Names() []string
}

// memRegistry is the in-memory reference Registry. It is the only
// implementation in this repository: the real unit registry bridges
// into the generic manager's unit table, which is out of scope
// (spec.md §1).
type memRegistry struct {
	mu        sync.Mutex
	units     map[string]*mountunit.Unit
	edges     map[string][]Edge
	loadQueue []string
	queued    map[string]bool
}

// New constructs an empty in-memory Registry.
func New() Registry {
	return &memRegistry{
		units:  make(map[string]*mountunit.Unit),
		edges:  make(map[string][]Edge),
		queued: make(map[string]bool),
	}
}

func (r *memRegistry) Lookup(name string) (*mountunit.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[name]
	if !ok {
		return nil, &ErrUnknownUnit{Name: name}
	}
	return u, nil
}

func (r *memRegistry) LookupOrCreate(name string, newUnit func() *mountunit.Unit) (*mountunit.Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.units[name]; ok {
		return u, false
	}
	u := newUnit()
	r.units[name] = u
	return u, true
}

func (r *memRegistry) Free(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.units[name]; !ok {
		return &ErrUnknownUnit{Name: name}
	}
	delete(r.units, name)
	delete(r.edges, name)
	delete(r.queued, name)
	return nil
}

func (r *memRegistry) MarkForLoad(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queued[name] {
		return
	}
	r.queued[name] = true
	r.loadQueue = append(r.loadQueue, name)
}

func (r *memRegistry) DrainLoadQueue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.loadQueue
	r.loadQueue = nil
	for _, name := range queue {
		delete(r.queued, name)
	}
	return queue
}

func (r *memRegistry) AddEdge(from string, edge Edge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.edges[from] {
		if existing == edge {
			return
		}
	}
	r.edges[from] = append(r.edges[from], edge)
}

func (r *memRegistry) Edges(name string) []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()

	edges := make([]Edge, len(r.edges[name]))
	copy(edges, r.edges[name])
	return edges
}

func (r *memRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
