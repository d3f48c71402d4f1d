package depgraph

import (
	"fmt"
	"sort"

	"mountd/registry"
)

// ErrCycleDetected is the sentinel every CycleError unwraps to.
var ErrCycleDetected = fmt.Errorf("circular dependency detected among mount units")

// CycleError reports that Order could not fully linearize the
// dependency graph — some unit's Requires/After edges form a cycle.
type CycleError struct {
	TotalUnits   int
	OrderedUnits int
	CycleUnits   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: only %d of %d units ordered", e.OrderedUnits, e.TotalUnits)
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// orderingEdges returns, for a unit, the names it must follow: every
// Requires or After target that is itself a registered unit. Targets
// that aren't units (targets, services) have no in-registry
// predecessor and are not part of the ordering graph.
func orderingEdges(reg registry.Registry, name string, known map[string]bool) []string {
	var preds []string
	for _, e := range reg.Edges(name) {
		if e.Kind != registry.EdgeRequires && e.Kind != registry.EdgeAfter {
			continue
		}
		if known[e.Target] {
			preds = append(preds, e.Target)
		}
	}
	return preds
}

// Order computes a topological ordering of every unit currently in reg
// using Kahn's algorithm over the Requires/After edges: predecessors
// (what a unit must come after) are processed first. Units tied at the
// same in-degree break ties by name for a deterministic order. If the
// graph contains a cycle, Order returns only the partial order it
// managed to compute, with no error; callers detect incompleteness by
// comparing its length with the unit count, as OrderStrict does.
func Order(reg registry.Registry) []string {
	names := reg.Names()
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	// inDegree counts how many registered predecessors each unit still
	// has outstanding; successors maps a unit to the units that name it
	// as a predecessor, mirroring the teacher's IDependOn/DependsOnMe
	// bidirectional link pair built from one edge list.
	inDegree := make(map[string]int, len(names))
	successors := make(map[string][]string, len(names))
	for _, n := range names {
		preds := orderingEdges(reg, n, known)
		inDegree[n] = len(preds)
		for _, p := range preds {
			successors[p] = append(successors[p], n)
		}
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(names))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		var newlyReady []string
		for _, succ := range successors[n] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				newlyReady = append(newlyReady, succ)
			}
		}
		if len(newlyReady) > 0 {
			sort.Strings(newlyReady)
			queue = append(queue, newlyReady...)
		}
	}

	return result
}

// OrderStrict is like Order but fails with a *CycleError if any unit
// could not be placed, naming the unordered remainder.
func OrderStrict(reg registry.Registry) ([]string, error) {
	names := reg.Names()
	order := Order(reg)
	if len(order) == len(names) {
		return order, nil
	}

	placed := make(map[string]bool, len(order))
	for _, n := range order {
		placed[n] = true
	}
	var remaining []string
	for _, n := range names {
		if !placed[n] {
			remaining = append(remaining, n)
		}
	}

	return order, &CycleError{
		TotalUnits:   len(names),
		OrderedUnits: len(order),
		CycleUnits:   remaining,
	}
}
