package forge

import (
	"sort"
	"strings"
)

// BuildPlan is a topological layering of the dependency graph. Every library
// appears in exactly one stage, strictly after all of its declared
// dependencies. Stages run in order; libraries within a stage are
// independent of each other.
type BuildPlan struct {
	Stages [][]string
}

// TotalCount returns the number of libraries across all stages.
func (p *BuildPlan) TotalCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage)
	}
	return n
}

// Libraries returns all planned names in stage order.
func (p *BuildPlan) Libraries() []string {
	var names []string
	for _, stage := range p.Stages {
		names = append(names, stage...)
	}
	return names
}

// expandRequest resolves the requested names against the registry, applies
// the ledger overlay, and transitively pulls in declared dependencies. Any
// unknown name fails the whole session before any executor runs.
func expandRequest(reg *Registry, ledger *Ledger, triple Triple, requested []string) (map[string]LibraryDescriptor, error) {
	descs := make(map[string]LibraryDescriptor)

	var visit func(name string) error
	visit = func(name string) error {
		if _, done := descs[name]; done {
			return nil
		}
		d, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		descs[name] = ledger.Overlay(d, triple)
		for _, dep := range d.Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return descs, nil
}

// ComputePlan layers the dependency graph. A cycle is a fatal configuration
// error naming the libraries on it, detected before any build starts.
func ComputePlan(descs map[string]LibraryDescriptor) (*BuildPlan, error) {
	// indegree over the edges that stay inside the plan
	indegree := make(map[string]int, len(descs))
	dependents := make(map[string][]string)
	for name, d := range descs {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range d.Depends {
			if _, inPlan := descs[dep]; !inPlan {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	plan := &BuildPlan{}
	placed := 0

	ready := readyNames(indegree, nil)
	for len(ready) > 0 {
		plan.Stages = append(plan.Stages, ready)
		placed += len(ready)

		next := make(map[string]bool)
		for _, name := range ready {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next[dependent] = true
				}
			}
			delete(indegree, name)
		}
		ready = readyNames(indegree, next)
	}

	if placed != len(descs) {
		// whatever is left participates in (or depends on) a cycle
		return nil, configErrorf(ErrDependencyCycle, "dependency cycle: %s", findCycle(descs, indegree))
	}
	return plan, nil
}

// readyNames collects zero-indegree nodes, sorted for deterministic stages.
// When filter is non-nil only names in it are considered.
func readyNames(indegree map[string]int, filter map[string]bool) []string {
	var ready []string
	for name, deg := range indegree {
		if deg != 0 {
			continue
		}
		if filter != nil && !filter[name] {
			continue
		}
		ready = append(ready, name)
	}
	sort.Strings(ready)
	return ready
}

// findCycle walks the leftover nodes until a name repeats and renders the
// cycle path for the error message.
func findCycle(descs map[string]LibraryDescriptor, leftover map[string]int) string {
	var start string
	var names []string
	for name := range leftover {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)"
	}
	start = names[0]

	seen := make(map[string]int) // name -> position in path
	var path []string
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			cycle := append(path[pos:], cur)
			return strings.Join(cycle, " -> ")
		}
		seen[cur] = len(path)
		path = append(path, cur)

		// follow any dependency that is itself stuck
		next := ""
		deps := append([]string(nil), descs[cur].Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, stuck := leftover[dep]; stuck {
				next = dep
				break
			}
		}
		if next == "" {
			// dead end; should not happen on a true leftover set
			return strings.Join(path, " -> ")
		}
		cur = next
	}
}
