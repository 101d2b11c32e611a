// Package plan derives a per-tick register evaluation order from the
// dependency graph induced by Expression references and Accumulator
// sources (spec §4.4), and rejects configurations whose graph has a cycle.
package plan

import "sort"

// Node is the minimal view of a register the planner needs: its name, its
// address (used as the deterministic tie-break among ready nodes), and the
// names of the other registers it depends on.
type Node struct {
	Name      string
	Address   uint16
	DependsOn []string
}

// CycleError reports that the dependency graph could not be fully ordered.
// Members lists every register left unresolved when Kahn's algorithm
// stalled — the cycle (plus anything depending on it).
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	s := "dependency cycle among registers:"
	for i, m := range e.Members {
		if i > 0 {
			s += ","
		}
		s += " " + m
	}
	return s
}

// Order runs Kahn's algorithm over nodes, returning names in an order such
// that every node appears after everything it DependsOn. Ties among
// simultaneously-ready nodes are broken by ascending address, so the
// result is deterministic and reproducible across runs.
func Order(nodes []Node) ([]string, error) {
	byName := make(map[string]Node, len(nodes))
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for _, n := range nodes {
		byName[n.Name] = n
		if _, ok := indegree[n.Name]; !ok {
			indegree[n.Name] = 0
		}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byName[dep]; !ok {
				continue // unresolved references are a schema-validation concern, not the planner's
			}
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	ready := make([]string, 0, len(nodes))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sortByAddress(ready, byName)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var newlyReady []string
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sortByAddress(newlyReady, byName)
		ready = mergeByAddress(ready, newlyReady, byName)
	}

	if len(order) != len(nodes) {
		seen := make(map[string]struct{}, len(order))
		for _, n := range order {
			seen[n] = struct{}{}
		}
		var remaining []string
		for _, n := range nodes {
			if _, ok := seen[n.Name]; !ok {
				remaining = append(remaining, n.Name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Members: remaining}
	}
	return order, nil
}

func sortByAddress(names []string, byName map[string]Node) {
	sort.Slice(names, func(i, j int) bool { return byName[names[i]].Address < byName[names[j]].Address })
}

// mergeByAddress merges two address-sorted slices, keeping the result
// sorted, so the ready set's ordering stays deterministic as nodes unlock.
func mergeByAddress(a, b []string, byName map[string]Node) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if byName[a[i]].Address <= byName[b[j]].Address {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
