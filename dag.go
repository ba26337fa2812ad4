package dagcore

import "sort"

// LevelGroup is one batch of steps at the same DAG level, in declaration
// order (spec.md §4.3).
type LevelGroup []Step

// DAGAnalysis is the output of Analyze: per-step level, the level groups in
// ascending order, and branch membership.
type DAGAnalysis struct {
	Level            map[string]int
	Groups           []LevelGroup
	BranchMembership map[string]string // stepName -> root stepName; absent if none
}

// DAGAnalyzer computes level assignment and branch membership for a
// workflow's flat step list (spec.md §4.3).
type DAGAnalyzer struct{}

func NewDAGAnalyzer() *DAGAnalyzer { return &DAGAnalyzer{} }

// Analyze derives dependency sets from each step's input + loop.for.items +
// `if` condition refs, assigns levels by memoized DFS (cycle → ValidationError), groups
// steps by level in declaration order, then computes branch membership by
// reverse reachability restricted to nodes reachable from a branch root.
func (a *DAGAnalyzer) Analyze(wf *Workflow) (*DAGAnalysis, error) {
	declOrder := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		if _, dup := declOrder[s.Name]; dup {
			return nil, NewValidationError("duplicate step name %q", s.Name)
		}
		declOrder[s.Name] = i
	}

	deps := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		deps[s.Name] = dependencySet(s, declOrder)
	}

	level := make(map[string]int, len(wf.Steps))
	state := make(map[string]int) // 0=unvisited 1=visiting 2=done
	var path []string

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		switch state[name] {
		case 2:
			return level[name], nil
		case 1:
			return 0, NewValidationError("circular dependency: %s", cycleTrail(path, name))
		}
		state[name] = 1
		path = append(path, name)

		maxDep := -1
		for _, d := range deps[name] {
			dl, err := visit(d)
			if err != nil {
				return 0, err
			}
			if dl > maxDep {
				maxDep = dl
			}
		}

		path = path[:len(path)-1]
		state[name] = 2
		level[name] = maxDep + 1
		return level[name], nil
	}

	for _, s := range wf.Steps {
		if _, err := visit(s.Name); err != nil {
			return nil, err
		}
	}

	maxLevel := -1
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	groups := make([]LevelGroup, maxLevel+1)
	for _, s := range wf.Steps {
		groups[level[s.Name]] = append(groups[level[s.Name]], s)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			return declOrder[g[i].Name] < declOrder[g[j].Name]
		})
	}

	membership := computeBranchMembership(wf, deps, level, declOrder)

	return &DAGAnalysis{Level: level, Groups: groups, BranchMembership: membership}, nil
}

// dependencySet extracts the subset of a step's @refs that name other steps
// (built-ins filtered out), drawn from its input, config.loop.for.items and
// the ref (and string value) of its `if` condition.
func dependencySet(s Step, declOrder map[string]int) []string {
	seen := make(map[string]bool)
	for _, name := range ExtractRefs(s.Input) {
		if builtinRefNames[name] {
			continue
		}
		if _, isStep := declOrder[name]; isStep {
			seen[name] = true
		}
	}
	if s.Config.Loop != nil && s.Config.Loop.For != nil {
		for _, name := range ExtractRefs(s.Config.Loop.For.Items) {
			if builtinRefNames[name] {
				continue
			}
			if _, isStep := declOrder[name]; isStep {
				seen[name] = true
			}
		}
	}
	if s.If != nil {
		condRefs := make(map[string]bool)
		collectRefs(StringValue(s.If.Ref), condRefs)
		if rv, ok := s.If.Value.(string); ok {
			collectRefs(StringValue(rv), condRefs)
		}
		for name := range condRefs {
			if _, isStep := declOrder[name]; isStep && !builtinRefNames[name] {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func cycleTrail(path []string, closing string) string {
	trail := append(append([]string{}, path...), closing)
	s := trail[0]
	for _, n := range trail[1:] {
		s += " -> " + n
	}
	return s
}

// computeBranchMembership assigns each step to the closest ancestor branch
// root (a step whose definition carries `if`) reachable via dependency
// edges, restricted to steps at a level strictly after the root. Ties are
// broken by DAG depth (closer root wins) then declaration order.
func computeBranchMembership(wf *Workflow, deps map[string][]string, level map[string]int, declOrder map[string]int) map[string]string {
	roots := make([]string, 0)
	for _, s := range wf.Steps {
		if s.If != nil {
			roots = append(roots, s.Name)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return declOrder[roots[i]] < declOrder[roots[j]] })

	// reverse edges: dependent -> dependency
	dependents := make(map[string][]string)
	for name, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], name)
		}
	}

	membership := make(map[string]string)
	bestDepth := make(map[string]int)

	for _, root := range roots {
		visited := map[string]bool{root: true}
		queue := []struct {
			name  string
			depth int
		}{{root, 0}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range dependents[cur.name] {
				if visited[next] {
					continue
				}
				visited[next] = true
				if level[next] <= level[root] {
					continue
				}
				depth := cur.depth + 1
				if existingRoot, ok := membership[next]; !ok ||
					depth < bestDepth[next] ||
					(depth == bestDepth[next] && declOrder[root] < declOrder[existingRoot]) {
					membership[next] = root
					bestDepth[next] = depth
				}
				queue = append(queue, struct {
					name  string
					depth int
				}{next, depth})
			}
		}
	}
	return membership
}
