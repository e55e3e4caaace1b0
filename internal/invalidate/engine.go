// Package invalidate computes, from a set of changed build-context paths,
// the ordered {stage -> action groups} map that the orchestrator executes.
// It is pure: it has no dependency on a container runtime and operates
// entirely over *recipe.Recipe.
package invalidate

import "github.com/balena-io-modules/livepush/internal/recipe"

// Plan is the ordered set of stages, with the action groups each must
// re-run, produced by Compute. Stages are visited in ascending index order
// so that an upstream stage's helper container is rebuilt before any
// downstream stage copies from it.
type Plan struct {
	order  []int
	groups map[int][]*recipe.ActionGroup
}

// Stages returns the affected stage indices in ascending order.
func (p *Plan) Stages() []int {
	return p.order
}

// Groups returns the action groups to run for the given stage, or nil if
// the stage is not part of the plan.
func (p *Plan) Groups(stageIdx int) []*recipe.ActionGroup {
	return p.groups[stageIdx]
}

// IsEmpty reports whether no stage was affected.
func (p *Plan) IsEmpty() bool {
	return len(p.order) == 0
}

// Compute runs a two-phase algorithm. Phase one seeds a frontier from
// every stage whose own local copies match a changed file.
// Phase two repeatedly expands the frontier across dependentOnStages edges,
// replacing a downstream stage's recorded suffix whenever a newly reached
// path yields a longer one — the "longest affected suffix" rule. Since
// stage dependencies only ever point to strictly lower indices, the
// expansion graph is acyclic and the loop is guaranteed to terminate within
// len(stages) rounds.
func Compute(r *recipe.Recipe, changed map[string]struct{}) *Plan {
	suffixes := make(map[int][]*recipe.ActionGroup)

	var frontier []int
	for _, s := range r.Stages {
		if groups := s.GroupsForChangedFiles(changed); len(groups) > 0 {
			suffixes[s.Index] = groups
			frontier = append(frontier, s.Index)
		}
	}

	for len(frontier) > 0 {
		var next []int
		for _, seed := range frontier {
			for _, t := range r.Stages {
				if _, dependsOnSeed := t.DependentOnStages[seed]; !dependsOnSeed {
					continue
				}
				candidate := t.GroupsForChangedStage(seed)
				if len(candidate) == 0 {
					continue
				}
				if existing := suffixes[t.Index]; len(candidate) > len(existing) {
					suffixes[t.Index] = candidate
					next = append(next, t.Index)
				}
			}
		}
		frontier = next
	}

	plan := &Plan{groups: suffixes}
	for _, s := range r.Stages {
		if _, ok := suffixes[s.Index]; ok {
			plan.order = append(plan.order, s.Index)
		}
	}
	return plan
}
