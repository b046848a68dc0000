package wgraph

import "fmt"

// ValidationMode selects how strict the branch-width check is (spec §4.2).
// Each mode's threshold is the branch width at which an unconditional
// default edge becomes mandatory. The threshold ceiling is fixed at
// normal's value of 5; modes only ever tighten it, never loosen it — a
// deliberate safety asymmetry the spec calls out explicitly.
type ValidationMode string

const (
	ModeNormal   ValidationMode = "normal"
	ModeStrict   ValidationMode = "strict"
	ModeParanoid ValidationMode = "paranoid"
	ModePedantic ValidationMode = "pedantic"
)

var branchWidthThreshold = map[ValidationMode]int{
	ModeNormal:   5,
	ModeStrict:   3,
	ModeParanoid: 2,
	ModePedantic: 1,
}

// ValidationError reports a single structural defect found by Validate.
// Code is one of the spec's fixed set: unreachable_node, dangling_edge,
// missing_default, branch_too_wide.
type ValidationError struct {
	Code   string
	NodeID string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: node %q: %s", e.Code, e.NodeID, e.Detail)
}

// ValidationErrors collects every defect Validate found; callers that only
// care whether the graph is valid can just check len(errs) == 0.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msg := fmt.Sprintf("%d graph validation error(s):", len(e))
	for _, v := range e {
		msg += "\n  " + v.Error()
	}
	return msg
}

// Validate enforces the structural invariants from spec §4.2 against g
// under mode, returning every defect found (not just the first).
func Validate(g *Graph, mode ValidationMode) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, danglingEdges(g)...)
	errs = append(errs, missingDefaults(g)...)
	errs = append(errs, branchTooWide(g, mode)...)
	errs = append(errs, unreachableNodes(g)...)

	return errs
}

func danglingEdges(g *Graph) ValidationErrors {
	var errs ValidationErrors
	for from, edges := range g.outgoing {
		for _, e := range edges {
			if _, ok := g.Nodes[e.To]; !ok {
				errs = append(errs, &ValidationError{
					Code: "dangling_edge", NodeID: from,
					Detail: fmt.Sprintf("edge references missing node %q", e.To),
				})
			}
		}
	}
	for id, n := range g.Nodes {
		if n.Kind == KindDispatch {
			for key, target := range n.DispatchMap {
				if _, ok := g.Nodes[target]; !ok {
					errs = append(errs, &ValidationError{
						Code: "dangling_edge", NodeID: id,
						Detail: fmt.Sprintf("dispatch key %q targets missing node %q", key, target),
					})
				}
			}
			if n.DispatchDefault != "" {
				if _, ok := g.Nodes[n.DispatchDefault]; !ok {
					errs = append(errs, &ValidationError{
						Code: "dangling_edge", NodeID: id,
						Detail: fmt.Sprintf("dispatch default targets missing node %q", n.DispatchDefault),
					})
				}
			}
		}
	}
	return errs
}

func missingDefaults(g *Graph) ValidationErrors {
	var errs ValidationErrors
	for id, n := range g.Nodes {
		if n.Kind == KindDispatch && n.DispatchDefault == "" {
			errs = append(errs, &ValidationError{
				Code: "missing_default", NodeID: id,
				Detail: "dispatch node has no default target",
			})
		}
	}
	return errs
}

// branchTooWide flags branch nodes that reach the active mode's width
// threshold without an unconditional fallback edge. The threshold is the
// width at which a default becomes mandatory, so under ModePedantic
// (threshold 1) even a single-conditional-edge branch is rejected unless a
// default is present — a no-default branch whose predicates all miss would
// otherwise only fail at routing time, and build time is where that defect
// belongs.
func branchTooWide(g *Graph, mode ValidationMode) ValidationErrors {
	threshold, ok := branchWidthThreshold[mode]
	if !ok {
		threshold = branchWidthThreshold[ModeNormal]
	}
	var errs ValidationErrors
	for id, n := range g.Nodes {
		if n.Kind != KindBranch {
			continue
		}
		edges := g.outgoing[id]
		hasDefault := false
		for _, e := range edges {
			if e.When == nil {
				hasDefault = true
				break
			}
		}
		if hasDefault {
			continue
		}
		if len(edges) >= threshold {
			errs = append(errs, &ValidationError{
				Code: "branch_too_wide", NodeID: id,
				Detail: fmt.Sprintf("%d conditional edges without a default reaches threshold %d for mode %q",
					len(edges), threshold, mode),
			})
		}
	}
	return errs
}

func unreachableNodes(g *Graph) ValidationErrors {
	visited := map[string]bool{}
	queue := []string{g.StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := g.Nodes[id]
		if !ok {
			continue
		}
		for _, e := range g.outgoing[id] {
			if !visited[e.To] {
				queue = append(queue, e.To)
			}
		}
		if node.Kind == KindDispatch {
			for _, target := range node.DispatchMap {
				if !visited[target] {
					queue = append(queue, target)
				}
			}
			if node.DispatchDefault != "" && !visited[node.DispatchDefault] {
				queue = append(queue, node.DispatchDefault)
			}
		}
	}

	var errs ValidationErrors
	for id := range g.Nodes {
		if !visited[id] {
			errs = append(errs, &ValidationError{Code: "unreachable_node", NodeID: id, Detail: "not reachable from start"})
		}
	}
	return errs
}
