// Package wgraph implements the Graph & Builder component described in
// spec §4.2: build a Graph from either a linear step list or an explicit
// node/edge definition, statically validate its structure, and provide the
// runtime routing helper the Actor uses to advance a workflow.
//
// It generalizes the teacher's graph.Node[S]/graph.Edge[S] pair
// (graph/node.go, graph/edge.go) from a single generic state type to the
// spec's dynamic, string-keyed workflow state (map[string]any), and adds
// branch/dispatch node kinds and a structural validator the teacher's graph
// package doesn't have.
package wgraph

import "github.com/beamflow/beamflow/faults"

// NodeKind classifies what a Node does when the Actor reaches it.
type NodeKind string

const (
	KindStart    NodeKind = "start"
	KindStep     NodeKind = "step"
	KindBranch   NodeKind = "branch"
	KindJoin     NodeKind = "join"
	KindDispatch NodeKind = "dispatch"
	KindEnd      NodeKind = "end"
)

// Condition evaluates workflow state to decide whether a branch edge should
// be taken. Conditions are evaluated in edge order; the first true wins.
type Condition func(state map[string]any) bool

// DispatchKeyFunc computes the routing key for a dispatch node.
type DispatchKeyFunc func(state map[string]any) string

// Node is one vertex in the workflow graph.
type Node struct {
	ID   string
	Kind NodeKind

	// StepName identifies the registered Step implementation for Kind ==
	// KindStep (spec §4.11).
	StepName string

	// DispatchKey and DispatchMap/DispatchDefault are populated for
	// Kind == KindDispatch (spec §4.2 "dispatch(key_fn, {key -> target}, default)").
	DispatchKey     DispatchKeyFunc
	DispatchMap     map[string]string
	DispatchDefault string
}

// Edge is a directed, optionally conditional connection between two nodes.
// Edges from a branch node are evaluated in declaration order; an edge with
// a nil When is unconditional and, by convention, placed last as the
// fallback/default.
type Edge struct {
	From  string
	To    string
	When  Condition
	Label string
}

// Graph is a validated, immutable set of nodes and edges plus the id of the
// single start node.
type Graph struct {
	StartID string
	Nodes   map[string]*Node
	// outgoing preserves declaration order per source node, which matters
	// for branch edge evaluation order.
	outgoing map[string][]*Edge
}

func newGraph() *Graph {
	return &Graph{Nodes: make(map[string]*Node), outgoing: make(map[string][]*Edge)}
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	return g.outgoing[nodeID]
}

// NextNodes evaluates routing from current against state and returns the
// single successor node id, following spec §4.2's runtime helper contract:
//   - step/start/join nodes have exactly one outgoing edge; return its To.
//   - branch nodes evaluate outgoing edges in order, taking the first whose
//     When(state) is true or which is unconditional.
//   - dispatch nodes compute DispatchKey(state), look it up in
//     DispatchMap, and fall back to DispatchDefault.
//   - end nodes have no successor; NextNodes returns ("", nil).
func NextNodes(g *Graph, current string, state map[string]any) (string, error) {
	node, ok := g.Nodes[current]
	if !ok {
		return "", faults.New(faults.Permanent, faults.ReasonInvalidData, current, "unknown node", nil)
	}

	switch node.Kind {
	case KindEnd:
		return "", nil

	case KindDispatch:
		key := node.DispatchKey(state)
		if target, ok := node.DispatchMap[key]; ok {
			return target, nil
		}
		if node.DispatchDefault == "" {
			return "", faults.New(faults.Permanent, faults.ReasonInvalidData, current,
				"dispatch key \""+key+"\" has no target and no default", nil)
		}
		return node.DispatchDefault, nil

	case KindBranch:
		edges := g.outgoing[current]
		for _, e := range edges {
			if e.When == nil || e.When(state) {
				return e.To, nil
			}
		}
		return "", faults.New(faults.Permanent, faults.ReasonInvalidData, current,
			"no branch edge matched and no default edge present", nil)

	default: // KindStart, KindStep, KindJoin
		edges := g.outgoing[current]
		if len(edges) == 0 {
			return "", faults.New(faults.Permanent, faults.ReasonInvalidData, current, "node has no outgoing edge", nil)
		}
		return edges[0].To, nil
	}
}
