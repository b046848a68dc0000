package wgraph

import "fmt"

// Option configures a Builder, following the teacher's functional-options
// shape (graph/options.go's Option func(*engineConfig) error) adapted to
// graph construction instead of engine construction.
type Option func(*builderConfig) error

type builderConfig struct {
	mode ValidationMode
}

// WithValidationMode selects how strict Build's branch-width check is.
// Default is ModeNormal (threshold 5), already the widest threshold the
// spec allows (spec §4.2). There is no looser mode: an unknown mode is
// recorded as an error and makes Build fail.
func WithValidationMode(mode ValidationMode) Option {
	return func(cfg *builderConfig) error {
		if _, ok := branchWidthThreshold[mode]; !ok {
			return fmt.Errorf("wgraph: unknown validation mode %q", mode)
		}
		cfg.mode = mode
		return nil
	}
}

// Builder assembles a Graph from either linear or explicit definitions and
// validates it on Build (spec §4.2 "build a Graph from one of two
// definition styles and statically validate it").
type Builder struct {
	g    *Graph
	cfg  builderConfig
	errs []error
}

// NewBuilder creates an empty explicit-style Builder.
func NewBuilder(opts ...Option) *Builder {
	cfg := builderConfig{mode: ModeNormal}
	b := &Builder{g: newGraph(), cfg: cfg}
	for _, opt := range opts {
		if err := opt(&b.cfg); err != nil {
			b.errs = append(b.errs, err)
		}
	}
	return b
}

// Start registers id as the single entry node (kind start) and the graph's
// StartID.
func (b *Builder) Start(id string) *Builder {
	b.g.Nodes[id] = &Node{ID: id, Kind: KindStart}
	b.g.StartID = id
	return b
}

// Step registers a step node that invokes the named Step implementation
// (spec §4.11) and routes to one successor.
func (b *Builder) Step(id, stepName string) *Builder {
	b.g.Nodes[id] = &Node{ID: id, Kind: KindStep, StepName: stepName}
	return b
}

// Join registers a join node: multiple predecessors converge here and
// execution continues to a single successor.
func (b *Builder) Join(id string) *Builder {
	b.g.Nodes[id] = &Node{ID: id, Kind: KindJoin}
	return b
}

// End registers a terminal node with no successors.
func (b *Builder) End(id string) *Builder {
	b.g.Nodes[id] = &Node{ID: id, Kind: KindEnd}
	return b
}

// Branch registers a branch node. Conditional edges are added afterward via
// ConditionalEdge/Edge in the order they should be evaluated; the first
// matching or unconditional edge wins at routing time.
func (b *Builder) Branch(id string) *Builder {
	b.g.Nodes[id] = &Node{ID: id, Kind: KindBranch}
	return b
}

// Dispatch registers a dispatch node: keyFn(state) selects a target from
// targets, falling back to defaultTarget when the key is absent (spec
// §4.2 "dispatch(key_fn, {key -> target}, default)").
func (b *Builder) Dispatch(id string, keyFn DispatchKeyFunc, targets map[string]string, defaultTarget string) *Builder {
	b.g.Nodes[id] = &Node{
		ID: id, Kind: KindDispatch,
		DispatchKey: keyFn, DispatchMap: targets, DispatchDefault: defaultTarget,
	}
	return b
}

// Edge adds an unconditional edge from -> to.
func (b *Builder) Edge(from, to string) *Builder {
	b.g.outgoing[from] = append(b.g.outgoing[from], &Edge{From: from, To: to})
	return b
}

// ConditionalEdge adds a branch edge evaluated in declaration order; when
// is evaluated against workflow state at routing time.
func (b *Builder) ConditionalEdge(from, to string, when Condition, label string) *Builder {
	b.g.outgoing[from] = append(b.g.outgoing[from], &Edge{From: from, To: to, When: when, Label: label})
	return b
}

// Build validates the accumulated graph and returns it, or the accumulated
// validation errors.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, joinErrors(b.errs)
	}
	if b.g.StartID == "" {
		return nil, fmt.Errorf("wgraph: graph has no start node")
	}
	if errs := Validate(b.g, b.cfg.mode); len(errs) > 0 {
		return nil, errs
	}
	return b.g, nil
}

func joinErrors(errs []error) error {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("wgraph: %s", msg)
}

// BuildLinear synthesizes a Graph from an ordered list of step definitions,
// the "Linear style" in spec §4.2: each entry becomes a step node, wired
// start -> step[0] -> step[1] -> ... -> step[n-1] -> end with sequential
// unconditional edges.
func BuildLinear(steps []LinearStep, opts ...Option) (*Graph, error) {
	b := NewBuilder(opts...)
	b.Start("start")
	b.End("end")

	prev := "start"
	for _, s := range steps {
		b.Step(s.ID, s.StepName)
		b.Edge(prev, s.ID)
		prev = s.ID
	}
	b.Edge(prev, "end")

	return b.Build()
}

// LinearStep is one entry in a linear workflow definition.
type LinearStep struct {
	ID       string
	StepName string
}
