// Package contract defines the Step/Workflow interfaces from spec §4.11 —
// the boundary between the kernel (Actor, Supervisor, Saga Compensator) and
// the concrete workflow definitions the kernel drives. It is the spec's
// analogue of the teacher's Node[S]/NodeFunc[S] contract (graph/node.go),
// generalized from a single generic state type to the dynamic,
// map[string]any state the rest of BeamFlow uses, and split into the
// richer Step/Workflow vocabulary (execute, validate, compensate,
// handle_step_success/failure) the spec calls for instead of the teacher's
// single Run method.
package contract

import (
	"context"
	"time"

	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/wgraph"
)

// StepResult is the tagged outcome of executing or compensating a Step,
// spec §4.11's "{ok, new_state} | {error, reason}".
type StepResult struct {
	OK       bool
	NewState map[string]any
	Err      *faults.Error
}

// Ok constructs a successful StepResult.
func Ok(newState map[string]any) StepResult {
	return StepResult{OK: true, NewState: newState}
}

// Failed constructs a failed StepResult.
func Failed(err *faults.Error) StepResult {
	return StepResult{OK: false, Err: err}
}

// Step is a single unit of work a step node in the graph invokes.
type Step interface {
	// Execute runs the step against state, which already carries the
	// "idempotency_key" entry the Actor injected for this attempt.
	Execute(ctx context.Context, state map[string]any) StepResult
}

// Validating is an optional interface a Step may implement to reject state
// before Execute runs (spec §4.11 "optional validate(state)").
type Validating interface {
	Validate(state map[string]any) error
}

// CompensationMetadata describes how a compensation should be invoked.
type CompensationMetadata struct {
	Timeout  time.Duration
	Critical bool
}

// SideEffectful is the optional interface a Step implements when it is
// side-effectful and therefore participates in saga compensation (spec
// §4.6). Only Steps implementing this interface are ever appended to
// executed_saga_nodes.
type SideEffectful interface {
	Compensate(ctx context.Context, state map[string]any) StepResult
	CompensationMetadata() CompensationMetadata
}

// Workflow exposes its Graph and initial state (spec §4.11). A linear
// definition is expressed by returning a graph built with wgraph.BuildLinear;
// lifecycle hooks are the optional SuccessHandler/FailureHandler interfaces.
type Workflow interface {
	// Graph returns the validated execution graph for this workflow kind.
	Graph() (*wgraph.Graph, error)
	// InitialState builds the starting state from the caller-supplied
	// params (spec §6 "StartWorkflow(kind, id, params)").
	InitialState(params map[string]any) (map[string]any, error)
}

// SuccessHandler is the optional hook invoked after a step completes
// successfully, letting a Workflow post-process state before it's
// persisted.
type SuccessHandler interface {
	HandleStepSuccess(stepID string, state map[string]any) map[string]any
}

// FailureHandler is the optional hook invoked after a step fails, letting a
// Workflow decide on recovery state before the Actor routes to saga/DLQ.
type FailureHandler interface {
	HandleStepFailure(stepID string, reason *faults.Error, state map[string]any) map[string]any
}

// Factory constructs a fresh Workflow instance for a given kind. Registered
// under a kind string in the Supervisor & Registry (spec §9 "Dynamic
// module lookup by name -> an explicit registry mapping a kind string to a
// Workflow constructor").
type Factory func() Workflow

// StepSet maps a step node's StepName (spec wgraph.Node.StepName) to its
// Step implementation for one workflow kind.
type StepSet map[string]Step
