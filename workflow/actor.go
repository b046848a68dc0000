package workflow

import (
	"context"

	"github.com/beamflow/beamflow/breaker"
	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/contract"
	"github.com/beamflow/beamflow/dlq"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/ledger"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/saga"
	"github.com/beamflow/beamflow/store"
	"github.com/beamflow/beamflow/wgraph"
)

// Actor is the per-workflow driver from spec §4.8: one concurrent unit per
// workflow id, sole writer of its Workflow Record, orchestrating graph
// traversal, step invocation, persistence, and failure handling. The
// Supervisor launches Run(ctx, params) in its own goroutine. The Actor has
// no command channel; the only outside signal it takes is cancellation of
// that context (Cancel).
type Actor struct {
	id       string
	kind     string
	workflow contract.Workflow
	graph    *wgraph.Graph
	steps    contract.StepSet

	store   store.Store
	ledger  *ledger.Ledger
	breaker *breaker.Manager
	retries *retry.Registry
	bus     bus.Bus
	clock   clock.Clock
	dlq     *dlq.Queue
	saga    *saga.Compensator

	cancel context.CancelFunc
}

func newActor(id, kind string, wf contract.Workflow, g *wgraph.Graph, steps contract.StepSet, deps actorDeps) *Actor {
	return &Actor{
		id: id, kind: kind, workflow: wf, graph: g, steps: steps,
		store: deps.store, ledger: deps.ledger, breaker: deps.breaker,
		retries: deps.retries, bus: deps.bus, clock: deps.clock,
		dlq: deps.dlq, saga: deps.saga,
	}
}

// actorDeps bundles the shared kernel collaborators every Actor needs,
// avoiding a giant constructor parameter list.
type actorDeps struct {
	store   store.Store
	ledger  *ledger.Ledger
	breaker *breaker.Manager
	retries *retry.Registry
	bus     bus.Bus
	clock   clock.Clock
	dlq     *dlq.Queue
	saga    *saga.Compensator
}

// Run executes the Actor's state machine to completion: Loading -> Ready ->
// Executing(node) -> ... -> Terminal. It blocks until the workflow reaches
// a terminal status or ctx is cancelled.
func (a *Actor) Run(ctx context.Context, params map[string]any) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	record, err := a.load(runCtx, params)
	if err != nil {
		return
	}
	if record.Status.Terminal() {
		return
	}

	for {
		select {
		case <-runCtx.Done():
			a.abandon(context.WithoutCancel(ctx), record)
			return
		default:
		}

		current := record.CurrentNodeID
		if current == nil {
			current = &a.graph.StartID
		}
		node, ok := a.graph.Nodes[*current]
		if !ok {
			a.fail(runCtx, record, faults.New(faults.Internal, faults.ReasonInternal, *current, "current node not found in graph", nil))
			return
		}

		switch node.Kind {
		case wgraph.KindEnd:
			a.complete(runCtx, record)
			return

		case wgraph.KindStep:
			step, ok := a.steps[node.StepName]
			if !ok {
				a.fail(runCtx, record, faults.New(faults.Internal, faults.ReasonInternal, node.ID, "no step registered for "+node.StepName, nil))
				return
			}
			fault := a.runStep(runCtx, record, node, step)
			if fault != nil {
				if fault.Kind == faults.Cancelled {
					a.abandon(runCtx, record)
					return
				}
				a.onTerminalFailure(runCtx, record, node.ID, fault)
				return
			}
			if !a.advance(runCtx, record, node.ID) {
				return
			}

		case wgraph.KindBranch:
			next, err := wgraph.NextNodes(a.graph, node.ID, record.State)
			if err != nil {
				a.fail(runCtx, record, faults.Classify(node.ID, err, faults.ReasonInvalidData))
				return
			}
			_ = a.store.AppendEvent(runCtx, a.id, &store.EventRecord{
				Type: store.EventBranchTaken, Timestamp: a.clock.Now(),
				Metadata: map[string]any{"node_id": node.ID, "path": next},
			})
			record.CurrentNodeID = &next
			record.UpdatedAt = a.clock.Now()
			if err := a.store.PutWorkflow(runCtx, record); err != nil {
				a.fail(runCtx, record, faults.Classify(node.ID, err, faults.ReasonStorage))
				return
			}

		default: // KindStart, KindJoin, KindDispatch: traverse with no event
			next, err := wgraph.NextNodes(a.graph, node.ID, record.State)
			if err != nil {
				a.fail(runCtx, record, faults.Classify(node.ID, err, faults.ReasonInvalidData))
				return
			}
			record.CurrentNodeID = &next
			record.UpdatedAt = a.clock.Now()
			if err := a.store.PutWorkflow(runCtx, record); err != nil {
				a.fail(runCtx, record, faults.Classify(node.ID, err, faults.ReasonStorage))
				return
			}
		}
	}
}

// Cancel signals cooperative cancellation (spec §4.8 "Cancellation").
func (a *Actor) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Actor) load(ctx context.Context, params map[string]any) (*store.WorkflowRecord, error) {
	record, err := a.store.GetWorkflow(ctx, a.id)
	if err == nil {
		return record, nil
	}
	if err != faults.ErrNotFound {
		return nil, err
	}

	state, err := a.workflow.InitialState(params)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	record = &store.WorkflowRecord{
		ID: a.id, Kind: a.kind, Status: store.StatusRunning,
		State: state, TotalSteps: countSteps(a.graph),
		StartedAt: now, UpdatedAt: now,
	}
	if err := a.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.PutWorkflow(ctx, record); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, a.id, &store.EventRecord{
			Type: store.EventWorkflowStarted, Timestamp: now,
			Metadata: map[string]any{"kind": a.kind, "params": params},
		})
	}); err != nil {
		return nil, err
	}
	a.bus.Publish(bus.Event{Topic: "workflows", Type: "workflow_updated",
		Payload: map[string]any{"workflow_id": a.id, "status": string(record.Status)}, Timestamp: now})
	return record, nil
}

// runStep implements spec §4.8's per-node processing for a step node:
// consult the Ledger, invoke under Circuit Breaker and Retry (injecting
// idempotency_key), persist, emit PubSub. On success the record {state,
// executed_nodes, executed_saga_nodes} and step_completed are written in one
// transaction. step_started, retry_scheduled and step_failed are appended
// on their own, and the Ledger's Complete/Fail writes are not part of that
// transaction.
func (a *Actor) runStep(ctx context.Context, record *store.WorkflowRecord, node *wgraph.Node, step contract.Step) *faults.Error {
	policyName := node.StepName
	policy := a.retries.Get(policyName)
	rng := clock.NewRand(a.id + ":" + node.ID)
	startedAt := a.clock.Now()

	_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{
		Type: store.EventStepStarted, Timestamp: startedAt,
		Metadata: map[string]any{"node_id": node.ID},
	})

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return faults.New(faults.Cancelled, faults.ReasonCancelled, node.ID, "cancelled", ctx.Err())
		default:
		}

		decision, err := a.ledger.Begin(ctx, a.id, node.ID, attempt)
		if err != nil {
			return faults.Classify(node.ID, err, faults.ReasonStorage)
		}

		var newState map[string]any
		var stepErr *faults.Error

		switch decision.Outcome {
		case ledger.OutcomeAlreadyCompleted:
			newState = decision.Result

		case ledger.OutcomePreviouslyFailed:
			prev := faults.New(faults.Permanent, faults.ReasonUnknown, node.ID, "step previously failed", nil)
			if decision.Error != nil {
				prev = faults.New(faults.Kind(decision.Error.Kind), faults.Reason(decision.Error.Reason), node.ID, decision.Error.Message, nil)
			}
			// A recorded transient failure means a previous run already
			// consumed this attempt before crashing; skip to the next key
			// so a success cached under a later attempt is still found,
			// instead of failing the workflow from the stale entry.
			if prev.Retriable() && attempt < policy.MaxAttempts {
				continue
			}
			return prev

		default: // OutcomeOK or OutcomeAlreadyPending: invoke (or re-invoke) under this key
			input := withIdempotencyKey(record.State, decision.Key)
			if v, ok := step.(contract.Validating); ok {
				if err := v.Validate(input); err != nil {
					stepErr = faults.Classify(node.ID, err, faults.ReasonValidation)
					_ = a.ledger.Fail(ctx, decision.Key, &store.WorkflowError{
						Kind: string(stepErr.Kind), Reason: string(stepErr.Reason), Message: stepErr.Message, NodeID: node.ID,
					})
					break
				}
			}
			result, callErr := a.breaker.Call(ctx, "step:"+node.ID, func() (any, error) {
				res := step.Execute(ctx, input)
				if !res.OK {
					return nil, res.Err
				}
				return res.NewState, nil
			})
			if callErr == nil {
				newState, _ = result.(map[string]any)
				_ = a.ledger.Complete(ctx, decision.Key, newState)
			} else {
				stepErr = faults.Classify(node.ID, callErr, faults.ReasonUnknown)
				_ = a.ledger.Fail(ctx, decision.Key, &store.WorkflowError{
					Kind: string(stepErr.Kind), Reason: string(stepErr.Reason), Message: stepErr.Message, NodeID: node.ID,
				})
			}
		}

		if stepErr == nil {
			if handler, ok := a.workflow.(contract.SuccessHandler); ok {
				newState = handler.HandleStepSuccess(node.ID, newState)
			}
			record.State = mergeState(record.State, newState)
			// A crash between the completion transaction and advance()
			// replays this path on resume with the node already recorded;
			// don't append it twice.
			if n := len(record.ExecutedNodes); n == 0 || record.ExecutedNodes[n-1] != node.ID {
				record.ExecutedNodes = append(record.ExecutedNodes, node.ID)
				if _, sideEffectful := step.(contract.SideEffectful); sideEffectful {
					record.ExecutedSagaNodes = append(record.ExecutedSagaNodes, node.ID)
				}
			}
			record.CurrentStepIndex = len(record.ExecutedNodes)
			record.UpdatedAt = a.clock.Now()
			if err := a.store.Transaction(ctx, func(tx store.Store) error {
				if err := tx.PutWorkflow(ctx, record); err != nil {
					return err
				}
				return tx.AppendEvent(ctx, a.id, &store.EventRecord{
					Type: store.EventStepCompleted, Timestamp: a.clock.Now(),
					Metadata: map[string]any{"node_id": node.ID},
				})
			}); err != nil {
				return faults.Classify(node.ID, err, faults.ReasonStorage)
			}
			a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: "step_completed",
				Payload: map[string]any{"workflow_id": a.id, "node_id": node.ID}, Timestamp: a.clock.Now()})
			recordLatency(a.bus, node.ID, "success", a.clock.Now().Sub(startedAt), a.clock.Now())
			return nil
		}

		decision2 := retry.Evaluate(policy, attempt, stepErr, rng)
		if !decision2.Retry {
			if handler, ok := a.workflow.(contract.FailureHandler); ok {
				record.State = handler.HandleStepFailure(node.ID, stepErr, record.State)
			}
			_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{
				Type: store.EventStepFailed, Timestamp: a.clock.Now(),
				Metadata: map[string]any{"node_id": node.ID, "reason": string(stepErr.Reason)},
			})
			a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: "step_failed",
				Payload: map[string]any{"workflow_id": a.id, "node_id": node.ID, "reason": string(stepErr.Reason)}, Timestamp: a.clock.Now()})
			recordLatency(a.bus, node.ID, "error", a.clock.Now().Sub(startedAt), a.clock.Now())
			return stepErr
		}

		_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{
			Type: store.EventRetryScheduled, Timestamp: a.clock.Now(),
			Metadata: map[string]any{"node_id": node.ID, "delay_ms": decision2.Delay.Milliseconds(), "attempt": attempt},
		})
		a.bus.Publish(bus.Event{Topic: "metrics", Type: "retry_scheduled",
			Payload: map[string]any{"node_id": node.ID, "workflow_id": a.id}, Timestamp: a.clock.Now()})
		a.clock.Sleep(decision2.Delay)
	}
}

func withIdempotencyKey(state map[string]any, key string) map[string]any {
	out := make(map[string]any, len(state)+1)
	for k, v := range state {
		out[k] = v
	}
	out["idempotency_key"] = key
	return out
}

func countSteps(g *wgraph.Graph) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == wgraph.KindStep {
			n++
		}
	}
	return n
}

func mergeState(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

func (a *Actor) advance(ctx context.Context, record *store.WorkflowRecord, currentID string) bool {
	next, err := wgraph.NextNodes(a.graph, currentID, record.State)
	if err != nil {
		a.fail(ctx, record, faults.Classify(currentID, err, faults.ReasonInvalidData))
		return false
	}
	record.CurrentNodeID = &next
	record.UpdatedAt = a.clock.Now()
	if err := a.store.PutWorkflow(ctx, record); err != nil {
		a.fail(ctx, record, faults.Classify(currentID, err, faults.ReasonStorage))
		return false
	}
	return true
}

// onTerminalFailure implements spec §4.8's routing: a step's unrecoverable
// failure moves the workflow to Compensating if it has executed
// side-effectful nodes, else straight to Terminal(failed). Only the
// uncompensated path (fail) records a DLQ entry for the workflow; on the
// saga path the Compensator enqueues each failed compensation itself.
func (a *Actor) onTerminalFailure(ctx context.Context, record *store.WorkflowRecord, nodeID string, cause *faults.Error) {
	werr := &store.WorkflowError{Kind: string(cause.Kind), Reason: string(cause.Reason), Message: cause.Message, NodeID: nodeID}

	if len(record.ExecutedSagaNodes) > 0 {
		record.Status = store.StatusCompensating
		record.UpdatedAt = a.clock.Now()
		_ = a.store.PutWorkflow(ctx, record)

		// Compensate looks steps up by node id; a.steps is keyed by StepName.
		sagaSteps := make(contract.StepSet, len(record.ExecutedSagaNodes))
		for _, id := range record.ExecutedSagaNodes {
			if n, ok := a.graph.Nodes[id]; ok {
				if st, ok := a.steps[n.StepName]; ok {
					sagaSteps[id] = st
				}
			}
		}
		result := a.saga.Compensate(ctx, record, sagaSteps, "default")
		record.Status = result.FinalStatus
		now := a.clock.Now()
		record.CompletedAt = &now
		record.CurrentNodeID = nil
		record.Error = werr
		_ = a.store.PutWorkflow(ctx, record)

		evType := store.EventWorkflowFailed
		if result.FinalStatus == store.StatusAbandoned {
			evType = store.EventWorkflowAbandoned
		}
		_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{Type: evType, Timestamp: now, Metadata: map[string]any{"node_id": nodeID}})
		a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: string(evType),
			Payload: map[string]any{"workflow_id": a.id, "status": string(record.Status)}, Timestamp: now})
		// When every compensation succeeded the saga fully unwound the
		// workflow's side effects; there is nothing left for an operator to
		// act on, so no DLQ entry is recorded. Failed compensations have
		// already been enqueued individually by the Compensator.
		return
	}

	a.fail(ctx, record, cause)
}

func (a *Actor) fail(ctx context.Context, record *store.WorkflowRecord, cause *faults.Error) {
	now := a.clock.Now()
	record.Status = store.StatusFailed
	record.CompletedAt = &now
	record.CurrentNodeID = nil
	record.Error = &store.WorkflowError{Kind: string(cause.Kind), Reason: string(cause.Reason), Message: cause.Message, NodeID: cause.NodeID}
	record.UpdatedAt = now
	_ = a.store.PutWorkflow(ctx, record)
	_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{Type: store.EventWorkflowFailed, Timestamp: now, Metadata: map[string]any{"reason": cause.Error()}})
	a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: "workflow_failed",
		Payload: map[string]any{"workflow_id": a.id, "reason": cause.Error()}, Timestamp: now})
	a.enqueueFailure(ctx, record, record.Error)
}

func (a *Actor) enqueueFailure(ctx context.Context, record *store.WorkflowRecord, werr *store.WorkflowError) {
	if a.dlq == nil {
		return
	}
	// The entry's context is the state at failure plus the failing node;
	// the Queue's Redactor sanitizes both it and the restart params before
	// either is persisted.
	snapshot := mergeState(record.State, map[string]any{"node_id": werr.NodeID})
	_, _ = a.dlq.Enqueue(ctx, store.DLQWorkflowFailed, a.id, a.kind, werr, snapshot, record.State)
}

func (a *Actor) complete(ctx context.Context, record *store.WorkflowRecord) {
	now := a.clock.Now()
	record.Status = store.StatusCompleted
	record.CompletedAt = &now
	record.CurrentNodeID = nil
	record.UpdatedAt = now
	_ = a.store.PutWorkflow(ctx, record)
	_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{Type: store.EventWorkflowCompleted, Timestamp: now})
	a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: "workflow_completed",
		Payload: map[string]any{"workflow_id": a.id}, Timestamp: now})
	a.bus.Publish(bus.Event{Topic: "workflows", Type: "workflow_updated",
		Payload: map[string]any{"workflow_id": a.id, "status": string(record.Status)}, Timestamp: now})
}

func (a *Actor) abandon(ctx context.Context, record *store.WorkflowRecord) {
	now := a.clock.Now()
	record.Status = store.StatusAbandoned
	record.CompletedAt = &now
	record.CurrentNodeID = nil
	record.UpdatedAt = now
	_ = a.store.PutWorkflow(ctx, record)
	_ = a.store.AppendEvent(ctx, a.id, &store.EventRecord{Type: store.EventWorkflowAbandoned, Timestamp: now})
	a.bus.Publish(bus.Event{Topic: "workflow:" + a.id, Type: "workflow_abandoned",
		Payload: map[string]any{"workflow_id": a.id}, Timestamp: now})
}
