// Package saga implements the Saga Compensator from spec §4.6: on failure
// of a workflow, invoke the compensation of every previously completed
// side-effectful step in reverse order, exactly once each, best-effort
// across failures.
//
// It composes the Idempotency Ledger, Circuit Breaker, and Retry Policy the
// same way a step invocation does (spec: "each invocation wrapped by the
// same Circuit Breaker / Idempotency / Retry mechanisms"), so a
// compensation gets the same exactly-once and backoff guarantees a forward
// step gets.
package saga

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/breaker"
	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/contract"
	"github.com/beamflow/beamflow/dlq"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/ledger"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/store"
)

// Result is the outcome of compensating one workflow.
type Result struct {
	// FinalStatus is store.StatusFailed if every compensation succeeded,
	// or store.StatusAbandoned if at least one compensation ended up in
	// the DLQ awaiting manual action (spec §4.6).
	FinalStatus store.Status
	DLQEntries  []*store.DLQEntry
}

// Compensator drives the compensation loop for a single workflow.
type Compensator struct {
	store    store.Store
	ledger   *ledger.Ledger
	breaker  *breaker.Manager
	retries  *retry.Registry
	bus      bus.Bus
	clock    clock.Clock
	redactor dlq.Redactor
}

// New creates a Compensator. A nil clock defaults to clock.System{}; a nil
// redactor defaults to dlq.DefaultRedactor.
func New(s store.Store, l *ledger.Ledger, b *breaker.Manager, r *retry.Registry, evBus bus.Bus, c clock.Clock, red dlq.Redactor) *Compensator {
	if c == nil {
		c = clock.System{}
	}
	if red == nil {
		red = dlq.DefaultRedactor
	}
	return &Compensator{store: s, ledger: l, breaker: b, retries: r, bus: evBus, clock: c, redactor: red}
}

// Compensate iterates wf.ExecutedSagaNodes from newest to oldest, invoking
// steps[nodeID].Compensate for each, and returns the workflow's final
// terminal status. steps is keyed by saga node id, not by StepName.
func (c *Compensator) Compensate(ctx context.Context, wf *store.WorkflowRecord, steps contract.StepSet, policyName string) Result {
	var dlqEntries []*store.DLQEntry
	anyFailed := false

	for i := len(wf.ExecutedSagaNodes) - 1; i >= 0; i-- {
		nodeID := wf.ExecutedSagaNodes[i]
		step, ok := steps[nodeID]
		if !ok {
			anyFailed = true
			dlqEntries = append(dlqEntries, c.enqueueCritical(ctx, wf, nodeID,
				faults.New(faults.Internal, faults.ReasonInternal, nodeID, "no step registered for saga node", nil)))
			continue
		}
		sideEffectful, ok := step.(contract.SideEffectful)
		if !ok {
			// A node should never land in executed_saga_nodes unless its
			// step is side-effectful; treat this as a contract violation
			// rather than silently skipping.
			anyFailed = true
			dlqEntries = append(dlqEntries, c.enqueueCritical(ctx, wf, nodeID,
				faults.New(faults.Internal, faults.ReasonInternal, nodeID, "saga node's step is not side-effectful", nil)))
			continue
		}

		if err := c.compensateOne(ctx, wf, nodeID, sideEffectful, policyName); err != nil {
			anyFailed = true
			dlqEntries = append(dlqEntries, c.enqueueCritical(ctx, wf, nodeID, err))
			continue
		}

		_ = c.store.AppendEvent(ctx, wf.ID, &store.EventRecord{
			Type:      store.EventSagaStepCompensated,
			Timestamp: c.clock.Now(),
			Metadata:  map[string]any{"node_id": nodeID},
		})
		c.bus.Publish(bus.Event{
			Topic: "workflow:" + wf.ID, Type: "saga_step_compensated",
			Payload: map[string]any{"workflow_id": wf.ID, "node_id": nodeID}, Timestamp: c.clock.Now(),
		})
	}

	status := store.StatusFailed
	if anyFailed {
		status = store.StatusAbandoned
	}
	return Result{FinalStatus: status, DLQEntries: dlqEntries}
}

// compensateOne runs one node's compensation through Ledger + Breaker +
// Retry, owning its own sleep/wakeup between attempts the way the Actor
// owns it for a forward step (spec §4.4 "the Actor is responsible for the
// sleep/wakeup").
func (c *Compensator) compensateOne(ctx context.Context, wf *store.WorkflowRecord, nodeID string, step contract.SideEffectful, policyName string) *faults.Error {
	policy := c.retries.Get(policyName)
	rng := clock.NewRand(wf.ID + ":compensate:" + nodeID)
	depName := "compensation:" + nodeID

	for attempt := 1; ; attempt++ {
		key := ledger.Key(wf.ID, nodeID+":compensate", attempt)
		decision, err := c.ledger.Begin(ctx, wf.ID, nodeID+":compensate", attempt)
		if err != nil {
			return faults.Classify(nodeID, err, faults.ReasonStorage)
		}

		switch decision.Outcome {
		case ledger.OutcomeAlreadyCompleted:
			return nil
		case ledger.OutcomePreviouslyFailed:
			return faults.New(faults.Kind(decision.Error.Kind), faults.Reason(decision.Error.Reason), nodeID, decision.Error.Message, nil)
		case ledger.OutcomeAlreadyPending:
			return faults.New(faults.Transient, faults.ReasonTimeout, nodeID, "compensation already in flight", nil)
		}

		result, callErr := c.breaker.Call(ctx, depName, func() (any, error) {
			meta := step.CompensationMetadata()
			stepCtx := ctx
			var cancel context.CancelFunc
			if meta.Timeout > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
				defer cancel()
			}
			state := withIdemKey(wf.State, key)
			res := step.Compensate(stepCtx, state)
			if !res.OK {
				return nil, res.Err
			}
			return res.NewState, nil
		})

		if callErr == nil {
			newState, _ := result.(map[string]any)
			_ = c.ledger.Complete(ctx, key, newState)
			return nil
		}

		fault := faults.Classify(nodeID, callErr, faults.ReasonUnknown)
		_ = c.ledger.Fail(ctx, key, &store.WorkflowError{Kind: string(fault.Kind), Reason: string(fault.Reason), Message: fault.Message, NodeID: nodeID})

		decision2 := retry.Evaluate(policy, attempt, fault, rng)
		if !decision2.Retry {
			return fault
		}
		c.clock.Sleep(decision2.Delay)
	}
}

func withIdemKey(state map[string]any, key string) map[string]any {
	out := make(map[string]any, len(state)+1)
	for k, v := range state {
		out[k] = v
	}
	out["idempotency_key"] = key
	return out
}

func (c *Compensator) enqueueCritical(ctx context.Context, wf *store.WorkflowRecord, nodeID string, cause *faults.Error) *store.DLQEntry {
	snapshot := c.redactor.Redact(wf.State)
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	snapshot["node_id"] = nodeID
	snapshot["critical"] = true

	entry := &store.DLQEntry{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Kind:       wf.Kind,
		EntryType:  store.DLQCompensationFailed,
		Error: &store.WorkflowError{
			Kind: string(cause.Kind), Reason: string(cause.Reason), Message: cause.Message, NodeID: nodeID,
		},
		Context:        snapshot,
		OriginalParams: c.redactor.Redact(wf.State),
		MaxRetries:     0,
		NextRetryAt:    c.clock.Now().Add(24 * time.Hour),
		Status:         store.DLQPending,
		CreatedAt:      c.clock.Now(),
		UpdatedAt:      c.clock.Now(),
	}
	_ = c.store.PutDLQ(ctx, entry)
	c.bus.Publish(bus.Event{
		Topic: "alerts", Type: "alert",
		Payload: map[string]any{
			"severity": "critical", "entry_type": string(store.DLQCompensationFailed),
			"workflow_id": wf.ID, "node_id": nodeID,
		},
		Timestamp: c.clock.Now(),
	})
	return entry
}
