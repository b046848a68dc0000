package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/contract"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/ledger"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/store"
	"github.com/beamflow/beamflow/wgraph"
)

// fastRetries replaces the built-in policies with millisecond-scale ones so
// backoff-heavy scenarios finish instantly. Registering under the name
// "default" also covers the saga compensation path, which always resolves
// that name.
func fastRetries(maxAttempts int) Option {
	return WithRetryPolicy(retry.Policy{
		Name: "default", Base: time.Millisecond, Max: 10 * time.Millisecond,
		JitterPct: 0, MaxAttempts: maxAttempts,
	})
}

// linearWorkflow builds its graph from a fixed step-id list; node id and
// step name coincide.
type linearWorkflow struct{ steps []string }

func (w linearWorkflow) Graph() (*wgraph.Graph, error) {
	defs := make([]wgraph.LinearStep, len(w.steps))
	for i, s := range w.steps {
		defs[i] = wgraph.LinearStep{ID: s, StepName: s}
	}
	return wgraph.BuildLinear(defs)
}

func (linearWorkflow) InitialState(params map[string]any) (map[string]any, error) {
	state := map[string]any{}
	for k, v := range params {
		state[k] = v
	}
	return state, nil
}

// flakyStep fails its first failures invocations with fault, then succeeds.
type flakyStep struct {
	failures int32
	fault    *faults.Error
	calls    atomic.Int32
}

func (s *flakyStep) Execute(_ context.Context, state map[string]any) contract.StepResult {
	n := s.calls.Add(1)
	if n <= s.failures {
		return contract.Failed(s.fault)
	}
	return contract.Ok(map[string]any{"attempts": float64(n)})
}

// effectStep is side-effectful: it counts executions and compensations, and
// can be told to fail either phase.
type effectStep struct {
	execErr     *faults.Error
	compErr     *faults.Error
	executes    atomic.Int32
	compensates atomic.Int32
}

func (s *effectStep) Execute(_ context.Context, state map[string]any) contract.StepResult {
	if s.execErr != nil {
		return contract.Failed(s.execErr)
	}
	s.executes.Add(1)
	return contract.Ok(nil)
}

func (s *effectStep) Compensate(_ context.Context, state map[string]any) contract.StepResult {
	if s.compErr != nil {
		return contract.Failed(s.compErr)
	}
	s.compensates.Add(1)
	return contract.Ok(nil)
}

func (s *effectStep) CompensationMetadata() contract.CompensationMetadata {
	return contract.CompensationMetadata{Timeout: time.Second, Critical: true}
}

// panicOnceStep panics on its first invocation and succeeds afterwards,
// simulating an Actor crash mid-workflow.
type panicOnceStep struct{ calls atomic.Int32 }

func (s *panicOnceStep) Execute(_ context.Context, state map[string]any) contract.StepResult {
	if s.calls.Add(1) == 1 {
		panic("simulated crash")
	}
	return contract.Ok(nil)
}

// blockingStep parks until its context is cancelled.
type blockingStep struct{ entered chan struct{} }

func (s *blockingStep) Execute(ctx context.Context, state map[string]any) contract.StepResult {
	close(s.entered)
	<-ctx.Done()
	return contract.Failed(faults.New(faults.Cancelled, faults.ReasonCancelled, "", "cancelled", ctx.Err()))
}

func countEvents(events []*store.EventRecord, typ store.EventType, nodeID string) int {
	n := 0
	for _, e := range events {
		if e.Type != typ {
			continue
		}
		if nodeID != "" {
			id, _ := e.Metadata["node_id"].(string)
			if id != nodeID {
				continue
			}
		}
		n++
	}
	return n
}

func transientTimeout(nodeID string) *faults.Error {
	return faults.New(faults.Transient, faults.ReasonTimeout, nodeID, "simulated timeout", nil)
}

func TestActor_RetryThenSuccess(t *testing.T) {
	flaky := &flakyStep{failures: 2, fault: transientTimeout("flaky")}

	registry := NewRegistry()
	registry.Register("flaky_kind", func() contract.Workflow { return linearWorkflow{steps: []string{"flaky"}} },
		contract.StepSet{"flaky": flaky})

	engine, err := New(registry, fastRetries(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "flaky_kind", "wf-retry", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-retry")
	if record.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %v (error=%+v)", record.Status, record.Error)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("expected 3 invocations, got %d", got)
	}

	events, err := engine.GetEvents(ctx, "wf-retry")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if got := countEvents(events, store.EventRetryScheduled, "flaky"); got != 2 {
		t.Fatalf("expected 2 retry_scheduled events, got %d", got)
	}
	if got := countEvents(events, store.EventStepCompleted, "flaky"); got != 1 {
		t.Fatalf("expected 1 step_completed event, got %d", got)
	}
	if events[0].Type != store.EventWorkflowStarted {
		t.Fatalf("expected workflow_started first, got %s", events[0].Type)
	}
}

func TestActor_PermanentFailureCompensatesInReverseOrder(t *testing.T) {
	debit := &effectStep{}
	reserve := &effectStep{}
	notify := &effectStep{execErr: faults.New(faults.Permanent, faults.ReasonInvalidData, "notify", "rejected", nil)}

	registry := NewRegistry()
	registry.Register("payment", func() contract.Workflow {
		return linearWorkflow{steps: []string{"debit", "reserve", "notify"}}
	}, contract.StepSet{"debit": debit, "reserve": reserve, "notify": notify})

	engine, err := New(registry, fastRetries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "payment", "wf-saga", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-saga")
	if record.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %v", record.Status)
	}
	if debit.compensates.Load() != 1 || reserve.compensates.Load() != 1 {
		t.Fatalf("expected each compensation exactly once, got debit=%d reserve=%d",
			debit.compensates.Load(), reserve.compensates.Load())
	}

	events, err := engine.GetEvents(ctx, "wf-saga")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var compensated []string
	for _, e := range events {
		if e.Type == store.EventSagaStepCompensated {
			id, _ := e.Metadata["node_id"].(string)
			compensated = append(compensated, id)
		}
	}
	if len(compensated) != 2 || compensated[0] != "reserve" || compensated[1] != "debit" {
		t.Fatalf("expected compensation order [reserve debit], got %v", compensated)
	}

	// debit and reserve both executed and were both recorded as saga nodes
	if len(record.ExecutedNodes) != 2 || len(record.ExecutedSagaNodes) != 2 {
		t.Fatalf("expected 2 executed and 2 saga nodes, got %v / %v",
			record.ExecutedNodes, record.ExecutedSagaNodes)
	}

	// all compensations succeeded: nothing left for an operator
	entries, err := engine.DLQ().List(ctx, store.DLQFilter{}, 0)
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty DLQ after clean compensation, got %d entries", len(entries))
	}
}

func TestActor_CompensationFailureAbandonsWorkflow(t *testing.T) {
	debit := &effectStep{}
	reserve := &effectStep{compErr: transientTimeout("reserve")}
	notify := &effectStep{execErr: faults.New(faults.Permanent, faults.ReasonInvalidData, "notify", "rejected", nil)}

	registry := NewRegistry()
	registry.Register("payment", func() contract.Workflow {
		return linearWorkflow{steps: []string{"debit", "reserve", "notify"}}
	}, contract.StepSet{"debit": debit, "reserve": reserve, "notify": notify})

	engine, err := New(registry, fastRetries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "payment", "wf-abandon", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-abandon")
	if record.Status != store.StatusAbandoned {
		t.Fatalf("expected abandoned, got %v", record.Status)
	}
	// debit's compensation still ran despite reserve's failing first
	if debit.compensates.Load() != 1 {
		t.Fatalf("expected debit compensated once, got %d", debit.compensates.Load())
	}

	entries, err := engine.DLQ().List(ctx, store.DLQFilter{}, 0)
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one DLQ entry, got %d", len(entries))
	}
	if entries[0].EntryType != store.DLQCompensationFailed {
		t.Fatalf("expected compensation_failed entry, got %s", entries[0].EntryType)
	}
	if entries[0].Error == nil || entries[0].Error.NodeID != "reserve" {
		t.Fatalf("expected entry for node reserve, got %+v", entries[0].Error)
	}
}

func TestActor_CircuitBreakerOpensAndWorkflowFails(t *testing.T) {
	pay := &flakyStep{failures: 100, fault: transientTimeout("pay")}

	registry := NewRegistry()
	registry.Register("pay_kind", func() contract.Workflow { return linearWorkflow{steps: []string{"pay"}} },
		contract.StepSet{"pay": pay})

	engine, err := New(registry,
		fastRetries(5),
		WithCircuitBreaker(BreakerOverride{
			Name: "step:pay", FailureThreshold: 3, SuccessThreshold: 1,
			RecoveryTimeout: time.Minute,
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "pay_kind", "wf-breaker", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-breaker")
	if record.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %v", record.Status)
	}
	// three real invocations open the breaker; the remaining attempts are
	// refused without reaching the step
	if got := pay.calls.Load(); got != 3 {
		t.Fatalf("expected 3 actual invocations before the breaker opened, got %d", got)
	}
	if status := engine.CircuitBreakers().Status("step:pay"); status.State != "open" {
		t.Fatalf("expected breaker open, got %s", status.State)
	}

	entries, err := engine.DLQ().List(ctx, store.DLQFilter{}, 0)
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one DLQ entry, got %d", len(entries))
	}
	if entries[0].EntryType != store.DLQWorkflowFailed || entries[0].RetryCount != 0 {
		t.Fatalf("expected fresh workflow_failed entry, got type=%s retry_count=%d",
			entries[0].EntryType, entries[0].RetryCount)
	}
}

func TestActor_CrashAndResumeSkipsCompletedSteps(t *testing.T) {
	first := &effectStep{}
	boom := &panicOnceStep{}

	registry := NewRegistry()
	registry.Register("crashy", func() contract.Workflow { return linearWorkflow{steps: []string{"init", "boom"}} },
		contract.StepSet{"init": first, "boom": boom})

	engine, err := New(registry, fastRetries(3), WithRestartPolicy(3, time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "crashy", "wf-crash", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-crash")
	if record.Status != store.StatusCompleted {
		t.Fatalf("expected completed after restart, got %v (error=%+v)", record.Status, record.Error)
	}
	// the completed step must not re-run after the crash
	if got := first.executes.Load(); got != 1 {
		t.Fatalf("expected init executed exactly once across the crash, got %d", got)
	}
	if got := boom.calls.Load(); got != 2 {
		t.Fatalf("expected boom invoked twice (crash, then success), got %d", got)
	}

	events, err := engine.GetEvents(ctx, "wf-crash")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if got := countEvents(events, store.EventStepStarted, "init"); got != 1 {
		t.Fatalf("expected a single step_started for init, got %d", got)
	}
	if got := countEvents(events, store.EventWorkflowCompleted, ""); got != 1 {
		t.Fatalf("expected a single workflow_completed, got %d", got)
	}
}

func TestActor_CancelMarksAbandoned(t *testing.T) {
	blocked := &blockingStep{entered: make(chan struct{})}

	registry := NewRegistry()
	registry.Register("slow", func() contract.Workflow { return linearWorkflow{steps: []string{"wait"}} },
		contract.StepSet{"wait": blocked})

	engine, err := New(registry, fastRetries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "slow", "wf-cancel", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	select {
	case <-blocked.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}
	if err := engine.CancelWorkflow(ctx, "wf-cancel"); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-cancel")
	if record.Status != store.StatusAbandoned {
		t.Fatalf("expected abandoned, got %v", record.Status)
	}
	if record.CompletedAt == nil || record.CurrentNodeID != nil {
		t.Fatalf("terminal record must have completed_at set and no current node: %+v", record)
	}
}

// rejectingStep refuses its input before Execute ever runs.
type rejectingStep struct{ calls atomic.Int32 }

func (s *rejectingStep) Execute(_ context.Context, state map[string]any) contract.StepResult {
	s.calls.Add(1)
	return contract.Ok(nil)
}

func (s *rejectingStep) Validate(state map[string]any) error {
	if _, ok := state["amount"]; !ok {
		return errors.New("missing amount")
	}
	return nil
}

func TestActor_ValidateRejectsStateBeforeExecute(t *testing.T) {
	step := &rejectingStep{}

	registry := NewRegistry()
	registry.Register("validated", func() contract.Workflow { return linearWorkflow{steps: []string{"charge"}} },
		contract.StepSet{"charge": step})

	engine, err := New(registry, fastRetries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.StartWorkflow(ctx, "validated", "wf-invalid", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	record := waitForTerminal(t, engine, "wf-invalid")
	if record.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %v", record.Status)
	}
	if record.Error == nil || record.Error.Reason != string(faults.ReasonValidation) {
		t.Fatalf("expected a validation failure, got %+v", record.Error)
	}
	if got := step.calls.Load(); got != 0 {
		t.Fatalf("expected Execute never invoked for rejected state, got %d calls", got)
	}
}

func TestActor_ResumeReusesLaterAttemptResult(t *testing.T) {
	s := store.NewMemStore()
	deps := buildDeps(s, bus.New(), clock.System{}, defaultConfig())
	ctx := context.Background()

	wf := linearWorkflow{steps: []string{"charge"}}
	graph, err := wf.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}

	// A previous run failed attempt 1 transiently, succeeded on attempt 2,
	// and crashed before advancing past the node.
	now := time.Now()
	current := "charge"
	record := &store.WorkflowRecord{
		ID: "wf-resume", Kind: "billing", Status: store.StatusRunning,
		CurrentNodeID: &current, State: map[string]any{"x": 1.0},
		TotalSteps: 1, StartedAt: now, UpdatedAt: now,
	}
	if err := s.PutWorkflow(ctx, record); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}
	_ = s.AppendEvent(ctx, "wf-resume", &store.EventRecord{Type: store.EventWorkflowStarted, Timestamp: now})

	if _, err := deps.ledger.Begin(ctx, "wf-resume", "charge", 1); err != nil {
		t.Fatalf("Begin 1: %v", err)
	}
	if err := deps.ledger.Fail(ctx, ledger.Key("wf-resume", "charge", 1),
		&store.WorkflowError{Kind: "transient", Reason: "timeout", Message: "boom"}); err != nil {
		t.Fatalf("Fail 1: %v", err)
	}
	if _, err := deps.ledger.Begin(ctx, "wf-resume", "charge", 2); err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if err := deps.ledger.Complete(ctx, ledger.Key("wf-resume", "charge", 2),
		map[string]any{"charged": true}); err != nil {
		t.Fatalf("Complete 2: %v", err)
	}

	step := &flakyStep{} // must never be invoked on resume
	actor := newActor("wf-resume", "billing", wf, graph, contract.StepSet{"charge": step}, deps)
	actor.Run(ctx, nil)

	got, err := s.GetWorkflow(ctx, "wf-resume")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed via cached attempt-2 result, got %v (error=%+v)", got.Status, got.Error)
	}
	if step.calls.Load() != 0 {
		t.Fatalf("expected the step not to re-run, got %d calls", step.calls.Load())
	}
	if got.State["charged"] != true {
		t.Fatalf("expected cached result merged into state, got %v", got.State)
	}
	if len(got.ExecutedNodes) != 1 || got.ExecutedNodes[0] != "charge" {
		t.Fatalf("expected executed_nodes [charge], got %v", got.ExecutedNodes)
	}
}

func TestActor_ProgressCountersTrackSteps(t *testing.T) {
	registry := NewRegistry()
	registry.Register("order", func() contract.Workflow { return orderWorkflow{} }, contract.StepSet{
		"reserve": addStep{amount: 1},
		"charge":  addStep{amount: 2},
	})

	engine, err := New(registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer engine.Close()

	if err := engine.StartWorkflow(context.Background(), "order", "wf-progress", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	record := waitForTerminal(t, engine, "wf-progress")
	if record.TotalSteps != 2 || record.CurrentStepIndex != 2 {
		t.Fatalf("expected 2/2 steps, got %d/%d", record.CurrentStepIndex, record.TotalSteps)
	}
}
