package saga

import (
	"context"
	"testing"
	"time"

	"github.com/beamflow/beamflow/breaker"
	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/contract"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/ledger"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/store"
)

type fakeCompensatingStep struct {
	calls   int
	fail    bool
	timeout time.Duration
}

func (s *fakeCompensatingStep) Execute(context.Context, map[string]any) contract.StepResult {
	return contract.Ok(nil)
}

func (s *fakeCompensatingStep) Compensate(_ context.Context, state map[string]any) contract.StepResult {
	s.calls++
	if s.fail {
		return contract.Failed(faults.New(faults.Transient, faults.ReasonTimeout, "", "compensation timed out", nil))
	}
	return contract.Ok(state)
}

func (s *fakeCompensatingStep) CompensationMetadata() contract.CompensationMetadata {
	return contract.CompensationMetadata{Timeout: s.timeout, Critical: true}
}

func newHarness() (*Compensator, store.Store) {
	s := store.NewMemStore()
	fc := clock.NewFake(time.Now())
	l := ledger.New(s, fc, 0)
	b := breaker.NewManager(bus.New())
	r := retry.NewRegistry()
	r.Register(retry.Policy{Name: "fast", Base: time.Millisecond, Max: 5 * time.Millisecond, JitterPct: 0, MaxAttempts: 2})
	return New(s, l, b, r, bus.New(), fc, nil), s
}

func TestCompensate_SucceedsInReverseOrder(t *testing.T) {
	debit := &fakeCompensatingStep{}
	reserve := &fakeCompensatingStep{}
	comp, s := newHarness()

	wf := &store.WorkflowRecord{
		ID: "wf-1", Kind: "order", Status: store.StatusCompensating,
		ExecutedSagaNodes: []string{"debit", "reserve"},
		State:             map[string]any{},
		StartedAt:         time.Now(),
	}
	_ = s.PutWorkflow(context.Background(), wf)

	steps := contract.StepSet{"debit": debit, "reserve": reserve}
	result := comp.Compensate(context.Background(), wf, steps, "fast")

	if result.FinalStatus != store.StatusFailed {
		t.Fatalf("expected StatusFailed (all compensations ok), got %v", result.FinalStatus)
	}
	if debit.calls != 1 || reserve.calls != 1 {
		t.Fatalf("expected each compensation invoked exactly once, got debit=%d reserve=%d", debit.calls, reserve.calls)
	}

	events, _ := s.GetEvents(context.Background(), "wf-1")
	if len(events) != 2 {
		t.Fatalf("expected 2 saga_step_compensated events, got %d", len(events))
	}
	if events[0].Metadata["node_id"] != "reserve" || events[1].Metadata["node_id"] != "debit" {
		t.Fatalf("expected reverse order reserve,debit, got %v, %v", events[0].Metadata, events[1].Metadata)
	}
}

func TestCompensate_FailureProducesDLQAndAbandoned(t *testing.T) {
	debit := &fakeCompensatingStep{}
	reserve := &fakeCompensatingStep{fail: true}
	comp, s := newHarness()

	wf := &store.WorkflowRecord{
		ID: "wf-2", Kind: "order", Status: store.StatusCompensating,
		ExecutedSagaNodes: []string{"debit", "reserve"},
		State:             map[string]any{},
		StartedAt:         time.Now(),
	}
	_ = s.PutWorkflow(context.Background(), wf)

	steps := contract.StepSet{"debit": debit, "reserve": reserve}
	result := comp.Compensate(context.Background(), wf, steps, "fast")

	if result.FinalStatus != store.StatusAbandoned {
		t.Fatalf("expected StatusAbandoned, got %v", result.FinalStatus)
	}
	if len(result.DLQEntries) != 1 || result.DLQEntries[0].EntryType != store.DLQCompensationFailed {
		t.Fatalf("expected 1 compensation_failed DLQ entry, got %+v", result.DLQEntries)
	}
	if debit.calls != 1 {
		t.Fatalf("expected debit still compensated despite reserve failing, got %d calls", debit.calls)
	}
}
