package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/store"
)

func TestLedger_Begin_FreshKeyReturnsOK(t *testing.T) {
	s := store.NewMemStore()
	l := New(s, clock.NewFake(time.Now()), 0)

	d, err := l.Begin(context.Background(), "wf-1", "charge", 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.Outcome != OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", d.Outcome)
	}
}

func TestLedger_Begin_PendingWithinStaleBoundReturnsAlreadyPending(t *testing.T) {
	s := store.NewMemStore()
	fc := clock.NewFake(time.Now())
	l := New(s, fc, time.Minute)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "wf-1", "charge", 1); err != nil {
		t.Fatalf("Begin 1: %v", err)
	}
	d, err := l.Begin(ctx, "wf-1", "charge", 1)
	if err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if d.Outcome != OutcomeAlreadyPending {
		t.Fatalf("expected OutcomeAlreadyPending, got %v", d.Outcome)
	}
}

func TestLedger_Begin_StalePendingRestarts(t *testing.T) {
	s := store.NewMemStore()
	fc := clock.NewFake(time.Now())
	l := New(s, fc, time.Minute)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "wf-1", "charge", 1); err != nil {
		t.Fatalf("Begin 1: %v", err)
	}
	fc.Advance(2 * time.Minute)

	d, err := l.Begin(ctx, "wf-1", "charge", 1)
	if err != nil {
		t.Fatalf("Begin 2: %v", err)
	}
	if d.Outcome != OutcomeOK {
		t.Fatalf("expected OutcomeOK after stale restart, got %v", d.Outcome)
	}
}

func TestLedger_Complete_ThenBeginReturnsAlreadyCompleted(t *testing.T) {
	s := store.NewMemStore()
	l := New(s, clock.NewFake(time.Now()), 0)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "wf-1", "charge", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := l.Complete(ctx, Key("wf-1", "charge", 1), map[string]any{"charge_id": "ch-1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	d, err := l.Begin(ctx, "wf-1", "charge", 1)
	if err != nil {
		t.Fatalf("Begin after complete: %v", err)
	}
	if d.Outcome != OutcomeAlreadyCompleted || d.Result["charge_id"] != "ch-1" {
		t.Fatalf("expected cached result, got %+v", d)
	}
}

func TestLedger_Fail_ThenBeginReturnsPreviouslyFailed(t *testing.T) {
	s := store.NewMemStore()
	l := New(s, clock.NewFake(time.Now()), 0)
	ctx := context.Background()

	if _, err := l.Begin(ctx, "wf-1", "charge", 1); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	werr := &store.WorkflowError{Kind: "permanent", Reason: "card_declined", Message: "declined"}
	if err := l.Fail(ctx, Key("wf-1", "charge", 1), werr); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	d, err := l.Begin(ctx, "wf-1", "charge", 1)
	if err != nil {
		t.Fatalf("Begin after fail: %v", err)
	}
	if d.Outcome != OutcomePreviouslyFailed || d.Error.Reason != "card_declined" {
		t.Fatalf("expected previously_failed with reason, got %+v", d)
	}
}

func TestKey_IsDeterministic(t *testing.T) {
	if Key("wf-1", "charge", 2) != "wf-1:charge:2" {
		t.Fatalf("unexpected key format: %s", Key("wf-1", "charge", 2))
	}
}
