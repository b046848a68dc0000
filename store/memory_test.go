package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beamflow/beamflow/faults"
)

func TestMemStore_PutGetWorkflow(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	w := &WorkflowRecord{
		ID:        "wf-1",
		Kind:      "order_fulfillment",
		Status:    StatusRunning,
		State:     map[string]any{"order_id": "o-1"},
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.PutWorkflow(ctx, w); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}

	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Kind != "order_fulfillment" || got.State["order_id"] != "o-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Mutating the returned record must not affect the store's copy.
	got.State["order_id"] = "tampered"
	got2, _ := s.GetWorkflow(ctx, "wf-1")
	if got2.State["order_id"] != "o-1" {
		t.Fatal("GetWorkflow leaked internal state by reference")
	}
}

func TestMemStore_GetWorkflow_NotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.GetWorkflow(context.Background(), "missing")
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_ListWorkflows_Filters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.PutWorkflow(ctx, &WorkflowRecord{ID: "a", Kind: "k1", Status: StatusRunning, StartedAt: now})
	_ = s.PutWorkflow(ctx, &WorkflowRecord{ID: "b", Kind: "k2", Status: StatusCompleted, StartedAt: now.Add(time.Minute)})

	running, err := s.ListWorkflows(ctx, ListFilters{Status: StatusRunning}, 0)
	if err != nil || len(running) != 1 || running[0].ID != "a" {
		t.Fatalf("expected 1 running workflow 'a', got %+v (err=%v)", running, err)
	}

	byKind, err := s.ListWorkflows(ctx, ListFilters{Kind: "k2"}, 0)
	if err != nil || len(byKind) != 1 || byKind[0].ID != "b" {
		t.Fatalf("expected 1 workflow of kind k2, got %+v (err=%v)", byKind, err)
	}
}

func TestMemStore_AppendEvent_AssignsSequence(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, "wf-1", &EventRecord{Type: EventStepStarted, Timestamp: time.Now()}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.GetEvents(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}
}

func TestMemStore_UpdateIdem(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	entry := &IdempotencyEntry{Key: "wf-1:node-1:1", Status: IdemPending, StartedAt: time.Now()}
	if err := s.PutIdem(ctx, entry); err != nil {
		t.Fatalf("PutIdem: %v", err)
	}

	err := s.UpdateIdem(ctx, entry.Key, func(e *IdempotencyEntry) error {
		e.Status = IdemCompleted
		e.Result = map[string]any{"ok": true}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateIdem: %v", err)
	}

	got, _ := s.GetIdem(ctx, entry.Key)
	if got.Status != IdemCompleted || got.Result["ok"] != true {
		t.Fatalf("update did not persist: %+v", got)
	}
}

func TestMemStore_UpdateIdem_NotFound(t *testing.T) {
	s := NewMemStore()
	err := s.UpdateIdem(context.Background(), "missing", func(*IdempotencyEntry) error { return nil })
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_ListDueDLQ(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.PutDLQ(ctx, &DLQEntry{ID: "due", Status: DLQPending, NextRetryAt: now.Add(-time.Minute), CreatedAt: now})
	_ = s.PutDLQ(ctx, &DLQEntry{ID: "future", Status: DLQPending, NextRetryAt: now.Add(time.Hour), CreatedAt: now})
	_ = s.PutDLQ(ctx, &DLQEntry{ID: "resolved", Status: DLQResolved, NextRetryAt: now.Add(-time.Minute), CreatedAt: now})

	due, err := s.ListDueDLQ(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueDLQ: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only 'due' entry, got %+v", due)
	}
}

func TestMemStore_Transaction_AllOrNothing(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.Transaction(ctx, func(tx Store) error {
		_ = tx.PutWorkflow(ctx, &WorkflowRecord{ID: "wf-1", Status: StatusRunning, StartedAt: time.Now()})
		_ = tx.AppendEvent(ctx, "wf-1", &EventRecord{Type: EventWorkflowStarted, Timestamp: time.Now()})
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := s.GetWorkflow(ctx, "wf-1"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected write to be rolled back after fn returned an error, got err=%v", err)
	}
}

func TestMemStore_Transaction_CommitsOnSuccess(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx Store) error {
		if err := tx.PutWorkflow(ctx, &WorkflowRecord{ID: "wf-2", Status: StatusRunning, StartedAt: time.Now()}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, "wf-2", &EventRecord{Type: EventWorkflowStarted, Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	if _, err := s.GetWorkflow(ctx, "wf-2"); err != nil {
		t.Fatalf("expected committed workflow: %v", err)
	}
	events, _ := s.GetEvents(ctx, "wf-2")
	if len(events) != 1 {
		t.Fatalf("expected 1 committed event, got %d", len(events))
	}
}

func TestMemStore_CountByStatus(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.PutWorkflow(ctx, &WorkflowRecord{ID: "a", Status: StatusRunning, StartedAt: time.Now()})
	_ = s.PutWorkflow(ctx, &WorkflowRecord{ID: "b", Status: StatusRunning, StartedAt: time.Now()})
	_ = s.PutWorkflow(ctx, &WorkflowRecord{ID: "c", Status: StatusCompleted, StartedAt: time.Now()})

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusRunning] != 2 || counts[StatusCompleted] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
