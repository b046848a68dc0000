// Package dlq implements the Dead-Letter Queue from spec §4.7: durably
// record terminal or operationally interesting failures, retry them on a
// schedule, and notify observers. It is the one component with no direct
// analogue in the teacher repo (a single-process graph executor has no
// notion of "retry this whole run later"); its shape — enqueue, a
// time.Ticker-driven sweep, and operator overrides — is grounded in the
// same store.Store/bus.Bus collaborators the rest of the kernel uses.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/store"
)

// Backoff is the DLQ's own exponential schedule, tuned longer than the
// step-level Retry Policy (spec §4.7 "base 60s, max 16min").
var Backoff = struct {
	Base time.Duration
	Max  time.Duration
}{Base: 60 * time.Second, Max: 16 * time.Minute}

// DefaultMaxRetries bounds how many times the sweep restarts a workflow
// before giving up and escalating to a critical alert.
const DefaultMaxRetries = 5

// Restarter restarts a workflow under a derived id, the hook the sweep
// calls for every due entry still under its retry budget, whatever its
// type. It is implemented by the
// workflow Supervisor; dlq depends only on this narrow interface to avoid
// importing the workflow package (which itself depends on dlq to enqueue
// failures) — dlq.Restarter keeps the dependency one-directional.
type Restarter interface {
	RestartWorkflow(ctx context.Context, derivedID, originalID, kind string, params map[string]any) error
}

// Queue is the Dead-Letter Queue.
type Queue struct {
	store      store.Store
	bus        bus.Bus
	clock      clock.Clock
	maxRetries int
	redactor   Redactor
}

// New creates a Queue. A nil clock defaults to clock.System{}; a nil
// redactor defaults to DefaultRedactor.
func New(s store.Store, evBus bus.Bus, c clock.Clock, maxRetries int, r Redactor) *Queue {
	if c == nil {
		c = clock.System{}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if r == nil {
		r = DefaultRedactor
	}
	return &Queue{store: s, bus: evBus, clock: c, maxRetries: maxRetries, redactor: r}
}

// Enqueue persists a new entry with retry_count = 0 and next_retry_at
// computed from the DLQ's base backoff, and publishes an alert (spec
// §4.7 "enqueue(...) ... on enqueue the DLQ also publishes an alert").
// Both the context snapshot and the restart params pass through the
// Queue's Redactor before they are persisted.
func (q *Queue) Enqueue(ctx context.Context, entryType store.DLQEntryType, workflowID, kind string,
	werr *store.WorkflowError, entryCtx, originalParams map[string]any) (*store.DLQEntry, error) {
	now := q.clock.Now()
	entry := &store.DLQEntry{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Kind:           kind,
		EntryType:      entryType,
		Error:          werr,
		Context:        q.redactor.Redact(entryCtx),
		OriginalParams: q.redactor.Redact(originalParams),
		RetryCount:     0,
		MaxRetries:     q.maxRetries,
		NextRetryAt:    now.Add(Backoff.Base),
		Status:         store.DLQPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.PutDLQ(ctx, entry); err != nil {
		return nil, err
	}

	severity := "warning"
	if entryType == store.DLQCompensationFailed || entryType == store.DLQCriticalFailure {
		severity = "critical"
	}
	q.bus.Publish(bus.Event{
		Topic: "alerts", Type: "alert",
		Payload:   map[string]any{"severity": severity, "entry_type": string(entryType), "workflow_id": workflowID, "dlq_id": entry.ID},
		Timestamp: now,
	})
	return entry, nil
}

// Sweep scans due entries and, for each, restarts the workflow (if under
// its retry budget) or marks it max_retries_exceeded with a critical alert
// (spec §4.7). It processes at most batchSize entries per call.
func (q *Queue) Sweep(ctx context.Context, restarter Restarter, batchSize int) (processed int, err error) {
	due, err := q.store.ListDueDLQ(ctx, q.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}
	for _, entry := range due {
		if err := q.processDue(ctx, restarter, entry); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (q *Queue) processDue(ctx context.Context, restarter Restarter, entry *store.DLQEntry) error {
	if entry.RetryCount >= entry.MaxRetries {
		if err := q.store.UpdateDLQ(ctx, entry.ID, func(e *store.DLQEntry) error {
			e.Status = store.DLQMaxRetriesExceeded
			e.UpdatedAt = q.clock.Now()
			return nil
		}); err != nil {
			return err
		}
		q.bus.Publish(bus.Event{
			Topic: "alerts", Type: "alert",
			Payload:   map[string]any{"severity": "critical", "entry_type": "max_retries_exceeded", "workflow_id": entry.WorkflowID, "dlq_id": entry.ID},
			Timestamp: q.clock.Now(),
		})
		return nil
	}

	derivedID := fmt.Sprintf("%s_retry_%d", entry.WorkflowID, entry.RetryCount+1)
	restartErr := restarter.RestartWorkflow(ctx, derivedID, entry.WorkflowID, entry.Kind, entry.OriginalParams)

	return q.store.UpdateDLQ(ctx, entry.ID, func(e *store.DLQEntry) error {
		e.RetryCount++
		e.UpdatedAt = q.clock.Now()
		if restartErr != nil {
			e.Status = store.DLQPending
			e.NextRetryAt = nextBackoff(q.clock.Now(), e.RetryCount)
			return nil
		}
		e.Status = store.DLQRetrying
		e.NextRetryAt = nextBackoff(q.clock.Now(), e.RetryCount)
		return nil
	})
}

func nextBackoff(now time.Time, retryCount int) time.Time {
	delay := Backoff.Base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay > Backoff.Max {
			delay = Backoff.Max
			break
		}
	}
	return now.Add(delay)
}

// RetryNow forces an immediate attempt for id, ignoring its scheduled
// next_retry_at (spec §4.7 operator operation "retry_now(id)").
func (q *Queue) RetryNow(ctx context.Context, restarter Restarter, id string) error {
	entry, err := q.store.GetDLQ(ctx, id)
	if err != nil {
		return err
	}
	return q.processDue(ctx, restarter, entry)
}

// Resolve marks id resolved with an operator-supplied resolution and notes
// (spec §4.7 "resolve(id, resolution, notes)").
func (q *Queue) Resolve(ctx context.Context, id, resolution, notes string) error {
	return q.store.UpdateDLQ(ctx, id, func(e *store.DLQEntry) error {
		e.Status = store.DLQResolved
		e.Resolution = resolution
		e.Notes = notes
		e.UpdatedAt = q.clock.Now()
		return nil
	})
}

// Abandon marks id abandoned (spec §4.7 "abandon(id, notes)").
func (q *Queue) Abandon(ctx context.Context, id, notes string) error {
	return q.store.UpdateDLQ(ctx, id, func(e *store.DLQEntry) error {
		e.Status = store.DLQAbandoned
		e.Notes = notes
		e.UpdatedAt = q.clock.Now()
		return nil
	})
}

// List returns entries matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter store.DLQFilter, limit int) ([]*store.DLQEntry, error) {
	return q.store.ListDLQ(ctx, filter, limit)
}

// Get returns a single entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.DLQEntry, error) {
	return q.store.GetDLQ(ctx, id)
}

// RunSweeper starts a background goroutine that calls Sweep every interval
// until ctx is cancelled. It returns a function that waits for the
// goroutine to exit.
func (q *Queue) RunSweeper(ctx context.Context, restarter Restarter, interval time.Duration, batchSize int) (wait func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = q.Sweep(ctx, restarter, batchSize)
			}
		}
	}()
	return func() { <-done }
}
