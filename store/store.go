package store

import (
	"context"
	"time"
)

// Store is the durable persistence contract for the four tables in spec §3:
// workflows, events, idempotency, dlq. It mirrors the teacher's narrow
// store.Store[S] interface (graph/store/store.go) — save/load/list plus a
// transaction boundary — widened from one aggregate (a checkpoint) to four.
type Store interface {
	PutWorkflow(ctx context.Context, w *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter ListFilters, limit int) ([]*WorkflowRecord, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendEvent assigns the next sequence number for workflowID and
	// stores ev. Events are never mutated once appended (spec §3 "append
	// only").
	AppendEvent(ctx context.Context, workflowID string, ev *EventRecord) error
	GetEvents(ctx context.Context, workflowID string) ([]*EventRecord, error)

	PutIdem(ctx context.Context, e *IdempotencyEntry) error
	GetIdem(ctx context.Context, key string) (*IdempotencyEntry, error)
	// UpdateIdem loads the entry for key, passes it to fn for in-place
	// mutation, then persists the result. Returns ErrNotFound if no entry
	// exists for key.
	UpdateIdem(ctx context.Context, key string, fn func(*IdempotencyEntry) error) error

	PutDLQ(ctx context.Context, e *DLQEntry) error
	GetDLQ(ctx context.Context, id string) (*DLQEntry, error)
	ListDLQ(ctx context.Context, filter DLQFilter, limit int) ([]*DLQEntry, error)
	UpdateDLQ(ctx context.Context, id string, fn func(*DLQEntry) error) error
	// ListDueDLQ returns pending/retrying entries whose NextRetryAt is not
	// after now, ordered by NextRetryAt ascending, capped at limit (spec
	// §4.7 "periodic sweep").
	ListDueDLQ(ctx context.Context, now time.Time, limit int) ([]*DLQEntry, error)

	// Transaction runs fn against a Store scoped to a single all-or-nothing
	// unit of work: either every write fn performs is durable or none are
	// (spec §4.1 "Guarantees"). fn must not retain the Store it is given
	// beyond the call.
	Transaction(ctx context.Context, fn func(Store) error) error
}
