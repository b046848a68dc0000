// Package store implements the durable, transactional tables described in
// spec §3 and §4.1: workflows, events, idempotency, and dlq. It is the
// direct generalization of the teacher's store.Store[S] (graph/store),
// carrying over its three defining choices — a narrow interface over four
// concerns, an in-memory implementation for tests, and a SQL-backed
// implementation for production (graph/store/memory.go,
// graph/store/sqlite.go, graph/store/mysql.go) — while replacing the
// teacher's generic step/checkpoint model with the spec's four concrete
// aggregates.
package store

import "time"

// Status is the workflow lifecycle state (spec §3 Workflow Record).
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusAbandoned    Status = "abandoned"
)

// Terminal reports whether s is one of the terminal statuses (invariant I1).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// WorkflowError is the structured error recorded on a WorkflowRecord when
// status is failed or abandoned (spec §3).
type WorkflowError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// WorkflowRecord is the durable aggregate per workflow instance (spec §3).
type WorkflowRecord struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Status            Status         `json:"status"`
	CurrentNodeID     *string        `json:"current_node_id"`
	ExecutedNodes     []string       `json:"executed_nodes"`
	ExecutedSagaNodes []string       `json:"executed_saga_nodes"`
	State             map[string]any `json:"state"`
	TotalSteps        int            `json:"total_steps"`
	CurrentStepIndex  int            `json:"current_step_index"`
	Error             *WorkflowError `json:"error"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at"`
}

// Clone returns a deep-enough copy of the record for an Actor to hold as
// its in-flight working copy without aliasing slices/maps with the Store's
// cache (spec §3 "Ownership": Actors own their in-flight copy).
func (w *WorkflowRecord) Clone() *WorkflowRecord {
	if w == nil {
		return nil
	}
	clone := *w
	clone.ExecutedNodes = append([]string(nil), w.ExecutedNodes...)
	clone.ExecutedSagaNodes = append([]string(nil), w.ExecutedSagaNodes...)
	clone.State = make(map[string]any, len(w.State))
	for k, v := range w.State {
		clone.State[k] = v
	}
	if w.CurrentNodeID != nil {
		id := *w.CurrentNodeID
		clone.CurrentNodeID = &id
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		clone.CompletedAt = &t
	}
	if w.Error != nil {
		e := *w.Error
		clone.Error = &e
	}
	return &clone
}

// EventType enumerates the append-only history event kinds (spec §3).
type EventType string

const (
	EventWorkflowStarted     EventType = "workflow_started"
	EventStepStarted         EventType = "step_started"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventBranchTaken         EventType = "branch_taken"
	EventSagaStepCompensated EventType = "saga_step_compensated"
	EventWorkflowCompleted   EventType = "workflow_completed"
	EventWorkflowFailed      EventType = "workflow_failed"
	EventWorkflowAbandoned   EventType = "workflow_abandoned"
	EventRetryScheduled      EventType = "retry_scheduled"
)

// EventRecord is one append-only history entry, keyed by
// (workflow_id, sequence_number) (spec §3).
type EventRecord struct {
	WorkflowID string         `json:"workflow_id"`
	Seq        int            `json:"seq"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// IdemStatus is the lifecycle state of an Idempotency Entry (spec §3).
type IdemStatus string

const (
	IdemPending   IdemStatus = "pending"
	IdemCompleted IdemStatus = "completed"
	IdemFailed    IdemStatus = "failed"
	IdemStale     IdemStatus = "stale"
)

// IdempotencyEntry is keyed by the deterministic string
// "{workflow_id}:{node_id}:{attempt}" (spec §3, §4.3).
type IdempotencyEntry struct {
	Key         string         `json:"key"`
	Status      IdemStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Result      map[string]any `json:"result"`
	Error       *WorkflowError `json:"error"`
}

// DLQStatus is the lifecycle state of a DLQ Entry (spec §3, §4.7).
type DLQStatus string

const (
	DLQPending             DLQStatus = "pending"
	DLQRetrying            DLQStatus = "retrying"
	DLQResolved            DLQStatus = "resolved"
	DLQAbandoned           DLQStatus = "abandoned"
	DLQMaxRetriesExceeded  DLQStatus = "max_retries_exceeded"
)

// DLQEntryType classifies why an entry was enqueued (spec §3).
type DLQEntryType string

const (
	DLQWorkflowFailed     DLQEntryType = "workflow_failed"
	DLQCompensationFailed DLQEntryType = "compensation_failed"
	DLQCriticalFailure    DLQEntryType = "critical_failure"
)

// DLQEntry is a durable failure record with scheduled retries (spec §3,
// §4.7).
type DLQEntry struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Kind            string         `json:"kind"`
	EntryType       DLQEntryType   `json:"entry_type"`
	Error           *WorkflowError `json:"error"`
	Context         map[string]any `json:"context"`
	OriginalParams  map[string]any `json:"original_params"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	NextRetryAt     time.Time      `json:"next_retry_at"`
	Status          DLQStatus      `json:"status"`
	Resolution      string         `json:"resolution,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ListFilters narrows ListWorkflows (spec §6 "filters are {status, kind,
// date_from, date_to, search}").
type ListFilters struct {
	Status   Status
	Kind     string
	DateFrom time.Time
	DateTo   time.Time
	Search   string
}

// DLQFilter narrows ListDLQ.
type DLQFilter struct {
	Status DLQStatus
	Kind   string
}
