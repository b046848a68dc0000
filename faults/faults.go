// Package faults defines the failure taxonomy shared by the retry policy,
// saga compensator, dead-letter queue, and workflow actor (spec §4.12/§7).
//
// Every component that can fail classifies its error into one of the Kinds
// below rather than inventing its own sentinel; this lets the Retry Policy,
// Saga Compensator, and DLQ apply a single, consistent escalation path.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the top-level classification of a failure, shared across the
// engine (spec §7 table).
type Kind string

const (
	// Transient indicates a temporary fault: timeout, service_unavailable,
	// or a circuit_open refusal. Retried per the active Retry Policy.
	Transient Kind = "transient"

	// Permanent indicates invalid input or a business rejection. Never
	// retried; routed straight to the saga compensator / DLQ.
	Permanent Kind = "permanent"

	// StorageUnavailable indicates the durable Store failed. The step
	// fails, the Actor retries after backoff, and repeated failures
	// escalate to the Supervisor.
	StorageUnavailable Kind = "storage_unavailable"

	// Cancelled indicates cooperative cancellation. Never retried; the
	// workflow is marked abandoned.
	Cancelled Kind = "cancelled"

	// Internal indicates a contract violation or invariant break — a bug.
	// The Actor crashes and the Supervisor restarts it from persisted
	// state.
	Internal Kind = "internal"
)

// Reason is a machine-readable sub-classification used by the Retry Policy
// to decide retriability independent of Kind (spec §4.4).
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonServiceUnavailable Reason = "service_unavailable"
	ReasonCircuitOpen        Reason = "circuit_open"
	ReasonInvalidData        Reason = "invalid_data"
	ReasonCardDeclined       Reason = "card_declined"
	ReasonValidation         Reason = "validation"
	ReasonCancelled          Reason = "cancelled"
	ReasonStorage            Reason = "storage_unavailable"
	ReasonInternal           Reason = "internal"
	ReasonUnknown            Reason = "unknown"
)

// Error is the structured error type propagated from Steps up through the
// Actor, Retry Policy, Saga Compensator, and DLQ. It plays the role the
// teacher's *graph.EngineError played for the execution engine, extended
// with the Kind/Reason taxonomy the spec requires.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	NodeID  string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (%s): node %s: %s", e.Kind, e.Reason, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

// Unwrap returns the underlying cause for error-chain introspection.
func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the Retry Policy should consider retrying this
// error at all (spec §4.4 classification).
func (e *Error) Retriable() bool {
	switch e.Kind {
	case Transient, StorageUnavailable:
		return true
	default:
		return false
	}
}

// New constructs a classified Error. cause may be nil.
func New(kind Kind, reason Reason, nodeID, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, NodeID: nodeID, Cause: cause}
}

// Classify maps a raw error and an optional hint reason to a structured
// Error, the way a Step's return value is classified before it reaches the
// Retry Policy. Unrecognized errors are treated as Permanent — the spec
// requires an explicit opt-in to retry semantics, never an implicit one.
func Classify(nodeID string, err error, reason Reason) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	switch reason {
	case ReasonTimeout, ReasonServiceUnavailable:
		return New(Transient, reason, nodeID, err.Error(), err)
	case ReasonCircuitOpen:
		return New(Transient, ReasonCircuitOpen, nodeID, err.Error(), err)
	case ReasonInvalidData, ReasonCardDeclined, ReasonValidation:
		return New(Permanent, reason, nodeID, err.Error(), err)
	case ReasonCancelled:
		return New(Cancelled, ReasonCancelled, nodeID, err.Error(), err)
	case ReasonStorage:
		return New(StorageUnavailable, ReasonStorage, nodeID, err.Error(), err)
	default:
		return New(Permanent, ReasonUnknown, nodeID, err.Error(), err)
	}
}

// ErrCircuitOpen is returned by the Circuit Breaker when it refuses a call
// while open (spec §4.5).
var ErrCircuitOpen = errors.New("circuit_open")

// ErrStaleEntry names a pending idempotency entry that has exceeded the
// configured staleness bound (spec §4.3). The Ledger does not return it:
// Begin restarts such an entry under the same key and reports OutcomeOK.
var ErrStaleEntry = errors.New("idempotency entry stale")

// ErrAlreadyExists is returned by the Supervisor when starting a workflow
// id that is already registered (spec §4.9).
var ErrAlreadyExists = errors.New("workflow already exists")

// ErrNotFound is returned by the Supervisor, Store, and DLQ for unknown ids.
var ErrNotFound = errors.New("not found")

// ErrUnknownKind is returned by the Supervisor when StartWorkflow is asked
// for a kind with no registered constructor.
var ErrUnknownKind = errors.New("unknown workflow kind")

// ErrInvalidParams is returned when a workflow's initial_state rejects the
// supplied params.
var ErrInvalidParams = errors.New("invalid params")
