// Package ledger implements the Idempotency Ledger from spec §4.3: it
// guarantees exactly-once external effects across actor restarts by
// serializing a step invocation's intent through durable state before and
// after the actual call. The Ledger never calls user code — it only owns
// state transitions, the same separation of concerns the teacher keeps
// between its engine (which calls node code) and its store (which only
// persists state).
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/store"
)

// DefaultStaleBound is the default staleness window for a pending entry
// (spec §9 settles the open question of a default at 300000ms / 5 minutes).
const DefaultStaleBound = 5 * time.Minute

// Outcome is the result of asking the Ledger to begin a step invocation.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeAlreadyPending    Outcome = "already_pending"
	OutcomeAlreadyCompleted  Outcome = "already_completed"
	OutcomePreviouslyFailed  Outcome = "previously_failed"
)

// Decision is what the Ledger tells the Actor to do for a given idem_key.
type Decision struct {
	Outcome Outcome
	Key     string
	Result  map[string]any      // set when Outcome == OutcomeAlreadyCompleted
	Error   *store.WorkflowError // set when Outcome == OutcomePreviouslyFailed
}

// Key computes the deterministic idem_key for a step invocation attempt,
// per spec §3/§4.3: "(workflow_id, node_id, attempt)".
func Key(workflowID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", workflowID, nodeID, attempt)
}

// Ledger mediates idem_key lifecycle transitions against a Store.
type Ledger struct {
	store      store.Store
	clock      clock.Clock
	staleBound time.Duration
}

// New creates a Ledger backed by s. A nil clock defaults to clock.System{}.
func New(s store.Store, c clock.Clock, staleBound time.Duration) *Ledger {
	if c == nil {
		c = clock.System{}
	}
	if staleBound <= 0 {
		staleBound = DefaultStaleBound
	}
	return &Ledger{store: s, clock: c, staleBound: staleBound}
}

// Begin implements step 1 of the protocol in spec §4.3: it atomically
// inspects (or creates) the entry for key and tells the caller whether to
// proceed with the invocation.
func (l *Ledger) Begin(ctx context.Context, workflowID, nodeID string, attempt int) (Decision, error) {
	key := Key(workflowID, nodeID, attempt)
	var decision Decision

	err := l.store.Transaction(ctx, func(tx store.Store) error {
		existing, err := tx.GetIdem(ctx, key)
		if err != nil && err != faults.ErrNotFound {
			return err
		}

		if existing == nil {
			decision = Decision{Outcome: OutcomeOK, Key: key}
			return tx.PutIdem(ctx, &store.IdempotencyEntry{
				Key: key, Status: store.IdemPending, StartedAt: l.clock.Now(),
			})
		}

		switch existing.Status {
		case store.IdemPending:
			if l.clock.Now().Sub(existing.StartedAt) <= l.staleBound {
				decision = Decision{Outcome: OutcomeAlreadyPending, Key: key}
				return nil
			}
			existing.Status = store.IdemStale
			if err := tx.PutIdem(ctx, existing); err != nil {
				return err
			}
			decision = Decision{Outcome: OutcomeOK, Key: key}
			return tx.PutIdem(ctx, &store.IdempotencyEntry{
				Key: key, Status: store.IdemPending, StartedAt: l.clock.Now(),
			})

		case store.IdemCompleted:
			decision = Decision{Outcome: OutcomeAlreadyCompleted, Key: key, Result: existing.Result}
			return nil

		case store.IdemFailed:
			decision = Decision{Outcome: OutcomePreviouslyFailed, Key: key, Error: existing.Error}
			return nil

		default: // store.IdemStale: treat like absent, start fresh
			decision = Decision{Outcome: OutcomeOK, Key: key}
			return tx.PutIdem(ctx, &store.IdempotencyEntry{
				Key: key, Status: store.IdemPending, StartedAt: l.clock.Now(),
			})
		}
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Complete transitions key to completed(result), step 2 of the protocol in
// spec §4.3. It writes through the Ledger's own Store handle in a single
// UpdateIdem call, so it does not join any transaction the caller has open;
// the Actor appends step_completed in a separate transaction afterwards.
func (l *Ledger) Complete(ctx context.Context, key string, result map[string]any) error {
	now := l.clock.Now()
	return l.store.UpdateIdem(ctx, key, func(e *store.IdempotencyEntry) error {
		e.Status = store.IdemCompleted
		e.CompletedAt = &now
		e.Result = result
		return nil
	})
}

// Fail transitions key to failed(error). No separate retriable flag is
// stored: the error's Kind tells a later Begin caller whether the failure
// was retriable, and whether a retry actually happens is the Retry Policy's
// decision, not the Ledger's (spec §4.3/§4.4 separation of concerns).
func (l *Ledger) Fail(ctx context.Context, key string, werr *store.WorkflowError) error {
	now := l.clock.Now()
	return l.store.UpdateIdem(ctx, key, func(e *store.IdempotencyEntry) error {
		e.Status = store.IdemFailed
		e.CompletedAt = &now
		e.Error = werr
		return nil
	})
}
