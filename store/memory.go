package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beamflow/beamflow/faults"
)

// MemStore is an in-memory Store, the direct analogue of the teacher's
// MemStore[S] (graph/store/memory.go): thread-safe maps, no persistence
// across process restarts, meant for tests and short-lived development
// runs rather than production deployments.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowRecord
	events    map[string][]*EventRecord
	idem      map[string]*IdempotencyEntry
	dlq       map[string]*DLQEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*WorkflowRecord),
		events:    make(map[string][]*EventRecord),
		idem:      make(map[string]*IdempotencyEntry),
		dlq:       make(map[string]*DLQEntry),
	}
}

func (m *MemStore) PutWorkflow(_ context.Context, w *WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putWorkflowLocked(w)
}

func (m *MemStore) putWorkflowLocked(w *WorkflowRecord) error {
	m.workflows[w.ID] = w.Clone()
	return nil
}

func (m *MemStore) GetWorkflow(_ context.Context, id string) (*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWorkflowLocked(id)
}

func (m *MemStore) getWorkflowLocked(id string) (*WorkflowRecord, error) {
	w, ok := m.workflows[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	return w.Clone(), nil
}

func (m *MemStore) ListWorkflows(_ context.Context, filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWorkflowsLocked(filter, limit)
}

func (m *MemStore) listWorkflowsLocked(filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	var out []*WorkflowRecord
	for _, w := range m.workflows {
		if !matchesFilter(w, filter) {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(w *WorkflowRecord, filter ListFilters) bool {
	if filter.Status != "" && w.Status != filter.Status {
		return false
	}
	if filter.Kind != "" && w.Kind != filter.Kind {
		return false
	}
	if !filter.DateFrom.IsZero() && w.StartedAt.Before(filter.DateFrom) {
		return false
	}
	if !filter.DateTo.IsZero() && w.StartedAt.After(filter.DateTo) {
		return false
	}
	if filter.Search != "" && !strings.Contains(w.ID, filter.Search) {
		return false
	}
	return true
}

func (m *MemStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, w := range m.workflows {
		counts[w.Status]++
	}
	return counts, nil
}

func (m *MemStore) AppendEvent(_ context.Context, workflowID string, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventLocked(workflowID, ev)
}

func (m *MemStore) appendEventLocked(workflowID string, ev *EventRecord) error {
	existing := m.events[workflowID]
	ev.WorkflowID = workflowID
	ev.Seq = len(existing) + 1
	m.events[workflowID] = append(existing, ev)
	return nil
}

func (m *MemStore) GetEvents(_ context.Context, workflowID string) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[workflowID]
	out := make([]*EventRecord, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemStore) PutIdem(_ context.Context, e *IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putIdemLocked(e)
}

func (m *MemStore) putIdemLocked(e *IdempotencyEntry) error {
	cp := *e
	m.idem[e.Key] = &cp
	return nil
}

func (m *MemStore) GetIdem(_ context.Context, key string) (*IdempotencyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getIdemLocked(key)
}

func (m *MemStore) getIdemLocked(key string) (*IdempotencyEntry, error) {
	e, ok := m.idem[key]
	if !ok {
		return nil, faults.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) UpdateIdem(_ context.Context, key string, fn func(*IdempotencyEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateIdemLocked(key, fn)
}

func (m *MemStore) updateIdemLocked(key string, fn func(*IdempotencyEntry) error) error {
	e, ok := m.idem[key]
	if !ok {
		return faults.ErrNotFound
	}
	cp := *e
	if err := fn(&cp); err != nil {
		return err
	}
	m.idem[key] = &cp
	return nil
}

func (m *MemStore) PutDLQ(_ context.Context, e *DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putDLQLocked(e)
}

func (m *MemStore) putDLQLocked(e *DLQEntry) error {
	cp := *e
	m.dlq[e.ID] = &cp
	return nil
}

func (m *MemStore) GetDLQ(_ context.Context, id string) (*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDLQLocked(id)
}

func (m *MemStore) getDLQLocked(id string) (*DLQEntry, error) {
	e, ok := m.dlq[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) ListDLQ(_ context.Context, filter DLQFilter, limit int) ([]*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDLQLocked(filter, limit)
}

func (m *MemStore) listDLQLocked(filter DLQFilter, limit int) ([]*DLQEntry, error) {
	var out []*DLQEntry
	for _, e := range m.dlq {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) UpdateDLQ(_ context.Context, id string, fn func(*DLQEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDLQLocked(id, fn)
}

func (m *MemStore) updateDLQLocked(id string, fn func(*DLQEntry) error) error {
	e, ok := m.dlq[id]
	if !ok {
		return faults.ErrNotFound
	}
	cp := *e
	if err := fn(&cp); err != nil {
		return err
	}
	m.dlq[id] = &cp
	return nil
}

func (m *MemStore) ListDueDLQ(_ context.Context, now time.Time, limit int) ([]*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDueDLQLocked(now, limit)
}

func (m *MemStore) listDueDLQLocked(now time.Time, limit int) ([]*DLQEntry, error) {
	var out []*DLQEntry
	for _, e := range m.dlq {
		if e.Status != DLQPending && e.Status != DLQRetrying {
			continue
		}
		if e.NextRetryAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transaction holds the store's single mutex for the duration of fn, giving
// fn a view (memTx) whose methods operate directly on the locked maps. If fn
// returns an error, every map it touched is restored to its pre-transaction
// contents, giving the same all-or-nothing guarantee as SQLStore's
// *sql.Tx-backed Transaction (spec §4.1 "Guarantees").
func (m *MemStore) Transaction(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotLocked()
	if err := fn(&memTx{m: m}); err != nil {
		m.restoreLocked(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	workflows map[string]*WorkflowRecord
	events    map[string][]*EventRecord
	idem      map[string]*IdempotencyEntry
	dlq       map[string]*DLQEntry
}

func (m *MemStore) snapshotLocked() memSnapshot {
	workflows := make(map[string]*WorkflowRecord, len(m.workflows))
	for k, v := range m.workflows {
		workflows[k] = v.Clone()
	}
	events := make(map[string][]*EventRecord, len(m.events))
	for k, v := range m.events {
		events[k] = append([]*EventRecord(nil), v...)
	}
	idem := make(map[string]*IdempotencyEntry, len(m.idem))
	for k, v := range m.idem {
		cp := *v
		idem[k] = &cp
	}
	dlq := make(map[string]*DLQEntry, len(m.dlq))
	for k, v := range m.dlq {
		cp := *v
		dlq[k] = &cp
	}
	return memSnapshot{workflows: workflows, events: events, idem: idem, dlq: dlq}
}

func (m *MemStore) restoreLocked(s memSnapshot) {
	m.workflows = s.workflows
	m.events = s.events
	m.idem = s.idem
	m.dlq = s.dlq
}

// memTx implements Store without re-acquiring MemStore's mutex, so it can
// be driven from inside Transaction's already-locked section.
type memTx struct {
	m *MemStore
}

func (t *memTx) PutWorkflow(_ context.Context, w *WorkflowRecord) error {
	return t.m.putWorkflowLocked(w)
}
func (t *memTx) GetWorkflow(_ context.Context, id string) (*WorkflowRecord, error) {
	return t.m.getWorkflowLocked(id)
}
func (t *memTx) ListWorkflows(_ context.Context, filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	return t.m.listWorkflowsLocked(filter, limit)
}
func (t *memTx) CountByStatus(_ context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	for _, w := range t.m.workflows {
		counts[w.Status]++
	}
	return counts, nil
}
func (t *memTx) AppendEvent(_ context.Context, workflowID string, ev *EventRecord) error {
	return t.m.appendEventLocked(workflowID, ev)
}
func (t *memTx) GetEvents(_ context.Context, workflowID string) ([]*EventRecord, error) {
	events := t.m.events[workflowID]
	out := make([]*EventRecord, len(events))
	copy(out, events)
	return out, nil
}
func (t *memTx) PutIdem(_ context.Context, e *IdempotencyEntry) error { return t.m.putIdemLocked(e) }
func (t *memTx) GetIdem(_ context.Context, key string) (*IdempotencyEntry, error) {
	return t.m.getIdemLocked(key)
}
func (t *memTx) UpdateIdem(_ context.Context, key string, fn func(*IdempotencyEntry) error) error {
	return t.m.updateIdemLocked(key, fn)
}
func (t *memTx) PutDLQ(_ context.Context, e *DLQEntry) error { return t.m.putDLQLocked(e) }
func (t *memTx) GetDLQ(_ context.Context, id string) (*DLQEntry, error) {
	return t.m.getDLQLocked(id)
}
func (t *memTx) ListDLQ(_ context.Context, filter DLQFilter, limit int) ([]*DLQEntry, error) {
	return t.m.listDLQLocked(filter, limit)
}
func (t *memTx) UpdateDLQ(_ context.Context, id string, fn func(*DLQEntry) error) error {
	return t.m.updateDLQLocked(id, fn)
}
func (t *memTx) ListDueDLQ(_ context.Context, now time.Time, limit int) ([]*DLQEntry, error) {
	return t.m.listDueDLQLocked(now, limit)
}
func (t *memTx) Transaction(_ context.Context, fn func(Store) error) error {
	return fn(t)
}
