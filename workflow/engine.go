// Package workflow wires the Graph & Builder, Idempotency Ledger, Circuit
// Breaker, Retry Policy, Saga Compensator, and Dead-Letter Queue into the
// Workflow Actor and Supervisor & Registry (spec §4.8/§4.9), and exposes
// the public API of spec §6 on top of them: start/get/list/cancel/retry a
// workflow, read its event history, and operate the DLQ and Circuit
// Breakers.
//
// This is BeamFlow's analogue of the teacher's top-level Engine[S]
// (graph/engine.go): the same role — own a Store, run nodes, emit events —
// generalized to multiple concurrently running workflow instances
// supervised independently instead of one synchronous Run call per graph.
package workflow

import (
	"context"
	"path/filepath"

	"github.com/beamflow/beamflow/breaker"
	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/dlq"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/store"
)

// Engine is BeamFlow's top-level entry point: one per process, holding the
// durable Store and every running workflow's Supervisor handle.
type Engine struct {
	store      store.Store
	bus        bus.Bus
	clock      clock.Clock
	cfg        config
	registry   *Registry
	supervisor *Supervisor
	dlq        *dlq.Queue
	metrics    *Metrics

	stopSweep   func()
	stopMetrics func()
}

// New builds an Engine from the given Registry and Options, opening the
// configured storage backend (spec §6 "storage.mode ∈ {memory, disk}").
func New(registry *Registry, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	var s store.Store
	var err error
	switch cfg.storageMode {
	case StorageDisk:
		s, err = store.NewSQLiteStore(filepath.Join(cfg.storageDir, "beamflow.db"))
	default:
		s = store.NewMemStore()
	}
	if err != nil {
		return nil, err
	}

	evBus := bus.New()
	c := clock.System{}
	deps := buildDeps(s, evBus, c, cfg)

	e := &Engine{
		store: s, bus: evBus, clock: c, cfg: cfg,
		registry: registry, dlq: deps.dlq,
	}
	e.supervisor = newSupervisor(context.Background(), registry, deps, cfg)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	wait := deps.dlq.RunSweeper(sweepCtx, e.supervisor, cfg.dlqInterval, 50)
	e.stopSweep = func() {
		cancelSweep()
		wait()
	}

	if cfg.metricsRegistry != nil {
		e.metrics = NewMetrics(cfg.metricsRegistry)
		e.stopMetrics = e.metrics.Attach(evBus)
	}
	return e, nil
}

// Close stops the background DLQ sweeper and metrics subscription. It does
// not cancel running workflows.
func (e *Engine) Close() {
	if e.stopSweep != nil {
		e.stopSweep()
	}
	if e.stopMetrics != nil {
		e.stopMetrics()
	}
}

// Metrics returns the Engine's Prometheus collector, or nil if WithMetrics
// was never configured.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Bus exposes the Event/Alert Bus for external subscribers (dashboards,
// alert sinks, metrics exporters; spec §4.10).
func (e *Engine) Bus() bus.Bus { return e.bus }

// StartWorkflow starts a new workflow instance of kind under id with the
// given params (spec §6). It returns faults.ErrAlreadyExists if id is
// already running and faults.ErrUnknownKind if kind has no registration.
func (e *Engine) StartWorkflow(ctx context.Context, kind, id string, params map[string]any) error {
	return e.supervisor.StartWorkflow(ctx, kind, id, params)
}

// GetWorkflow returns the durable record for id, whether the workflow is
// still running or has reached a terminal status (spec §6
// "GetWorkflow(id)").
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*store.WorkflowRecord, error) {
	return e.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows matching filter, newest first, capped at
// limit (spec §6 "ListWorkflows(filters, limit)").
func (e *Engine) ListWorkflows(ctx context.Context, filter store.ListFilters, limit int) ([]*store.WorkflowRecord, error) {
	return e.store.ListWorkflows(ctx, filter, limit)
}

// GetEvents returns the append-only event history for id (spec §6
// "GetEvents(id)").
func (e *Engine) GetEvents(ctx context.Context, id string) ([]*store.EventRecord, error) {
	return e.store.GetEvents(ctx, id)
}

// CancelWorkflow requests cooperative cancellation of a running workflow
// (spec §6 "CancelWorkflow(id)").
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	return e.supervisor.Cancel(id)
}

// RetryWorkflow restarts a terminal, failed workflow under a derived id,
// the same path the DLQ sweep uses (spec §6 "RetryWorkflow(id)").
func (e *Engine) RetryWorkflow(ctx context.Context, id string) error {
	record, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if record.Status != store.StatusFailed {
		return faults.New(faults.Permanent, faults.ReasonValidation, id, "workflow is not failed", nil)
	}
	derivedID := id + "_retry_manual"
	return e.supervisor.RestartWorkflow(ctx, derivedID, id, record.Kind, record.State)
}

// DLQ exposes the Dead-Letter Queue operator surface (spec §4.7/§6):
// List/Get/RetryNow/Resolve/Abandon.
func (e *Engine) DLQ() *dlq.Queue { return e.dlq }

// CircuitBreakers exposes the Circuit Breaker Manager's operator surface
// (spec §4.5/§6): Status/Reset/Allow per named dependency.
func (e *Engine) CircuitBreakers() *breaker.Manager { return e.supervisor.deps.breaker }
