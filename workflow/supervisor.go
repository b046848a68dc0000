package workflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/beamflow/beamflow/breaker"
	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/clock"
	"github.com/beamflow/beamflow/dlq"
	"github.com/beamflow/beamflow/faults"
	"github.com/beamflow/beamflow/ledger"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/saga"
	"github.com/beamflow/beamflow/store"
	"github.com/beamflow/beamflow/wgraph"
)

// handle tracks one running Actor for the Supervisor's bookkeeping (spec
// §4.9): its cancel func, and the restart counters bounding a crash loop.
type handle struct {
	actor   *Actor
	cancel  context.CancelFunc
	done    chan struct{}
	restart []time.Time // timestamps of restarts within restartWindow, oldest first
}

// Supervisor owns the lifecycle of every running Actor: starting, looking
// up, cancelling, and restarting them under a bounded "let it crash" policy
// (spec §4.9). It implements dlq.Restarter so the DLQ sweep can ask it to
// re-run a failed workflow under a derived id without the dlq package
// importing workflow.
type Supervisor struct {
	registry *Registry
	deps     actorDeps
	cfg      config

	mu      sync.Mutex
	handles map[string]*handle
	rootCtx context.Context
	sem     *semaphore.Weighted
}

func newSupervisor(ctx context.Context, registry *Registry, deps actorDeps, cfg config) *Supervisor {
	limit := cfg.maxConcurrentWorkflows
	if limit <= 0 {
		limit = 1
	}
	return &Supervisor{
		registry: registry, deps: deps, cfg: cfg,
		handles: make(map[string]*handle), rootCtx: ctx,
		sem: semaphore.NewWeighted(limit),
	}
}

// StartWorkflow registers a new Actor for id under kind and launches it in
// its own goroutine (spec §6 "StartWorkflow(kind, id, params)"). It fails
// with faults.ErrAlreadyExists if id is already running and
// faults.ErrUnknownKind if kind has no registration.
func (s *Supervisor) StartWorkflow(ctx context.Context, kind, id string, params map[string]any) error {
	reg, err := s.registry.lookup(kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.handles[id]; exists {
		s.mu.Unlock()
		return faults.ErrAlreadyExists
	}

	wf := reg.factory()
	graph, err := wf.Graph()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if errs := wgraph.Validate(graph, s.cfg.validationMode); len(errs) > 0 {
		s.mu.Unlock()
		return errs
	}

	actor := newActor(id, kind, wf, graph, reg.steps, s.deps)
	h := &handle{actor: actor, done: make(chan struct{})}
	s.handles[id] = h
	s.mu.Unlock()

	s.launch(id, h, params)
	return nil
}

// RestartWorkflow implements dlq.Restarter: it starts a fresh Actor under
// derivedID carrying kind/originalParams forward, the DLQ sweep's retry
// path (spec §4.7).
func (s *Supervisor) RestartWorkflow(ctx context.Context, derivedID, originalID, kind string, params map[string]any) error {
	return s.StartWorkflow(ctx, kind, derivedID, params)
}

// Get returns the running Actor for id, or faults.ErrNotFound if no Actor
// is currently running under id. Engine.GetWorkflow does not consult it; it
// reads the Store directly.
func (s *Supervisor) Get(id string) (*Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	return h.actor, nil
}

// Cancel requests cooperative cancellation of the running Actor for id
// (spec §4.8 "Cancellation").
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return faults.ErrNotFound
	}
	h.cancel()
	return nil
}

// launch runs actor.Run in its own goroutine, recovering a panic as a
// crash and restarting under the Supervisor's bounded "let it crash" policy
// (spec §4.9: "Restart counters bound the storm; exceeding the bound
// escalates instead of looping forever"). Execution waits on the
// Supervisor's semaphore so at most maxConcurrentWorkflows Actors are
// actively running at once, regardless of how many have been started.
func (s *Supervisor) launch(id string, h *handle, params map[string]any) {
	runCtx, cancel := context.WithCancel(s.rootCtx)
	h.cancel = cancel

	// Capture the channel: onCrash swaps in a fresh h.done before
	// relaunching, and this goroutine must close only its own.
	done := h.done
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.onCrash(id, h, params, r)
			}
		}()
		if err := s.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		h.actor.Run(runCtx, params)
		s.onTerminal(id)
	}()
}

func (s *Supervisor) onCrash(id string, h *handle, params map[string]any, cause any) {
	now := s.deps.clock.Now()

	s.mu.Lock()
	h.restart = prune(h.restart, now, s.cfg.restartWindow)
	h.restart = append(h.restart, now)
	withinBudget := len(h.restart) <= s.cfg.restartLimit
	s.mu.Unlock()

	if !withinBudget {
		s.escalate(id, h.actor.kind, params, cause)
		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()
		return
	}

	s.deps.bus.Publish(bus.Event{
		Topic: "workflow:" + id, Type: "actor_restarted",
		Payload:   map[string]any{"workflow_id": id, "cause": toMessage(cause)},
		Timestamp: now,
	})
	h.done = make(chan struct{})
	s.launch(id, h, params)
}

func (s *Supervisor) onTerminal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// escalate is the Supervisor's own failure path: the restart budget is
// spent, so the workflow is dropped, a critical_failure DLQ entry preserves
// it for an operator, and a critical alert goes out.
func (s *Supervisor) escalate(id, kind string, params map[string]any, cause any) {
	s.deps.bus.Publish(bus.Event{
		Topic: "alerts", Type: "alert",
		Payload:   map[string]any{"severity": "critical", "entry_type": "restart_storm", "workflow_id": id, "cause": toMessage(cause)},
		Timestamp: s.deps.clock.Now(),
	})
	if s.deps.dlq != nil {
		werr := &store.WorkflowError{
			Kind: string(faults.Internal), Reason: string(faults.ReasonInternal),
			Message: "restart budget exhausted: " + toMessage(cause),
		}
		_, _ = s.deps.dlq.Enqueue(context.Background(), store.DLQCriticalFailure, id, kind, werr,
			map[string]any{"cause": toMessage(cause)}, params)
	}
}

func prune(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(restarts) && restarts[i].Before(cutoff) {
		i++
	}
	return append([]time.Time(nil), restarts[i:]...)
}

func toMessage(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "panic"
}

// buildDeps assembles the shared collaborators an Engine hands every Actor,
// from a Store and the resolved config.
func buildDeps(s store.Store, evBus bus.Bus, c clock.Clock, cfg config) actorDeps {
	retries := retry.NewRegistry()
	for _, p := range cfg.retryPolicies {
		retries.Register(p)
	}

	brk := breaker.NewManager(evBus)
	for _, o := range cfg.breakerOverrides {
		brk.Configure(o.Name, breaker.Params{
			FailureThreshold: o.FailureThreshold,
			SuccessThreshold: o.SuccessThreshold,
			RecoveryTimeout:  o.RecoveryTimeout,
		})
	}

	l := ledger.New(s, c, cfg.idempotencyStaleAfter)
	compensator := saga.New(s, l, brk, retries, evBus, c, cfg.redactor)
	dlqQueue := dlq.New(s, evBus, c, cfg.dlqMaxRetries, cfg.redactor)

	return actorDeps{
		store: s, ledger: l, breaker: brk, retries: retries,
		bus: evBus, clock: c, dlq: dlqQueue, saga: compensator,
	}
}
