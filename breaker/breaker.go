// Package breaker implements the per-dependency circuit breaker described
// in spec §4.5: a closed/open/half-open state machine that fails fast once
// a dependency looks unhealthy.
//
// The teacher repo has no equivalent of this component — langgraph-go is a
// single-process graph executor with no notion of an external dependency to
// protect. This component is grounded instead on the rest of the retrieval
// pack: jordigilh-kubernaut wires github.com/sony/gobreaker behind a
// per-name Manager (see its BR-NOT-055 circuit breaker, constructed with
// gobreaker.Settings{MaxRequests, Interval, Timeout, ReadyToTrip,
// OnStateChange} in test/integration/notification/suite_test.go). BeamFlow
// adopts the same library and the same per-name-manager shape, mapping the
// spec's vocabulary onto gobreaker's:
//   - failure_threshold (N consecutive failures) -> ReadyToTrip
//   - success_threshold (M consecutive successes while half-open) -> MaxRequests
//   - recovery_timeout (T) -> Timeout
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/beamflow/beamflow/bus"
	"github.com/beamflow/beamflow/faults"
)

// Params configures a single named breaker (spec §4.5 parameters).
type Params struct {
	FailureThreshold int           // N consecutive failures to open
	SuccessThreshold int           // M consecutive successes in half-open to close
	RecoveryTimeout  time.Duration // T: how long to stay open before probing
}

// DefaultParams matches a conservative default for unconfigured dependencies.
var DefaultParams = Params{FailureThreshold: 5, SuccessThreshold: 1, RecoveryTimeout: 30 * time.Second}

// Status is the observable snapshot returned by Manager.Status, exposed to
// dashboards and operators (spec §4.5 "status(name)").
type Status struct {
	Name                 string
	State                string // "closed", "open", "half_open"
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	Requests             uint32
}

// Manager owns one gobreaker.CircuitBreaker per named dependency, created
// lazily on first use with either the supplied Params or DefaultParams.
// Exactly one writer at a time per breaker (gobreaker serializes internally
// via its own mutex); readers of Status take a lock-free-ish snapshot via
// Counts(), matching spec §5's "per-name mutex for writes; readers may see
// slightly stale state".
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	params   map[string]Params
	bus      bus.Bus
}

// NewManager creates an empty Manager. Events are published on topic
// "circuit_breaker" (and "circuit_breaker:{name}") per spec §4.10.
func NewManager(b bus.Bus) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		params:   make(map[string]Params),
		bus:      b,
	}
}

// Configure sets the Params for name, used the next time it's created (by
// Call/Allow/ReportSuccess/ReportFailure) or on the next Reset. Configuring
// an already-created breaker takes effect only after Reset.
func (m *Manager) Configure(name string, p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[name] = p
}

func (m *Manager) getOrCreate(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	p, ok := m.params[name]
	if !ok {
		p = DefaultParams
	}
	cb = gobreaker.NewCircuitBreaker[any](m.settings(name, p))
	m.breakers[name] = cb
	return cb
}

func (m *Manager) settings(name string, p Params) gobreaker.Settings {
	successThreshold := p.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 1
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(successThreshold),
		Timeout:     p.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(p.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.publishTransition(name, from, to)
		},
	}
}

func (m *Manager) publishTransition(name string, from, to gobreaker.State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Topic: "circuit_breaker",
		Type:  "circuit_breaker_state_change",
		Payload: map[string]any{
			"name": name,
			"from": stateName(from),
			"to":   stateName(to),
		},
		Timestamp: time.Now(),
	})
	m.bus.Publish(bus.Event{
		Topic: "circuit_breaker:" + name,
		Type:  "circuit_breaker_state_change",
		Payload: map[string]any{
			"name": name,
			"from": stateName(from),
			"to":   stateName(to),
		},
		Timestamp: time.Now(),
	})
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Call invokes fn through the named breaker, refusing it with
// faults.ErrCircuitOpen when the breaker is open (spec §4.5 "call(name, fn)").
func (m *Manager) Call(_ context.Context, name string, fn func() (any, error)) (any, error) {
	cb := m.getOrCreate(name)
	result, err := cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, faults.New(faults.Transient, faults.ReasonCircuitOpen, "", "circuit open: "+name, faults.ErrCircuitOpen)
	}
	return result, err
}

// Allow reports whether a call to name would currently be let through,
// without executing anything (spec §4.5 "allow(name) for a dry query").
// gobreaker exposes no side-effect-free probe, so this is a best-effort
// snapshot of the breaker's current state; the definitive answer is still
// whatever Call returns.
func (m *Manager) Allow(name string) bool {
	cb := m.getOrCreate(name)
	return cb.State() != gobreaker.StateOpen
}

// ReportSuccess records a success for callers that invoked the dependency
// outside the Call wrapper (spec §4.5 "report_success(name)").
func (m *Manager) ReportSuccess(name string) {
	cb := m.getOrCreate(name)
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
}

// ReportFailure records a failure for callers that invoked the dependency
// outside the Call wrapper (spec §4.5 "report_failure(name)").
func (m *Manager) ReportFailure(name string) {
	cb := m.getOrCreate(name)
	_, _ = cb.Execute(func() (any, error) { return nil, faults.ErrCircuitOpen })
}

// Status returns the observable state of the named breaker (spec §4.5
// "status(name)").
func (m *Manager) Status(name string) Status {
	cb := m.getOrCreate(name)
	counts := cb.Counts()
	return Status{
		Name:                 name,
		State:                stateName(cb.State()),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		Requests:             counts.Requests,
	}
}

// Reset discards the named breaker's accumulated state, re-creating it
// closed with its configured Params (spec §4.5 "reset(name) for operator
// intervention"). gobreaker has no in-place reset, so Reset replaces the
// instance outright.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.params[name]
	if !ok {
		p = DefaultParams
	}
	m.breakers[name] = gobreaker.NewCircuitBreaker[any](m.settings(name, p))
}
