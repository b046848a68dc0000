package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beamflow/beamflow/dlq"
	"github.com/beamflow/beamflow/retry"
	"github.com/beamflow/beamflow/wgraph"
)

// StorageMode selects whether the Engine persists to memory or disk (spec
// §6 "storage.mode ∈ {memory, disk}").
type StorageMode string

const (
	StorageMemory StorageMode = "memory"
	StorageDisk   StorageMode = "disk"
)

// BreakerOverride configures one named dependency's circuit breaker (spec
// §6 "circuit_breaker.<name> {failure_threshold, success_threshold,
// recovery_timeout_ms}").
type BreakerOverride struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// config collects every recognized option from spec §6's configuration
// surface, following the teacher's functional-options shape
// (graph/options.go's engineConfig).
type config struct {
	storageMode StorageMode
	storageDir  string

	retryPolicies    []retry.Policy
	breakerOverrides []BreakerOverride

	dlqInterval   time.Duration
	dlqMaxRetries int
	redactor      dlq.Redactor

	idempotencyStaleAfter time.Duration
	validationMode        wgraph.ValidationMode

	restartLimit  int
	restartWindow time.Duration

	maxConcurrentWorkflows int64

	metricsRegistry prometheus.Registerer
}

func defaultConfig() config {
	return config{
		storageMode:            StorageMemory,
		dlqInterval:            60 * time.Second,
		dlqMaxRetries:          5,
		idempotencyStaleAfter:  5 * time.Minute,
		validationMode:         wgraph.ModeNormal,
		restartLimit:           5,
		restartWindow:          time.Minute,
		maxConcurrentWorkflows: 1024,
	}
}

// Option configures the Engine at construction time.
type Option func(*config) error

// WithStorage selects the durability mode and, for disk mode, the
// directory SQLite should create its file under.
func WithStorage(mode StorageMode, dir string) Option {
	return func(c *config) error {
		c.storageMode = mode
		c.storageDir = dir
		return nil
	}
}

// WithRetryPolicy registers or overrides a named retry policy (spec §6
// "retry.default {...} and named overrides per policy").
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *config) error {
		c.retryPolicies = append(c.retryPolicies, p)
		return nil
	}
}

// WithCircuitBreaker overrides the breaker parameters for a named
// dependency (spec §6 "circuit_breaker.<name>").
func WithCircuitBreaker(o BreakerOverride) Option {
	return func(c *config) error {
		c.breakerOverrides = append(c.breakerOverrides, o)
		return nil
	}
}

// WithDLQSweep sets the sweep interval and per-entry retry budget (spec §6
// "dlq.interval_ms ... dlq.max_retries").
func WithDLQSweep(interval time.Duration, maxRetries int) Option {
	return func(c *config) error {
		c.dlqInterval = interval
		c.dlqMaxRetries = maxRetries
		return nil
	}
}

// WithRedactor replaces the default field-denylist redactor applied to the
// workflow-state snapshots persisted on DLQ entries. Deployments with their
// own notion of what is sensitive plug it in here.
func WithRedactor(r dlq.Redactor) Option {
	return func(c *config) error {
		c.redactor = r
		return nil
	}
}

// WithIdempotencyStaleAfter overrides the ledger's staleness bound (spec §6
// "idempotency.stale_after_ms", default 300_000).
func WithIdempotencyStaleAfter(d time.Duration) Option {
	return func(c *config) error {
		c.idempotencyStaleAfter = d
		return nil
	}
}

// WithValidationMode sets the graph builder's branch-width strictness
// (spec §6 "validation.mode").
func WithValidationMode(mode wgraph.ValidationMode) Option {
	return func(c *config) error {
		c.validationMode = mode
		return nil
	}
}

// WithRestartPolicy bounds how many times the Supervisor restarts a
// crashing Actor within window before escalating (spec §4.9 "Restart
// counters bound the storm").
func WithRestartPolicy(limit int, window time.Duration) Option {
	return func(c *config) error {
		c.restartLimit = limit
		c.restartWindow = window
		return nil
	}
}

// WithMaxConcurrentWorkflows bounds how many Actor goroutines may be
// actively executing (not merely started) at once, generalizing the
// teacher's Frontier/MaxConcurrentNodes bound (graph/scheduler.go) from
// nodes within one run to workflows within one process.
func WithMaxConcurrentWorkflows(n int64) Option {
	return func(c *config) error {
		c.maxConcurrentWorkflows = n
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection, registering BeamFlow's
// collector with registry. Metrics remain an ambient concern, never a
// correctness dependency — an Engine built without this option runs with
// metrics entirely absent, the same nil-able-collaborator shape as the
// teacher's Engine.metrics (graph/metrics.go).
func WithMetrics(registry prometheus.Registerer) Option {
	return func(c *config) error {
		c.metricsRegistry = registry
		return nil
	}
}
