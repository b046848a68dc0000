package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beamflow/beamflow/bus"
)

// Metrics is BeamFlow's Prometheus collector, a bus.Subscriber that turns
// the Event/Alert Bus's workflow/circuit_breaker/metrics topics into
// gauges/histograms/counters. It generalizes the teacher's
// PrometheusMetrics (graph/metrics.go) from per-run node metrics to
// per-process workflow metrics, and is wired the same decoupled way: the
// Actor and Circuit Breaker never call it directly, they only publish
// events it happens to be subscribed to.
type Metrics struct {
	mu       sync.Mutex
	enabled  bool
	statuses map[string]string // workflow_id -> last known status

	workflowsActive     *prometheus.GaugeVec
	stepLatency         *prometheus.HistogramVec
	retries             *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	dlqPending          prometheus.Gauge

	unsubs []func()
}

// circuitBreakerStateValue maps a breaker's observable state to a gauge
// value (closed=0, half_open=1, open=2), the shape Grafana dashboards
// expect for a tri-state series.
func circuitBreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// NewMetrics creates and registers BeamFlow's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled:  true,
		statuses: make(map[string]string),
		workflowsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "workflows_active",
			Help:      "Current number of workflow instances by status",
		}, []string{"status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beamflow",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamflow",
			Name:      "retries_total",
			Help:      "Cumulative retry attempts across all steps",
		}, []string{"node_id"}),
		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
		}, []string{"name"}),
		dlqPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "beamflow",
			Name:      "dlq_pending",
			Help:      "Cumulative count of entries enqueued to the dead-letter queue",
		}),
	}
}

// Attach subscribes m to the Bus's workflows/circuit_breaker/alerts/metrics
// topics. Returns an unsubscribe function tearing down every subscription.
func (m *Metrics) Attach(b bus.Bus) func() {
	m.unsubs = []func(){
		b.Subscribe("workflows", m),
		b.Subscribe("circuit_breaker", m),
		b.Subscribe("alerts", m),
		b.Subscribe("metrics", m),
	}
	return func() {
		for _, unsub := range m.unsubs {
			unsub()
		}
	}
}

// Receive implements bus.Subscriber.
func (m *Metrics) Receive(event bus.Event) {
	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()
	if !enabled {
		return
	}

	switch event.Topic {
	case "workflows":
		m.onWorkflowUpdated(event)
	case "circuit_breaker":
		m.onCircuitBreakerStateChange(event)
	case "alerts":
		m.onAlert(event)
	case "metrics":
		m.onStepMetric(event)
	}
}

func (m *Metrics) onWorkflowUpdated(event bus.Event) {
	id, _ := event.Payload["workflow_id"].(string)
	status, _ := event.Payload["status"].(string)
	if id == "" || status == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.statuses[id]; ok {
		m.workflowsActive.WithLabelValues(prev).Dec()
	}
	m.statuses[id] = status
	m.workflowsActive.WithLabelValues(status).Inc()
}

func (m *Metrics) onCircuitBreakerStateChange(event bus.Event) {
	name, _ := event.Payload["name"].(string)
	to, _ := event.Payload["to"].(string)
	if name == "" {
		return
	}
	m.circuitBreakerState.WithLabelValues(name).Set(circuitBreakerStateValue(to))
}

func (m *Metrics) onAlert(event bus.Event) {
	entryType, _ := event.Payload["entry_type"].(string)
	switch entryType {
	case "workflow_failed", "compensation_failed", "critical_failure":
		m.dlqPending.Inc()
	}
}

func (m *Metrics) onStepMetric(event bus.Event) {
	nodeID, _ := event.Payload["node_id"].(string)
	switch event.Type {
	case "step_latency":
		status, _ := event.Payload["status"].(string)
		ms, _ := event.Payload["latency_ms"].(float64)
		m.stepLatency.WithLabelValues(nodeID, status).Observe(ms)
	case "retry_scheduled":
		m.retries.WithLabelValues(nodeID).Inc()
	}
}

// Disable stops Receive from recording new observations, for tests that
// want a quiet registry.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// recordLatency is a small helper so the Actor can publish step_latency_ms
// observations through the ordinary event-publish plumbing instead of
// depending on *Metrics directly.
func recordLatency(b bus.Bus, nodeID, status string, d time.Duration, now time.Time) {
	b.Publish(bus.Event{
		Topic: "metrics", Type: "step_latency",
		Payload:   map[string]any{"node_id": nodeID, "status": status, "latency_ms": float64(d.Milliseconds())},
		Timestamp: now,
	})
}
