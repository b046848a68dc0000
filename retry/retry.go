// Package retry implements the bounded exponential backoff policy with
// jitter described in spec §4.4. It is a pure function package: it holds no
// state and performs no sleeping — the Workflow Actor owns the sleep/wakeup,
// exactly as the spec requires ("The Retry Policy is a pure function; it
// holds no state. The Actor is responsible for the sleep/wakeup").
//
// The backoff formula and jitter shape are adapted from the teacher's
// computeBackoff (graph/policy.go), generalized from a single engine-wide
// policy to the spec's named per-dependency policies (default/payment/
// external_api) with a percentage jitter instead of a flat one.
package retry

import (
	"math/rand"
	"time"

	"github.com/beamflow/beamflow/faults"
)

// Policy is a named, immutable backoff configuration (spec §4.4).
type Policy struct {
	Name        string
	Base        time.Duration
	Max         time.Duration
	JitterPct   float64 // e.g. 0.25 for ±25%
	MaxAttempts int
}

// Default is the spec's baseline policy: base 1s, max 30s, ±25% jitter, 5
// attempts.
var Default = Policy{Name: "default", Base: time.Second, Max: 30 * time.Second, JitterPct: 0.25, MaxAttempts: 5}

// Payment is more conservative: longer base delay, fewer attempts, so a
// flaky payment provider isn't hammered.
var Payment = Policy{Name: "payment", Base: 5 * time.Second, Max: 60 * time.Second, JitterPct: 0.1, MaxAttempts: 3}

// ExternalAPI is more tolerant: shorter base and more attempts, with the
// same ±25% jitter as Default.
var ExternalAPI = Policy{Name: "external_api", Base: 500 * time.Millisecond, Max: 30 * time.Second, JitterPct: 0.25, MaxAttempts: 8}

// Registry is a lookup of named policies, seeded with the three built-ins.
// Callers may add more via Register.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry returns a Registry pre-populated with Default, Payment, and
// ExternalAPI.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	r.Register(Default)
	r.Register(Payment)
	r.Register(ExternalAPI)
	return r
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) { r.policies[p.Name] = p }

// Get returns the named policy. An unknown name resolves to the registered
// "default" policy, so a configured retry.default override applies to every
// step without a named policy of its own.
func (r *Registry) Get(name string) Policy {
	if p, ok := r.policies[name]; ok {
		return p
	}
	if p, ok := r.policies[Default.Name]; ok {
		return p
	}
	return Default
}

// Decision is the outcome of evaluating a failed attempt against a Policy.
type Decision struct {
	// Retry is true if the Actor should schedule another attempt.
	Retry bool
	// Delay is the duration to wait before the next attempt, valid only
	// when Retry is true.
	Delay time.Duration
	// Reason explains a give-up decision (exhausted attempts or a
	// permanent error).
	Reason string
}

// Evaluate decides whether attempt (1-based, the attempt that just failed)
// should be retried for err under p, and if so computes the delay.
//
// A circuit_open error is retriable-but-delayed: the spec requires it to be
// scheduled as though a failure occurred, so it consumes an attempt and
// backs off like any other transient error rather than failing fast.
func Evaluate(p Policy, attempt int, err *faults.Error, rng *rand.Rand) Decision {
	if err == nil {
		return Decision{Retry: false, Reason: "no error"}
	}
	if !err.Retriable() {
		return Decision{Retry: false, Reason: "permanent error: " + string(err.Reason)}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Retry: false, Reason: "max attempts exceeded"}
	}
	return Decision{Retry: true, Delay: computeBackoff(p, attempt, rng)}
}

// computeBackoff computes delay = min(base*2^(attempt-1), max) scaled by a
// uniform jitter in [1-jitterPct, 1+jitterPct], following spec §4.4's
// formula and the teacher's exponential-with-cap shape (graph/policy.go
// computeBackoff), adapted from additive flat jitter to multiplicative
// percentage jitter.
func computeBackoff(p Policy, attempt int, rng *rand.Rand) time.Duration {
	exp := p.Base * time.Duration(1<<uint(attempt-1))
	if p.Max > 0 && exp > p.Max {
		exp = p.Max
	}
	if p.JitterPct <= 0 {
		return exp
	}
	var r float64
	if rng != nil {
		r = rng.Float64()
	} else {
		r = rand.Float64() // #nosec G404 -- jitter timing, not security-sensitive
	}
	// spread uniformly across [1-jitterPct, 1+jitterPct]
	factor := 1 - p.JitterPct + r*2*p.JitterPct
	d := time.Duration(float64(exp) * factor)
	if d < 0 {
		d = 0
	}
	return d
}

// Bounds returns the inclusive [min, max] delay window for attempt under p,
// used by tests verifying property B3 of the spec.
func Bounds(p Policy, attempt int) (min, max time.Duration) {
	exp := p.Base * time.Duration(1<<uint(attempt-1))
	if p.Max > 0 && exp > p.Max {
		exp = p.Max
	}
	lo := time.Duration(float64(exp) * (1 - p.JitterPct))
	if lo < 0 {
		lo = 0
	}
	hi := time.Duration(float64(exp) * (1 + p.JitterPct))
	return lo, hi
}
