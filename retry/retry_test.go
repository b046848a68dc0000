package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/beamflow/beamflow/faults"
)

func TestEvaluate_PermanentNeverRetries(t *testing.T) {
	err := faults.New(faults.Permanent, faults.ReasonInvalidData, "n1", "bad input", nil)
	d := Evaluate(Default, 1, err, nil)
	if d.Retry {
		t.Fatalf("expected permanent error to never retry, got %+v", d)
	}
}

func TestEvaluate_ExhaustedAttempts(t *testing.T) {
	err := faults.New(faults.Transient, faults.ReasonTimeout, "n1", "timed out", nil)
	d := Evaluate(Default, Default.MaxAttempts, err, nil)
	if d.Retry {
		t.Fatalf("expected exhausted attempts to stop retrying, got %+v", d)
	}
}

func TestEvaluate_CircuitOpenIsRetriable(t *testing.T) {
	err := faults.New(faults.Transient, faults.ReasonCircuitOpen, "n1", "circuit open", faults.ErrCircuitOpen)
	d := Evaluate(Default, 1, err, rand.New(rand.NewSource(1)))
	if !d.Retry {
		t.Fatalf("expected circuit_open to be retriable-but-delayed, got %+v", d)
	}
}

// TestBackoffBounds verifies property B3: the observed delay for attempt k
// lies within [min(base*2^(k-1), max)*(1-j), min(base*2^(k-1), max)*(1+j)].
func TestBackoffBounds(t *testing.T) {
	p := Policy{Name: "t", Base: 10 * time.Millisecond, Max: 100 * time.Millisecond, JitterPct: 0, MaxAttempts: 5}
	err := faults.New(faults.Transient, faults.ReasonTimeout, "n1", "timeout", nil)
	rng := rand.New(rand.NewSource(42))

	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	for i, want := range wantDelays {
		attempt := i + 1
		d := Evaluate(p, attempt, err, rng)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if d.Delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, d.Delay, want)
		}
		lo, hi := Bounds(p, attempt)
		if d.Delay < lo || d.Delay > hi {
			t.Errorf("attempt %d: delay %v outside bounds [%v,%v]", attempt, d.Delay, lo, hi)
		}
	}
}

func TestBackoffBounds_Jitter(t *testing.T) {
	p := Policy{Name: "t", Base: 100 * time.Millisecond, Max: time.Second, JitterPct: 0.25, MaxAttempts: 5}
	for attempt := 1; attempt <= 4; attempt++ {
		lo, hi := Bounds(p, attempt)
		for trial := 0; trial < 20; trial++ {
			rng := rand.New(rand.NewSource(int64(trial)))
			d := computeBackoff(p, attempt, rng)
			if d < lo || d > hi {
				t.Fatalf("attempt %d trial %d: delay %v outside [%v,%v]", attempt, trial, d, lo, hi)
			}
		}
	}
}

func TestRegistry_FallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	if got := r.Get("unknown"); got.Name != Default.Name {
		t.Fatalf("expected fallback to default, got %q", got.Name)
	}
	if got := r.Get("payment"); got.Name != Payment.Name {
		t.Fatalf("expected payment policy, got %q", got.Name)
	}
}
