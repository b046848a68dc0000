package workflow

import (
	"sync"

	"github.com/beamflow/beamflow/contract"
	"github.com/beamflow/beamflow/faults"
)

// kindRegistration is everything the Engine needs to build and run one
// workflow kind: a Workflow factory plus the step implementations its
// graph's step nodes reference.
type kindRegistration struct {
	factory contract.Factory
	steps   contract.StepSet
}

// Registry maps a kind string to a Workflow factory, the explicit registry
// the spec calls for in place of dynamic module lookup by name (spec §9
// "Dynamic module lookup by name -> an explicit registry mapping a kind
// string to a Workflow constructor injected at boot").
type Registry struct {
	mu  sync.RWMutex
	reg map[string]kindRegistration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reg: make(map[string]kindRegistration)}
}

// Register associates kind with factory and its step set. Re-registering a
// kind replaces the previous registration, which is intentional: boot-time
// registration order shouldn't matter.
func (r *Registry) Register(kind string, factory contract.Factory, steps contract.StepSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg[kind] = kindRegistration{factory: factory, steps: steps}
}

func (r *Registry) lookup(kind string) (kindRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.reg[kind]
	if !ok {
		return kindRegistration{}, faults.ErrUnknownKind
	}
	return reg, nil
}
