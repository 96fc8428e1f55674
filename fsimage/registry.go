package fsimage

import (
	"errors"
	"log/slog"
	"sync"
)

// Registry tracks live instances so the orchestrator can guarantee every
// provisioned filesystem is torn down, even when a run aborts partway.
// It is owned by the caller; there is no process-global registry.
type Registry struct {
	mu        sync.Mutex
	instances []*Instance
}

// Add records a successfully provisioned instance.
func (r *Registry) Add(in *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances = append(r.instances, in)
}

// Len reports the number of registered instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.instances)
}

// Close tears down all registered instances in reverse registration order
// and empties the registry. Teardown idempotency makes Close safe to call
// after instances were already torn down individually.
func (r *Registry) Close(logger *slog.Logger) error {
	r.mu.Lock()
	instances := r.instances
	r.instances = nil
	r.mu.Unlock()

	var errs []error

	for i := len(instances) - 1; i >= 0; i-- {
		if err := instances[i].Teardown(logger); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
