package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/pulse/errors"
)

// JobFactory creates the Job for one fire.
type JobFactory func() Job

// JobRegistry resolves a JobDetail's JobType to its implementation.
// Stored jobs only carry the type name, so every node of a cluster must
// register the same names. Thread-safe for concurrent registration and lookup.
type JobRegistry struct {
	factories map[string]JobFactory
	mu        sync.RWMutex
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{
		factories: make(map[string]JobFactory),
	}
}

// Register adds a factory under name.
// Panics if a factory is already registered with that name.
func (r *JobRegistry) Register(name string, factory JobFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("job type already registered: %s", name))
	}
	r.factories[name] = factory
}

// RegisterFunc registers a stateless job function.
func (r *JobRegistry) RegisterFunc(name string, fn JobFunc) {
	r.Register(name, func() Job { return fn })
}

// Has checks if a job type is registered.
func (r *JobRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Names returns all registered job types, sorted.
func (r *JobRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewJob instantiates the job registered under name.
func (r *JobRegistry) NewJob(name string) (Job, error) {
	r.mu.RLock()
	factory := r.factories[name]
	r.mu.RUnlock()

	if factory == nil {
		return nil, errors.WithHint(
			errors.NewNotFoundError("no job registered for type %q", name),
			"register the type on every scheduler node before scheduling jobs of it")
	}
	job := factory()
	if job == nil {
		return nil, errors.Newf("job factory for type %q returned nil", name)
	}
	return job, nil
}
