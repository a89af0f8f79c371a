package collector

import (
	"errors"
	"sync"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("collector: task not found")

// Registry holds every task of this process. It is part of the explicit
// application context, not a package global.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

func (r *Registry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Snapshots lists a snapshot of every known task.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()
	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// hasActive reports whether any task is still pending or running.
func (r *Registry) hasActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if !t.Snapshot().Status.Terminal() {
			return true
		}
	}
	return false
}
