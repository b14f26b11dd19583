package replay

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered workflow definitions keyed by workflow type.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]Workflow),
	}
}

// Register adds a workflow definition under the given type name.
func (r *Registry) Register(workflowType string, wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowType] = wf
}

// Resolve returns the workflow definition for the given type. Returns an
// error if the type is not registered.
func (r *Registry) Resolve(workflowType string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[workflowType]
	if !ok {
		return nil, fmt.Errorf("workflow type %q is not registered", workflowType)
	}
	return wf, nil
}

// List returns the registered workflow types, sorted for a stable API
// response.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
