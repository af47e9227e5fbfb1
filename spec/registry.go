package spec

import (
	"sync"

	"goa.design/flow/flowerrors"
)

// Registry holds named workflow definitions. It is safe for concurrent use.
// Executions embed a snapshot of the definition at start time, so updating
// a definition never affects running executions.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Create parses the YAML definition and registers every workflow it
// declares. An existing workflow with the same name is a duplicate error.
func (r *Registry) Create(definition string) ([]*Workflow, error) {
	wfs, err := Parse(definition)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wf := range wfs {
		if _, dup := r.workflows[wf.Name]; dup {
			return nil, flowerrors.Newf(flowerrors.KindDuplicate, "workflow %q already exists", wf.Name)
		}
	}
	for _, wf := range wfs {
		r.workflows[wf.Name] = wf
	}
	return wfs, nil
}

// Update parses the YAML definition and registers or replaces every
// workflow it declares.
func (r *Registry) Update(definition string) ([]*Workflow, error) {
	wfs, err := Parse(definition)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wf := range wfs {
		r.workflows[wf.Name] = wf
	}
	return wfs, nil
}

// Get returns the named workflow definition.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, flowerrors.Newf(flowerrors.KindNotFound, "workflow %q is not registered", name)
	}
	return wf, nil
}
