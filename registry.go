// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// CollectTask is the name of the built-in task that returns its first
// argument. It closes groups that need a single result, e.g. a group
// nested in a chord header.
const CollectTask = "cabbage.collect"

// Registry maps task names to their definitions. Tasks are registered
// while bootstrapping; the manager freezes the registry when it starts.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	tasks  map[string]*TaskDefinition
}

// NewRegistry creates a registry with the built-in tasks.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[string]*TaskDefinition)}
	r.tasks[CollectTask] = &TaskDefinition{
		Name:    CollectTask,
		Handler: collect,
	}
	return r
}

func collect(ctx context.Context, args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return []interface{}{}, nil
	}
	return args[0], nil
}

// Register adds a task with the given name.
func (r *Registry) Register(name string, h Handler, options ...TaskOption) error {
	if name == "" {
		return errors.New("cabbage: task name is empty")
	}
	if h == nil {
		return errors.Errorf("cabbage: handler for task %q is nil", name)
	}
	var p Policy
	for _, opt := range options {
		opt(&p)
	}
	if p.Queue == "" {
		p.Queue = DefaultQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "register %q", name)
	}
	if _, found := r.tasks[name]; found {
		return errors.Wrapf(ErrDuplicateTask, "task %q already exists", name)
	}
	r.tasks[name] = &TaskDefinition{Name: name, Handler: h, Policy: p}
	return nil
}

// Resolve returns the definition of the task with the given name.
func (r *Registry) Resolve(name string) (*TaskDefinition, error) {
	r.mu.RLock()
	def, found := r.tasks[name]
	r.mu.RUnlock()
	if !found {
		return nil, &UnknownTaskError{Name: name}
	}
	return def, nil
}

// Names returns the sorted list of registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
