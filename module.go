// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cabbage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Module registers a set of tasks into a registry.
type Module func(r *Registry) error

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Module)
)

// RegisterModule makes a task module available by name. It is usually
// called from the init function of the package implementing the tasks.
// Config files then refer to modules by name. It panics if a module
// with the same name is registered twice.
func RegisterModule(name string, m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if m == nil {
		panic("cabbage: RegisterModule module is nil")
	}
	if _, dup := modules[name]; dup {
		panic("cabbage: RegisterModule called twice for module " + name)
	}
	modules[name] = m
}

// Modules returns the sorted names of the available modules.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	var names []string
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadModules registers the tasks of the named modules with r.
func LoadModules(r *Registry, names ...string) error {
	for _, name := range names {
		modulesMu.RLock()
		m, found := modules[name]
		modulesMu.RUnlock()
		if !found {
			return errors.Errorf("cabbage: unknown module %q (forgotten import?)", name)
		}
		if err := m(r); err != nil {
			return errors.Wrapf(err, "cabbage: load module %q", name)
		}
	}
	return nil
}
