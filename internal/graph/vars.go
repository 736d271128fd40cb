package graph

import (
	"maps"
	"sync"
)

// Vars is the variable bindings table shared by the tasks of one process
// instance. It is safe for concurrent use.
type Vars struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewVars copies init into a fresh table.
func NewVars(init map[string]any) *Vars {
	v := &Vars{m: make(map[string]any, len(init))}
	maps.Copy(v.m, init)
	return v
}

func (v *Vars) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[name]
	return val, ok
}

func (v *Vars) Set(name string, val any) {
	v.mu.Lock()
	v.m[name] = val
	v.mu.Unlock()
}

// Snapshot returns a copy of every binding.
func (v *Vars) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.m)
}

// Clone returns an independent table with the same bindings.
func (v *Vars) Clone() *Vars { return NewVars(v.Snapshot()) }
