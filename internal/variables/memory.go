// Package variables is a minimal implementation of sandbox.VariableStore:
// the workflow- and user-scoped variable store that $vars./$local.
// placeholder substitution resolves against (spec.md §4.3). Grounded on
// the teacher's MemoryStore (internal/infrastructure/storage/memory.go):
// a mutex-guarded map, no persistence beyond process lifetime.
package variables

import (
	"sync"

	"github.com/smilemakc/flowcore/internal/sandbox"
)

// MemoryStore holds variables per scope, keyed by name.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[sandbox.Scope]map[string]any
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[sandbox.Scope]map[string]any{
		sandbox.ScopeWorkflow: {},
		sandbox.ScopeUser:     {},
	}}
}

// Set assigns name to value within scope.
func (m *MemoryStore) Set(scope sandbox.Scope, name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[scope] == nil {
		m.data[scope] = make(map[string]any)
	}
	m.data[scope][name] = value
}

// Get implements sandbox.VariableStore.
func (m *MemoryStore) Get(scope sandbox.Scope, name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[scope][name]
	return v, ok
}
