// Package vars holds the flow- and global-scoped variables that conditions and
// payloads can read and that nodes write their latest state into.
package vars

import (
	"context"
	"sort"
	"sync"
)

// Scope selects which variable store a lookup goes to
type Scope string

const (
	Flow   Scope = "flow"
	Global Scope = "global"
)

// Store is a key-value variable store
type Store interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Scopes bundles the flow and global stores
type Scopes struct {
	Flow   Store
	Global Store
}

// Of returns the store for scope, or nil
func (s Scopes) Of(scope Scope) Store {
	switch scope {
	case Flow:
		return s.Flow
	case Global:
		return s.Global
	}
	return nil
}

// NewMemoryScopes returns process-local flow and global stores
func NewMemoryScopes() Scopes {
	return Scopes{Flow: NewMemory(), Global: NewMemory()}
}

// Memory is an in-process Store
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
