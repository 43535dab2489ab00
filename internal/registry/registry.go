// Package registry supplies workflow specifications by name.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// Registry is read on every poll; implementations may change between calls.
type Registry interface {
	Names(ctx context.Context) ([]string, error)
	// Get returns nil when the name is no longer registered.
	Get(ctx context.Context, name string) (*model.Spec, error)
}

// Memory is a mutable in-process registry.
type Memory struct {
	mu    sync.RWMutex
	specs map[string]model.Spec
}

func NewMemory(specs ...model.Spec) (*Memory, error) {
	m := &Memory{specs: map[string]model.Spec{}}
	for _, s := range specs {
		if err := m.Put(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var _ Registry = (*Memory)(nil)

// Put validates and registers s, replacing any spec with the same name.
func (m *Memory) Put(s model.Spec) error {
	if s.ActorMode == "" {
		s.ActorMode = model.ActorInherit
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[s.Name] = s
	return nil
}

func (m *Memory) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.specs, name)
}

func (m *Memory) Names(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.specs))
	for n := range m.specs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Get(_ context.Context, name string) (*model.Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specs[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// replace swaps the whole set atomically.
func (m *Memory) replace(specs []model.Spec) error {
	next := make(map[string]model.Spec, len(specs))
	for _, s := range specs {
		if _, dup := next[s.Name]; dup {
			return fmt.Errorf("duplicate spec name %q", s.Name)
		}
		next[s.Name] = s
	}
	m.mu.Lock()
	m.specs = next
	m.mu.Unlock()
	return nil
}
