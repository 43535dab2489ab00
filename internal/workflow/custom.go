package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// CustomCall is what a custom step function receives.
type CustomCall struct {
	Spec  string
	Event model.Event
	Actor model.Actor
	Args  map[string]any
}

// CustomFunc implements a host-supplied step. Returned errors are classified
// like any other collaborator error.
type CustomFunc func(ctx context.Context, call CustomCall) error

// CustomRegistry maps custom step names to functions.
type CustomRegistry struct {
	mu    sync.RWMutex
	funcs map[string]CustomFunc
}

func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{funcs: map[string]CustomFunc{}}
}

func (c *CustomRegistry) Register(name string, fn CustomFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

func (c *CustomRegistry) Lookup(name string) (CustomFunc, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[name]
	return fn, ok
}

func (c *CustomRegistry) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.funcs))
	for n := range c.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
