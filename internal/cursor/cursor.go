// Package cursor keeps the scheduler's "last fired" and "already emitted" markers.
package cursor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// Store is a small string key-value store. SetIfAbsent must be atomic across
// processes for the backends that are shared between scheduler instances.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent stores value only when key is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
}

// IntervalKey is interval:<unit>:<value>.
func IntervalKey(u model.Unit, value int) string {
	return fmt.Sprintf("interval:%s:%d", u, value)
}

// DatetimeKey is datetime:<spec>:<model>:<rowId>:<field>:<direction>:<fireAt>.
func DatetimeKey(spec, modelName string, rowID any, field string, dir model.Direction, fireAt time.Time) string {
	return strings.Join([]string{
		"datetime", spec, modelName, fmt.Sprint(rowID), field, string(dir), FormatTime(fireAt),
	}, ":")
}

// FormatTime is the ISO form cursor values and keys use.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Memory is a process-local Store for tests and single-process deployments.
type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemory() *Memory {
	return &Memory{m: map[string]string{}}
}

var _ Store = (*Memory)(nil)

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false, nil
	}
	s.m[key] = value
	return true, nil
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
