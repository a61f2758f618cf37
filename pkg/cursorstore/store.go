// Package cursorstore persists polling cursors so a restarted watcher resumes
// where it left off instead of replaying from its initial cursor.
package cursorstore

import (
	"context"
	"sync"
)

// Store keeps the last cursor per subscription key.
type Store interface {
	Load(ctx context.Context, key string) (cursor string, ok bool, err error)
	Save(ctx context.Context, key, cursor string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (s *Memory) Load(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	c, ok := s.m[key]
	s.mu.RUnlock()
	return c, ok, nil
}

func (s *Memory) Save(_ context.Context, key, cursor string) error {
	s.mu.Lock()
	s.m[key] = cursor
	s.mu.Unlock()
	return nil
}

func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
