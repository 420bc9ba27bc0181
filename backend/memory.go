package backend

import (
	"context"
	"sync"

	"github.com/UniQw/syncq/internal/lock"
)

// Memory is an in-process backend. It is not durable and is meant for tests
// and hosts that persist the snapshot by other means.
type Memory struct {
	mu sync.Mutex
	m  map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Memory) Set(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	s.m[key] = cp
	return nil
}

func (s *Memory) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// AcquireLock writes a fresh lock record unless a non-stale one exists.
func (s *Memory) AcquireLock(_ context.Context, key, holder string, nowMs, staleMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := lock.Decode(s.m[key]); ok && lock.Fresh(r.AtMs, nowMs, staleMs) {
		return false, nil
	}
	s.m[key] = lock.Encode(lock.Record{AtMs: nowMs, Holder: holder})
	return true, nil
}

// ReleaseLock deletes the lock record if holder still owns it.
func (s *Memory) ReleaseLock(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := lock.Decode(s.m[key])
	if !ok || r.Holder != holder {
		return false, nil
	}
	delete(s.m, key)
	return true, nil
}
