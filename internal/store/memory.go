package store

import (
	"context"
	"sync"

	"procman/internal/job"
)

// memStore keeps statuses in process memory. Used for tests and ephemeral
// runs where restart continuity is not needed.
type memStore struct {
	mu sync.RWMutex
	m  map[string]job.Status
}

func newMemStore() *memStore {
	return &memStore{m: map[string]job.Status{}}
}

func (s *memStore) Put(ctx context.Context, st job.Status) error {
	_ = ctx
	s.mu.Lock()
	s.m[st.Name] = st
	s.mu.Unlock()
	return nil
}

func (s *memStore) All(ctx context.Context) ([]job.Status, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Status, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, st)
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, name string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
