package journal

import (
	"context"
	"sync"
	"time"
)

// maxInMemoryEntries bounds the in-memory journal so long-lived agents do
// not grow without limit.
const maxInMemoryEntries = 512

type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > maxInMemoryEntries {
		s.entries = s.entries[len(s.entries)-maxInMemoryEntries:]
	}
	return nil
}

func (s *InMemoryStore) Finish(_ context.Context, id string, outcome Outcome, errMsg string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].Outcome = outcome
			s.entries[i].Error = errMsg
			s.entries[i].EndedAt = endedAt
			return nil
		}
	}
	return ErrNotFound
}

// Recent returns up to limit entries, newest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	if limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
