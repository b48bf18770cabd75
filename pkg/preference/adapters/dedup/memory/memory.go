// Package memory implements preference.DedupStore in-process, for a single
// pipeline instance or for tests. Multi-process deployments should use the
// redis adapter so every instance sees the same dedup window.
package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	expiresAt time.Time
}

// Store is an in-memory DedupStore with a fixed TTL window.
type Store struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]entry
}

// New creates a memory dedup store with the given dedup window.
func New(window time.Duration) *Store {
	return &Store{window: window, seen: make(map[string]entry)}
}

func (s *Store) CheckAndSet(ctx context.Context, recipientID, dedupKey string) (bool, error) {
	key := recipientID + ":" + dedupKey

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.seen[key]; ok && now.Before(e.expiresAt) {
		return true, nil
	}
	s.seen[key] = entry{expiresAt: now.Add(s.window)}
	return false, nil
}

func (s *Store) Close() error {
	return nil
}
