package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryNonceStore keeps seen nonces in process memory for the replay window.
// It is safe for concurrent use by in-flight validations. A single shared
// instance only protects one process; use RedisNonceStore when running
// multiple replicas.
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
	done   chan struct{}
	once   sync.Once
}

func NewMemoryNonceStore(window, pruneTick time.Duration) *MemoryNonceStore {
	s := &MemoryNonceStore{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if pruneTick > 0 {
		go s.pruneLoop(pruneTick)
	}
	return s
}

func (s *MemoryNonceStore) Remember(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.seen[nonce]; ok && now.Sub(at) <= s.window {
		return false, nil
	}
	s.seen[nonce] = now
	return true, nil
}

func (s *MemoryNonceStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryNonceStore) pruneLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *MemoryNonceStore) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.window)
	for nonce, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, nonce)
		}
	}
}
