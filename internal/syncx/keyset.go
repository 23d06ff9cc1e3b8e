package syncx

import "sync"

// KeySet tracks in-flight work keyed by comparable id. TryAcquire is the
// admission gate: at most one holder per key until Release.
type KeySet[K comparable] struct {
	mu   sync.Mutex
	held map[K]struct{}
}

// NewKeySet creates an empty in-flight set.
func NewKeySet[K comparable]() *KeySet[K] {
	return &KeySet[K]{held: make(map[K]struct{})}
}

// TryAcquire claims the key. Returns false if the key is already held.
func (s *KeySet[K]) TryAcquire(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key]; ok {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Release frees the key. Releasing an unheld key is a no-op.
func (s *KeySet[K]) Release(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
}

// Held reports whether the key is currently claimed.
func (s *KeySet[K]) Held(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

// Len returns the number of keys currently held.
func (s *KeySet[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
