// Package session owns the per-session auth state: a best-effort key/value
// store for flow state, token sets and used-code markers, and the controller
// that orchestrates the login and step-up protocols around them.
package session

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Backend is a durable key/value layer behind a Store. Implementations may
// fail; the Store absorbs their errors and keeps working from memory.
type Backend interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, bool, error)
	Remove(key string) error
}

// Store is the session-scoped key/value store. Persistence is best-effort:
// Save, Load and Remove never fail upward. When the backend starts erroring
// the store degrades to in-memory behavior for the rest of the process
// lifetime and records the fact, visible through Degraded.
type Store struct {
	mu       sync.RWMutex
	mem      map[string][]byte
	backend  Backend
	degraded bool
}

// NewStore creates a store over an optional durable backend. A nil backend
// means in-memory only.
func NewStore(backend Backend) *Store {
	return &Store{
		mem:     make(map[string][]byte),
		backend: backend,
	}
}

// Save serializes value to JSON and persists it under key. Serialization or
// backend failure silently no-ops beyond a debug log; persistence must never
// block the flow.
func (s *Store) Save(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Debugf("session store: marshal %q failed: %v", key, err)
		return
	}

	s.mu.Lock()
	s.mem[key] = raw
	backend := s.backend
	s.mu.Unlock()

	if backend == nil {
		return
	}
	if err = backend.Save(key, raw); err != nil {
		s.markDegraded(key, err)
	}
}

// Load deserializes the value under key into out and reports whether a value
// was found. Missing keys and parse failures return false without error.
func (s *Store) Load(key string, out any) bool {
	s.mu.RLock()
	raw, ok := s.mem[key]
	backend := s.backend
	s.mu.RUnlock()

	if !ok && backend != nil {
		fromBackend, found, err := backend.Load(key)
		if err != nil {
			s.markDegraded(key, err)
			return false
		}
		if !found {
			return false
		}
		raw = fromBackend
		s.mu.Lock()
		s.mem[key] = raw
		s.mu.Unlock()
	} else if !ok {
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		log.Debugf("session store: unmarshal %q failed: %v", key, err)
		return false
	}
	return true
}

// Remove deletes the value under key, best-effort.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.mem, key)
	backend := s.backend
	s.mu.Unlock()

	if backend == nil {
		return
	}
	if err := backend.Remove(key); err != nil {
		s.markDegraded(key, err)
	}
}

// Degraded reports whether durable persistence has failed at least once and
// the store is effectively in-memory only.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) markDegraded(key string, err error) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first {
		log.Warnf("session store: durable persistence failed for %q, continuing in memory: %v", key, err)
	} else {
		log.Debugf("session store: backend error for %q: %v", key, err)
	}
}
