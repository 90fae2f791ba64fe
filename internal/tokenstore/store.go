// Package tokenstore persists the access token, refresh token and selected farm
// snapshot, and notifies subscribers when any of them changes.
package tokenstore

import (
	"errors"
	"fmt"
	"sync"
)

// Change describes a single mutation of the store
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Store wraps a Backend with change notification.
// It is safe for concurrent use.
type Store struct {
	backend Backend

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

// New creates a store over backend
func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		subs:    make(map[int]func(Change)),
	}
}

// NewMemory creates a store backed by memory, mostly useful in tests
func NewMemory() *Store {
	return New(NewMemoryBackend())
}

// Get retrieves a value. Missing keys return ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	return s.backend.Get(key)
}

// Lookup returns the value and whether it is present. Backend failures are
// reported as absent together with the error.
func (s *Store) Lookup(key string) (string, bool, error) {
	value, err := s.backend.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, value != "", nil
}

// Set stores a value and notifies subscribers
func (s *Store) Set(key, value string) error {
	if err := s.backend.Set(key, value); err != nil {
		return err
	}
	s.publish(Change{Key: key, Value: value})
	return nil
}

// Delete removes a value and notifies subscribers
func (s *Store) Delete(key string) error {
	if err := s.backend.Delete(key); err != nil {
		return err
	}
	s.publish(Change{Key: key, Deleted: true})
	return nil
}

// Clear removes every session key. All keys are attempted even if one fails.
func (s *Store) Clear() error {
	var errs []error
	for _, key := range AllKeys {
		if err := s.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers fn for every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
