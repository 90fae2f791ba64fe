package tokenstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when a key doesn't exist
var ErrNotFound = errors.New("key not found in token store")

// Keys under which session state is persisted
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
	KeySelectedFarm = "selectedFarm"
	ServiceName     = "farmdesk"
)

// AllKeys lists every key owned by the session subsystem
var AllKeys = []string{KeyAccessToken, KeyRefreshToken, KeySelectedFarm}

// Backend provides durable key/value storage
type Backend interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// MemoryBackend is an in-memory backend for testing
type MemoryBackend struct {
	mu    sync.RWMutex
	store map[string]string
}

// NewMemoryBackend creates a new memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		store: make(map[string]string),
	}
}

// Set stores a value in memory
func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	return nil
}

// Get retrieves a value from memory
func (m *MemoryBackend) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.store[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete removes a value from memory
func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

// Len reports how many keys are held
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}

// KeyringBackend uses the OS keychain
type KeyringBackend struct {
	service string
}

// NewKeyringBackend creates a backend bound to the farmdesk keychain service
func NewKeyringBackend() *KeyringBackend {
	return &KeyringBackend{service: ServiceName}
}

// Set stores a value in the system keychain
func (k *KeyringBackend) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("failed to store in keychain: %w", err)
	}
	return nil
}

// Get retrieves a value from the system keychain
func (k *KeyringBackend) Get(key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to retrieve from keychain: %w", err)
	}
	return value, nil
}

// Delete removes a value from the system keychain
func (k *KeyringBackend) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}
