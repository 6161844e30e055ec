package keymgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned by SecretStore.Get when no secret is stored
// under the given service/account pair.
var ErrSecretNotFound = errors.New("keymgr: secret not found")

// SecretStore is the capability the key manager needs from the OS credential
// facility: one named secret, readable and writable. It is an interface so
// tests can substitute an in-memory fake instead of touching the real
// keychain/credential manager/secret service.
type SecretStore interface {
	// Get returns the secret stored under service/account, or
	// ErrSecretNotFound if absent.
	Get(service, account string) (string, error)

	// Set stores the secret under service/account, overwriting any
	// previous value.
	Set(service, account, value string) error
}

// SystemStore is the SecretStore backed by the platform credential facility
// (macOS Keychain, Windows Credential Manager, freedesktop Secret Service).
// Calls are synchronous and block until the platform service responds.
type SystemStore struct{}

// NewSystemStore returns a SecretStore backed by the OS credential facility.
func NewSystemStore() *SystemStore {
	return &SystemStore{}
}

// Get implements SecretStore.
func (s *SystemStore) Get(service, account string) (string, error) {
	value, err := keyring.Get(service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("keymgr: credential store read: %w", err)
	}
	return value, nil
}

// Set implements SecretStore.
func (s *SystemStore) Set(service, account, value string) error {
	if err := keyring.Set(service, account, value); err != nil {
		return fmt.Errorf("keymgr: credential store write: %w", err)
	}
	return nil
}

// MemStore is an in-memory SecretStore for tests. When Err is non-nil every
// call fails with it, simulating an unreachable platform facility.
type MemStore struct {
	mu      sync.Mutex
	secrets map[string]string

	Err error
}

// NewMemStore returns an empty in-memory SecretStore.
func NewMemStore() *MemStore {
	return &MemStore{secrets: make(map[string]string)}
}

// Get implements SecretStore.
func (m *MemStore) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	value, ok := m.secrets[service+"/"+account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Set implements SecretStore.
func (m *MemStore) Set(service, account, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.secrets[service+"/"+account] = value
	return nil
}
