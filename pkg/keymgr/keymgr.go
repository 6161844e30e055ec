// Package keymgr manages the lifecycle of the 256-bit vault key: retrieval
// from the OS credential store, derivation from a passphrase, and random
// generation.
//
// The key exists only in process memory and in the credential store. The
// manager never logs it and never hands it to anything but the caller, which
// is expected to pass it straight to the cipher.
package keymgr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tmarchand/rolodex/internal/logger"
	"github.com/tmarchand/rolodex/pkg/crypto"
)

// Fixed identifiers of the single secret the application owns in the
// credential store.
const (
	Service = "rolodex"
	Account = "vault-key"
)

// Sentinel errors returned by the key manager.
var (
	// ErrKeyStoreUnavailable indicates the platform credential facility
	// could not be reached.
	ErrKeyStoreUnavailable = errors.New("keymgr: credential store unavailable")

	// ErrInvalidStoredKey indicates the stored secret did not decode to
	// exactly 32 bytes. GetKey treats this as "no key" rather than failing.
	ErrInvalidStoredKey = errors.New("keymgr: stored key is not a valid 256-bit key")

	// ErrEmptyPassphrase indicates the passphrase was empty or
	// whitespace-only.
	ErrEmptyPassphrase = errors.New("keymgr: passphrase must not be empty")
)

// Manager obtains and persists the vault key.
type Manager struct {
	store SecretStore
	log   *logger.Logger
}

// New returns a Manager using the given SecretStore.
func New(store SecretStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{store: store, log: log}
}

// GetKey reads the vault key from the credential store. It returns (nil, nil)
// when no key is stored, and also when a stored value fails base64 decoding
// or is not exactly 32 bytes - a malformed entry must never crash startup,
// it just means the vault has no usable key.
//
// ErrKeyStoreUnavailable is returned when the platform facility cannot be
// reached, which is distinct from the key being absent.
func (m *Manager) GetKey() ([]byte, error) {
	value, err := m.store.Get(Service, Account)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrKeyStoreUnavailable, err)
	}

	key, err := decodeKey(value)
	if err != nil {
		m.log.Warn().Err(err).Msg("ignoring malformed vault key in credential store")
		return nil, nil
	}
	return key, nil
}

// SetKey writes the 32-byte vault key to the credential store, base64-encoded.
func (m *Manager) SetKey(key []byte) error {
	if len(key) != crypto.KeyLength {
		return crypto.ErrInvalidKeyLength
	}
	if err := m.store.Set(Service, Account, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyStoreUnavailable, err)
	}
	return nil
}

// DeriveFromPassphrase derives the vault key from a user passphrase and the
// per-vault salt using Argon2id. The passphrase must contain at least one
// non-whitespace character.
func (m *Manager) DeriveFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptyPassphrase
	}
	return crypto.DeriveKey([]byte(passphrase), salt), nil
}

// GenerateRandomKey returns a fresh random 256-bit vault key.
func (m *Manager) GenerateRandomKey() ([]byte, error) {
	return crypto.GenerateKey()
}

// decodeKey decodes a stored secret value and checks the key length.
func decodeKey(value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStoredKey, err)
	}
	if len(key) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidStoredKey, len(key))
	}
	return key, nil
}
