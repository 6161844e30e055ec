// Package crypto provides the cryptographic primitives for the vault engine.
//
// This package implements AES-256-GCM authenticated encryption and Argon2id
// key derivation following OWASP recommendations.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption over whole-file buffers
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Cryptographically secure random nonce generation per call
//   - Secure memory wiping for sensitive data
//
// The sealed blob layout is nonce (12 bytes) followed by the ciphertext with
// the GCM authentication tag (16 bytes) appended, so a single []byte carries
// everything needed for decryption except the key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of vault keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16

	// SaltLength is the length of KDF salts in bytes (128 bits).
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag
	// verification failed. Wrong key, corruption and tampering are deliberately
	// indistinguishable.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the blob is shorter than the GCM nonce.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// DeriveKey derives a 256-bit vault key from a passphrase using Argon2id.
//
// The function uses OWASP-recommended parameters:
//   - Memory: 64 MB
//   - Iterations: 3
//   - Parallelism: 4 threads
//
// The salt should be 16 bytes of cryptographically secure random data.
// Returns a 32-byte key suitable for AES-256 encryption. The derivation is
// deterministic: the same passphrase and salt always yield the same key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// GenerateKey returns 32 bytes read from the OS CSPRNG, suitable as a vault key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns 16 bytes read from the OS CSPRNG, suitable as a KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A cryptographically secure random 12-byte nonce is generated per call and
// prepended to the ciphertext, so encrypting the same plaintext twice under
// the same key yields different blobs.
//
// Parameters:
//   - key: 32-byte vault key
//   - plaintext: data to encrypt (any length, including empty)
//
// Returns the blob nonce || ciphertext || tag, or ErrInvalidKeyLength if the
// key is not 32 bytes.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext+tag to the nonce, producing the combined blob.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal using AES-256-GCM.
//
// The authentication tag is verified before any plaintext is returned. If the
// tag verification fails, ErrDecryptionFailed is returned regardless of the
// cause (wrong key, corruption, tampering) to avoid acting as an oracle.
//
// Returns ErrCiphertextTooShort if the blob is shorter than the 12-byte nonce.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	if len(blob) < NonceLength {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce, ciphertext := blob[:NonceLength], blob[NonceLength:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
// This is critical for securely destroying sensitive data like the vault key.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
