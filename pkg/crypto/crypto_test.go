package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeyLength)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"text", []byte("alice smith, acme corp, met at fosdem")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80, 0x7f}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := Seal(key, tc.plaintext)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(blob), NonceLength+TagLength)

			got, err := Open(key, blob)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, got)
		})
	}
}

func TestSealNonceUniqueness(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same plaintext, sealed twice")

	blob1, err := Seal(key, plaintext)
	require.NoError(t, err)
	blob2, err := Seal(key, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, blob1, blob2, "two seals of the same plaintext must differ")
	assert.NotEqual(t, blob1[:NonceLength], blob2[:NonceLength], "nonces must differ")
}

func TestOpenTamperDetection(t *testing.T) {
	key := testKey(t)
	blob, err := Seal(key, []byte("contact database payload"))
	require.NoError(t, err)

	// Flip a single bit in every region of the blob: nonce, ciphertext, tag.
	for _, offset := range []int{0, NonceLength, NonceLength + 2, len(blob) - 1} {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[offset] ^= 0x01

		_, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "bit flip at offset %d must fail", offset)
	}
}

func TestOpenWrongKey(t *testing.T) {
	blob, err := Seal(testKey(t), []byte("payload"))
	require.NoError(t, err)

	_, err = Open(testKey(t), blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenTruncatedBlob(t *testing.T) {
	key := testKey(t)

	for _, n := range []int{0, 1, NonceLength - 1} {
		_, err := Open(key, make([]byte, n))
		assert.ErrorIs(t, err, ErrCiphertextTooShort, "blob of %d bytes", n)
	}

	// Exactly nonce-length: long enough to split, but the empty ciphertext
	// cannot carry a tag, so verification fails instead of panicking.
	_, err := Open(key, make([]byte, NonceLength))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealOpenKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 24, 31, 33, 64} {
		_, err := Seal(make([]byte, n), []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKeyLength, "seal with %d-byte key", n)

		_, err = Open(make([]byte, n), make([]byte, NonceLength+TagLength))
		assert.ErrorIs(t, err, ErrInvalidKeyLength, "open with %d-byte key", n)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1 := DeriveKey([]byte("p1"), salt)
	k2 := DeriveKey([]byte("p1"), salt)
	assert.Equal(t, k1, k2, "same passphrase and salt must derive the same key")
	assert.Len(t, k1, KeyLength)

	k3 := DeriveKey([]byte("p2"), salt)
	assert.NotEqual(t, k1, k3, "different passphrases must derive different keys")

	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	k4 := DeriveKey([]byte("p1"), otherSalt)
	assert.NotEqual(t, k1, k4, "different salts must derive different keys")
}

func TestGenerateKeyAndSalt(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k1, KeyLength)
	assert.NotEqual(t, k1, k2)

	s1, err := GenerateSalt()
	require.NoError(t, err)
	s2, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, s1, SaltLength)
	assert.NotEqual(t, s1, s2)
}

func TestSecureWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	SecureWipe(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
