package aead_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringvault/ringvault/pkg/crypto/aead"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:32]
}

func TestAES256GCM_RoundTrip(t *testing.T) {
	c := aead.NewAES256GCM()
	key := testKey()

	plaintext := []byte("some secret payload")

	ciphertext, err := c.Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := c.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAES256GCM_DistinctNoncesPerCall(t *testing.T) {
	c := aead.NewAES256GCM()
	key := testKey()

	a, err := c.Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)

	b, err := c.Encrypt([]byte("same plaintext"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "each call must draw a fresh random nonce")
}

func TestAES256GCM_RejectsTamperedCiphertext(t *testing.T) {
	c := aead.NewAES256GCM()
	key := testKey()

	ciphertext, err := c.Encrypt([]byte("authentic"), key)
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	_, err = c.Decrypt(tampered, key)
	assert.Error(t, err)
}

func TestAES256GCM_RejectsWrongKey(t *testing.T) {
	c := aead.NewAES256GCM()

	ciphertext, err := c.Encrypt([]byte("authentic"), testKey())
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	copy(wrongKey, []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))

	_, err = c.Decrypt(ciphertext, wrongKey)
	assert.Error(t, err)
}

func TestAES256GCM_RejectsShortCiphertext(t *testing.T) {
	c := aead.NewAES256GCM()

	_, err := c.Decrypt([]byte("short"), testKey())
	assert.Error(t, err)
}
