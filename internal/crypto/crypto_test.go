package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	secrets := []string{
		"aoa-refresh-token-value",
		"sk-ant-api03-abcdef",
		"short",
		`{"json":"payload"}`,
		"unicode éè中文",
	}
	for _, s := range secrets {
		ct, err := c.Encrypt(s)
		require.NoError(t, err)
		assert.NotEqual(t, s, ct)

		pt, err := c.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, s, pt)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	ct, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestEncryptNonDeterministic(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	a, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampered(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	ct, err := c.Encrypt("secret")
	require.NoError(t, err)

	tampered := []byte(ct)
	tampered[len(tampered)-5] ^= 'x'
	_, err = c.Decrypt(string(tampered))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := NewCipher("unit-test-key")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Decrypt("YWJj") // too short for a nonce
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptWrongKey(t *testing.T) {
	a, err := NewCipher("key-a")
	require.NoError(t, err)
	b, err := NewCipher("key-b")
	require.NoError(t, err)

	ct, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewCipherEmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestTokenHash(t *testing.T) {
	h := TokenHash("refresh-token-1")
	assert.Equal(t, TokenHash("refresh-token-1"), h)
	assert.NotEqual(t, TokenHash("refresh-token-2"), h)

	raw, err := hex.DecodeString(h)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
