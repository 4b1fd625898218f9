// Package crypto provides at-rest encryption for stored credentials and the
// stable token digest used for lookup and deduplication.
//
// Secrets are sealed with AES-256-GCM. The 32-byte key is derived from the
// configured passphrase with HKDF-SHA256 so that operators can supply keys of
// any length.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	hkdfSalt = []byte("kirogate-token-cipher-v1")
	hkdfInfo = []byte("token-encryption")
)

// ErrInvalidCiphertext is returned when stored ciphertext cannot be decoded
// or fails authentication.
var ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

// Cipher seals and opens stored secrets with a process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from the passphrase and returns a ready
// Cipher. The passphrase must be non-empty; validation of default keys in
// production happens at config load.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: encryption key must not be empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(passphrase), hkdfSalt, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext). The empty
// string encrypts to the empty string so optional columns stay empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or malformed input
// returns ErrInvalidCiphertext.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < c.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

// TokenHash returns the hex SHA-256 digest of a refresh token. The digest is
// stable across restarts and is what the store indexes tokens by.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
