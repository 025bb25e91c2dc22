// Package tokencrypt seals and opens the Account bearer token for at-rest
// storage. The token lives decrypted only in memory (internal/botrun.Account);
// everywhere it is persisted (internal/store's sessions table) it is sealed
// with AES-256-GCM under a server-held key. No third-party AEAD package
// appears anywhere in the retrieved example corpus, so this wraps the
// standard library's crypto/cipher the same way internal/server reaches for
// crypto/subtle for constant-time comparison: a narrow primitive the stdlib
// already gets right, not a place to add a dependency.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const keySize = 32 // AES-256

// Sealer seals and opens values with a single fixed AEAD key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("tokencrypt: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: new gcm: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// NewSealerFromHex decodes a hex-encoded key (as read from the
// ACCOUNT_TOKEN_KEY environment variable) and builds a Sealer.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: decode hex key: %w", err)
	}
	return NewSealer(raw)
}

// GenerateKeyHex returns a fresh random hex-encoded key, for use when no
// ACCOUNT_TOKEN_KEY has been configured. Tokens sealed under a generated key
// do not survive a process restart; this is a development fallback only.
func GenerateKeyHex() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("tokencrypt: generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext and returns a base64 string safe for storage in a
// TEXT column: nonce || ciphertext || tag, base64-encoded.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokencrypt: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal, returning an error if the sealed value was truncated,
// malformed, or does not authenticate under this Sealer's key.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("tokencrypt: decode sealed value: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("tokencrypt: sealed value shorter than nonce")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("tokencrypt: open: %w", err)
	}
	return string(plaintext), nil
}
