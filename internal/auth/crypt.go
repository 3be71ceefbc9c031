package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// TokenSealer encrypts student Moodle tokens at rest with AES-256-GCM.
// The key is loaded once at startup and held read-only; ciphertext is
// nonce-prefixed. A future key rotation would add a key-id prefix, which
// the current single-key layout leaves room for.
type TokenSealer struct {
	aead cipher.AEAD
}

func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("auth: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenSealer{aead: aead}, nil
}

// Seal encrypts a plaintext token.
func (s *TokenSealer) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed token. Tampered or foreign ciphertext fails
// authentication.
func (s *TokenSealer) Open(ciphertext []byte) (string, error) {
	if len(ciphertext) < s.aead.NonceSize() {
		return "", errors.New("auth: ciphertext too short")
	}
	nonce, ct := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
