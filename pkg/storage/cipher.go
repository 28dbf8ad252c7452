package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// valueCipher encrypts stored values with AES-256-GCM, nonce prepended.
// Chain records can embed private entries and capability secrets, so at-rest
// encryption covers the whole record value rather than picking fields apart.
type valueCipher struct {
	aead cipher.AEAD
}

func newValueCipher(key []byte) (*valueCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &valueCipher{aead: aead}, nil
}

func (c *valueCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *valueCipher) open(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

// sealValue passes data through unchanged when encryption is disabled.
func (s *CellStore) sealValue(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}
	return s.cipher.seal(data)
}

func (s *CellStore) openValue(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}
	return s.cipher.open(data)
}
