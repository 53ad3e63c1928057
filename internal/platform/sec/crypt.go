// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// # Field Encryption
//
// Sensitive columns (recovery email, COSE public keys) are encrypted at rest
// with AES-256-GCM. The ciphertext is self-contained: nonce || sealed bytes,
// base64url-encoded for storage in a TEXT column.

// FieldCipher encrypts and decrypts individual database fields.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher derives a dedicated AES-256 key from the master secret via
// HKDF-SHA256 and wraps it in a GCM AEAD.
func NewFieldCipher(masterSecret string) (*FieldCipher, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("sec: master secret is required for field encryption")
	}

	reader := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("veyra/field-cipher/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("sec: failed to derive field key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to initialize AES: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to initialize GCM: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a storable base64url string.
func (c *FieldCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sec: failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses [Encrypt]. It fails on any tampering with the ciphertext.
func (c *FieldCipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sec: malformed ciphertext encoding: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sec: ciphertext shorter than nonce")
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("sec: decryption failed: %w", err)
	}

	return plaintext, nil
}

// EncryptString is a convenience wrapper over [Encrypt] for text fields.
func (c *FieldCipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper over [Decrypt] for text fields.
func (c *FieldCipher) DecryptString(encoded string) (string, error) {
	raw, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
