// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// # Blind Indexing
//
// Encrypted columns (recovery email) cannot be queried for equality without
// decrypting every row. A blind index is a deterministic keyed HMAC of the
// normalized plaintext stored in an indexed column beside the ciphertext:
// equality lookups hash the probe value with the same key and match on the
// index, never touching the ciphertext.

// BlindIndexer computes deterministic keyed hashes for equality lookup
// over encrypted columns.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer derives a dedicated blind-index key from the master secret
// using HKDF-SHA256 with a fixed info label, so that rotating unrelated keys
// never silently changes stored indexes.
func NewBlindIndexer(masterSecret string) (*BlindIndexer, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("sec: master secret is required for blind indexing")
	}

	reader := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("veyra/blind-index/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("sec: failed to derive blind-index key: %w", err)
	}

	return &BlindIndexer{key: key}, nil
}

// Email returns the blind index for an email address.
// The value is case-folded before hashing so that lookups are
// case-insensitive, matching the normalization used for uniqueness checks.
func (b *BlindIndexer) Email(email string) string {
	return b.compute(strings.ToLower(strings.TrimSpace(email)))
}

// compute returns the hex HMAC-SHA256 of the normalized value.
// Identical input and key always produce identical output across runs.
func (b *BlindIndexer) compute(normalized string) string {
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
