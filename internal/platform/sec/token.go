// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// # Opaque Token Primitives

// GenerateSecureToken returns a base64url string of byteLength random bytes.
//
// It is the single source of entropy for refresh tokens, remember-me tokens,
// password-reset tokens, and device codes.
func GenerateSecureToken(byteLength int) (string, error) {
	raw := make([]byte, byteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("sec: failed to read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateExternalID returns an opaque user identifier: byteLength random
// bytes, base64url-encoded. It doubles as the WebAuthn user handle, so it
// must never be derived from internal ids.
func GenerateExternalID(byteLength int) (string, error) {
	return GenerateSecureToken(byteLength)
}

// HashToken returns the hex-encoded SHA-256 digest of a token value.
//
// Opaque tokens are stored hashed at rest; lookups hash the presented value
// and compare digests, so a database leak never yields usable tokens.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

// ConstantTimeEquals compares two strings without leaking timing information.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
