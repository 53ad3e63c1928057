// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package sec provides cryptographic primitives and token management.
//
// # Architecture
//
// This package isolates security-sensitive code (Hashing, JWT Signing, Blind
// Indexing, Field Encryption) from the domain logic. It acts as an
// Infrastructure service injected into the Application layer via narrow
// interfaces.
package sec

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClaims represents the payload embedded inside a JWT Access Token.
//
// # Why custom claims?
//
// By embedding the principal's roles and profile directly inside the JWT,
// relying applications and [middleware.Authenticate] can reconstruct the
// active user context WITHOUT querying the database on every single API
// request. This provides massive read-scalability.
type AuthClaims struct {
	jwt.RegisteredClaims

	// Roles carries the principal's role names with the ROLE_ prefix stripped.
	Roles []string `json:"roles,omitempty"`

	// UserIDNumeric is the stable internal numeric account id.
	UserIDNumeric int64 `json:"user_id_numeric,omitempty"`

	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Email      string `json:"email,omitempty"`

	// Nonce echoes the authorization-request nonce in ID tokens
	// (OpenID Connect Core 3.1.3.7); relying parties match it against the
	// value they sent.
	Nonce string `json:"nonce,omitempty"`

	// Scope is the space-delimited granted scope set (RFC 8693 style).
	Scope string `json:"scope,omitempty"`

	// ClientID identifies the OAuth2 client the token was minted for.
	ClientID string `json:"client_id,omitempty"`
}

// HasRole reports whether the claim set contains the given role name.
func (c *AuthClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenService handles generation and verification of JWT tokens using RS256.
type TokenService struct {
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
}

// NewTokenService creates a new TokenService.
// It reads the RSA private key PEM from the provided secret-source path; the
// public half is derived from it and published through the JWKS endpoint.
func NewTokenService(privateKeyPath, keyID, issuer string) (*TokenService, error) {
	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to read signing key from %s: %w", privateKeyPath, err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyData)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse signing key: %w", err)
	}

	return &TokenService{
		privateKey: privateKey,
		keyID:      keyID,
		issuer:     issuer,
	}, nil
}

// NewTokenServiceFromKey constructs a TokenService around an in-memory key.
// Used by tests and by deployments that inject keys directly.
func NewTokenServiceFromKey(privateKey *rsa.PrivateKey, keyID, issuer string) *TokenService {
	return &TokenService{privateKey: privateKey, keyID: keyID, issuer: issuer}
}

// KeyID returns the 'kid' stamped into every token header.
func (service *TokenService) KeyID() string { return service.keyID }

// PublicKey returns the verification half of the signing key pair.
func (service *TokenService) PublicKey() *rsa.PublicKey { return &service.privateKey.PublicKey }

// Issuer returns the configured 'iss' claim value.
func (service *TokenService) Issuer() string { return service.issuer }

// Sign stamps registered claims onto the payload and returns a signed JWT.
//
// The caller provides identity claims; issuer, issue time, and expiry are
// authoritative here so no caller can mint a token with a forged lifetime.
func (service *TokenService) Sign(claims AuthClaims, timeToLive time.Duration) (string, error) {
	currentTime := time.Now()
	claims.Issuer = service.issuer
	claims.IssuedAt = jwt.NewNumericDate(currentTime)
	claims.ExpiresAt = jwt.NewNumericDate(currentTime.Add(timeToLive))
	if claims.ID == "" {
		jti, err := GenerateSecureToken(16)
		if err != nil {
			return "", fmt.Errorf("sec: failed to generate jti: %w", err)
		}
		claims.ID = jti
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = service.keyID

	signedToken, err := token.SignedString(service.privateKey)
	if err != nil {
		return "", fmt.Errorf("sec: failed to sign token: %w", err)
	}

	return signedToken, nil
}

// Verify checks the signature and validity of a JWT string.
func (service *TokenService) Verify(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("sec: unexpected signing method: %v", token.Header["alg"])
		}
		return &service.privateKey.PublicKey, nil
	}, jwt.WithIssuer(service.issuer))

	if err != nil {
		return nil, fmt.Errorf("sec: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("sec: invalid token claims")
	}

	return claims, nil
}
