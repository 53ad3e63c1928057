// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"time"
)

// # Authorization Aggregate

// TokenRecord is the stored trace of one issued token. Only the keyed hash of
// the value is persisted; possession of the database does not yield tokens.
type TokenRecord struct {
	ValueHash   string     `json:"-"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Invalidated bool       `json:"invalidated"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// LiveAt reports whether the record is usable at the given instant.
func (record *TokenRecord) LiveAt(now time.Time) bool {
	return record != nil && !record.Invalidated && now.Before(record.ExpiresAt)
}

// Authorization is one grant of access from a principal to a client.
//
// A single row follows the grant through its lifecycle: code issued, code
// exchanged, tokens refreshed. Refresh rotation creates a successor row
// sharing the FamilyID; presenting an invalidated refresh token condemns the
// whole family.
type Authorization struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	PrincipalName string `json:"principal_name"`
	GrantType     string `json:"grant_type"`

	Scopes []string `json:"scopes"`
	State  string   `json:"-"`

	RedirectURI         string `json:"-"`
	CodeChallenge       string `json:"-"`
	CodeChallengeMethod string `json:"-"`
	Nonce               string `json:"-"`

	// FamilyID ties refresh-rotation successors together.
	FamilyID string `json:"-"`

	Code         *TokenRecord `json:"code,omitempty"`
	AccessToken  *TokenRecord `json:"access_token,omitempty"`
	RefreshToken *TokenRecord `json:"refresh_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuthorizationRepository is the persistence port for authorizations.
//
// Token lookups go through value hashes; the repositories never see token
// material.
type AuthorizationRepository interface {
	Create(ctx context.Context, authorization *Authorization) error
	FindByID(ctx context.Context, id string) (*Authorization, error)
	FindByCodeHash(ctx context.Context, codeHash string) (*Authorization, error)
	FindByAccessTokenHash(ctx context.Context, tokenHash string) (*Authorization, error)
	FindByRefreshTokenHash(ctx context.Context, tokenHash string) (*Authorization, error)

	// Update rewrites the token records of an existing row.
	Update(ctx context.Context, authorization *Authorization) error

	// ConsumeCode flips the code-invalidated flag exactly once. False means
	// the code was already consumed; concurrent redemptions race on this and
	// exactly one caller wins.
	ConsumeCode(ctx context.Context, id string) (bool, error)

	// InvalidateFamily kills every token in a rotation family (refresh theft,
	// code replay).
	InvalidateFamily(ctx context.Context, familyID string) error

	// RevokeAllForPrincipal kills every live grant of a principal (password
	// change, account disable/delete).
	RevokeAllForPrincipal(ctx context.Context, principalName string) error

	// DeleteExpired prunes rows whose every token is past retention.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// # Consent

// Consent is the scope set a principal has approved for a client. Approvals
// accumulate: granting a new scope set unions with what was approved before.
type Consent struct {
	ClientID      string    `json:"client_id"`
	PrincipalName string    `json:"principal_name"`
	Scopes        []string  `json:"scopes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Covers reports whether every requested scope is already consented.
func (consent *Consent) Covers(requested []string) bool {
	if consent == nil {
		return len(requested) == 0
	}
	for _, scope := range requested {
		found := false
		for _, granted := range consent.Scopes {
			if granted == scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MergeScopes unions new approvals into the consent, preserving order of
// first appearance.
func (consent *Consent) MergeScopes(approved []string) {
	for _, scope := range approved {
		exists := false
		for _, granted := range consent.Scopes {
			if granted == scope {
				exists = true
				break
			}
		}
		if !exists {
			consent.Scopes = append(consent.Scopes, scope)
		}
	}
}

// ConsentRepository is the persistence port for consents.
type ConsentRepository interface {
	// Find returns the consent for (client, principal), NotFound when none.
	Find(ctx context.Context, clientID, principalName string) (*Consent, error)

	// Save upserts the consent row.
	Save(ctx context.Context, consent *Consent) error

	Delete(ctx context.Context, clientID, principalName string) error
	DeleteAllForPrincipal(ctx context.Context, principalName string) error
}
