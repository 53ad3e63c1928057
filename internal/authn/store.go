// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"time"
)

// # Entities

// PasskeyCredential is one registered WebAuthn credential.
//
// The COSE public key is stored encrypted; SignatureCount must never regress
// across assertions (a regression means a cloned authenticator).
type PasskeyCredential struct {
	ID                  int64      `json:"-"`
	CredentialID        string     `json:"credential_id"` // base64url, globally unique
	UserID              int64      `json:"-"`
	UserHandle          string     `json:"-"` // = user.ExternalID
	PublicKeyCiphertext string     `json:"-"`
	AttestationType     string     `json:"-"`
	Transports          []string   `json:"transports,omitempty"`
	SignatureCount      uint32     `json:"-"`
	UVInitialized       bool       `json:"uv_initialized"`
	BackupEligible      bool       `json:"backup_eligible"`
	BackupState         bool       `json:"backup_state"`
	FriendlyName        string     `json:"friendly_name,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
}

// PersistentLogin is one remember-me series for a device.
//
// The series survives across uses; the token rotates on every redemption.
// A presented token that mismatches the stored one for its series means the
// cookie was stolen and replayed after rotation.
type PersistentLogin struct {
	Series        string    `json:"series"`
	PrincipalName string    `json:"-"`
	TokenHash     string    `json:"-"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// # Repository Ports

// PasskeyRepository persists WebAuthn credentials.
type PasskeyRepository interface {
	// Create rejects duplicate credential ids across all users.
	Create(ctx context.Context, credential *PasskeyCredential) error

	FindByCredentialID(ctx context.Context, credentialID string) (*PasskeyCredential, error)
	ListForUser(ctx context.Context, userID int64) ([]PasskeyCredential, error)

	// UpdateSignatureCount advances the counter with a compare-and-set that
	// only moves forward; it also stamps lastUsedAt.
	UpdateSignatureCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error

	Rename(ctx context.Context, userID int64, credentialID, friendlyName string) error
	Delete(ctx context.Context, userID int64, credentialID string) error
	DeleteAllForUser(ctx context.Context, userID int64) error
}

// RememberMeRepository persists remember-me series.
type RememberMeRepository interface {
	Create(ctx context.Context, login *PersistentLogin) error
	FindBySeries(ctx context.Context, series string) (*PersistentLogin, error)

	// RotateToken replaces the token hash for a series.
	RotateToken(ctx context.Context, series, tokenHash string, usedAt time.Time) error

	DeleteSeries(ctx context.Context, series string) error
	DeleteAllForPrincipal(ctx context.Context, principalName string) error
}
