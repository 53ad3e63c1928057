// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"time"

	"github.com/taibuivan/veyra/pkg/pagination"
)

// # Repository Ports
//
// Interfaces are defined here, beside the domain types; the pgx and Redis
// implementations live in store_postgres.go and store_redis.go. Services
// depend only on these ports.

// UserRepository is the persistence port for the [User] aggregate.
//
// Every lookup excludes soft-deleted rows unless explicitly stated. Update
// performs a compare-and-set on the version column and returns
// [apperr.ErrOptimisticConflict] when the row moved underneath the caller.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)

	// FindActiveByEmail resolves the normalized primary email to an account
	// eligible for authentication (not soft-deleted).
	FindActiveByEmail(ctx context.Context, normalizedEmail string) (*User, error)

	// FindByAuthSubjectID resolves a federated upstream subject.
	FindByAuthSubjectID(ctx context.Context, subjectID string) (*User, error)

	ExistsByEmail(ctx context.Context, normalizedEmail string) (bool, error)

	// ExistsByRecoveryEmailIndex probes the recovery-email blind index,
	// optionally excluding one account (self) from the match.
	ExistsByRecoveryEmailIndex(ctx context.Context, blindIndex string, excludeUserID int64) (bool, error)

	// Update writes every mutable column guarded by the version CAS.
	Update(ctx context.Context, user *User) error

	// SoftDelete stamps deletedAt and disables the account. Cascades across
	// credentials and grants are the service's responsibility.
	SoftDelete(ctx context.Context, userID int64, deletedBy string, deletedAt time.Time) error

	List(ctx context.Context, params pagination.Params) ([]User, int, error)
}

// RoleRepository is the persistence port for the role/permission graph.
type RoleRepository interface {
	FindByName(ctx context.Context, name string) (*Role, error)
	FindRolesForUser(ctx context.Context, userID int64) ([]Role, error)

	// FindEffectivePermissions resolves the transitive permission set: the
	// permissions of every role whose path prefixes one of the user's roles.
	FindEffectivePermissions(ctx context.Context, userID int64) ([]Permission, error)

	AssignRole(ctx context.Context, userID, roleID int64, grantedBy string) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
}

// TokenIssueRepository stores single-use, TTL-bounded account tokens
// (email verification, password reset) in volatile storage.
type TokenIssueRepository interface {
	Set(ctx context.Context, token string, userID int64, ttl time.Duration) error
	Get(ctx context.Context, token string) (int64, error)
	Delete(ctx context.Context, token string) error
}

// # Invalidation Ports
//
// Credential and role changes cascade into subsystems owned by other
// packages. Narrow ports keep the dependency arrows pointing outward.

// SessionInvalidator revokes server-side sessions for a principal.
type SessionInvalidator interface {
	// InvalidatePrincipal deletes every session for the principal except
	// exceptSessionID (empty string keeps nothing).
	InvalidatePrincipal(ctx context.Context, principalName, exceptSessionID string) error
}

// GrantRevoker removes OAuth2 authorizations and consents for a principal.
type GrantRevoker interface {
	RevokeAllForPrincipal(ctx context.Context, principalName string) error
	DeleteConsentsForPrincipal(ctx context.Context, principalName string) error
}

// RememberMeRevoker purges persistent-login series for a principal.
type RememberMeRevoker interface {
	RevokeAllForUser(ctx context.Context, principalName string) error
}

// CredentialCascader removes passkeys and device fingerprints on account
// deletion.
type CredentialCascader interface {
	DeletePasskeysForUser(ctx context.Context, userID int64) error
	DeactivateFingerprintsForUser(ctx context.Context, userID int64) error
}
