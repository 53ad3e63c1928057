// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"time"
)

// # Account State

// AccountState is the derived lifecycle state of a user account.
type AccountState string

const (
	StateActive      AccountState = "ACTIVE"
	StateLocked      AccountState = "LOCKED"
	StateDisabled    AccountState = "DISABLED"
	StateSoftDeleted AccountState = "SOFT_DELETED"
)

// AccountStatus is the credential-health aggregate embedded in every User.
//
// Mutations go through intent methods on [User] so the lockout invariants
// (failedLoginAttempts >= 0; lockoutExpirationTime set implies locked until
// that instant passes) hold at every call site.
type AccountStatus struct {
	Enabled               bool       `json:"enabled"`
	AccountNonExpired     bool       `json:"account_non_expired"`
	CredentialsNonExpired bool       `json:"credentials_non_expired"`
	AccountNonLocked      bool       `json:"account_non_locked"`
	FailedLoginAttempts   int        `json:"failed_login_attempts"`
	LockoutExpirationTime *time.Time `json:"lockout_expiration_time,omitempty"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty"`
	LastPasswordChangeAt  *time.Time `json:"last_password_change_at,omitempty"`
}

// NewAccountStatus returns the status of a freshly provisioned account.
func NewAccountStatus() AccountStatus {
	return AccountStatus{
		Enabled:               true,
		AccountNonExpired:     true,
		CredentialsNonExpired: true,
		AccountNonLocked:      true,
	}
}

// IsLockedAt reports whether the lockout is in force at the given instant.
// A lock whose expiration has passed no longer counts as locked.
func (s AccountStatus) IsLockedAt(now time.Time) bool {
	if s.AccountNonLocked {
		return false
	}
	if s.LockoutExpirationTime == nil {
		return true
	}
	return now.Before(*s.LockoutExpirationTime)
}

// # User Aggregate

// User is the account aggregate.
//
// Identity keys:
//   - ID: stable internal numeric id, never recycled.
//   - ExternalID: opaque public identifier (16 random bytes, base64url),
//     doubling as the WebAuthn user handle.
//   - AuthSubjectID: upstream subject for federated accounts.
//
// Recovery email is stored encrypted; RecoveryEmailIndex carries its blind
// index for equality lookups without decryption.
type User struct {
	ID            int64   `json:"-"`
	ExternalID    string  `json:"id"`
	AuthSubjectID *string `json:"-"`

	GivenName  string `json:"given_name,omitempty"`
	MiddleName string `json:"middle_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Nickname   string `json:"nickname,omitempty"`

	Email           string `json:"email"`
	EmailNormalized string `json:"-"`
	EmailVerified   bool   `json:"email_verified"`

	RecoveryEmailCiphertext *string `json:"-"`
	RecoveryEmailIndex      *string `json:"-"`

	Phone      *string `json:"phone,omitempty"`
	PictureURL string  `json:"picture_url,omitempty"`

	PasswordHash *string `json:"-"`

	Status AccountStatus `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CreatedBy      string     `json:"-"`
	LastModifiedBy string     `json:"-"`
	Version        int64      `json:"-"`
	DeletedAt      *time.Time `json:"-"`
}

// FullName joins the present name parts with single spaces.
func (user *User) FullName() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{user.GivenName, user.MiddleName, user.FamilyName} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	name := ""
	for i, part := range parts {
		if i > 0 {
			name += " "
		}
		name += part
	}
	return name
}

// PrincipalName is the stable subject identifier used across sessions,
// OAuth2 authorizations, and consents: the normalized email for local
// accounts, the upstream subject for email-less federated accounts.
func (user *User) PrincipalName() string {
	if user.EmailNormalized != "" {
		return user.EmailNormalized
	}
	if user.AuthSubjectID != nil {
		return *user.AuthSubjectID
	}
	return user.ExternalID
}

// State derives the lifecycle state at the given instant.
func (user *User) State(now time.Time) AccountState {
	switch {
	case user.DeletedAt != nil:
		return StateSoftDeleted
	case !user.Status.Enabled:
		return StateDisabled
	case user.Status.IsLockedAt(now):
		return StateLocked
	default:
		return StateActive
	}
}

// CanAuthenticate reports whether login processing may proceed for this
// account at the given instant.
func (user *User) CanAuthenticate(now time.Time) bool {
	return user.State(now) == StateActive &&
		user.Status.AccountNonExpired &&
		user.Status.CredentialsNonExpired
}

// HasPassword reports whether a local credential is set.
func (user *User) HasPassword() bool {
	return user.PasswordHash != nil && *user.PasswordHash != ""
}

// # Lockout Intent Methods

// RecordFailedLogin increments the failure counter and, once the threshold
// is reached, arms the lockout timer.
func (user *User) RecordFailedLogin(threshold int, lockoutDuration time.Duration, now time.Time) {
	user.Status.FailedLoginAttempts++
	if user.Status.FailedLoginAttempts >= threshold {
		expiry := now.Add(lockoutDuration)
		user.Status.AccountNonLocked = false
		user.Status.LockoutExpirationTime = &expiry
	}
}

// RecordSuccessfulLogin clears failure bookkeeping and stamps the login time.
// An expired lock is released here rather than by a background sweep.
func (user *User) RecordSuccessfulLogin(now time.Time) {
	user.Status.FailedLoginAttempts = 0
	user.Status.AccountNonLocked = true
	user.Status.LockoutExpirationTime = nil
	user.Status.LastLoginAt = &now
}

// Unlock clears both the lockout timer and the failure counter (admin action).
func (user *User) Unlock() {
	user.Status.FailedLoginAttempts = 0
	user.Status.AccountNonLocked = true
	user.Status.LockoutExpirationTime = nil
}
