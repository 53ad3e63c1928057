// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package identity implements the account and credential subsystem.

It owns the User aggregate (profile, credentials, account status), the
hierarchical role/permission graph, password policy enforcement, and every
account-lifecycle operation (create, update, password change, lockout
bookkeeping, soft delete with cascades).

Architecture:

  - Value objects: EmailAddress, PhoneNumber, HashedPassword — immutable,
    validated at construction; raw passwords never persist.
  - Aggregate: User with embedded AccountStatus and a version column for
    optimistic concurrency; every write is a compare-and-set.
  - Service: Orchestrates policy checks, uniqueness (blind-index) lookups,
    and the session/token invalidation cascades required by role and
    credential changes.
*/
package identity

import (
	"net/mail"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// # Email

// EmailAddress is a validated email. The display form is preserved for
// presentation; the normalized form (trimmed, case-folded) is the identity
// used for uniqueness and lookups.
type EmailAddress struct {
	display    string
	normalized string
}

// NewEmailAddress validates and normalizes a raw email string.
func NewEmailAddress(raw string) (EmailAddress, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EmailAddress{}, apperr.ValidationError("Email is required")
	}
	if _, err := mail.ParseAddress(trimmed); err != nil {
		return EmailAddress{}, apperr.ValidationError("Invalid email address")
	}
	return EmailAddress{
		display:    trimmed,
		normalized: strings.ToLower(trimmed),
	}, nil
}

// String returns the display form as entered by the user.
func (e EmailAddress) String() string { return e.display }

// Normalized returns the case-folded comparison form.
func (e EmailAddress) Normalized() string { return e.normalized }

// Equals compares two addresses by their normalized forms.
func (e EmailAddress) Equals(other EmailAddress) bool {
	return e.normalized == other.normalized
}

// IsZero reports whether the value is unset.
func (e EmailAddress) IsZero() bool { return e.normalized == "" }

// NormalizeEmail folds a raw identifier the same way [NewEmailAddress] does,
// without validating it. Used for counter keys and uniform lookups where an
// invalid probe must still hash deterministically.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// # Phone

// PhoneNumber is a phone number canonicalized to E.164.
type PhoneNumber struct {
	e164 string
}

// NewPhoneNumber parses a raw phone string against a default region
// (ISO 3166-1 alpha-2) and canonicalizes it to E.164.
func NewPhoneNumber(raw, defaultRegion string) (PhoneNumber, error) {
	parsed, err := phonenumbers.Parse(strings.TrimSpace(raw), defaultRegion)
	if err != nil {
		return PhoneNumber{}, apperr.ValidationError("Invalid phone number")
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return PhoneNumber{}, apperr.ValidationError("Invalid phone number")
	}
	return PhoneNumber{e164: phonenumbers.Format(parsed, phonenumbers.E164)}, nil
}

// String returns the E.164 canonical form.
func (p PhoneNumber) String() string { return p.e164 }

// IsZero reports whether the value is unset.
func (p PhoneNumber) IsZero() bool { return p.e164 == "" }

// # Password

// HashedPassword wraps a bcrypt-encoded credential. The raw password exists
// only transiently during construction and verification.
type HashedPassword struct {
	encoded string
}

// NewHashedPassword hashes a raw password. Length-policy checks belong to
// [PasswordPolicy]; this only enforces the bcrypt 72-byte hard limit.
func NewHashedPassword(raw string) (HashedPassword, error) {
	encoded, err := sec.HashPassword(raw)
	if err != nil {
		return HashedPassword{}, err
	}
	return HashedPassword{encoded: encoded}, nil
}

// HashedPasswordFromEncoded wraps an already-encoded hash loaded from storage.
func HashedPasswordFromEncoded(encoded string) HashedPassword {
	return HashedPassword{encoded: encoded}
}

// Matches verifies a raw password against the stored hash in constant time.
func (h HashedPassword) Matches(raw string) bool {
	if h.encoded == "" {
		return false
	}
	return sec.CheckPasswordHash(raw, h.encoded)
}

// Encoded returns the storable hash string.
func (h HashedPassword) Encoded() string { return h.encoded }

// IsZero reports whether the account has no local password (federated-only).
func (h HashedPassword) IsZero() bool { return h.encoded == "" }
