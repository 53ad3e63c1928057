// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/taibuivan/veyra/internal/cache"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	"github.com/taibuivan/veyra/internal/platform/ctxutil"
	"github.com/taibuivan/veyra/internal/platform/retry"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/pagination"
	"github.com/taibuivan/veyra/pkg/pointer"
)

// # Contracts & Types

// RegistrationGate is the risk-engine pre-flight for account creation:
// rate-limit and CAPTCHA verification before any persistence happens.
type RegistrationGate interface {
	CheckRegistration(ctx context.Context, ip, captchaToken string) error
}

// DeviceInfo describes the client device observed during a successful login.
type DeviceInfo struct {
	FingerprintHash string
	DeviceName      string
	IPAddress       string
	Country         string
	BrowserInfo     string
	Source          string
}

// DeviceRecorder upserts device fingerprints on successful logins.
type DeviceRecorder interface {
	RecordLoginDevice(ctx context.Context, userID int64, info DeviceInfo) error
}

// SecurityEventRecorder appends entries to the security audit trail.
type SecurityEventRecorder interface {
	RecordEvent(ctx context.Context, principalName, kind, detail string)
}

// LockoutSettings carries the account-lockout policy knobs.
type LockoutSettings struct {
	Threshold int
	Duration  time.Duration
}

// Account token sizing.
const (
	resetTokenBytes        = 32
	verificationTokenBytes = 32
	resetTokenTTL          = 30 * time.Minute
	verificationTokenTTL   = 24 * time.Hour
)

// Service implements the account manager use cases.
//
// # Review Process
//
// This service is critical for security. Any changes to password handling,
// lockout bookkeeping, or the invalidation cascades must be reviewed by the
// security team.
type Service struct {
	userRepository     UserRepository
	roleRepository     RoleRepository
	resetTokens        TokenIssueRepository
	verificationTokens TokenIssueRepository
	policy             *PasswordPolicy
	blindIndexer       *sec.BlindIndexer
	fieldCipher        *sec.FieldCipher
	sessions           SessionInvalidator
	grants             GrantRevoker
	rememberMe         RememberMeRevoker
	credentials        CredentialCascader
	devices            DeviceRecorder
	events             SecurityEventRecorder
	registrationGate   RegistrationGate
	readCache          *cache.Cache
	lockout            LockoutSettings
	defaultPhoneRegion string
	logger             *slog.Logger
}

// ServiceDeps bundles the constructor dependencies for [Service].
type ServiceDeps struct {
	Users              UserRepository
	Roles              RoleRepository
	ResetTokens        TokenIssueRepository
	VerificationTokens TokenIssueRepository
	Policy             *PasswordPolicy
	BlindIndexer       *sec.BlindIndexer
	FieldCipher        *sec.FieldCipher
	Sessions           SessionInvalidator
	Grants             GrantRevoker
	RememberMe         RememberMeRevoker
	Credentials        CredentialCascader
	Devices            DeviceRecorder
	Events             SecurityEventRecorder
	RegistrationGate   RegistrationGate
	Cache              *cache.Cache
	Lockout            LockoutSettings
	DefaultPhoneRegion string
	Logger             *slog.Logger
}

// NewService constructs the account manager.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		userRepository:     deps.Users,
		roleRepository:     deps.Roles,
		resetTokens:        deps.ResetTokens,
		verificationTokens: deps.VerificationTokens,
		policy:             deps.Policy,
		blindIndexer:       deps.BlindIndexer,
		fieldCipher:        deps.FieldCipher,
		sessions:           deps.Sessions,
		grants:             deps.Grants,
		rememberMe:         deps.RememberMe,
		credentials:        deps.Credentials,
		devices:            deps.Devices,
		events:             deps.Events,
		registrationGate:   deps.RegistrationGate,
		readCache:          deps.Cache,
		lockout:            deps.Lockout,
		defaultPhoneRegion: deps.DefaultPhoneRegion,
		logger:             deps.Logger,
	}
}

// actorFrom resolves the audit actor from the ambient security context.
func actorFrom(ctx context.Context) string {
	if claims := ctxutil.GetAuthUser(ctx); claims != nil {
		return claims.Subject
	}
	return "system"
}

// # Registration

// CreateUserInput holds the data required to enroll a new account.
type CreateUserInput struct {
	GivenName  string
	MiddleName string
	FamilyName string
	Nickname   string

	Email         string
	RecoveryEmail string
	Phone         string
	PictureURL    string

	// Password is optional: federated accounts may be provisioned without
	// a local credential.
	Password string

	CaptchaToken string
	IPAddress    string
}

/*
CreateUser validates, hashes, and persists a brand new user account.

Description: Risk pre-flight runs first, then uniqueness checks (primary
email; recovery email by blind index; recovery != primary), then password
policy. The default role is granted after the row exists, and a verification
token is issued as a best-effort side effect.

Parameters:
  - ctx: context.Context
  - input: CreateUserInput

Returns:
  - *User: Created aggregate
  - error: Validation, Conflict, or storage errors
*/
func (service *Service) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {

	// Risk-engine pre-flight: rate limit + CAPTCHA when required.
	if service.registrationGate != nil {
		if err := service.registrationGate.CheckRegistration(ctx, input.IPAddress, input.CaptchaToken); err != nil {
			return nil, err
		}
	}

	email, err := NewEmailAddress(input.Email)
	if err != nil {
		return nil, err
	}

	// Verify primary email uniqueness. Return a client-safe Conflict err.
	exists, err := service.userRepository.ExistsByEmail(ctx, email.Normalized())
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.Conflict("Email is already registered")
	}

	user := &User{
		GivenName:       input.GivenName,
		MiddleName:      input.MiddleName,
		FamilyName:      input.FamilyName,
		Nickname:        input.Nickname,
		Email:           email.String(),
		EmailNormalized: email.Normalized(),
		PictureURL:      input.PictureURL,
		Status:          NewAccountStatus(),
		CreatedBy:       actorFrom(ctx),
		LastModifiedBy:  actorFrom(ctx),
	}

	if input.Password != "" {
		if err := service.policy.Validate(ctx, input.Password); err != nil {
			return nil, err
		}
		hashed, err := NewHashedPassword(input.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = pointer.To(hashed.Encoded())
		now := time.Now()
		user.Status.LastPasswordChangeAt = &now
	}

	if input.RecoveryEmail != "" {
		if err := service.applyRecoveryEmail(ctx, user, input.RecoveryEmail); err != nil {
			return nil, err
		}
	}

	if input.Phone != "" {
		phone, err := NewPhoneNumber(input.Phone, service.defaultPhoneRegion)
		if err != nil {
			return nil, err
		}
		user.Phone = pointer.To(phone.String())
	}

	// Opaque external identity, doubling as the WebAuthn user handle.
	externalID, err := sec.GenerateExternalID(constants.ExternalIDBytes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user.ExternalID = externalID

	if err := service.userRepository.Create(ctx, user); err != nil {
		return nil, err
	}

	// Default role grant. A deployment without ROLE_USER is broken, so this
	// failure is not swallowed.
	defaultRole, err := service.roleRepository.FindByName(ctx, RoleUser)
	if err != nil {
		return nil, err
	}
	if err := service.roleRepository.AssignRole(ctx, user.ID, defaultRole.ID, actorFrom(ctx)); err != nil {
		return nil, err
	}

	// Verification token as an async-ready side effect.
	token, err := sec.GenerateSecureToken(verificationTokenBytes)
	if err == nil {
		_ = service.verificationTokens.Set(ctx, token, user.ID, verificationTokenTTL)
		// TODO: hand the verification link to the mail dispatcher once the
		// delivery collaborator is wired.
	}

	if service.events != nil {
		service.events.RecordEvent(ctx, user.PrincipalName(), "USER_CREATED", "account provisioned")
	}

	return user, nil
}

// applyRecoveryEmail validates, deduplicates, encrypts, and indexes a
// recovery email onto the aggregate.
func (service *Service) applyRecoveryEmail(ctx context.Context, user *User, raw string) error {
	recovery, err := NewEmailAddress(raw)
	if err != nil {
		return err
	}

	// Case-insensitive comparison: a recovery address differing only in
	// case from the primary is still the same mailbox.
	if recovery.Normalized() == user.EmailNormalized {
		return apperr.ValidationError("Recovery email must differ from the primary email")
	}

	blindIndex := service.blindIndexer.Email(recovery.Normalized())
	taken, err := service.userRepository.ExistsByRecoveryEmailIndex(ctx, blindIndex, user.ID)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("Recovery email is already in use")
	}

	ciphertext, err := service.fieldCipher.EncryptString(recovery.String())
	if err != nil {
		return apperr.Internal(err)
	}

	user.RecoveryEmailCiphertext = &ciphertext
	user.RecoveryEmailIndex = &blindIndex
	return nil
}

// # Profile Management

// UpdateProfileInput carries partial-update semantics: a nil field means
// "no change", an empty string means "clear".
type UpdateProfileInput struct {
	GivenName     *string
	MiddleName    *string
	FamilyName    *string
	Nickname      *string
	Phone         *string
	PictureURL    *string
	RecoveryEmail *string
}

/*
UpdateUserProfile applies a partial profile update.

Description: Each non-nil field is applied; an empty string clears the
attribute. Recovery-email changes re-run the blind-index uniqueness probe
excluding the caller's own row. If the patch produces no difference the
entity is returned unchanged without a write.

Parameters:
  - ctx: context.Context
  - userID: Internal user id
  - patch: UpdateProfileInput

Returns:
  - *User: Updated (or unchanged) aggregate
  - error: Validation, Conflict, or storage errors
*/
func (service *Service) UpdateUserProfile(ctx context.Context, userID int64, patch UpdateProfileInput) (*User, error) {
	var updated *User

	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}

		changed := false
		applyString := func(target *string, value *string) {
			if value != nil && *target != *value {
				*target = *value
				changed = true
			}
		}

		applyString(&user.GivenName, patch.GivenName)
		applyString(&user.MiddleName, patch.MiddleName)
		applyString(&user.FamilyName, patch.FamilyName)
		applyString(&user.Nickname, patch.Nickname)
		applyString(&user.PictureURL, patch.PictureURL)

		if patch.Phone != nil {
			if *patch.Phone == "" {
				if user.Phone != nil {
					user.Phone = nil
					changed = true
				}
			} else {
				phone, err := NewPhoneNumber(*patch.Phone, service.defaultPhoneRegion)
				if err != nil {
					return err
				}
				if user.Phone == nil || *user.Phone != phone.String() {
					user.Phone = pointer.To(phone.String())
					changed = true
				}
			}
		}

		if patch.RecoveryEmail != nil {
			if *patch.RecoveryEmail == "" {
				if user.RecoveryEmailCiphertext != nil {
					user.RecoveryEmailCiphertext = nil
					user.RecoveryEmailIndex = nil
					changed = true
				}
			} else {
				previousIndex := pointer.Val(user.RecoveryEmailIndex)
				if err := service.applyRecoveryEmail(ctx, user, *patch.RecoveryEmail); err != nil {
					return err
				}
				if pointer.Val(user.RecoveryEmailIndex) != previousIndex {
					changed = true
				}
			}
		}

		if !changed {
			updated = user
			return nil
		}

		user.LastModifiedBy = actorFrom(ctx)
		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}

		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	service.invalidateUserCache(ctx, updated)
	return updated, nil
}

// # Password Management

/*
ChangeUserPassword is the self-service credential rotation.

Description: Verifies the old password, rejects reuse of the current one,
applies policy, persists, and invalidates every session for the principal
EXCEPT the current one. Session-invalidation failures are logged and never
fail the operation. Outstanding OAuth2 authorizations survive a self-service
change.

Parameters:
  - ctx: context.Context (carries the current session id)
  - userID: Internal user id
  - oldRaw: Current password
  - newRaw: Candidate password

Returns:
  - error: Unauthorized, Validation, or storage errors
*/
func (service *Service) ChangeUserPassword(ctx context.Context, userID int64, oldRaw, newRaw string) error {
	var principal string

	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}

		if !user.HasPassword() || !HashedPasswordFromEncoded(*user.PasswordHash).Matches(oldRaw) {
			return apperr.Unauthorized("Current password is incorrect")
		}
		if oldRaw == newRaw {
			return apperr.ValidationError("New password must differ from the current password")
		}
		if err := service.policy.Validate(ctx, newRaw); err != nil {
			return err
		}

		hashed, err := NewHashedPassword(newRaw)
		if err != nil {
			return err
		}

		now := time.Now()
		user.PasswordHash = pointer.To(hashed.Encoded())
		user.Status.LastPasswordChangeAt = &now
		user.LastModifiedBy = actorFrom(ctx)

		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		principal = user.PrincipalName()
		return nil
	})
	if err != nil {
		return err
	}

	// Keep the device the user is typing on signed in; evict everything else.
	currentSession := ctxutil.GetSessionID(ctx)
	if err := service.sessions.InvalidatePrincipal(ctx, principal, currentSession); err != nil {
		service.logger.Warn("password_change_session_invalidation_failed",
			slog.String("principal", principal),
			slog.String("error", err.Error()),
		)
	}
	if err := service.rememberMe.RevokeAllForUser(ctx, principal); err != nil {
		service.logger.Warn("password_change_remember_me_revocation_failed",
			slog.String("principal", principal),
			slog.String("error", err.Error()),
		)
	}

	if service.events != nil {
		service.events.RecordEvent(ctx, principal, "PASSWORD_CHANGED", "self-service")
	}
	return nil
}

/*
AdminChangeUserPassword rotates a credential on behalf of a user.

Description: No old-password verification. Unlike the self-service path,
an admin-driven change also revokes every outstanding OAuth2 authorization
for the principal, since the admin may be responding to a compromise.

Parameters:
  - ctx: context.Context (caller must hold admin authority; enforced at the edge)
  - userID: Internal user id
  - newRaw: Replacement password

Returns:
  - error: Validation or storage errors
*/
func (service *Service) AdminChangeUserPassword(ctx context.Context, userID int64, newRaw string) error {
	var principal string

	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}

		if err := service.policy.Validate(ctx, newRaw); err != nil {
			return err
		}
		hashed, err := NewHashedPassword(newRaw)
		if err != nil {
			return err
		}

		now := time.Now()
		user.PasswordHash = pointer.To(hashed.Encoded())
		user.Status.LastPasswordChangeAt = &now
		user.LastModifiedBy = actorFrom(ctx)

		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		principal = user.PrincipalName()
		return nil
	})
	if err != nil {
		return err
	}

	service.forceReauthentication(ctx, principal, "ADMIN_PASSWORD_CHANGE")
	return nil
}

// AdminChangeUserPasswordByUsername resolves the principal name first, then
// delegates to [Service.AdminChangeUserPassword].
func (service *Service) AdminChangeUserPasswordByUsername(ctx context.Context, principalName, newRaw string) error {
	user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(principalName))
	if err != nil {
		return err
	}
	return service.AdminChangeUserPassword(ctx, user.ID, newRaw)
}

// # Password Recovery (token flows)

/*
RequestPasswordReset initiates the forgot-password flow.

Description: Generates a single-use token bound to the account. A lookup
miss returns an empty token with no error so the endpoint cannot be used
for account enumeration.

Parameters:
  - ctx: context.Context
  - email: Claimed account email

Returns:
  - string: Reset token (empty when the account does not exist)
  - error: Generation or storage errors
*/
func (service *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", nil
	}

	token, err := sec.GenerateSecureToken(resetTokenBytes)
	if err != nil {
		return "", apperr.Internal(err)
	}

	if err := service.resetTokens.Set(ctx, token, user.ID, resetTokenTTL); err != nil {
		return "", err
	}

	return token, nil
}

/*
ResetPassword completes the forgot-password flow.

Description: Consumes the token, applies policy, persists the new hash, and
invalidates EVERY session and remember-me series for the principal (no
current-session exception: the caller proved token possession, not an
existing session).

Parameters:
  - ctx: context.Context
  - token: Reset token from the delivery channel
  - newRaw: Replacement password

Returns:
  - error: NotFound (invalid token), Validation, or storage errors
*/
func (service *Service) ResetPassword(ctx context.Context, token, newRaw string) error {
	userID, err := service.resetTokens.Get(ctx, token)
	if err != nil {
		return err
	}

	var principal string
	err = retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}

		if err := service.policy.Validate(ctx, newRaw); err != nil {
			return err
		}
		hashed, err := NewHashedPassword(newRaw)
		if err != nil {
			return err
		}

		now := time.Now()
		user.PasswordHash = pointer.To(hashed.Encoded())
		user.Status.LastPasswordChangeAt = &now
		user.LastModifiedBy = user.PrincipalName()

		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		principal = user.PrincipalName()
		return nil
	})
	if err != nil {
		return err
	}

	_ = service.resetTokens.Delete(ctx, token)

	if err := service.sessions.InvalidatePrincipal(ctx, principal, ""); err != nil {
		service.logger.Warn("password_reset_session_invalidation_failed",
			slog.String("principal", principal),
			slog.String("error", err.Error()),
		)
	}
	_ = service.rememberMe.RevokeAllForUser(ctx, principal)

	if service.events != nil {
		service.events.RecordEvent(ctx, principal, "PASSWORD_RESET", "token flow")
	}
	return nil
}

// VerifyEmail confirms ownership of the primary email via a single-use token.
func (service *Service) VerifyEmail(ctx context.Context, token string) error {
	userID, err := service.verificationTokens.Get(ctx, token)
	if err != nil {
		return err
	}

	err = retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.EmailVerified {
			return nil
		}
		user.EmailVerified = true
		user.LastModifiedBy = user.PrincipalName()
		return service.userRepository.Update(ctx, user)
	})
	if err != nil {
		return err
	}

	_ = service.verificationTokens.Delete(ctx, token)
	return nil
}

// # Administrative State Changes

// AdminUnlockUser clears the lockout timer and the failure counter.
func (service *Service) AdminUnlockUser(ctx context.Context, userID int64) error {
	return retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		user.Unlock()
		user.LastModifiedBy = actorFrom(ctx)
		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		service.invalidateUserCache(ctx, user)
		return nil
	})
}

// AdminSetUserEnabled toggles the enabled flag. Disabling also forces
// re-authentication so existing sessions cannot outlive the decision.
func (service *Service) AdminSetUserEnabled(ctx context.Context, userID int64, enabled bool) error {
	var principal string

	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.Status.Enabled == enabled {
			principal = user.PrincipalName()
			return nil
		}
		user.Status.Enabled = enabled
		user.LastModifiedBy = actorFrom(ctx)
		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		principal = user.PrincipalName()
		return nil
	})
	if err != nil {
		return err
	}

	if !enabled {
		service.forceReauthentication(ctx, principal, "ACCOUNT_DISABLED")
	}
	return nil
}

// # Role Management

/*
AppendRole grants a role to a user and forces re-authentication.

Description: After the grant, every session, OAuth2 authorization, consent,
and remember-me series for the principal is invalidated so the next token
carries the fresh authority set.

Parameters:
  - ctx: context.Context
  - userID: Internal user id
  - roleName: Stored role name (e.g. "ROLE_ADMIN")

Returns:
  - error: NotFound or storage errors
*/
func (service *Service) AppendRole(ctx context.Context, userID int64, roleName string) error {
	user, err := service.userRepository.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	role, err := service.roleRepository.FindByName(ctx, roleName)
	if err != nil {
		return err
	}

	if err := service.roleRepository.AssignRole(ctx, userID, role.ID, actorFrom(ctx)); err != nil {
		return err
	}

	service.forceReauthentication(ctx, user.PrincipalName(), "ROLE_GRANTED")
	return nil
}

// RevokeRole removes a role grant and forces re-authentication, exactly like
// [Service.AppendRole].
func (service *Service) RevokeRole(ctx context.Context, userID int64, roleName string) error {
	user, err := service.userRepository.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	role, err := service.roleRepository.FindByName(ctx, roleName)
	if err != nil {
		return err
	}

	if err := service.roleRepository.RemoveRole(ctx, userID, role.ID); err != nil {
		return err
	}

	service.forceReauthentication(ctx, user.PrincipalName(), "ROLE_REVOKED")
	return nil
}

// forceReauthentication runs the full invalidation cascade for a principal:
// sessions, OAuth2 authorizations, consents, and remember-me series.
// Individual failures are logged; the cascade continues regardless.
func (service *Service) forceReauthentication(ctx context.Context, principalName, reason string) {
	if err := service.sessions.InvalidatePrincipal(ctx, principalName, ""); err != nil {
		service.logger.Warn("cascade_session_invalidation_failed",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	}
	if err := service.grants.RevokeAllForPrincipal(ctx, principalName); err != nil {
		service.logger.Warn("cascade_grant_revocation_failed",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	}
	if err := service.grants.DeleteConsentsForPrincipal(ctx, principalName); err != nil {
		service.logger.Warn("cascade_consent_deletion_failed",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	}
	if err := service.rememberMe.RevokeAllForUser(ctx, principalName); err != nil {
		service.logger.Warn("cascade_remember_me_revocation_failed",
			slog.String("principal", principalName), slog.String("error", err.Error()))
	}

	if service.readCache != nil {
		_ = service.readCache.Delete(ctx, cache.RegionUsers, principalName)
		_ = service.readCache.Delete(ctx, cache.RegionRoles, principalName)
	}

	if service.events != nil {
		service.events.RecordEvent(ctx, principalName, reason, "forced re-authentication")
	}
}

// # Account Deletion

/*
DeleteUserAccount soft-deletes an account with the full tombstone cascade.

Description: The row is stamped deletedAt and disabled; passkeys and device
fingerprints are removed; OAuth2 authorizations and consents are revoked;
remember-me series are purged; sessions are invalidated. Cascade failures
after the soft delete are logged, not surfaced: the account is already gone
from auth lookups.

Parameters:
  - ctx: context.Context
  - userID: Internal user id

Returns:
  - error: NotFound or storage errors on the primary soft delete
*/
func (service *Service) DeleteUserAccount(ctx context.Context, userID int64) error {
	user, err := service.userRepository.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := service.userRepository.SoftDelete(ctx, userID, actorFrom(ctx), time.Now()); err != nil {
		return err
	}

	if err := service.credentials.DeletePasskeysForUser(ctx, userID); err != nil {
		service.logger.Warn("delete_cascade_passkeys_failed",
			slog.Int64("user_id", userID), slog.String("error", err.Error()))
	}
	if err := service.credentials.DeactivateFingerprintsForUser(ctx, userID); err != nil {
		service.logger.Warn("delete_cascade_fingerprints_failed",
			slog.Int64("user_id", userID), slog.String("error", err.Error()))
	}

	service.forceReauthentication(ctx, user.PrincipalName(), "ACCOUNT_DELETED")
	return nil
}

// # Login Bookkeeping

/*
HandleFailedLogin records an authentication failure on the account.

Description: The write is retried on optimistic-lock conflicts (concurrent
failures racing to bump the counter) and NEVER fails the caller: login
processing must return its uniform error regardless of bookkeeping success.

Parameters:
  - ctx: context.Context
  - identifier: Login identifier as typed (normalized internally)
*/
func (service *Service) HandleFailedLogin(ctx context.Context, identifier string) {
	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(identifier))
		if err != nil {
			// Unknown identifier: nothing to record against an account.
			return nil
		}

		wasLocked := user.Status.IsLockedAt(time.Now())
		user.RecordFailedLogin(service.lockout.Threshold, service.lockout.Duration, time.Now())
		user.LastModifiedBy = "system"

		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}

		if !wasLocked && user.Status.IsLockedAt(time.Now()) && service.events != nil {
			service.events.RecordEvent(ctx, user.PrincipalName(), "ACCOUNT_LOCKED",
				"failed-login threshold reached")
		}
		service.invalidateUserCache(ctx, user)
		return nil
	})
	if err != nil {
		service.logger.Warn("failed_login_bookkeeping_failed",
			slog.String("identifier", NormalizeEmail(identifier)),
			slog.String("error", err.Error()),
		)
	}
}

/*
HandleSuccessfulLogin resets failure bookkeeping and records the device.

Description: The counter reset only writes when there is something to reset
(a non-zero counter or an expired lock), keeping the hot path write-free.
Device-fingerprint recording is delegated to the risk engine and is
non-fatal.

Parameters:
  - ctx: context.Context
  - identifier: Login identifier as typed
  - device: Device observation, or nil when fingerprinting is unavailable
*/
func (service *Service) HandleSuccessfulLogin(ctx context.Context, identifier string, device *DeviceInfo) {
	var userID int64

	err := retry.OnVersionConflict(ctx, func(ctx context.Context) error {
		user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(identifier))
		if err != nil {
			return err
		}
		userID = user.ID

		needsWrite := user.Status.FailedLoginAttempts > 0 ||
			!user.Status.AccountNonLocked ||
			user.Status.LastLoginAt == nil ||
			time.Since(*user.Status.LastLoginAt) > time.Minute

		if !needsWrite {
			return nil
		}

		user.RecordSuccessfulLogin(time.Now())
		user.LastModifiedBy = "system"
		if err := service.userRepository.Update(ctx, user); err != nil {
			return err
		}
		service.invalidateUserCache(ctx, user)
		return nil
	})
	if err != nil {
		service.logger.Warn("successful_login_bookkeeping_failed",
			slog.String("identifier", NormalizeEmail(identifier)),
			slog.String("error", err.Error()),
		)
		return
	}

	if device != nil && service.devices != nil {
		if err := service.devices.RecordLoginDevice(ctx, userID, *device); err != nil {
			service.logger.Warn("device_fingerprint_upsert_failed",
				slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}
	}
}

// # Reads

/*
GetCurrentUser resolves the authenticated principal to its full aggregate.

Description: The ambient claims carry the subject (principal name). Local
accounts resolve by normalized email; email-less federated principals fall
back to the upstream subject lookup.

Parameters:
  - ctx: context.Context (must carry authenticated claims)

Returns:
  - *User: Current account
  - error: Unauthorized when anonymous; NotFound when the account vanished
*/
func (service *Service) GetCurrentUser(ctx context.Context) (*User, error) {
	claims := ctxutil.GetAuthUser(ctx)
	if claims == nil {
		return nil, apperr.Unauthorized("Authentication required")
	}

	user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(claims.Subject))
	if err == nil {
		return user, nil
	}
	return service.userRepository.FindByAuthSubjectID(ctx, claims.Subject)
}

// GetUserByPrincipal resolves a principal name through the read cache.
// Hot path for token minting and introspection enrichment.
func (service *Service) GetUserByPrincipal(ctx context.Context, principalName string) (*User, error) {
	if service.readCache == nil {
		return service.lookupPrincipal(ctx, principalName)
	}
	return cache.LoadOrCompute(ctx, service.readCache, cache.RegionUsers, principalName,
		func(ctx context.Context) (*User, error) {
			return service.lookupPrincipal(ctx, principalName)
		})
}

// lookupPrincipal is the uncached principal resolution.
func (service *Service) lookupPrincipal(ctx context.Context, principalName string) (*User, error) {
	user, err := service.userRepository.FindActiveByEmail(ctx, NormalizeEmail(principalName))
	if err == nil {
		return user, nil
	}
	return service.userRepository.FindByAuthSubjectID(ctx, principalName)
}

// RolesForUser resolves the user's direct roles through the read cache.
func (service *Service) RolesForUser(ctx context.Context, user *User) ([]Role, error) {
	if service.readCache == nil {
		return service.roleRepository.FindRolesForUser(ctx, user.ID)
	}
	return cache.LoadOrCompute(ctx, service.readCache, cache.RegionRoles, user.PrincipalName(),
		func(ctx context.Context) ([]Role, error) {
			return service.roleRepository.FindRolesForUser(ctx, user.ID)
		})
}

// EffectivePermissions resolves the transitive permission set.
func (service *Service) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	return service.roleRepository.FindEffectivePermissions(ctx, userID)
}

// ListUsers returns a paginated admin listing.
func (service *Service) ListUsers(ctx context.Context, params pagination.Params) ([]User, pagination.Meta, error) {
	users, total, err := service.userRepository.List(ctx, params)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return users, pagination.NewMeta(params.Page, params.Limit, total), nil
}

// GetUserByExternalID resolves the opaque public identifier.
func (service *Service) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return service.userRepository.FindByExternalID(ctx, externalID)
}

// RecoveryEmail decrypts the recovery address for account-owner display.
func (service *Service) RecoveryEmail(user *User) (string, error) {
	if user.RecoveryEmailCiphertext == nil {
		return "", nil
	}
	return service.fieldCipher.DecryptString(*user.RecoveryEmailCiphertext)
}

// invalidateUserCache drops the cached aggregate and role set after a write.
func (service *Service) invalidateUserCache(ctx context.Context, user *User) {
	if service.readCache == nil {
		return
	}
	_ = service.readCache.Delete(ctx, cache.RegionUsers, user.PrincipalName())
	_ = service.readCache.Delete(ctx, cache.RegionRoles, user.PrincipalName())
}
