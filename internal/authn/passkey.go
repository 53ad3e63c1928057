// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// ticketPurposePasskey namespaces WebAuthn session data in the ticket store.
const ticketPurposePasskey = "passkey"

// PasskeySettings configures the relying party.
type PasskeySettings struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	Timeout       time.Duration
}

// PasskeyService runs WebAuthn registration and assertion ceremonies.
//
// COSE public keys are encrypted at rest; signature counters are enforced
// strictly monotonic for authenticators that maintain one.
type PasskeyService struct {
	webAuthn *webauthn.WebAuthn
	passkeys PasskeyRepository
	users    identity.UserRepository
	tickets  *TicketStore
	cipher   *sec.FieldCipher
	events   identity.SecurityEventRecorder
	logger   *slog.Logger
}

// NewPasskeyService constructs the WebAuthn service.
func NewPasskeyService(
	settings PasskeySettings,
	passkeys PasskeyRepository,
	users identity.UserRepository,
	tickets *TicketStore,
	cipher *sec.FieldCipher,
	events identity.SecurityEventRecorder,
	logger *slog.Logger,
) (*PasskeyService, error) {
	relyingParty, err := webauthn.New(&webauthn.Config{
		RPID:          settings.RPID,
		RPDisplayName: settings.RPDisplayName,
		RPOrigins:     settings.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: settings.Timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: settings.Timeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("authn_webauthn_config_invalid: %w", err)
	}

	return &PasskeyService{
		webAuthn: relyingParty,
		passkeys: passkeys,
		users:    users,
		tickets:  tickets,
		cipher:   cipher,
		events:   events,
		logger:   logger,
	}, nil
}

// # WebAuthn User Adapter

// webauthnUser adapts the account aggregate and its stored credentials to the
// go-webauthn user contract. The user handle is the opaque external id, never
// the email, so handles leak nothing and survive email changes.
type webauthnUser struct {
	user        *identity.User
	credentials []webauthn.Credential
}

func (adapter *webauthnUser) WebAuthnID() []byte                         { return []byte(adapter.user.ExternalID) }
func (adapter *webauthnUser) WebAuthnName() string                       { return adapter.user.PrincipalName() }
func (adapter *webauthnUser) WebAuthnDisplayName() string                { return adapter.user.FullName() }
func (adapter *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return adapter.credentials }

// loadAdapter hydrates the adapter with the user's decrypted credentials.
func (service *PasskeyService) loadAdapter(ctx context.Context, user *identity.User) (*webauthnUser, error) {
	stored, err := service.passkeys.ListForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	credentials := make([]webauthn.Credential, 0, len(stored))
	for _, record := range stored {
		credential, err := service.toWebAuthnCredential(&record)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, *credential)
	}

	return &webauthnUser{user: user, credentials: credentials}, nil
}

// toWebAuthnCredential rebuilds the library credential from a stored row,
// decrypting the COSE public key.
func (service *PasskeyService) toWebAuthnCredential(record *PasskeyCredential) (*webauthn.Credential, error) {
	credentialID, err := base64.RawURLEncoding.DecodeString(record.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("authn_passkey_id_corrupt: %w", err)
	}
	publicKey, err := service.cipher.Decrypt(record.PublicKeyCiphertext)
	if err != nil {
		return nil, fmt.Errorf("authn_passkey_key_decrypt_failed: %w", err)
	}

	transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
	for _, transport := range record.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}

	return &webauthn.Credential{
		ID:              credentialID,
		PublicKey:       publicKey,
		AttestationType: record.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			UserVerified:   record.UVInitialized,
			BackupEligible: record.BackupEligible,
			BackupState:    record.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: record.SignatureCount,
		},
	}, nil
}

// # Registration Ceremony

/*
BeginRegistration opens a credential creation ceremony for an authenticated
user.

Description: Existing credentials are listed as exclusions so an authenticator
cannot be registered twice. The library session data is parked in the ticket
store under a single-use ceremony id.

Parameters:
  - ctx: context.Context
  - user: Authenticated account

Returns:
  - *protocol.CredentialCreation: Options for navigator.credentials.create
  - string: Ceremony id to round-trip to finish
  - error: Storage or ceremony errors
*/
func (service *PasskeyService) BeginRegistration(ctx context.Context, user *identity.User) (*protocol.CredentialCreation, string, error) {
	adapter, err := service.loadAdapter(ctx, user)
	if err != nil {
		return nil, "", err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(adapter.credentials))
	for _, credential := range adapter.credentials {
		exclusions = append(exclusions, credential.Descriptor())
	}

	options, sessionData, err := service.webAuthn.BeginRegistration(adapter, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, "", fmt.Errorf("authn_passkey_begin_registration_failed: %w", err)
	}

	ceremonyID, err := service.tickets.Put(ctx, ticketPurposePasskey, sessionData)
	if err != nil {
		return nil, "", err
	}

	return options, ceremonyID, nil
}

/*
FinishRegistration validates the attestation response and stores the new
credential.

Parameters:
  - ctx: context.Context
  - user: Authenticated account
  - ceremonyID: Ceremony id from BeginRegistration
  - friendlyName: User-chosen label, may be empty
  - request: HTTP request carrying the attestation response body

Returns:
  - *PasskeyCredential: Stored credential
  - error: apperr.Unauthorized on ceremony failure, Conflict on duplicate id
*/
func (service *PasskeyService) FinishRegistration(ctx context.Context, user *identity.User, ceremonyID, friendlyName string, request *http.Request) (*PasskeyCredential, error) {
	var sessionData webauthn.SessionData
	if err := service.tickets.Take(ctx, ticketPurposePasskey, ceremonyID, &sessionData); err != nil {
		return nil, err
	}

	adapter, err := service.loadAdapter(ctx, user)
	if err != nil {
		return nil, err
	}

	credential, err := service.webAuthn.FinishRegistration(adapter, sessionData, request)
	if err != nil {
		service.logger.Warn("passkey_registration_rejected",
			slog.String("principal", user.PrincipalName()), slog.String("error", err.Error()))
		return nil, apperr.Unauthorized("Passkey registration failed")
	}

	ciphertext, err := service.cipher.Encrypt(credential.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("authn_passkey_key_encrypt_failed: %w", err)
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}

	record := &PasskeyCredential{
		CredentialID:        base64.RawURLEncoding.EncodeToString(credential.ID),
		UserID:              user.ID,
		UserHandle:          user.ExternalID,
		PublicKeyCiphertext: ciphertext,
		AttestationType:     credential.AttestationType,
		Transports:          transports,
		SignatureCount:      credential.Authenticator.SignCount,
		UVInitialized:       credential.Flags.UserVerified,
		BackupEligible:      credential.Flags.BackupEligible,
		BackupState:         credential.Flags.BackupState,
		FriendlyName:        friendlyName,
	}
	if err := service.passkeys.Create(ctx, record); err != nil {
		return nil, err
	}

	service.events.RecordEvent(ctx, user.PrincipalName(), "PASSKEY_REGISTERED", record.CredentialID)
	return record, nil
}

// # Assertion Ceremony

/*
BeginLogin opens an assertion ceremony for an account identified by email.

Description: Unknown accounts and accounts without passkeys return NotFound;
the HTTP layer maps both to the same uniform error so the endpoint cannot be
used to enumerate accounts.

Parameters:
  - ctx: context.Context
  - email: Login identifier as typed

Returns:
  - *protocol.CredentialAssertion: Options for navigator.credentials.get
  - string: Ceremony id to round-trip to finish
  - error: NotFound for unknown accounts, ceremony errors otherwise
*/
func (service *PasskeyService) BeginLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error) {
	user, err := service.users.FindActiveByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil {
		return nil, "", err
	}

	adapter, err := service.loadAdapter(ctx, user)
	if err != nil {
		return nil, "", err
	}
	if len(adapter.credentials) == 0 {
		return nil, "", apperr.NotFound("Passkey")
	}

	options, sessionData, err := service.webAuthn.BeginLogin(adapter)
	if err != nil {
		return nil, "", fmt.Errorf("authn_passkey_begin_login_failed: %w", err)
	}

	ceremonyID, err := service.tickets.Put(ctx, ticketPurposePasskey, sessionData)
	if err != nil {
		return nil, "", err
	}

	return options, ceremonyID, nil
}

/*
FinishLogin validates the assertion response and enforces signature-counter
monotonicity.

Description: For authenticators that maintain a counter, the asserted count
must be strictly greater than the stored one. An equal or lower count means a
cloned credential replayed an old assertion; the attempt is rejected and
recorded. Authenticators that never increment (both counts zero) skip the
check per the WebAuthn model.

Parameters:
  - ctx: context.Context
  - email: Login identifier from BeginLogin
  - ceremonyID: Ceremony id from BeginLogin
  - request: HTTP request carrying the assertion response body

Returns:
  - *identity.User: Authenticated account
  - error: apperr.Unauthorized on any rejection
*/
func (service *PasskeyService) FinishLogin(ctx context.Context, email, ceremonyID string, request *http.Request) (*identity.User, error) {
	var sessionData webauthn.SessionData
	if err := service.tickets.Take(ctx, ticketPurposePasskey, ceremonyID, &sessionData); err != nil {
		return nil, err
	}

	user, err := service.users.FindActiveByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil {
		return nil, apperr.Unauthorized("Passkey authentication failed")
	}
	adapter, err := service.loadAdapter(ctx, user)
	if err != nil {
		return nil, err
	}

	credential, err := service.webAuthn.FinishLogin(adapter, sessionData, request)
	if err != nil {
		service.logger.Warn("passkey_assertion_rejected",
			slog.String("principal", user.PrincipalName()), slog.String("error", err.Error()))
		return nil, apperr.Unauthorized("Passkey authentication failed")
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)
	stored, err := service.passkeys.FindByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, apperr.Unauthorized("Passkey authentication failed")
	}

	if err := validateSignatureCount(stored.SignatureCount, credential.Authenticator.SignCount); err != nil {
		service.logger.Warn("passkey_replay_detected",
			slog.String("principal", user.PrincipalName()),
			slog.String("credential_id", credentialID),
			slog.Uint64("stored", uint64(stored.SignatureCount)),
			slog.Uint64("asserted", uint64(credential.Authenticator.SignCount)),
		)
		service.events.RecordEvent(ctx, user.PrincipalName(), "PASSKEY_REPLAY",
			fmt.Sprintf("credential %s signature count regressed", credentialID))
		return nil, apperr.Unauthorized("Passkey authentication failed")
	}

	if credential.Authenticator.SignCount > 0 {
		if err := service.passkeys.UpdateSignatureCount(ctx, credentialID, credential.Authenticator.SignCount, time.Now()); err != nil {
			// A lost race with a concurrent assertion; treat like a replay.
			return nil, apperr.Unauthorized("Passkey authentication failed")
		}
	}

	return user, nil
}

// validateSignatureCount enforces strict counter monotonicity. Both counts at
// zero means the authenticator does not maintain a counter; any other equal or
// regressed value is a cloned-credential replay.
func validateSignatureCount(stored, asserted uint32) error {
	if stored == 0 && asserted == 0 {
		return nil
	}
	if asserted > stored {
		return nil
	}
	return fmt.Errorf("authn_passkey_counter_regressed: stored=%d asserted=%d", stored, asserted)
}

// # Credential Management

// ListPasskeys returns a user's registered credentials.
func (service *PasskeyService) ListPasskeys(ctx context.Context, userID int64) ([]PasskeyCredential, error) {
	return service.passkeys.ListForUser(ctx, userID)
}

// RenamePasskey relabels one credential the user owns.
func (service *PasskeyService) RenamePasskey(ctx context.Context, userID int64, credentialID, friendlyName string) error {
	return service.passkeys.Rename(ctx, userID, credentialID, friendlyName)
}

// RemovePasskey deletes one credential the user owns.
func (service *PasskeyService) RemovePasskey(ctx context.Context, userID int64, credentialID string) error {
	return service.passkeys.Delete(ctx, userID, credentialID)
}

// DeletePasskeysForUser is the account-deletion cascade entry.
func (service *PasskeyService) DeletePasskeysForUser(ctx context.Context, userID int64) error {
	return service.passkeys.DeleteAllForUser(ctx, userID)
}
