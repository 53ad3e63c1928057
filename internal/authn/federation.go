// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/pointer"
)

// ticketPurposeFederation namespaces state/nonce pairs in the ticket store.
const ticketPurposeFederation = "federation"

const federationNonceBytes = 16

// FederationSettings configures the upstream OpenID Connect provider.
type FederationSettings struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// EmailsURL is an optional provider endpoint listing the account's email
	// addresses, for providers that omit email from the ID token.
	EmailsURL string
}

// UpstreamClaims is the identity extracted from an upstream provider.
type UpstreamClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	Nickname      string
	Picture       string
}

// federationTicket is the per-redirect ceremony state.
type federationTicket struct {
	Nonce string `json:"nonce"`
}

// FederationService runs the upstream code flow and links upstream identities
// to local accounts.
type FederationService struct {
	oauthConfig oauth2.Config
	verifier    *oidc.IDTokenVerifier
	emailsURL   string
	tickets     *TicketStore
	linker      *accountLinker
	logger      *slog.Logger
}

/*
NewFederationService discovers the upstream provider and constructs the
federation service.

Parameters:
  - ctx: context.Context for provider discovery
  - settings: Upstream provider configuration
  - users: User persistence port
  - roles: Role persistence port
  - tickets: Single-use ceremony store
  - events: Audit trail recorder
  - logger: Structured logger

Returns:
  - *FederationService: Ready service
  - error: Discovery failures
*/
func NewFederationService(
	ctx context.Context,
	settings FederationSettings,
	users identity.UserRepository,
	roles identity.RoleRepository,
	tickets *TicketStore,
	events identity.SecurityEventRecorder,
	logger *slog.Logger,
) (*FederationService, error) {
	provider, err := oidc.NewProvider(ctx, settings.Issuer)
	if err != nil {
		return nil, fmt.Errorf("authn_upstream_discovery_failed: %w", err)
	}

	return &FederationService{
		oauthConfig: oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       settings.Scopes,
		},
		verifier:  provider.Verifier(&oidc.Config{ClientID: settings.ClientID}),
		emailsURL: settings.EmailsURL,
		tickets:   tickets,
		linker:    &accountLinker{users: users, roles: roles, events: events, logger: logger},
		logger:    logger,
	}, nil
}

/*
BeginLogin prepares a redirect to the upstream provider.

Description: A fresh nonce is parked under a single-use state ticket; the
callback consumes the ticket, so a state value can never be replayed.

Parameters:
  - ctx: context.Context

Returns:
  - string: Authorization URL to redirect the browser to
  - error: Generation or storage errors
*/
func (service *FederationService) BeginLogin(ctx context.Context) (string, error) {
	nonce, err := sec.GenerateSecureToken(federationNonceBytes)
	if err != nil {
		return "", fmt.Errorf("authn_federation_nonce_failed: %w", err)
	}

	state, err := service.tickets.Put(ctx, ticketPurposeFederation, federationTicket{Nonce: nonce})
	if err != nil {
		return "", err
	}

	return service.oauthConfig.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

/*
HandleCallback finishes the upstream code flow and resolves the local account.

Description: The state ticket is consumed, the code exchanged, and the ID
token verified including its nonce. Providers that omit email from the ID
token fall back to the emails endpoint. The resulting claims are linked per
the subject-then-email algorithm.

Parameters:
  - ctx: context.Context
  - state: State parameter from the callback
  - code: Authorization code from the callback

Returns:
  - *identity.User: Linked or provisioned local account
  - error: apperr.Unauthorized on ceremony failures, Conflict on link conflicts
*/
func (service *FederationService) HandleCallback(ctx context.Context, state, code string) (*identity.User, error) {
	var ticket federationTicket
	if err := service.tickets.Take(ctx, ticketPurposeFederation, state, &ticket); err != nil {
		return nil, err
	}

	token, err := service.oauthConfig.Exchange(ctx, code)
	if err != nil {
		service.logger.Warn("upstream_code_exchange_failed", slog.String("error", err.Error()))
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}
	idToken, err := service.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		service.logger.Warn("upstream_id_token_invalid", slog.String("error", err.Error()))
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}
	if idToken.Nonce != ticket.Nonce {
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}

	var raw struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Nickname      string `json:"nickname"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&raw); err != nil {
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}

	claims := UpstreamClaims{
		Subject:       idToken.Subject,
		Email:         raw.Email,
		EmailVerified: raw.EmailVerified,
		GivenName:     raw.GivenName,
		FamilyName:    raw.FamilyName,
		Nickname:      raw.Nickname,
		Picture:       raw.Picture,
	}

	if claims.Email == "" && service.emailsURL != "" {
		claims.Email = service.fetchPrimaryEmail(ctx, token)
		claims.EmailVerified = claims.Email != ""
	}

	return service.linker.Link(ctx, claims)
}

// fetchPrimaryEmail queries the provider's emails endpoint (GitHub style:
// a JSON array of {email, primary, verified}) for a verified primary address.
// An empty result leaves the claims without an email, which the linker
// rejects.
func (service *FederationService) fetchPrimaryEmail(ctx context.Context, token *oauth2.Token) string {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, service.emailsURL, nil)
	if err != nil {
		return ""
	}

	response, err := service.oauthConfig.Client(ctx, token).Do(request)
	if err != nil {
		service.logger.Warn("upstream_emails_fetch_failed", slog.String("error", err.Error()))
		return ""
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return ""
	}

	var entries []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(response.Body).Decode(&entries); err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry.Primary && entry.Verified && !isPlaceholderEmail(entry.Email) {
			return entry.Email
		}
	}
	for _, entry := range entries {
		if entry.Verified && !isPlaceholderEmail(entry.Email) {
			return entry.Email
		}
	}
	return ""
}

// isPlaceholderEmail rejects provider-synthesized addresses that do not reach
// a real mailbox. Attaching one to an account would collide principals and
// break password recovery.
func isPlaceholderEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return true
	}
	domain := strings.ToLower(email[at+1:])

	switch {
	case strings.Contains(domain, "noreply"), strings.Contains(domain, "no-reply"):
		return true
	case strings.HasSuffix(domain, ".invalid"), strings.HasSuffix(domain, ".local"), domain == "example.com":
		return true
	}
	return false
}

// # Account Linking

// accountLinker resolves upstream claims to local accounts. Split from the
// transport so the linking rules are testable without a live provider.
type accountLinker struct {
	users  identity.UserRepository
	roles  identity.RoleRepository
	events identity.SecurityEventRecorder
	logger *slog.Logger
}

/*
Link resolves upstream claims to a local account.

Description: Resolution order is subject first, then verified email, then
provisioning. A subject match resolves the account and syncs its mutable
profile from the claims. An email match attaches the subject to the existing
account when it has none; an account already bound to a different subject is
a hard Conflict — the email owner must sign in locally and link explicitly.
No match provisions a new account with the upstream profile;
upstream-asserted emails count as verified. An email is required: claims
without one (after the provider's emails-endpoint fallback), or with only a
placeholder address, are rejected outright.

Parameters:
  - ctx: context.Context
  - claims: Verified upstream claims

Returns:
  - *identity.User: Resolved account
  - error: Unauthorized when no usable email remains, Conflict on subject
    mismatch, storage errors otherwise
*/
func (linker *accountLinker) Link(ctx context.Context, claims UpstreamClaims) (*identity.User, error) {
	if claims.Subject == "" {
		return nil, apperr.Unauthorized("Upstream authentication failed")
	}

	// 1. Subject match: the account is already federated. The upstream
	// profile is authoritative for its mutable fields.
	user, err := linker.users.FindByAuthSubjectID(ctx, claims.Subject)
	if err == nil {
		return linker.syncProfile(ctx, user, claims)
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	email := claims.Email
	if email != "" && isPlaceholderEmail(email) {
		linker.logger.Warn("upstream_placeholder_email_ignored", slog.String("subject", claims.Subject))
		email = ""
	}
	if email == "" {
		return nil, apperr.Unauthorized("Upstream account has no usable email address")
	}

	// 2. Email match: attach the subject to an existing local account.
	existing, err := linker.users.FindActiveByEmail(ctx, identity.NormalizeEmail(email))
	if err == nil {
		if existing.AuthSubjectID != nil && *existing.AuthSubjectID != claims.Subject {
			return nil, apperr.Conflict("Account is already linked to a different upstream identity")
		}
		if existing.AuthSubjectID == nil {
			existing.AuthSubjectID = pointer.To(claims.Subject)
			existing.LastModifiedBy = existing.PrincipalName()
			if err := linker.users.Update(ctx, existing); err != nil {
				return nil, err
			}
			linker.events.RecordEvent(ctx, existing.PrincipalName(), "FEDERATED_LINKED", claims.Subject)
		}
		return existing, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	// 3. No match: provision a fresh account from the upstream profile.
	return linker.provision(ctx, claims, email)
}

/*
syncProfile mirrors the upstream profile onto an already-linked account.

Description: Name fields and picture follow the claims when the upstream
asserts a value; absent claims never erase local data. An email change moves
with the same conflict rule as linking — an address owned by another local
account is logged and skipped, never stolen.

Parameters:
  - ctx: context.Context
  - user: Account resolved by subject
  - claims: Verified upstream claims

Returns:
  - *identity.User: The account, updated when anything differed
  - error: Storage errors
*/
func (linker *accountLinker) syncProfile(ctx context.Context, user *identity.User, claims UpstreamClaims) (*identity.User, error) {
	changed := false
	apply := func(target *string, value string) {
		if value != "" && *target != value {
			*target = value
			changed = true
		}
	}
	apply(&user.GivenName, claims.GivenName)
	apply(&user.FamilyName, claims.FamilyName)
	apply(&user.Nickname, claims.Nickname)
	apply(&user.PictureURL, claims.Picture)

	email := claims.Email
	if email != "" && !isPlaceholderEmail(email) && identity.NormalizeEmail(email) != user.EmailNormalized {
		owner, err := linker.users.FindActiveByEmail(ctx, identity.NormalizeEmail(email))
		switch {
		case err == nil && owner.ID != user.ID:
			linker.logger.Warn("upstream_email_conflict_skipped",
				slog.String("subject", claims.Subject),
				slog.String("principal", user.PrincipalName()),
			)
		case err == nil || apperr.IsNotFound(err):
			address, addrErr := identity.NewEmailAddress(email)
			if addrErr == nil {
				user.Email = address.String()
				user.EmailNormalized = address.Normalized()
				user.EmailVerified = true
				changed = true
			}
		default:
			return nil, err
		}
	}

	if !changed {
		return user, nil
	}
	user.LastModifiedBy = user.PrincipalName()
	if err := linker.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// provision creates a local account from upstream claims. The upstream
// asserted the email, so it is stored verified.
func (linker *accountLinker) provision(ctx context.Context, claims UpstreamClaims, email string) (*identity.User, error) {
	address, err := identity.NewEmailAddress(email)
	if err != nil {
		return nil, err
	}

	user := &identity.User{
		AuthSubjectID:   pointer.To(claims.Subject),
		GivenName:       claims.GivenName,
		FamilyName:      claims.FamilyName,
		Nickname:        claims.Nickname,
		PictureURL:      claims.Picture,
		Email:           address.String(),
		EmailNormalized: address.Normalized(),
		EmailVerified:   true,
		Status:          identity.NewAccountStatus(),
		CreatedBy:       "federation",
		LastModifiedBy:  "federation",
	}

	externalID, err := sec.GenerateExternalID(constants.ExternalIDBytes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user.ExternalID = externalID

	if err := linker.users.Create(ctx, user); err != nil {
		return nil, err
	}

	defaultRole, err := linker.roles.FindByName(ctx, identity.RoleUser)
	if err != nil {
		return nil, err
	}
	if err := linker.roles.AssignRole(ctx, user.ID, defaultRole.ID, "federation"); err != nil {
		return nil, err
	}

	linker.events.RecordEvent(ctx, user.PrincipalName(), "FEDERATED_PROVISIONED", claims.Subject)
	return user, nil
}
