// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package oauth is the OAuth2/OpenID Connect authorization server: client
registrations, the authorize/token/introspect/revoke endpoints, consent,
the device flow, and the discovery surface.

Token material never reaches storage in the clear. Authorization codes and
refresh tokens are opaque random values persisted as keyed hashes; access and
ID tokens are RS256 JWTs whose hashes are kept for introspection and
revocation. Refresh tokens rotate on every use within a family; presenting an
already-rotated token condemns the whole family, on the theory that either
the client leaked its token or an attacker is replaying history — both end
the same way.
*/
package oauth

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/uuid"
)

// clientIDBytes sizes the generated public client identifier.
const clientIDBytes = 12

// clientSecretBytes sizes generated confidential-client secrets.
const clientSecretBytes = 32

// AccountDirectory is the slice of the identity service the grant engine
// needs: principal resolution and effective roles at minting time.
type AccountDirectory interface {
	GetUserByPrincipal(ctx context.Context, principalName string) (*identity.User, error)
	RolesForUser(ctx context.Context, user *identity.User) ([]identity.Role, error)
}

// Service is the grant engine.
type Service struct {
	clients  ClientRepository
	grants   AuthorizationRepository
	consents ConsentRepository
	devices  *DeviceStore
	minter   *TokenMinter
	accounts AccountDirectory
	events   identity.SecurityEventRecorder
	logger   *slog.Logger
}

// ServiceDeps bundles the grant engine's collaborators.
type ServiceDeps struct {
	Clients  ClientRepository
	Grants   AuthorizationRepository
	Consents ConsentRepository
	Devices  *DeviceStore
	Minter   *TokenMinter
	Accounts AccountDirectory
	Events   identity.SecurityEventRecorder
	Logger   *slog.Logger
}

// NewService constructs the grant engine.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		clients:  deps.Clients,
		grants:   deps.Grants,
		consents: deps.Consents,
		devices:  deps.Devices,
		minter:   deps.Minter,
		accounts: deps.Accounts,
		events:   deps.Events,
		logger:   deps.Logger,
	}
}

// Client resolves a registration by public client id.
func (service *Service) Client(ctx context.Context, clientID string) (*RegisteredClient, error) {
	return service.clients.FindByClientID(ctx, clientID)
}

// AuthenticateClient resolves and authenticates a client for the token
// endpoint. Public clients present no secret; confidential clients must.
func (service *Service) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*RegisteredClient, error) {
	client, err := service.clients.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, errInvalidClient()
	}
	if client.IsPublic() {
		if clientSecret != "" {
			return nil, errInvalidClient()
		}
		return client, nil
	}
	if !client.VerifySecret(clientSecret) {
		return nil, errInvalidClient()
	}
	return client, nil
}

// # Authorization Endpoint

// AuthorizeInput is a validated /oauth2/authorize request plus the
// authenticated principal from the browser session.
type AuthorizeInput struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	PrincipalName string
}

// AuthorizeResult is the outcome of an authorization request: either a
// redirect carrying the code, or a consent prompt.
type AuthorizeResult struct {
	RedirectURI string

	ConsentRequired bool
	Client          *RegisteredClient
	PendingScopes   []string
}

/*
Authorize processes an authorization request for an authenticated browser
session.

Description: Client and redirect URI are validated before anything is sent
toward that URI — a failure there renders locally and never redirects. After
that gate, protocol failures travel back to the client as error redirects.
Consent is checked against the accumulated consent record; a shortfall
returns a consent prompt instead of a code.

Parameters:
  - ctx: context.Context
  - input: AuthorizeInput

Returns:
  - *AuthorizeResult: Code redirect or consent prompt
  - error: apperr for pre-redirect failures, *ProtocolError afterward
*/
func (service *Service) Authorize(ctx context.Context, input AuthorizeInput) (*AuthorizeResult, error) {
	client, err := service.clients.FindByClientID(ctx, input.ClientID)
	if err != nil {
		return nil, apperr.ValidationError("Unknown client")
	}
	if !client.AllowsRedirectURI(input.RedirectURI) {
		// Never redirect to an unregistered URI, not even with an error.
		return nil, apperr.ValidationError("Redirect URI is not registered for this client")
	}

	if input.ResponseType != "code" {
		return nil, &ProtocolError{Code: "unsupported_response_type", HTTPStatus: 400}
	}
	if !client.SupportsGrant(GrantAuthorizationCode) {
		return nil, errUnauthorizedClient("Client may not use the authorization code grant")
	}
	if !client.AllowsScopes(input.Scopes) {
		return nil, errInvalidScope("Requested scope exceeds the client registration")
	}

	if client.PKCERequired() && input.CodeChallenge == "" {
		return nil, errInvalidRequest("code_challenge is required for this client")
	}
	if input.CodeChallenge != "" {
		switch input.CodeChallengeMethod {
		case "", "S256", "plain":
		default:
			return nil, errInvalidRequest("Unsupported code_challenge_method")
		}
	}

	if client.RequireConsent {
		consent, err := service.consents.Find(ctx, client.ClientID, input.PrincipalName)
		if err != nil && !apperr.IsNotFound(err) {
			return nil, err
		}
		if !consent.Covers(input.Scopes) {
			return &AuthorizeResult{
				ConsentRequired: true,
				Client:          client,
				PendingScopes:   input.Scopes,
			}, nil
		}
	}

	code, record, err := service.minter.NewOpaqueCode()
	if err != nil {
		return nil, err
	}

	authorization := &Authorization{
		ID:                  uuid.Must(),
		ClientID:            client.ClientID,
		PrincipalName:       input.PrincipalName,
		GrantType:           GrantAuthorizationCode,
		Scopes:              input.Scopes,
		State:               input.State,
		RedirectURI:         input.RedirectURI,
		CodeChallenge:       input.CodeChallenge,
		CodeChallengeMethod: input.CodeChallengeMethod,
		Nonce:               input.Nonce,
		FamilyID:            uuid.Must(),
		Code:                record,
	}
	if err := service.grants.Create(ctx, authorization); err != nil {
		return nil, err
	}

	redirect, err := url.Parse(input.RedirectURI)
	if err != nil {
		return nil, apperr.ValidationError("Redirect URI is malformed")
	}
	query := redirect.Query()
	query.Set("code", code)
	if input.State != "" {
		query.Set("state", input.State)
	}
	redirect.RawQuery = query.Encode()

	return &AuthorizeResult{RedirectURI: redirect.String()}, nil
}

/*
GrantConsent records the principal's approval of scopes for a client.

Description: Approvals union with earlier ones — consenting to "email" after
"profile" leaves both granted. Denial stores nothing.

Parameters:
  - ctx: context.Context
  - principalName: Approving principal
  - clientID: Client the scopes are approved for
  - approvedScopes: Scope set being approved

Returns:
  - error: Storage errors
*/
func (service *Service) GrantConsent(ctx context.Context, principalName, clientID string, approvedScopes []string) error {
	consent, err := service.consents.Find(ctx, clientID, principalName)
	if err != nil {
		if !apperr.IsNotFound(err) {
			return err
		}
		consent = &Consent{ClientID: clientID, PrincipalName: principalName}
	}

	consent.MergeScopes(approvedScopes)
	return service.consents.Save(ctx, consent)
}

// ConsentFor returns the accumulated consent, or an empty record when none
// exists yet.
func (service *Service) ConsentFor(ctx context.Context, principalName, clientID string) (*Consent, error) {
	consent, err := service.consents.Find(ctx, clientID, principalName)
	if apperr.IsNotFound(err) {
		return &Consent{ClientID: clientID, PrincipalName: principalName}, nil
	}
	return consent, err
}

// # Token Endpoint

// ExchangeInput is a parsed token-endpoint request. The client has already
// been authenticated.
type ExchangeInput struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scopes       []string
}

// TokenResponse is the RFC 6749 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

/*
Exchange processes a token-endpoint request for an authenticated client.

Parameters:
  - ctx: context.Context
  - client: Authenticated client
  - input: ExchangeInput

Returns:
  - *TokenResponse: Minted tokens
  - error: *ProtocolError per RFC 6749/8628
*/
func (service *Service) Exchange(ctx context.Context, client *RegisteredClient, input ExchangeInput) (*TokenResponse, error) {
	if !client.SupportsGrant(input.GrantType) {
		return nil, errUnauthorizedClient("Grant type is not registered for this client")
	}

	switch input.GrantType {
	case GrantAuthorizationCode:
		return service.exchangeCode(ctx, client, input)
	case GrantRefreshToken:
		return service.exchangeRefreshToken(ctx, client, input)
	case GrantClientCredentials:
		return service.exchangeClientCredentials(ctx, client, input)
	case GrantDeviceCode:
		return service.exchangeDeviceCode(ctx, client, input)
	default:
		return nil, errUnsupportedGrantType()
	}
}

// exchangeCode redeems an authorization code, enforcing single use and PKCE.
func (service *Service) exchangeCode(ctx context.Context, client *RegisteredClient, input ExchangeInput) (*TokenResponse, error) {
	if input.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	authorization, err := service.grants.FindByCodeHash(ctx, service.minter.HashOpaque(input.Code))
	if err != nil {
		return nil, errInvalidGrant("Unknown authorization code")
	}
	if authorization.ClientID != client.ClientID {
		return nil, errInvalidGrant("Authorization code was issued to another client")
	}

	// Single use. A second redemption means the code leaked somewhere along
	// the redirect; everything minted from it is condemned.
	if authorization.Code.Invalidated {
		service.events.RecordEvent(ctx, authorization.PrincipalName, "AUTH_CODE_REPLAY", client.ClientID)
		if err := service.grants.InvalidateFamily(ctx, authorization.FamilyID); err != nil {
			service.logger.Error("code_replay_family_revocation_failed",
				slog.String("family", authorization.FamilyID), slog.String("error", err.Error()))
		}
		return nil, errInvalidGrant("Authorization code has already been used")
	}
	if !authorization.Code.LiveAt(time.Now()) {
		return nil, errInvalidGrant("Authorization code has expired")
	}
	if authorization.RedirectURI != input.RedirectURI {
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}

	if authorization.CodeChallenge != "" {
		if !VerifyPKCE(authorization.CodeChallenge, authorization.CodeChallengeMethod, input.CodeVerifier) {
			return nil, errInvalidGrant("PKCE verification failed")
		}
	} else if client.PKCERequired() {
		return nil, errInvalidGrant("PKCE verification failed")
	}

	user, err := service.accounts.GetUserByPrincipal(ctx, authorization.PrincipalName)
	if err != nil {
		return nil, errInvalidGrant("The authorizing account is no longer available")
	}

	// Consume before minting. The conditional flip in the store is the
	// arbiter under concurrency: a redemption that loses the race lands here
	// with consumed == false and takes the replay branch, so two requests can
	// never both leave with live tokens.
	consumed, err := service.grants.ConsumeCode(ctx, authorization.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		service.events.RecordEvent(ctx, authorization.PrincipalName, "AUTH_CODE_REPLAY", client.ClientID)
		if err := service.grants.InvalidateFamily(ctx, authorization.FamilyID); err != nil {
			service.logger.Error("code_replay_family_revocation_failed",
				slog.String("family", authorization.FamilyID), slog.String("error", err.Error()))
		}
		return nil, errInvalidGrant("Authorization code has already been used")
	}
	authorization.Code.Invalidated = true

	response, err := service.mintForUser(ctx, user, client, authorization)
	if err != nil {
		return nil, err
	}

	if err := service.grants.Update(ctx, authorization); err != nil {
		return nil, err
	}
	return response, nil
}

// exchangeRefreshToken rotates a refresh token within its family.
func (service *Service) exchangeRefreshToken(ctx context.Context, client *RegisteredClient, input ExchangeInput) (*TokenResponse, error) {
	if input.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}

	authorization, err := service.grants.FindByRefreshTokenHash(ctx, service.minter.HashOpaque(input.RefreshToken))
	if err != nil {
		return nil, errInvalidGrant("Unknown refresh token")
	}
	if authorization.ClientID != client.ClientID {
		return nil, errInvalidGrant("Refresh token was issued to another client")
	}

	// Rotation reuse: this token was already exchanged for a successor. The
	// presenter holds stolen material (or the legitimate client lost the
	// rotation race after a leak); either way the family dies.
	if authorization.RefreshToken.Invalidated {
		service.events.RecordEvent(ctx, authorization.PrincipalName, "REFRESH_TOKEN_REUSE", client.ClientID)
		service.logger.Warn("refresh_token_reuse_detected",
			slog.String("principal", authorization.PrincipalName),
			slog.String("client_id", client.ClientID),
		)
		if err := service.grants.InvalidateFamily(ctx, authorization.FamilyID); err != nil {
			service.logger.Error("refresh_reuse_family_revocation_failed",
				slog.String("family", authorization.FamilyID), slog.String("error", err.Error()))
		}
		return nil, errInvalidGrant("Refresh token has been revoked")
	}
	if !authorization.RefreshToken.LiveAt(time.Now()) {
		return nil, errInvalidGrant("Refresh token has expired")
	}

	user, err := service.accounts.GetUserByPrincipal(ctx, authorization.PrincipalName)
	if err != nil {
		return nil, errInvalidGrant("The authorizing account is no longer available")
	}

	// Retire the presented token, then mint the successor row in the same
	// family.
	authorization.RefreshToken.Invalidated = true
	if authorization.AccessToken != nil {
		authorization.AccessToken.Invalidated = true
	}
	if err := service.grants.Update(ctx, authorization); err != nil {
		return nil, err
	}

	successor := &Authorization{
		ID:            uuid.Must(),
		ClientID:      authorization.ClientID,
		PrincipalName: authorization.PrincipalName,
		GrantType:     GrantRefreshToken,
		Scopes:        authorization.Scopes,
		Nonce:         authorization.Nonce,
		FamilyID:      authorization.FamilyID,
	}

	response, err := service.mintForUser(ctx, user, client, successor)
	if err != nil {
		return nil, err
	}
	if err := service.grants.Create(ctx, successor); err != nil {
		return nil, err
	}
	return response, nil
}

// exchangeClientCredentials mints a service-to-service access token.
func (service *Service) exchangeClientCredentials(ctx context.Context, client *RegisteredClient, input ExchangeInput) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, errUnauthorizedClient("Public clients may not use client_credentials")
	}

	scopes := input.Scopes
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !client.AllowsScopes(scopes) {
		return nil, errInvalidScope("Requested scope exceeds the client registration")
	}

	accessToken, record, err := service.minter.MintClientAccessToken(client, scopes)
	if err != nil {
		return nil, err
	}

	authorization := &Authorization{
		ID:            uuid.Must(),
		ClientID:      client.ClientID,
		PrincipalName: client.ClientID,
		GrantType:     GrantClientCredentials,
		Scopes:        scopes,
		FamilyID:      uuid.Must(),
		AccessToken:   record,
	}
	if err := service.grants.Create(ctx, authorization); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(record.ExpiresAt).Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// exchangeDeviceCode redeems an approved device grant.
func (service *Service) exchangeDeviceCode(ctx context.Context, client *RegisteredClient, input ExchangeInput) (*TokenResponse, error) {
	if input.DeviceCode == "" {
		return nil, errInvalidRequest("device_code is required")
	}

	grant, err := service.devices.Poll(ctx, input.DeviceCode, client.ClientID)
	if err != nil {
		return nil, err
	}

	user, err := service.accounts.GetUserByPrincipal(ctx, grant.PrincipalName)
	if err != nil {
		return nil, errInvalidGrant("The approving account is no longer available")
	}

	authorization := &Authorization{
		ID:            uuid.Must(),
		ClientID:      client.ClientID,
		PrincipalName: grant.PrincipalName,
		GrantType:     GrantDeviceCode,
		Scopes:        grant.Scopes,
		FamilyID:      uuid.Must(),
	}

	response, err := service.mintForUser(ctx, user, client, authorization)
	if err != nil {
		return nil, err
	}
	if err := service.grants.Create(ctx, authorization); err != nil {
		return nil, err
	}
	return response, nil
}

// mintForUser fills the authorization with fresh access/refresh/ID tokens
// and assembles the wire response. The caller persists the authorization.
func (service *Service) mintForUser(ctx context.Context, user *identity.User, client *RegisteredClient, authorization *Authorization) (*TokenResponse, error) {
	accessToken, accessRecord, err := service.minter.MintAccessToken(ctx, user, client, authorization.Scopes, authorization.GrantType)
	if err != nil {
		return nil, err
	}
	authorization.AccessToken = accessRecord

	response := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(accessRecord.ExpiresAt).Seconds()),
		Scope:       strings.Join(authorization.Scopes, " "),
	}

	if client.SupportsGrant(GrantRefreshToken) {
		refreshToken, refreshRecord, err := service.minter.NewOpaqueRefreshToken(client.RefreshTokenTTL)
		if err != nil {
			return nil, err
		}
		authorization.RefreshToken = refreshRecord
		response.RefreshToken = refreshToken
	}

	if hasScope(authorization.Scopes, "openid") {
		idToken, err := service.minter.MintIDToken(user, client, authorization.Scopes, authorization.Nonce, authorization.GrantType)
		if err != nil {
			return nil, err
		}
		response.IDToken = idToken
	}

	return response, nil
}

// # Device Authorization Endpoint

// DeviceAuthorizationResponse is the RFC 8628 response body.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

/*
BeginDeviceAuthorization opens a device-flow ceremony.

Parameters:
  - ctx: context.Context
  - client: Authenticated or public client
  - scopes: Requested scope set
  - verificationURI: Absolute URI of the user-facing approval page

Returns:
  - *DeviceAuthorizationResponse: Codes and polling contract
  - error: *ProtocolError on scope/grant violations
*/
func (service *Service) BeginDeviceAuthorization(ctx context.Context, client *RegisteredClient, scopes []string, verificationURI string) (*DeviceAuthorizationResponse, error) {
	if !client.SupportsGrant(GrantDeviceCode) {
		return nil, errUnauthorizedClient("Device flow is not registered for this client")
	}
	if !client.AllowsScopes(scopes) {
		return nil, errInvalidScope("Requested scope exceeds the client registration")
	}

	deviceCode, grant, err := service.devices.Issue(ctx, client.ClientID, scopes)
	if err != nil {
		return nil, err
	}

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                grant.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(grant.UserCode),
		ExpiresIn:               int64(time.Until(grant.ExpiresAt).Seconds()),
		Interval:                service.devices.PollPeriod(),
	}, nil
}

// ResolveDeviceGrant records the signed-in user's verdict on a user code.
func (service *Service) ResolveDeviceGrant(ctx context.Context, userCode, principalName string, approved bool) (*DeviceGrant, error) {
	grant, err := service.devices.Resolve(ctx, userCode, principalName, approved)
	if err != nil {
		return nil, err
	}
	if approved {
		service.events.RecordEvent(ctx, principalName, "DEVICE_GRANT_APPROVED", grant.ClientID)
	}
	return grant, nil
}

// # Introspection and Revocation

// IntrospectionResponse is the RFC 7662 body. Inactive tokens carry only
// active=false, never metadata.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

/*
Introspect reports the state of a presented token.

Description: The value hash is checked against access then refresh records.
Every failure mode — unknown, expired, revoked — collapses to active=false
so the endpoint leaks nothing about why.

Parameters:
  - ctx: context.Context
  - tokenValue: Presented token

Returns:
  - *IntrospectionResponse: Always non-nil
*/
func (service *Service) Introspect(ctx context.Context, tokenValue string) *IntrospectionResponse {
	hash := service.minter.HashOpaque(tokenValue)
	now := time.Now()

	if authorization, err := service.grants.FindByAccessTokenHash(ctx, hash); err == nil {
		if authorization.AccessToken.LiveAt(now) {
			return &IntrospectionResponse{
				Active:    true,
				Scope:     strings.Join(authorization.Scopes, " "),
				ClientID:  authorization.ClientID,
				Subject:   authorization.PrincipalName,
				TokenType: "access_token",
				ExpiresAt: authorization.AccessToken.ExpiresAt.Unix(),
				IssuedAt:  authorization.AccessToken.IssuedAt.Unix(),
			}
		}
		return &IntrospectionResponse{Active: false}
	}

	if authorization, err := service.grants.FindByRefreshTokenHash(ctx, hash); err == nil {
		if authorization.RefreshToken.LiveAt(now) {
			return &IntrospectionResponse{
				Active:    true,
				Scope:     strings.Join(authorization.Scopes, " "),
				ClientID:  authorization.ClientID,
				Subject:   authorization.PrincipalName,
				TokenType: "refresh_token",
				ExpiresAt: authorization.RefreshToken.ExpiresAt.Unix(),
				IssuedAt:  authorization.RefreshToken.IssuedAt.Unix(),
			}
		}
	}

	return &IntrospectionResponse{Active: false}
}

/*
Revoke invalidates a presented token.

Description: Revoking an access token retires that token alone; revoking a
refresh token condemns its whole rotation family. Unknown tokens succeed
silently per RFC 7009 — revocation is idempotent and unprobeable.

Parameters:
  - ctx: context.Context
  - client: Authenticated client
  - tokenValue: Presented token

Returns:
  - error: Storage errors only
*/
func (service *Service) Revoke(ctx context.Context, client *RegisteredClient, tokenValue string) error {
	hash := service.minter.HashOpaque(tokenValue)
	now := time.Now()

	if authorization, err := service.grants.FindByAccessTokenHash(ctx, hash); err == nil {
		if authorization.ClientID != client.ClientID {
			return nil // not yours to revoke; stay silent
		}
		authorization.AccessToken.Invalidated = true
		authorization.AccessToken.RevokedAt = &now
		return service.grants.Update(ctx, authorization)
	}

	if authorization, err := service.grants.FindByRefreshTokenHash(ctx, hash); err == nil {
		if authorization.ClientID != client.ClientID {
			return nil
		}
		return service.grants.InvalidateFamily(ctx, authorization.FamilyID)
	}

	return nil
}

// # UserInfo

/*
UserInfo resolves the claims behind a bearer access token.

Description: The JWT signature and lifetime are verified first, then the
stored record is consulted so revocation takes effect before the token
expires. Claims released follow the granted scopes.

Parameters:
  - ctx: context.Context
  - tokenValue: Bearer access token

Returns:
  - map[string]any: OpenID Connect userinfo claims
  - error: apperr.Unauthorized for any unusable token
*/
func (service *Service) UserInfo(ctx context.Context, tokenValue string) (map[string]any, error) {
	claims, err := service.minter.VerifyAccessToken(tokenValue)
	if err != nil {
		return nil, apperr.Unauthorized("Invalid access token")
	}

	authorization, err := service.grants.FindByAccessTokenHash(ctx, service.minter.HashOpaque(tokenValue))
	if err != nil || !authorization.AccessToken.LiveAt(time.Now()) {
		return nil, apperr.Unauthorized("Access token has been revoked")
	}

	scopes := strings.Fields(claims.Scope)
	info := map[string]any{"sub": claims.Subject}

	if hasScope(scopes, "profile") {
		info["given_name"] = claims.GivenName
		info["family_name"] = claims.FamilyName
		info["name"] = claims.FullName
		info["nickname"] = claims.Nickname
	}
	if hasScope(scopes, "email") {
		info["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		info["roles"] = claims.Roles
	}
	return info, nil
}

// DeviceGrantByUserCode resolves the grant behind a user code so the
// verification page can show what the user is about to approve.
func (service *Service) DeviceGrantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error) {
	return service.devices.FindByUserCode(ctx, userCode)
}

// # Client Administration

// RegisterClientInput is the administrative client-registration payload.
type RegisterClientInput struct {
	Name                   string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	GrantTypes             []string
	Public                 bool
	RequireConsent         bool
	RequireProofKey        bool
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
}

/*
RegisterClient provisions a client registration.

Description: Credentials are generated server side. The secret is returned
exactly once; only its keyed hash is stored, so there is no way to read it
back later.

Parameters:
  - ctx: context.Context
  - input: RegisterClientInput

Returns:
  - *RegisteredClient: The stored registration
  - string: Plaintext client secret, empty for public clients
  - error: Generation or storage errors
*/
func (service *Service) RegisterClient(ctx context.Context, input RegisterClientInput) (*RegisteredClient, string, error) {
	clientID, err := sec.GenerateSecureToken(clientIDBytes)
	if err != nil {
		return nil, "", err
	}

	client := &RegisteredClient{
		ClientID:               clientID,
		Name:                   input.Name,
		RedirectURIs:           input.RedirectURIs,
		PostLogoutRedirectURIs: input.PostLogoutRedirectURIs,
		Scopes:                 input.Scopes,
		GrantTypes:             input.GrantTypes,
		RequireConsent:         input.RequireConsent,
		RequireProofKey:        input.RequireProofKey,
		AccessTokenTTL:         input.AccessTokenTTL,
		RefreshTokenTTL:        input.RefreshTokenTTL,
	}

	secret := ""
	if input.Public {
		client.AuthMethods = []string{AuthMethodNone}
	} else {
		secret, err = sec.GenerateSecureToken(clientSecretBytes)
		if err != nil {
			return nil, "", err
		}
		hash := sec.HashToken(secret)
		client.SecretHash = &hash
		client.AuthMethods = []string{AuthMethodBasic, AuthMethodPost}
	}

	if err := service.clients.Create(ctx, client); err != nil {
		return nil, "", err
	}

	service.logger.Info("oauth_client_registered",
		slog.String("client_id", client.ClientID),
		slog.String("name", client.Name),
		slog.Bool("public", input.Public),
	)
	return client, secret, nil
}

// ListClients returns every registration.
func (service *Service) ListClients(ctx context.Context) ([]RegisteredClient, error) {
	return service.clients.List(ctx)
}

// DeleteClient removes a registration. Outstanding tokens survive until they
// expire; the registration's absence stops new issuance and introspection by
// that client.
func (service *Service) DeleteClient(ctx context.Context, clientID string) error {
	return service.clients.Delete(ctx, clientID)
}

// # Principal Cascades

// RevokeAllForPrincipal kills every live grant of a principal. Part of the
// identity package's GrantRevoker port.
func (service *Service) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	return service.grants.RevokeAllForPrincipal(ctx, principalName)
}

// DeleteConsentsForPrincipal removes the principal's consent records.
func (service *Service) DeleteConsentsForPrincipal(ctx context.Context, principalName string) error {
	return service.consents.DeleteAllForPrincipal(ctx, principalName)
}

var _ identity.GrantRevoker = (*Service)(nil)
