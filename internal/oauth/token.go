// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

const (
	codeBytes         = 32
	refreshTokenBytes = 48
)

// TokenSettings carries the server-wide token lifetimes.
type TokenSettings struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	IDTokenTTL      time.Duration
}

// Token types passed to a [ClaimsCustomizer].
const (
	TokenTypeAccess = "access_token"
	TokenTypeID     = "id_token"
)

// ClaimsContext describes the token being assembled when a customizer runs.
type ClaimsContext struct {
	TokenType string
	GrantType string
	Principal string
	Client    *RegisteredClient
}

// ClaimsCustomizer mutates the claim set of a token immediately before
// signing. Registered claims stamped by the signer (iss, iat, exp, jti)
// cannot be overridden.
type ClaimsCustomizer func(ctx ClaimsContext, claims *sec.AuthClaims)

// TokenMinter issues and hashes the token material of the grant engine.
//
// Access and ID tokens are RS256 JWTs signed by the platform token service;
// codes and refresh tokens are opaque random values stored only as keyed
// hashes. The HMAC key is separate from the signing key so a database dump
// plus the refresh key still yields nothing without the other.
type TokenMinter struct {
	tokens   *sec.TokenService
	accounts AccountDirectory
	hmacKey  []byte
	settings TokenSettings

	// Customizer, when set, runs per token before signing. Deployments hook
	// tenant- or audience-specific claims here; nil means no customization.
	Customizer ClaimsCustomizer
}

// NewTokenMinter constructs the minter. refreshHMACKey must be non-empty.
func NewTokenMinter(tokens *sec.TokenService, accounts AccountDirectory, refreshHMACKey string, settings TokenSettings) (*TokenMinter, error) {
	if refreshHMACKey == "" {
		return nil, fmt.Errorf("oauth_token_minter_key_missing: refresh HMAC key is required")
	}
	return &TokenMinter{
		tokens:   tokens,
		accounts: accounts,
		hmacKey:  []byte(refreshHMACKey),
		settings: settings,
	}, nil
}

// HashOpaque produces the storage hash for an opaque token value.
func (minter *TokenMinter) HashOpaque(value string) string {
	mac := hmac.New(sha256.New, minter.hmacKey)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NewOpaqueCode generates an authorization code and its storage record.
func (minter *TokenMinter) NewOpaqueCode() (string, *TokenRecord, error) {
	return minter.newOpaque(codeBytes, minter.settings.AuthCodeTTL)
}

// NewOpaqueRefreshToken generates a refresh token and its storage record.
// ttl zero falls back to the server-wide refresh lifetime.
func (minter *TokenMinter) NewOpaqueRefreshToken(ttl time.Duration) (string, *TokenRecord, error) {
	if ttl <= 0 {
		ttl = minter.settings.RefreshTokenTTL
	}
	return minter.newOpaque(refreshTokenBytes, ttl)
}

func (minter *TokenMinter) newOpaque(byteLength int, ttl time.Duration) (string, *TokenRecord, error) {
	value, err := sec.GenerateSecureToken(byteLength)
	if err != nil {
		return "", nil, fmt.Errorf("oauth_token_generate_failed: %w", err)
	}
	now := time.Now()
	return value, &TokenRecord{
		ValueHash: minter.HashOpaque(value),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

/*
MintAccessToken signs an access token for a principal-bound grant.

Description: The claim set embeds the bare role names and profile of the
account so resource servers authorize without a database round trip. Scopes
travel space-delimited per RFC 8693.

Parameters:
  - ctx: context.Context
  - user: Account the grant belongs to
  - client: Client the token is minted for
  - scopes: Granted scope set
  - grantType: Grant the token is minted under (customizer context)

Returns:
  - string: Signed JWT
  - *TokenRecord: Storage record with the token's keyed hash
  - error: Claim assembly or signing errors
*/
func (minter *TokenMinter) MintAccessToken(ctx context.Context, user *identity.User, client *RegisteredClient, scopes []string, grantType string) (string, *TokenRecord, error) {
	roles, err := minter.accounts.RolesForUser(ctx, user)
	if err != nil {
		return "", nil, err
	}

	ttl := minter.settings.AccessTokenTTL
	if client.AccessTokenTTL > 0 {
		ttl = client.AccessTokenTTL
	}

	claims := sec.AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.PrincipalName(),
			Audience: jwt.ClaimStrings{client.ClientID},
		},
		Roles:         identity.BareNames(roles),
		UserIDNumeric: user.ID,
		GivenName:     user.GivenName,
		FamilyName:    user.FamilyName,
		FullName:      user.FullName(),
		Nickname:      user.Nickname,
		Email:         user.Email,
		Scope:         strings.Join(scopes, " "),
		ClientID:      client.ClientID,
	}
	minter.customize(ClaimsContext{
		TokenType: TokenTypeAccess,
		GrantType: grantType,
		Principal: user.PrincipalName(),
		Client:    client,
	}, &claims)

	signed, err := minter.tokens.Sign(claims, ttl)
	if err != nil {
		return "", nil, apperr.Internal(err)
	}

	now := time.Now()
	return signed, &TokenRecord{
		ValueHash: minter.HashOpaque(signed),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// MintClientAccessToken signs an access token for a client-credentials grant.
// The client itself is the subject; no account claims are embedded.
func (minter *TokenMinter) MintClientAccessToken(client *RegisteredClient, scopes []string) (string, *TokenRecord, error) {
	ttl := minter.settings.AccessTokenTTL
	if client.AccessTokenTTL > 0 {
		ttl = client.AccessTokenTTL
	}

	claims := sec.AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  client.ClientID,
			Audience: jwt.ClaimStrings{client.ClientID},
		},
		Scope:    strings.Join(scopes, " "),
		ClientID: client.ClientID,
	}
	minter.customize(ClaimsContext{
		TokenType: TokenTypeAccess,
		GrantType: GrantClientCredentials,
		Principal: client.ClientID,
		Client:    client,
	}, &claims)

	signed, err := minter.tokens.Sign(claims, ttl)
	if err != nil {
		return "", nil, apperr.Internal(err)
	}

	now := time.Now()
	return signed, &TokenRecord{
		ValueHash: minter.HashOpaque(signed),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// MintIDToken signs an OpenID Connect ID token for grants carrying the
// openid scope. Profile claims follow the granted scopes: profile unlocks
// names, email unlocks the address. The request nonce is echoed in the
// nonce claim for the relying party to match.
func (minter *TokenMinter) MintIDToken(user *identity.User, client *RegisteredClient, scopes []string, nonce, grantType string) (string, error) {
	claims := sec.AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.PrincipalName(),
			Audience: jwt.ClaimStrings{client.ClientID},
		},
		UserIDNumeric: user.ID,
		ClientID:      client.ClientID,
		Nonce:         nonce,
	}

	if hasScope(scopes, "profile") {
		claims.GivenName = user.GivenName
		claims.FamilyName = user.FamilyName
		claims.FullName = user.FullName()
		claims.Nickname = user.Nickname
	}
	if hasScope(scopes, "email") {
		claims.Email = user.Email
	}

	minter.customize(ClaimsContext{
		TokenType: TokenTypeID,
		GrantType: grantType,
		Principal: user.PrincipalName(),
		Client:    client,
	}, &claims)

	signed, err := minter.tokens.Sign(claims, minter.settings.IDTokenTTL)
	if err != nil {
		return "", apperr.Internal(err)
	}
	return signed, nil
}

// customize runs the configured customizer, if any.
func (minter *TokenMinter) customize(ctx ClaimsContext, claims *sec.AuthClaims) {
	if minter.Customizer != nil {
		minter.Customizer(ctx, claims)
	}
}

// VerifyAccessToken checks signature and lifetime of a presented JWT.
func (minter *TokenMinter) VerifyAccessToken(tokenValue string) (*sec.AuthClaims, error) {
	return minter.tokens.Verify(tokenValue)
}

func hasScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}

// # PKCE

// VerifyPKCE checks a code verifier against the challenge recorded at
// authorization time. S256 is the supported method; "plain" is accepted only
// when it was explicitly recorded, per RFC 7636 downgrade rules.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	switch method {
	case "S256", "":
		digest := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(digest[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
