// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"time"

	"github.com/taibuivan/veyra/internal/platform/sec"
)

// Grant type identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// RegisteredClient is one OAuth2 client registration.
//
// Public clients (AuthMethods contains only "none") have no secret and must
// use PKCE on the code grant regardless of RequireProofKey.
type RegisteredClient struct {
	ID       int64  `json:"-"`
	ClientID string `json:"client_id"`
	Name     string `json:"name"`

	// SecretHash is the keyed hash of the client secret; nil for public clients.
	SecretHash *string `json:"-"`

	AuthMethods            []string `json:"auth_methods"`
	GrantTypes             []string `json:"grant_types"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`
	Scopes                 []string `json:"scopes"`

	RequireProofKey bool `json:"require_proof_key"`
	RequireConsent  bool `json:"require_consent"`

	// Zero means the server-wide default applies.
	AccessTokenTTL  time.Duration `json:"-"`
	RefreshTokenTTL time.Duration `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates with no credential.
func (client *RegisteredClient) IsPublic() bool {
	for _, method := range client.AuthMethods {
		if method != AuthMethodNone {
			return false
		}
	}
	return len(client.AuthMethods) > 0
}

// PKCERequired reports whether the code grant must carry a proof key for
// this client. Public clients always do.
func (client *RegisteredClient) PKCERequired() bool {
	return client.RequireProofKey || client.IsPublic()
}

// SupportsGrant reports whether the registration allows a grant type.
func (client *RegisteredClient) SupportsGrant(grantType string) bool {
	for _, grant := range client.GrantTypes {
		if grant == grantType {
			return true
		}
	}
	return false
}

// AllowsRedirectURI matches the exact registered redirect set. No prefix or
// wildcard matching: an attacker-influenced suffix must never validate.
func (client *RegisteredClient) AllowsRedirectURI(uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered.
func (client *RegisteredClient) AllowsScopes(requested []string) bool {
	for _, scope := range requested {
		allowed := false
		for _, registered := range client.Scopes {
			if registered == scope {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// VerifySecret checks a presented secret in constant time.
func (client *RegisteredClient) VerifySecret(secret string) bool {
	if client.SecretHash == nil || secret == "" {
		return false
	}
	return sec.ConstantTimeEquals(*client.SecretHash, sec.HashToken(secret))
}

// ClientRepository is the persistence port for client registrations.
type ClientRepository interface {
	Create(ctx context.Context, client *RegisteredClient) error
	FindByClientID(ctx context.Context, clientID string) (*RegisteredClient, error)
	List(ctx context.Context) ([]RegisteredClient, error)
	Delete(ctx context.Context, clientID string) error
}
