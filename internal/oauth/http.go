// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	requestutil "github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/platform/validate"
	"github.com/taibuivan/veyra/internal/session"
)

// Handler implements the OAuth2/OIDC protocol surface.
//
// Protocol endpoints (token, introspect, revoke, device) speak the RFC 6749
// wire format, not the platform envelope. Browser-facing endpoints
// (authorize, consent, device verification, logout) bind to the same session
// cookie the authn handler issues.
type Handler struct {
	service  *Service
	tokens   *sec.TokenService
	sessions *session.Store

	issuer        string
	secureCookies bool
}

// HandlerConfig bundles the handler's collaborators.
type HandlerConfig struct {
	Service  *Service
	Tokens   *sec.TokenService
	Sessions *session.Store

	// Issuer is the external base URL, e.g. https://auth.veyra.id.
	Issuer        string
	SecureCookies bool
}

// NewHandler constructs a new OAuth2 [Handler].
func NewHandler(config HandlerConfig) *Handler {
	return &Handler{
		service:       config.Service,
		tokens:        config.Tokens,
		sessions:      config.Sessions,
		issuer:        strings.TrimRight(config.Issuer, "/"),
		secureCookies: config.SecureCookies,
	}
}

// Routes returns the OAuth2 protocol endpoints. Mount at /oauth2.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Get("/authorize", handler.authorize)
	router.Post("/consent", handler.consent)
	router.Post("/token", handler.token)
	router.Post("/introspect", handler.introspect)
	router.Post("/revoke", handler.revoke)
	router.Post("/device_authorization", handler.deviceAuthorization)
	router.Get("/device", handler.deviceVerificationInfo)
	router.Post("/device", handler.deviceVerdict)

	return router
}

// WellKnownRoutes returns the discovery endpoints. Mount at /.well-known.
func (handler *Handler) WellKnownRoutes() chi.Router {
	router := chi.NewRouter()

	router.Get("/openid-configuration", handler.discovery)
	router.Get("/jwks.json", handler.jwks)

	return router
}

// SessionRoutes returns the OIDC front-channel endpoints that ride on the
// browser session. Mount at the API root.
func (handler *Handler) SessionRoutes() chi.Router {
	router := chi.NewRouter()

	router.Get("/userinfo", handler.userinfo)
	router.Post("/userinfo", handler.userinfo)
	router.Get("/connect/logout", handler.rpInitiatedLogout)

	return router
}

// AdminRoutes returns the client-registration endpoints. Mount behind
// RequireRole(ROLE_ADMIN).
func (handler *Handler) AdminRoutes() chi.Router {
	router := chi.NewRouter()

	router.Post("/", handler.createClient)
	router.Get("/", handler.listClients)
	router.Delete("/{clientID}", handler.deleteClient)

	return router
}

// # Wire Helpers

// writeProtocol writes an RFC 6749 response body. Token material must never
// be cached by intermediaries.
func writeProtocol(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.Header().Set("Cache-Control", "no-store")
	writer.Header().Set("Pragma", "no-cache")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

// writeProtocolError renders any error in the RFC 6749 error shape. Errors
// that are not protocol errors collapse to server_error without detail.
func writeProtocolError(writer http.ResponseWriter, err error) {
	if protocolErr, ok := err.(*ProtocolError); ok {
		writeProtocol(writer, protocolErr.HTTPStatus, protocolErr)
		return
	}
	writeProtocol(writer, http.StatusInternalServerError, &ProtocolError{Code: "server_error"})
}

// sessionPrincipal resolves the browser session behind the request.
func (handler *Handler) sessionPrincipal(request *http.Request) (*session.Session, error) {
	cookie, err := request.Cookie(constants.SessionCookieName)
	if err != nil {
		return nil, apperr.Unauthorized("Sign-in required")
	}
	sess, err := handler.sessions.FindByID(request.Context(), cookie.Value)
	if err != nil {
		return nil, apperr.Unauthorized("Sign-in required")
	}
	_ = handler.sessions.Touch(request.Context(), sess.ID)
	return sess, nil
}

/*
authenticateClient authenticates the caller of a protocol endpoint.

Description: Credentials arrive via HTTP Basic (client_secret_basic) or form
fields (client_secret_post); public clients send a bare client_id. The method
actually used must be registered for the client, so a confidential client
cannot silently downgrade to "none".

Parameters:
  - request: Parsed-form request

Returns:
  - *RegisteredClient: Authenticated client
  - error: invalid_client on any failure
*/
func (handler *Handler) authenticateClient(request *http.Request) (*RegisteredClient, error) {
	clientID, clientSecret, method := "", "", AuthMethodNone

	if basicID, basicSecret, ok := request.BasicAuth(); ok {
		clientID, clientSecret, method = basicID, basicSecret, AuthMethodBasic
	} else {
		clientID = request.PostFormValue("client_id")
		if clientSecret = request.PostFormValue("client_secret"); clientSecret != "" {
			method = AuthMethodPost
		}
	}
	if clientID == "" {
		return nil, errInvalidClient()
	}

	client, err := handler.service.AuthenticateClient(request.Context(), clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	methodAllowed := false
	for _, allowed := range client.AuthMethods {
		if allowed == method {
			methodAllowed = true
			break
		}
	}
	if !methodAllowed {
		return nil, errInvalidClient()
	}
	return client, nil
}

// # Authorization Endpoint

/*
GET /oauth2/authorize.

Description: Front-channel entry point for the code grant. Requires a live
browser session; the SPA redirects here after sign-in. Client and redirect
URI failures render locally; later failures redirect back to the client with
RFC 6749 error parameters. When consent is outstanding the response is a
consent prompt instead of a redirect.

Response:
  - 302: Redirect carrying code and state, or an error redirect
  - 200: Consent prompt (consent_required, client, scopes)
  - 400: Validation: Unknown client or unregistered redirect URI
  - 401: Unauthorized: No browser session
*/
func (handler *Handler) authorize(writer http.ResponseWriter, request *http.Request) {
	sess, err := handler.sessionPrincipal(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	query := request.URL.Query()
	input := AuthorizeInput{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scopes:              strings.Fields(query.Get("scope")),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
		PrincipalName:       sess.PrincipalName,
	}

	result, err := handler.service.Authorize(request.Context(), input)
	if err != nil {
		// Post-validation protocol failures travel back to the client; the
		// redirect URI was vetted before any of them can occur.
		if protocolErr, ok := err.(*ProtocolError); ok {
			handler.errorRedirect(writer, request, input.RedirectURI, input.State, protocolErr)
			return
		}
		respond.Error(writer, request, err)
		return
	}

	if result.ConsentRequired {
		respond.OK(writer, map[string]any{
			"consent_required": true,
			"client_id":        result.Client.ClientID,
			"client_name":      result.Client.Name,
			"scopes":           result.PendingScopes,
		})
		return
	}

	http.Redirect(writer, request, result.RedirectURI, http.StatusFound)
}

// errorRedirect sends an RFC 6749 error back to a vetted redirect URI.
func (handler *Handler) errorRedirect(writer http.ResponseWriter, request *http.Request, redirectURI, state string, protocolErr *ProtocolError) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		respond.Error(writer, request, apperr.ValidationError("Redirect URI is malformed"))
		return
	}
	query := redirect.Query()
	query.Set("error", protocolErr.Code)
	if protocolErr.Description != "" {
		query.Set("error_description", protocolErr.Description)
	}
	if state != "" {
		query.Set("state", state)
	}
	redirect.RawQuery = query.Encode()
	http.Redirect(writer, request, redirect.String(), http.StatusFound)
}

// consentRequest is the consent verdict payload.
type consentRequest struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	Approved bool     `json:"approved"`
}

/*
POST /oauth2/consent.

Description: Records the signed-in user's verdict on a consent prompt.
Approvals union with previously granted scopes; a denial stores nothing and
the client's next authorize round trip fails on the consent check again.

Request:
  - body: consentRequest

Response:
  - 204: Verdict recorded
  - 401: Unauthorized: No browser session
*/
func (handler *Handler) consent(writer http.ResponseWriter, request *http.Request) {
	sess, err := handler.sessionPrincipal(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input consentRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("client_id", input.ClientID)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if input.Approved {
		if err := handler.service.GrantConsent(request.Context(), sess.PrincipalName, input.ClientID, input.Scopes); err != nil {
			respond.Error(writer, request, err)
			return
		}
	}
	respond.NoContent(writer)
}

// # Token Endpoint

/*
POST /oauth2/token.

Description: The token endpoint for all four grants. Client authentication
per the registered method; responses in the RFC 6749 wire format with
no-store caching.

Response:
  - 200: TokenResponse
  - 400: ProtocolError (invalid_grant, authorization_pending, slow_down, ...)
  - 401: ProtocolError: invalid_client
*/
func (handler *Handler) token(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		writeProtocolError(writer, errInvalidRequest("Malformed form body"))
		return
	}

	client, err := handler.authenticateClient(request)
	if err != nil {
		writeProtocolError(writer, err)
		return
	}

	input := ExchangeInput{
		GrantType:    request.PostFormValue("grant_type"),
		Code:         request.PostFormValue("code"),
		RedirectURI:  request.PostFormValue("redirect_uri"),
		CodeVerifier: request.PostFormValue("code_verifier"),
		RefreshToken: request.PostFormValue("refresh_token"),
		DeviceCode:   request.PostFormValue("device_code"),
		Scopes:       strings.Fields(request.PostFormValue("scope")),
	}

	response, err := handler.service.Exchange(request.Context(), client, input)
	if err != nil {
		writeProtocolError(writer, err)
		return
	}
	writeProtocol(writer, http.StatusOK, response)
}

// # Introspection and Revocation Endpoints

/*
POST /oauth2/introspect.

Description: RFC 7662. Requires client authentication; unknown, expired, and
revoked tokens all collapse to active=false.
*/
func (handler *Handler) introspect(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		writeProtocolError(writer, errInvalidRequest("Malformed form body"))
		return
	}
	if _, err := handler.authenticateClient(request); err != nil {
		writeProtocolError(writer, err)
		return
	}

	tokenValue := request.PostFormValue("token")
	if tokenValue == "" {
		writeProtocolError(writer, errInvalidRequest("token is required"))
		return
	}

	writeProtocol(writer, http.StatusOK, handler.service.Introspect(request.Context(), tokenValue))
}

/*
POST /oauth2/revoke.

Description: RFC 7009. Always 200 for well-formed requests, even when the
token is unknown; revocation must not be usable as an oracle.
*/
func (handler *Handler) revoke(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		writeProtocolError(writer, errInvalidRequest("Malformed form body"))
		return
	}
	client, err := handler.authenticateClient(request)
	if err != nil {
		writeProtocolError(writer, err)
		return
	}

	tokenValue := request.PostFormValue("token")
	if tokenValue == "" {
		writeProtocolError(writer, errInvalidRequest("token is required"))
		return
	}

	if err := handler.service.Revoke(request.Context(), client, tokenValue); err != nil {
		writeProtocolError(writer, err)
		return
	}
	writer.Header().Set("Cache-Control", "no-store")
	writer.WriteHeader(http.StatusOK)
}

// # Device Flow Endpoints

/*
POST /oauth2/device_authorization.

Description: RFC 8628 entry point. The device receives a device code to poll
with and a short user code to display.
*/
func (handler *Handler) deviceAuthorization(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseForm(); err != nil {
		writeProtocolError(writer, errInvalidRequest("Malformed form body"))
		return
	}
	client, err := handler.authenticateClient(request)
	if err != nil {
		writeProtocolError(writer, err)
		return
	}

	scopes := strings.Fields(request.PostFormValue("scope"))
	response, err := handler.service.BeginDeviceAuthorization(request.Context(), client, scopes, handler.issuer+"/oauth2/device")
	if err != nil {
		writeProtocolError(writer, err)
		return
	}
	writeProtocol(writer, http.StatusOK, response)
}

/*
GET /oauth2/device.

Description: The verification page's data source: shows which client is
asking for which scopes before the user approves. Session-bound.
*/
func (handler *Handler) deviceVerificationInfo(writer http.ResponseWriter, request *http.Request) {
	if _, err := handler.sessionPrincipal(request); err != nil {
		respond.Error(writer, request, err)
		return
	}

	userCode := request.URL.Query().Get("user_code")
	grant, err := handler.service.DeviceGrantByUserCode(request.Context(), userCode)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	client, err := handler.service.Client(request.Context(), grant.ClientID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]any{
		"client_id":   client.ClientID,
		"client_name": client.Name,
		"scopes":      grant.Scopes,
		"expires_at":  grant.ExpiresAt,
	})
}

// deviceVerdictRequest is the device approval payload.
type deviceVerdictRequest struct {
	UserCode string `json:"user_code"`
	Approved bool   `json:"approved"`
}

/*
POST /oauth2/device.

Description: Records the signed-in user's verdict on a device grant. The
polling device learns the outcome on its next poll.

Response:
  - 204: Verdict recorded
  - 404: NotFound: Unknown or expired user code
  - 409: Conflict: Code already resolved
*/
func (handler *Handler) deviceVerdict(writer http.ResponseWriter, request *http.Request) {
	sess, err := handler.sessionPrincipal(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input deviceVerdictRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("user_code", input.UserCode)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if _, err := handler.service.ResolveDeviceGrant(request.Context(), strings.ToUpper(strings.TrimSpace(input.UserCode)), sess.PrincipalName, input.Approved); err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}

// # UserInfo and Logout

/*
GET|POST /userinfo.

Description: OIDC userinfo. Bearer access token; released claims follow the
granted scopes. The response is the bare claims object per OIDC Core, not
the platform envelope.
*/
func (handler *Handler) userinfo(writer http.ResponseWriter, request *http.Request) {
	authHeader := request.Header.Get("Authorization")
	tokenValue, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		writer.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		respond.Error(writer, request, apperr.Unauthorized("Bearer token required"))
		return
	}

	info, err := handler.service.UserInfo(request.Context(), tokenValue)
	if err != nil {
		writer.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		respond.Error(writer, request, err)
		return
	}
	writeProtocol(writer, http.StatusOK, info)
}

/*
GET /connect/logout.

Description: RP-initiated logout. Ends the browser session; when the client
supplied a registered post_logout_redirect_uri the browser is sent there,
otherwise the response is 204.
*/
func (handler *Handler) rpInitiatedLogout(writer http.ResponseWriter, request *http.Request) {
	if cookie, err := request.Cookie(constants.SessionCookieName); err == nil {
		_ = handler.sessions.DeleteByID(request.Context(), cookie.Value)
	}
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   handler.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	query := request.URL.Query()
	redirectURI := query.Get("post_logout_redirect_uri")
	clientID := query.Get("client_id")
	if redirectURI != "" && clientID != "" {
		if client, err := handler.service.Client(request.Context(), clientID); err == nil {
			for _, registered := range client.PostLogoutRedirectURIs {
				if registered == redirectURI {
					target, err := url.Parse(redirectURI)
					if err != nil {
						break
					}
					if state := query.Get("state"); state != "" {
						q := target.Query()
						q.Set("state", state)
						target.RawQuery = q.Encode()
					}
					http.Redirect(writer, request, target.String(), http.StatusFound)
					return
				}
			}
		}
	}
	respond.NoContent(writer)
}

// # Discovery Endpoints

// discoveryMetadata is the OIDC discovery document, RFC 8414 compatible.
type discoveryMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// GET /.well-known/openid-configuration.
func (handler *Handler) discovery(writer http.ResponseWriter, request *http.Request) {
	metadata := discoveryMetadata{
		Issuer:                      handler.issuer,
		AuthorizationEndpoint:       handler.issuer + "/oauth2/authorize",
		TokenEndpoint:               handler.issuer + "/oauth2/token",
		UserinfoEndpoint:            handler.issuer + "/userinfo",
		JWKSURI:                     handler.issuer + "/.well-known/jwks.json",
		IntrospectionEndpoint:       handler.issuer + "/oauth2/introspect",
		RevocationEndpoint:          handler.issuer + "/oauth2/revoke",
		DeviceAuthorizationEndpoint: handler.issuer + "/oauth2/device_authorization",
		EndSessionEndpoint:          handler.issuer + "/connect/logout",
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported: []string{
			GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials, GrantDeviceCode,
		},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodBasic, AuthMethodPost, AuthMethodNone},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat",
			"name", "given_name", "family_name", "nickname", "email", "roles",
		},
	}

	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(writer).Encode(metadata)
}

// GET /.well-known/jwks.json.
func (handler *Handler) jwks(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(writer).Encode(JWKSDocument(handler.tokens))
}

// # Client Administration Endpoints

// createClientRequest is the administrative registration payload.
type createClientRequest struct {
	Name                   string   `json:"name"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris"`
	Scopes                 []string `json:"scopes"`
	GrantTypes             []string `json:"grant_types"`
	Public                 bool     `json:"public"`
	RequireConsent         bool     `json:"require_consent"`
	RequireProofKey        bool     `json:"require_proof_key"`
	AccessTokenTTLSeconds  int64    `json:"access_token_ttl_seconds"`
	RefreshTokenTTLSeconds int64    `json:"refresh_token_ttl_seconds"`
}

// createClientResponse echoes the registration with the one-time secret.
type createClientResponse struct {
	Client       *RegisteredClient `json:"client"`
	ClientSecret string            `json:"client_secret,omitempty"`
}

/*
POST /api/v1/admin/clients.

Description: Registers an OAuth2 client. The generated secret appears in
this response and nowhere else.

Request:
  - body: createClientRequest

Response:
  - 201: createClientResponse
  - 400: Validation: Missing name, or a code-grant client without redirect URIs
*/
func (handler *Handler) createClient(writer http.ResponseWriter, request *http.Request) {
	var input createClientRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("name", input.Name).MaxLen("name", input.Name, 200)
	v.Custom("grant_types", len(input.GrantTypes) == 0, "at least one grant type is required")
	for _, grant := range input.GrantTypes {
		switch grant {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials, GrantDeviceCode:
		default:
			v.Custom("grant_types", true, "unsupported grant type: "+grant)
		}
		if grant == GrantAuthorizationCode {
			v.Custom("redirect_uris", len(input.RedirectURIs) == 0, "required for the authorization code grant")
		}
	}
	for _, uri := range input.RedirectURIs {
		if parsed, err := url.Parse(uri); err != nil || !parsed.IsAbs() {
			v.Custom("redirect_uris", true, "must be absolute URIs")
			break
		}
	}
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	client, secret, err := handler.service.RegisterClient(request.Context(), RegisterClientInput{
		Name:                   input.Name,
		RedirectURIs:           input.RedirectURIs,
		PostLogoutRedirectURIs: input.PostLogoutRedirectURIs,
		Scopes:                 input.Scopes,
		GrantTypes:             input.GrantTypes,
		Public:                 input.Public,
		RequireConsent:         input.RequireConsent,
		RequireProofKey:        input.RequireProofKey,
		AccessTokenTTL:         time.Duration(input.AccessTokenTTLSeconds) * time.Second,
		RefreshTokenTTL:        time.Duration(input.RefreshTokenTTLSeconds) * time.Second,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, createClientResponse{Client: client, ClientSecret: secret})
}

// GET /api/v1/admin/clients.
func (handler *Handler) listClients(writer http.ResponseWriter, request *http.Request) {
	clients, err := handler.service.ListClients(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, clients)
}

// DELETE /api/v1/admin/clients/{clientID}.
func (handler *Handler) deleteClient(writer http.ResponseWriter, request *http.Request) {
	clientID := requestutil.Param(request, "clientID")
	if err := handler.service.DeleteClient(request.Context(), clientID); err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}
