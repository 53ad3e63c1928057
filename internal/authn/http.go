// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	requestutil "github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/validate"
	"github.com/taibuivan/veyra/internal/risk"
	"github.com/taibuivan/veyra/internal/session"
)

// Browser cookie names, shared with the oauth handler which binds the
// authorize endpoint to the same session cookie.
const (
	sessionCookieName    = constants.SessionCookieName
	rememberMeCookieName = constants.RememberMeCookieName
)

// Handler implements the HTTP layer for authentication.
type Handler struct {
	authService *Service
	passkeys    *PasskeyService
	federation  *FederationService
	accounts    *identity.Service

	sessionTTL    time.Duration
	rememberMeTTL time.Duration
	secureCookies bool
}

// HandlerConfig bundles the handler's collaborators and cookie policy.
type HandlerConfig struct {
	AuthService *Service
	Passkeys    *PasskeyService
	Federation  *FederationService
	Accounts    *identity.Service

	SessionTTL    time.Duration
	RememberMeTTL time.Duration
	SecureCookies bool
}

// NewHandler constructs a new authentication [Handler].
func NewHandler(config HandlerConfig) *Handler {
	return &Handler{
		authService:   config.AuthService,
		passkeys:      config.Passkeys,
		federation:    config.Federation,
		accounts:      config.Accounts,
		sessionTTL:    config.SessionTTL,
		rememberMeTTL: config.RememberMeTTL,
		secureCookies: config.SecureCookies,
	}
}

// PublicRoutes returns the unauthenticated authentication endpoints.
func (handler *Handler) PublicRoutes() chi.Router {
	router := chi.NewRouter()

	router.Post("/login", handler.login)
	router.Post("/login/remember-me", handler.loginWithRememberMe)
	router.Post("/logout", handler.logout)

	router.Get("/federated/login", handler.federatedLogin)
	router.Get("/federated/callback", handler.federatedCallback)

	router.Post("/passkey/login/begin", handler.beginPasskeyLogin)
	router.Post("/passkey/login/finish", handler.finishPasskeyLogin)

	return router
}

// Routes returns the authenticated credential-management endpoints. Mount
// behind RequireAuth.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Post("/passkey/register/begin", handler.beginPasskeyRegistration)
	router.Post("/passkey/register/finish", handler.finishPasskeyRegistration)
	router.Get("/passkeys", handler.listPasskeys)
	router.Patch("/passkeys/{credentialID}", handler.renamePasskey)
	router.Delete("/passkeys/{credentialID}", handler.removePasskey)

	router.Get("/sessions", handler.listSessions)
	router.Delete("/sessions/{sessionID}", handler.revokeSession)

	return router
}

// # Cookies

func (handler *Handler) setSessionCookie(writer http.ResponseWriter, sess *session.Session) {
	http.SetCookie(writer, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(handler.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   handler.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (handler *Handler) setRememberMeCookie(writer http.ResponseWriter, cookie *RememberMeCookie) {
	http.SetCookie(writer, &http.Cookie{
		Name:     rememberMeCookieName,
		Value:    cookie.Series + ":" + cookie.Token,
		Path:     "/",
		MaxAge:   int(handler.rememberMeTTL.Seconds()),
		HttpOnly: true,
		Secure:   handler.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(writer http.ResponseWriter, name string) {
	http.SetCookie(writer, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

// splitRememberMeCookie parses the "series:token" cookie value.
func splitRememberMeCookie(value string) (series, token string, ok bool) {
	series, token, ok = strings.Cut(value, ":")
	return series, token, ok && series != "" && token != ""
}

// # Password Login Endpoints

// loginRequest defines the expected JSON payload for a password login.
type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
	RememberMe   bool   `json:"remember_me"`

	// Optional device fingerprint observation.
	Fingerprint string `json:"fingerprint"`
	DeviceName  string `json:"device_name"`
}

// loginResponse is the success body for every login flow.
type loginResponse struct {
	User      *identity.User `json:"user"`
	SessionID string         `json:"session_id"`
	RiskLevel risk.Level     `json:"risk_level"`
}

/*
POST /api/v1/auth/login.

Description: Verifies a password credential and establishes a session. The
session id is returned both in the body and as an HttpOnly cookie; opting
into remember-me additionally sets the persistent-login cookie.

Request:
  - body: loginRequest

Response:
  - 200: loginResponse: Authenticated
  - 401: Unauthorized: Invalid credentials (uniform)
  - 423: Locked: Account lockout in force, Retry-After set
  - 429: TooManyAttempts: CAPTCHA required or throttled
*/
func (handler *Handler) login(writer http.ResponseWriter, request *http.Request) {
	var input loginRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("email", input.Email).Required("password", input.Password)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	var device *identity.DeviceInfo
	if input.Fingerprint != "" {
		device = &identity.DeviceInfo{
			FingerprintHash: input.Fingerprint,
			DeviceName:      input.DeviceName,
			IPAddress:       requestutil.ClientIP(request),
			BrowserInfo:     request.UserAgent(),
			Source:          "password_login",
		}
	}

	result, err := handler.authService.Login(request.Context(), LoginInput{
		Email:        input.Email,
		Password:     input.Password,
		CaptchaToken: input.CaptchaToken,
		RememberMe:   input.RememberMe,
		IPAddress:    requestutil.ClientIP(request),
		UserAgent:    request.UserAgent(),
		Device:       device,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setSessionCookie(writer, result.Session)
	if result.RememberMe != nil {
		handler.setRememberMeCookie(writer, result.RememberMe)
	}

	respond.OK(writer, loginResponse{
		User:      result.User,
		SessionID: result.Session.ID,
		RiskLevel: result.Risk.Level,
	})
}

/*
POST /api/v1/auth/login/remember-me.

Description: Redeems the persistent-login cookie for a fresh session. The
cookie rotates on success; a replayed cookie revokes every series of the
account.

Response:
  - 200: loginResponse: Authenticated
  - 401: Unauthorized: Missing, invalid, expired, or stolen cookie
*/
func (handler *Handler) loginWithRememberMe(writer http.ResponseWriter, request *http.Request) {
	cookie, err := request.Cookie(rememberMeCookieName)
	if err != nil {
		respond.Error(writer, request, apperr.Unauthorized("No remember-me cookie"))
		return
	}
	series, token, ok := splitRememberMeCookie(cookie.Value)
	if !ok {
		respond.Error(writer, request, apperr.Unauthorized("Invalid remember-me cookie"))
		return
	}

	result, err := handler.authService.LoginWithRememberMe(request.Context(),
		series, token, requestutil.ClientIP(request), request.UserAgent())
	if err != nil {
		clearCookie(writer, rememberMeCookieName)
		respond.Error(writer, request, err)
		return
	}

	handler.setSessionCookie(writer, result.Session)
	handler.setRememberMeCookie(writer, result.RememberMe)

	respond.OK(writer, loginResponse{
		User:      result.User,
		SessionID: result.Session.ID,
		RiskLevel: result.Risk.Level,
	})
}

/*
POST /api/v1/auth/logout.

Description: Deletes the cookie-bound session and forgets the presented
remember-me series. Idempotent: logging out twice succeeds.

Response:
  - 204: NoContent
*/
func (handler *Handler) logout(writer http.ResponseWriter, request *http.Request) {
	sessionID := ""
	if cookie, err := request.Cookie(sessionCookieName); err == nil {
		sessionID = cookie.Value
	}
	series := ""
	if cookie, err := request.Cookie(rememberMeCookieName); err == nil {
		if s, _, ok := splitRememberMeCookie(cookie.Value); ok {
			series = s
		}
	}

	if err := handler.authService.Logout(request.Context(), sessionID, series); err != nil {
		respond.Error(writer, request, err)
		return
	}

	clearCookie(writer, sessionCookieName)
	clearCookie(writer, rememberMeCookieName)
	respond.NoContent(writer)
}

// # Federated Login Endpoints

/*
GET /api/v1/auth/federated/login.

Description: Starts the upstream code flow. The browser is redirected to the
upstream provider's authorization endpoint.

Response:
  - 302: Redirect to the upstream provider
*/
func (handler *Handler) federatedLogin(writer http.ResponseWriter, request *http.Request) {
	if handler.federation == nil {
		respond.Error(writer, request, apperr.NotFound("Federated login"))
		return
	}
	authURL, err := handler.federation.BeginLogin(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	http.Redirect(writer, request, authURL, http.StatusFound)
}

/*
GET /api/v1/auth/federated/callback.

Description: Completes the upstream code flow, links or provisions the local
account, and establishes a session.

Request:
  - query state: Ceremony state
  - query code: Authorization code

Response:
  - 200: loginResponse: Authenticated
  - 401: Unauthorized: Ceremony or upstream failure
  - 409: Conflict: Email bound to a different upstream identity
*/
func (handler *Handler) federatedCallback(writer http.ResponseWriter, request *http.Request) {
	if handler.federation == nil {
		respond.Error(writer, request, apperr.NotFound("Federated login"))
		return
	}
	state := request.URL.Query().Get("state")
	code := request.URL.Query().Get("code")
	if state == "" || code == "" {
		respond.Error(writer, request, apperr.Unauthorized("Malformed callback"))
		return
	}

	user, err := handler.federation.HandleCallback(request.Context(), state, code)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	sess, assessment, err := handler.authService.EstablishSession(request.Context(),
		user, "federated", requestutil.ClientIP(request), request.UserAgent())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setSessionCookie(writer, sess)
	respond.OK(writer, loginResponse{User: user, SessionID: sess.ID, RiskLevel: assessment.Level})
}

// # Passkey Ceremony Endpoints

// beginPasskeyLoginRequest identifies the account opening an assertion.
type beginPasskeyLoginRequest struct {
	Email string `json:"email"`
}

// ceremonyResponse carries WebAuthn options plus the ceremony handle.
type ceremonyResponse struct {
	CeremonyID string `json:"ceremony_id"`
	Options    any    `json:"options"`
}

/*
POST /api/v1/auth/passkey/login/begin.

Description: Opens an assertion ceremony. Unknown accounts and accounts
without passkeys produce the same Unauthorized so the endpoint cannot
enumerate accounts.

Request:
  - body: beginPasskeyLoginRequest

Response:
  - 200: ceremonyResponse: Options for navigator.credentials.get
  - 401: Unauthorized: No usable account (uniform)
*/
func (handler *Handler) beginPasskeyLogin(writer http.ResponseWriter, request *http.Request) {
	var input beginPasskeyLoginRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("email", input.Email).Email("email", input.Email)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	options, ceremonyID, err := handler.passkeys.BeginLogin(request.Context(), input.Email)
	if err != nil {
		if apperr.IsNotFound(err) {
			err = apperr.Unauthorized("Passkey authentication failed")
		}
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, ceremonyResponse{CeremonyID: ceremonyID, Options: options})
}

/*
POST /api/v1/auth/passkey/login/finish.

Description: Validates the assertion and establishes a session. The request
body is the raw credential JSON produced by the browser; the ceremony id and
email travel as query parameters so the body stays verbatim for validation.

Request:
  - query ceremony_id: Ceremony id from begin
  - query email: Login identifier from begin
  - body: Assertion response from navigator.credentials.get

Response:
  - 200: loginResponse: Authenticated
  - 401: Unauthorized: Assertion rejected, expired ceremony, or replay
*/
func (handler *Handler) finishPasskeyLogin(writer http.ResponseWriter, request *http.Request) {
	ceremonyID := request.URL.Query().Get("ceremony_id")
	email := request.URL.Query().Get("email")
	if ceremonyID == "" || email == "" {
		respond.Error(writer, request, apperr.Unauthorized("Malformed ceremony"))
		return
	}

	user, err := handler.passkeys.FinishLogin(request.Context(), email, ceremonyID, request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	sess, assessment, err := handler.authService.EstablishSession(request.Context(),
		user, "passkey", requestutil.ClientIP(request), request.UserAgent())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setSessionCookie(writer, sess)
	respond.OK(writer, loginResponse{User: user, SessionID: sess.ID, RiskLevel: assessment.Level})
}

/*
POST /api/v1/auth/passkey/register/begin.

Description: Opens a credential creation ceremony for the authenticated user.
Registered credentials are excluded so an authenticator cannot enroll twice.

Response:
  - 200: ceremonyResponse: Options for navigator.credentials.create
  - 401: Unauthorized: Anonymous caller
*/
func (handler *Handler) beginPasskeyRegistration(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accounts.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	options, ceremonyID, err := handler.passkeys.BeginRegistration(request.Context(), user)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, ceremonyResponse{CeremonyID: ceremonyID, Options: options})
}

/*
POST /api/v1/auth/passkey/register/finish.

Description: Validates the attestation and stores the credential. The body is
the raw credential JSON; the ceremony id and optional friendly name travel as
query parameters.

Request:
  - query ceremony_id: Ceremony id from begin
  - query name: Friendly name for the credential, optional
  - body: Attestation response from navigator.credentials.create

Response:
  - 201: PasskeyCredential: Stored credential
  - 401: Unauthorized: Attestation rejected or expired ceremony
  - 409: Conflict: Credential already registered
*/
func (handler *Handler) finishPasskeyRegistration(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accounts.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	ceremonyID := request.URL.Query().Get("ceremony_id")
	if ceremonyID == "" {
		respond.Error(writer, request, apperr.Unauthorized("Malformed ceremony"))
		return
	}

	credential, err := handler.passkeys.FinishRegistration(request.Context(),
		user, ceremonyID, request.URL.Query().Get("name"), request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, credential)
}

// # Credential Management Endpoints

/*
GET /api/v1/auth/passkeys.

Description: Lists the authenticated user's registered passkeys.

Response:
  - 200: []PasskeyCredential
*/
func (handler *Handler) listPasskeys(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accounts.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	credentials, err := handler.passkeys.ListPasskeys(request.Context(), user.ID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, credentials)
}

// renamePasskeyRequest carries the new friendly name.
type renamePasskeyRequest struct {
	FriendlyName string `json:"friendly_name"`
}

/*
PATCH /api/v1/auth/passkeys/{credentialID}.

Description: Relabels one of the caller's passkeys.

Request:
  - body: renamePasskeyRequest

Response:
  - 204: NoContent
  - 404: NotFound: Not the caller's credential
*/
func (handler *Handler) renamePasskey(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accounts.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input renamePasskeyRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("friendly_name", input.FriendlyName).MaxLen("friendly_name", input.FriendlyName, 100)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	err = handler.passkeys.RenamePasskey(request.Context(), user.ID,
		requestutil.Param(request, "credentialID"), input.FriendlyName)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}

/*
DELETE /api/v1/auth/passkeys/{credentialID}.

Description: Removes one of the caller's passkeys.

Response:
  - 204: NoContent
  - 404: NotFound: Not the caller's credential
*/
func (handler *Handler) removePasskey(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accounts.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	err = handler.passkeys.RemovePasskey(request.Context(), user.ID, requestutil.Param(request, "credentialID"))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}

// # Session Management Endpoints

/*
GET /api/v1/auth/sessions.

Description: Lists the caller's live sessions across devices.

Response:
  - 200: []session.Session
*/
func (handler *Handler) listSessions(writer http.ResponseWriter, request *http.Request) {
	subject, err := requestutil.RequiredSubject(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	sessions, err := handler.authService.ListSessions(request.Context(), subject)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.OK(writer, sessions)
}

/*
DELETE /api/v1/auth/sessions/{sessionID}.

Description: Revokes one of the caller's own sessions. Session ids belonging
to other principals are reported as NotFound.

Response:
  - 204: NoContent
  - 404: NotFound: Unknown or foreign session id
*/
func (handler *Handler) revokeSession(writer http.ResponseWriter, request *http.Request) {
	subject, err := requestutil.RequiredSubject(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	err = handler.authService.RevokeSession(request.Context(), subject, requestutil.Param(request, "sessionID"))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}
	respond.NoContent(writer)
}
