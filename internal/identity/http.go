// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	requestutil "github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/validate"
	"github.com/taibuivan/veyra/pkg/pagination"
)

// Handler implements the HTTP layer for account management.
type Handler struct {
	accountService *Service
}

// NewHandler constructs a new account [Handler].
func NewHandler(service *Service) *Handler {
	return &Handler{accountService: service}
}

// PublicRoutes returns the unauthenticated account endpoints.
func (handler *Handler) PublicRoutes() chi.Router {
	router := chi.NewRouter()

	router.Post("/register", handler.register)
	router.Post("/password/forgot", handler.forgotPassword)
	router.Post("/password/reset", handler.resetPassword)
	router.Post("/email/verify", handler.verifyEmail)

	return router
}

// Routes returns the authenticated self-service endpoints. Mount behind
// RequireAuth.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Get("/me", handler.getMe)
	router.Patch("/me", handler.updateMe)
	router.Delete("/me", handler.deleteMe)
	router.Post("/me/password", handler.changePassword)

	return router
}

// AdminRoutes returns the administrative account endpoints. Mount behind
// RequireRole(ROLE_ADMIN).
func (handler *Handler) AdminRoutes() chi.Router {
	router := chi.NewRouter()

	router.Get("/", handler.listUsers)
	router.Get("/{id}", handler.getUser)
	router.Delete("/{id}", handler.deleteUser)
	router.Post("/{id}/password", handler.adminChangePassword)
	router.Post("/{id}/unlock", handler.unlockUser)
	router.Put("/{id}/enabled", handler.setEnabled)
	router.Post("/{id}/roles", handler.grantRole)
	router.Delete("/{id}/roles/{role}", handler.revokeRole)

	return router
}

// resolveUser maps the opaque public identifier in the URL to the aggregate.
func (handler *Handler) resolveUser(request *http.Request) (*User, error) {
	externalID := requestutil.Param(request, "id")
	if externalID == "" {
		return nil, apperr.NotFound("User")
	}
	return handler.accountService.GetUserByExternalID(request.Context(), externalID)
}

// # Registration Endpoints

// registerRequest defines the expected JSON payload for account creation.
type registerRequest struct {
	GivenName     string `json:"given_name"`
	MiddleName    string `json:"middle_name"`
	FamilyName    string `json:"family_name"`
	Nickname      string `json:"nickname"`
	Email         string `json:"email"`
	RecoveryEmail string `json:"recovery_email"`
	Phone         string `json:"phone"`
	PictureURL    string `json:"picture_url"`
	Password      string `json:"password"`
	CaptchaToken  string `json:"captcha_token"`
}

/*
POST /api/v1/auth/register.

Description: Provisions a new local account. The risk engine gates this
endpoint by IP rate and CAPTCHA when the address is under pressure.

Request:
  - body: registerRequest

Response:
  - 201: User: The created account
  - 400: Validation: Policy or format violations
  - 409: Conflict: Email already registered
  - 429: RateLimited: Registration pressure from this address
*/
func (handler *Handler) register(writer http.ResponseWriter, request *http.Request) {
	var input registerRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("email", input.Email).Email("email", input.Email)
	v.MaxLen("given_name", input.GivenName, 100).
		MaxLen("middle_name", input.MiddleName, 100).
		MaxLen("family_name", input.FamilyName, 100).
		MaxLen("nickname", input.Nickname, 100)
	if input.PictureURL != "" {
		v.URL("picture_url", input.PictureURL)
	}
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, err := handler.accountService.CreateUser(request.Context(), CreateUserInput{
		GivenName:     input.GivenName,
		MiddleName:    input.MiddleName,
		FamilyName:    input.FamilyName,
		Nickname:      input.Nickname,
		Email:         input.Email,
		RecoveryEmail: input.RecoveryEmail,
		Phone:         input.Phone,
		PictureURL:    input.PictureURL,
		Password:      input.Password,
		CaptchaToken:  input.CaptchaToken,
		IPAddress:     requestutil.ClientIP(request),
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, user)
}

// forgotPasswordRequest carries the claimed account email.
type forgotPasswordRequest struct {
	Email string `json:"email"`
}

/*
POST /api/v1/auth/password/forgot.

Description: Starts the password-reset flow. Always answers 204 so the
endpoint cannot be used to enumerate accounts.

Response:
  - 204: No Content: Flow started (or silently ignored)
*/
func (handler *Handler) forgotPassword(writer http.ResponseWriter, request *http.Request) {
	var input forgotPasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if _, err := handler.accountService.RequestPasswordReset(request.Context(), input.Email); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// resetPasswordRequest completes the reset flow.
type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

/*
POST /api/v1/auth/password/reset.

Description: Consumes a reset token and installs the new password. Every
session and remember-me series of the account is invalidated.

Response:
  - 204: No Content: Password replaced
  - 400: Validation: Policy violation
  - 404: NotFound: Invalid or expired token
*/
func (handler *Handler) resetPassword(writer http.ResponseWriter, request *http.Request) {
	var input resetPasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("token", input.Token).Required("new_password", input.NewPassword)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.ResetPassword(request.Context(), input.Token, input.NewPassword); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// verifyEmailRequest carries the single-use verification token.
type verifyEmailRequest struct {
	Token string `json:"token"`
}

/*
POST /api/v1/auth/email/verify.

Description: Confirms ownership of the primary email address.

Response:
  - 204: No Content: Email marked verified
  - 404: NotFound: Invalid or expired token
*/
func (handler *Handler) verifyEmail(writer http.ResponseWriter, request *http.Request) {
	var input verifyEmailRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.VerifyEmail(request.Context(), input.Token); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// # Self-Service Endpoints

/*
GET /api/v1/me.

Description: Retrieves the full private profile of the authenticated user.

Response:
  - 200: User: Fully hydrated account
  - 401: ErrUnauthorized: Authentication required
*/
func (handler *Handler) getMe(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.accountService.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

// updateMeRequest defines the expected JSON payload for profile updates.
// A missing field means "leave unchanged"; an empty string clears the value.
type updateMeRequest struct {
	GivenName     *string `json:"given_name"`
	MiddleName    *string `json:"middle_name"`
	FamilyName    *string `json:"family_name"`
	Nickname      *string `json:"nickname"`
	Phone         *string `json:"phone"`
	PictureURL    *string `json:"picture_url"`
	RecoveryEmail *string `json:"recovery_email"`
}

/*
PATCH /api/v1/me.

Description: Applies partial updates to the authenticated user's profile.

Request:
  - body: updateMeRequest (Partial JSON)

Response:
  - 200: User: The updated account
  - 400: ErrInvalidJSON/Validation: Invalid input data
  - 401: ErrUnauthorized: Authentication required
  - 409: Conflict: Recovery email already in use
*/
func (handler *Handler) updateMe(writer http.ResponseWriter, request *http.Request) {
	current, err := handler.accountService.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input updateMeRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	if input.GivenName != nil {
		v.MaxLen("given_name", *input.GivenName, 100)
	}
	if input.FamilyName != nil {
		v.MaxLen("family_name", *input.FamilyName, 100)
	}
	if input.Nickname != nil {
		v.MaxLen("nickname", *input.Nickname, 100)
	}
	if input.PictureURL != nil && *input.PictureURL != "" {
		v.URL("picture_url", *input.PictureURL)
	}
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, err := handler.accountService.UpdateUserProfile(request.Context(), current.ID, UpdateProfileInput{
		GivenName:     input.GivenName,
		MiddleName:    input.MiddleName,
		FamilyName:    input.FamilyName,
		Nickname:      input.Nickname,
		Phone:         input.Phone,
		PictureURL:    input.PictureURL,
		RecoveryEmail: input.RecoveryEmail,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

/*
DELETE /api/v1/me.

Description: Soft-deletes the authenticated account and runs the credential
and grant cascades.

Response:
  - 204: No Content: Account deleted
  - 401: ErrUnauthorized: Authentication required
*/
func (handler *Handler) deleteMe(writer http.ResponseWriter, request *http.Request) {
	current, err := handler.accountService.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.DeleteUserAccount(request.Context(), current.ID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// changePasswordRequest defines the self-service rotation payload.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

/*
POST /api/v1/me/password.

Description: Rotates the caller's password. Every other session is revoked;
the current one survives.

Response:
  - 204: No Content: Password changed
  - 400: Validation: Policy violation or password reuse
  - 401: ErrUnauthorized: Wrong current password
*/
func (handler *Handler) changePassword(writer http.ResponseWriter, request *http.Request) {
	current, err := handler.accountService.GetCurrentUser(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input changePasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("current_password", input.CurrentPassword).
		Required("new_password", input.NewPassword)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.ChangeUserPassword(request.Context(),
		current.ID, input.CurrentPassword, input.NewPassword); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// # Administrative Endpoints

/*
GET /api/v1/admin/users.

Description: Paginated account listing.

Request:
  - page, limit: Query parameters

Response:
  - 200: []User with pagination meta
  - 403: ErrForbidden: Admin authority required
*/
func (handler *Handler) listUsers(writer http.ResponseWriter, request *http.Request) {
	params := pagination.FromRequest(request)

	users, meta, err := handler.accountService.ListUsers(request.Context(), params)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, users, meta)
}

/*
GET /api/v1/admin/users/{id}.

Description: Retrieves a single account by its public identifier.

Response:
  - 200: User
  - 404: ErrNotFound: Unknown id
*/
func (handler *Handler) getUser(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

/*
DELETE /api/v1/admin/users/{id}.

Description: Soft-deletes an account on behalf of an administrator.

Response:
  - 204: No Content
  - 404: ErrNotFound: Unknown id
*/
func (handler *Handler) deleteUser(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.DeleteUserAccount(request.Context(), user.ID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// adminPasswordRequest carries the replacement credential.
type adminPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

/*
POST /api/v1/admin/users/{id}/password.

Description: Sets a new password without old-password verification. All of
the account's sessions AND outstanding OAuth2 authorizations are revoked.

Response:
  - 204: No Content
  - 400: Validation: Policy violation
  - 404: ErrNotFound: Unknown id
*/
func (handler *Handler) adminChangePassword(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input adminPasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.AdminChangeUserPassword(request.Context(), user.ID, input.NewPassword); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

/*
POST /api/v1/admin/users/{id}/unlock.

Description: Clears the lockout timer and failure counter.

Response:
  - 204: No Content
  - 404: ErrNotFound: Unknown id
*/
func (handler *Handler) unlockUser(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.AdminUnlockUser(request.Context(), user.ID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// setEnabledRequest toggles the account's enabled flag.
type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

/*
PUT /api/v1/admin/users/{id}/enabled.

Description: Enables or disables the account. Disabling forces
re-authentication everywhere.

Response:
  - 204: No Content
  - 404: ErrNotFound: Unknown id
*/
func (handler *Handler) setEnabled(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input setEnabledRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.AdminSetUserEnabled(request.Context(), user.ID, input.Enabled); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// grantRoleRequest names the role to grant.
type grantRoleRequest struct {
	Role string `json:"role"`
}

/*
POST /api/v1/admin/users/{id}/roles.

Description: Grants a role. The account's sessions, OAuth2 authorizations,
consents, and remember-me series are invalidated so the next token carries
the new authority set.

Response:
  - 204: No Content
  - 404: ErrNotFound: Unknown user or role
*/
func (handler *Handler) grantRole(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input grantRoleRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required("role", input.Role)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.AppendRole(request.Context(), user.ID, input.Role); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

/*
DELETE /api/v1/admin/users/{id}/roles/{role}.

Description: Revokes a role with the same invalidation cascade as a grant.

Response:
  - 204: No Content
  - 404: ErrNotFound: Unknown user or role
*/
func (handler *Handler) revokeRole(writer http.ResponseWriter, request *http.Request) {
	user, err := handler.resolveUser(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	roleName := requestutil.Param(request, "role")
	if roleName == "" {
		respond.Error(writer, request, apperr.NotFound("Role"))
		return
	}

	if err := handler.accountService.RevokeRole(request.Context(), user.ID, roleName); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}
