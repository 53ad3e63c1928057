// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package authn is the authentication front door: password logins, WebAuthn
passkeys, upstream federation, and remember-me persistent logins.

The package owns no account state of its own beyond credentials. Account
bookkeeping (lockout counters, last-login stamps) stays with the identity
package; risk scoring stays with the risk package. This package coordinates
them and turns a successful verification into a server-side session.

Failed password logins are indistinguishable to the caller: unknown email,
wrong password, and disabled account all produce the same Unauthorized
response. Only an active lockout is surfaced distinctly, with a Retry-After
hint, since the legitimate owner needs to know why their correct password
stopped working.
*/
package authn

import (
	"context"
	"log/slog"
	"time"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/risk"
	"github.com/taibuivan/veyra/internal/session"
)

// # Collaborator Ports

// LoginGate is the risk-engine surface consulted around every password login.
type LoginGate interface {
	CheckLogin(ctx context.Context, identifier, ip, captchaToken string) error
	ReportFailure(ctx context.Context, identifier, ip string)
	ReportSuccess(ctx context.Context, identifier string)
	AssessLogin(ctx context.Context, principalName, ip string) risk.Assessment
}

// AccountHook is the identity-service surface for login bookkeeping.
type AccountHook interface {
	HandleFailedLogin(ctx context.Context, identifier string)
	HandleSuccessfulLogin(ctx context.Context, identifier string, device *identity.DeviceInfo)
}

// SessionStore is the subset of the session store the coordinator needs.
type SessionStore interface {
	Save(ctx context.Context, sess *session.Session) error
	FindByPrincipalName(ctx context.Context, principalName string) ([]session.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// # Coordinator

// Service coordinates authentication flows.
type Service struct {
	users      identity.UserRepository
	accounts   AccountHook
	gate       LoginGate
	sessions   SessionStore
	rememberMe *RememberMeManager
	events     identity.SecurityEventRecorder
	logger     *slog.Logger
}

// ServiceDeps bundles the coordinator's collaborators.
type ServiceDeps struct {
	Users      identity.UserRepository
	Accounts   AccountHook
	Gate       LoginGate
	Sessions   SessionStore
	RememberMe *RememberMeManager
	Events     identity.SecurityEventRecorder
	Logger     *slog.Logger
}

// NewService constructs the authentication coordinator.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		users:      deps.Users,
		accounts:   deps.Accounts,
		gate:       deps.Gate,
		sessions:   deps.Sessions,
		rememberMe: deps.RememberMe,
		events:     deps.Events,
		logger:     deps.Logger,
	}
}

// LoginInput carries one password login attempt.
type LoginInput struct {
	Email        string
	Password     string
	CaptchaToken string
	RememberMe   bool

	IPAddress string
	UserAgent string

	// Device is the optional fingerprint observation forwarded to the
	// account manager on success.
	Device *identity.DeviceInfo
}

// LoginResult is a successfully established authentication.
type LoginResult struct {
	User       *identity.User
	Session    *session.Session
	RememberMe *RememberMeCookie
	Risk       risk.Assessment
}

/*
Login verifies a password credential and establishes a session.

Description: The risk pre-flight runs before any account lookup so throttling
and CAPTCHA challenges apply uniformly to known and unknown identifiers. An
active lockout is the only failure reported distinctly; every other rejection
is the same Unauthorized. Failures feed both the per-account lockout counter
and the sliding failure windows.

Parameters:
  - ctx: context.Context
  - input: LoginInput

Returns:
  - *LoginResult: Session, optional remember-me cookie, risk assessment
  - error: apperr.TooManyAttempts, apperr.Locked, or apperr.Unauthorized
*/
func (service *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if err := service.gate.CheckLogin(ctx, input.Email, input.IPAddress, input.CaptchaToken); err != nil {
		return nil, err
	}

	user, err := service.users.FindActiveByEmail(ctx, identity.NormalizeEmail(input.Email))
	if err != nil {
		service.gate.ReportFailure(ctx, input.Email, input.IPAddress)
		return nil, apperr.Unauthorized("Invalid credentials")
	}

	now := time.Now()
	if user.Status.IsLockedAt(now) {
		retryAfter := 0
		if user.Status.LockoutExpirationTime != nil {
			retryAfter = int(time.Until(*user.Status.LockoutExpirationTime).Seconds())
		}
		service.events.RecordEvent(ctx, user.PrincipalName(), "LOGIN_WHILE_LOCKED", input.IPAddress)
		return nil, apperr.Locked("Account is temporarily locked", retryAfter)
	}

	if !user.CanAuthenticate(now) || !user.HasPassword() ||
		!sec.CheckPasswordHash(input.Password, *user.PasswordHash) {
		service.accounts.HandleFailedLogin(ctx, input.Email)
		service.gate.ReportFailure(ctx, input.Email, input.IPAddress)
		return nil, apperr.Unauthorized("Invalid credentials")
	}

	service.accounts.HandleSuccessfulLogin(ctx, input.Email, input.Device)
	service.gate.ReportSuccess(ctx, input.Email)

	sess, assessment, err := service.EstablishSession(ctx, user, "password", input.IPAddress, input.UserAgent)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{User: user, Session: sess, Risk: assessment}

	if input.RememberMe {
		cookie, err := service.rememberMe.Issue(ctx, user.PrincipalName())
		if err != nil {
			// The login itself succeeded; a missing cookie only costs the
			// user a future password prompt.
			service.logger.Warn("remember_me_issue_failed",
				slog.String("principal", user.PrincipalName()), slog.String("error", err.Error()))
		} else {
			result.RememberMe = cookie
		}
	}

	return result, nil
}

/*
EstablishSession creates and persists a session for an already verified user.

Description: Shared tail of every authentication method. The risk assessment
runs here so passkey, federated, and remember-me logins get the same location
scoring as passwords; the method and risk level travel as session attributes.

Parameters:
  - ctx: context.Context
  - user: Verified account
  - method: Authentication method label ("password", "passkey", ...)
  - ip: Client IP
  - userAgent: Client user agent

Returns:
  - *session.Session: Persisted session
  - risk.Assessment: Login risk score
  - error: Storage errors
*/
func (service *Service) EstablishSession(ctx context.Context, user *identity.User, method, ip, userAgent string) (*session.Session, risk.Assessment, error) {
	assessment := service.gate.AssessLogin(ctx, user.PrincipalName(), ip)

	sess := session.New(user.PrincipalName(), ip, userAgent)
	_ = sess.SetAttribute("auth_method", method)
	_ = sess.SetAttribute("risk_level", string(assessment.Level))

	if err := service.sessions.Save(ctx, sess); err != nil {
		return nil, assessment, err
	}

	service.events.RecordEvent(ctx, user.PrincipalName(), "LOGIN_SUCCESS", method+" from "+ip)
	return sess, assessment, nil
}

/*
LoginWithRememberMe redeems a persistent-login cookie for a fresh session.

Description: The cookie rotates on success. Theft detection and series
revocation live in the manager; this wrapper resolves the principal to an
account, re-checks that it may still authenticate, and establishes a session
marked as remember-me so sensitive operations can demand a fresh login.

Parameters:
  - ctx: context.Context
  - series: Series from the cookie
  - token: Clear-text token from the cookie
  - ip: Client IP
  - userAgent: Client user agent

Returns:
  - *LoginResult: Session plus the rotated cookie
  - error: apperr.Unauthorized on any rejection
*/
func (service *Service) LoginWithRememberMe(ctx context.Context, series, token, ip, userAgent string) (*LoginResult, error) {
	principal, rotated, err := service.rememberMe.Redeem(ctx, series, token)
	if err != nil {
		return nil, err
	}

	user, err := service.users.FindActiveByEmail(ctx, principal)
	if err != nil || !user.CanAuthenticate(time.Now()) {
		return nil, apperr.Unauthorized("Invalid remember-me cookie")
	}

	sess, assessment, err := service.EstablishSession(ctx, user, "remember_me", ip, userAgent)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Session: sess, RememberMe: rotated, Risk: assessment}, nil
}

/*
Logout tears down the caller's session and, when presented, their
remember-me series.

Parameters:
  - ctx: context.Context
  - sessionID: Session to delete, may be empty
  - series: Remember-me series to forget, may be empty

Returns:
  - error: Storage errors on the session delete
*/
func (service *Service) Logout(ctx context.Context, sessionID, series string) error {
	if series != "" {
		if err := service.rememberMe.Forget(ctx, series); err != nil {
			service.logger.Warn("remember_me_forget_failed", slog.String("error", err.Error()))
		}
	}
	if sessionID == "" {
		return nil
	}
	return service.sessions.DeleteByID(ctx, sessionID)
}

// ListSessions returns the principal's live sessions.
func (service *Service) ListSessions(ctx context.Context, principalName string) ([]session.Session, error) {
	return service.sessions.FindByPrincipalName(ctx, principalName)
}

// RevokeSession deletes one of the principal's own sessions. A session id
// belonging to someone else is NotFound, not Forbidden, to avoid confirming
// its existence.
func (service *Service) RevokeSession(ctx context.Context, principalName, sessionID string) error {
	sessions, err := service.sessions.FindByPrincipalName(ctx, principalName)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			return service.sessions.DeleteByID(ctx, sessionID)
		}
	}
	return apperr.NotFound("Session")
}
