// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

const (
	rememberMeSeriesBytes = 16
	rememberMeTokenBytes  = 32
)

// RememberMeCookie is the (series, token) pair handed to the browser. The
// token is returned in the clear exactly once; only its hash is stored.
type RememberMeCookie struct {
	Series string
	Token  string
}

// RememberMeManager implements series/token persistent logins.
//
// Redemption rotates the token within its series. A presented token that does
// not match the stored hash for an existing series means an attacker replayed
// a stolen cookie after the legitimate client rotated it; every series of that
// principal is revoked in response.
type RememberMeManager struct {
	store  RememberMeRepository
	events identity.SecurityEventRecorder
	ttl    time.Duration
	logger *slog.Logger
}

// NewRememberMeManager constructs the persistent-login manager.
func NewRememberMeManager(store RememberMeRepository, events identity.SecurityEventRecorder, ttl time.Duration, logger *slog.Logger) *RememberMeManager {
	return &RememberMeManager{store: store, events: events, ttl: ttl, logger: logger}
}

/*
Issue creates a fresh series for a principal that opted into remember-me.

Parameters:
  - ctx: context.Context
  - principalName: Stable principal identifier

Returns:
  - *RememberMeCookie: Series and clear-text token for the cookie
  - error: Generation or storage errors
*/
func (manager *RememberMeManager) Issue(ctx context.Context, principalName string) (*RememberMeCookie, error) {
	series, err := sec.GenerateSecureToken(rememberMeSeriesBytes)
	if err != nil {
		return nil, fmt.Errorf("authn_remember_me_series_failed: %w", err)
	}
	token, err := sec.GenerateSecureToken(rememberMeTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("authn_remember_me_token_failed: %w", err)
	}

	login := &PersistentLogin{
		Series:        series,
		PrincipalName: principalName,
		TokenHash:     sec.HashToken(token),
	}
	if err := manager.store.Create(ctx, login); err != nil {
		return nil, err
	}

	return &RememberMeCookie{Series: series, Token: token}, nil
}

/*
Redeem exchanges a presented cookie for a principal and a rotated cookie.

Description: An unknown series is rejected as a plain invalid cookie. A known
series with a mismatched token is treated as cookie theft: every series of the
principal is revoked and an audit event is recorded. An expired series is
deleted and rejected. On success the token rotates in place and the new
cookie is returned for the Set-Cookie response.

Parameters:
  - ctx: context.Context
  - series: Series from the cookie
  - token: Clear-text token from the cookie

Returns:
  - string: Principal name the series belongs to
  - *RememberMeCookie: Rotated cookie to set
  - error: apperr.Unauthorized on any rejection
*/
func (manager *RememberMeManager) Redeem(ctx context.Context, series, token string) (string, *RememberMeCookie, error) {
	login, err := manager.store.FindBySeries(ctx, series)
	if err != nil {
		return "", nil, apperr.Unauthorized("Invalid remember-me cookie")
	}

	if !sec.ConstantTimeEquals(login.TokenHash, sec.HashToken(token)) {
		manager.logger.Warn("remember_me_theft_detected", slog.String("principal", login.PrincipalName))
		manager.events.RecordEvent(ctx, login.PrincipalName, "REMEMBER_ME_THEFT", "stale token presented for series")
		if err := manager.store.DeleteAllForPrincipal(ctx, login.PrincipalName); err != nil {
			manager.logger.Error("remember_me_revocation_failed",
				slog.String("principal", login.PrincipalName), slog.String("error", err.Error()))
		}
		return "", nil, apperr.Unauthorized("Invalid remember-me cookie")
	}

	if time.Since(login.LastUsedAt) > manager.ttl {
		if err := manager.store.DeleteSeries(ctx, series); err != nil {
			manager.logger.Warn("remember_me_expiry_cleanup_failed", slog.String("error", err.Error()))
		}
		return "", nil, apperr.Unauthorized("Remember-me cookie expired")
	}

	next, err := sec.GenerateSecureToken(rememberMeTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("authn_remember_me_rotation_failed: %w", err)
	}
	if err := manager.store.RotateToken(ctx, series, sec.HashToken(next), time.Now()); err != nil {
		return "", nil, err
	}

	return login.PrincipalName, &RememberMeCookie{Series: series, Token: next}, nil
}

// Forget removes a single series (logout from this device).
func (manager *RememberMeManager) Forget(ctx context.Context, series string) error {
	return manager.store.DeleteSeries(ctx, series)
}

// RevokeAllForUser removes every series of a principal. Satisfies the
// identity package's RememberMeRevoker port.
func (manager *RememberMeManager) RevokeAllForUser(ctx context.Context, principalName string) error {
	return manager.store.DeleteAllForPrincipal(ctx, principalName)
}

var _ identity.RememberMeRevoker = (*RememberMeManager)(nil)
