// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import "net/http"

// ProtocolError is an RFC 6749 error response. The token and device endpoints
// speak this wire format instead of the platform envelope: OAuth2 clients
// dispatch on the `error` member, so the shape is part of the protocol.
type ProtocolError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	HTTPStatus  int    `json:"-"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string { return e.Code + ": " + e.Description }

func errInvalidRequest(description string) *ProtocolError {
	return &ProtocolError{Code: "invalid_request", Description: description, HTTPStatus: http.StatusBadRequest}
}

func errInvalidClient() *ProtocolError {
	return &ProtocolError{Code: "invalid_client", Description: "Client authentication failed", HTTPStatus: http.StatusUnauthorized}
}

func errInvalidGrant(description string) *ProtocolError {
	return &ProtocolError{Code: "invalid_grant", Description: description, HTTPStatus: http.StatusBadRequest}
}

func errUnauthorizedClient(description string) *ProtocolError {
	return &ProtocolError{Code: "unauthorized_client", Description: description, HTTPStatus: http.StatusBadRequest}
}

func errUnsupportedGrantType() *ProtocolError {
	return &ProtocolError{Code: "unsupported_grant_type", HTTPStatus: http.StatusBadRequest}
}

func errInvalidScope(description string) *ProtocolError {
	return &ProtocolError{Code: "invalid_scope", Description: description, HTTPStatus: http.StatusBadRequest}
}

// RFC 8628 device-flow polling results.

func errAuthorizationPending() *ProtocolError {
	return &ProtocolError{Code: "authorization_pending", Description: "The user has not yet completed authorization", HTTPStatus: http.StatusBadRequest}
}

func errSlowDown() *ProtocolError {
	return &ProtocolError{Code: "slow_down", Description: "Polling too frequently", HTTPStatus: http.StatusBadRequest}
}

func errAccessDenied() *ProtocolError {
	return &ProtocolError{Code: "access_denied", Description: "The user denied the request", HTTPStatus: http.StatusBadRequest}
}

func errExpiredToken() *ProtocolError {
	return &ProtocolError{Code: "expired_token", Description: "The device code has expired", HTTPStatus: http.StatusBadRequest}
}
