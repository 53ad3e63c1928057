// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/taibuivan/veyra/internal/platform/constants"
)

// CaptchaVerifier validates CAPTCHA response tokens against the external
// provider's verify endpoint (reCAPTCHA-compatible wire shape).
//
// The verifier is fail-open on provider outages: an unreachable provider
// logs a warning and accepts the attempt. A reachable provider that says
// "no" is authoritative.
type CaptchaVerifier struct {
	verifyURL  string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCaptchaVerifier constructs the verifier. An empty verifyURL disables
// verification entirely (every token passes).
func NewCaptchaVerifier(verifyURL, secret string, logger *slog.Logger) *CaptchaVerifier {
	return &CaptchaVerifier{
		verifyURL:  verifyURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: constants.ExternalHTTPTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a provider is configured.
func (verifier *CaptchaVerifier) Enabled() bool { return verifier.verifyURL != "" }

/*
Verify checks a CAPTCHA response token.

Description: An empty token with verification enabled fails immediately —
the caller was told a CAPTCHA is required. Provider transport failures are
fail-open with a warning.

Parameters:
  - ctx: context.Context
  - token: CAPTCHA response token from the client
  - remoteIP: Client IP forwarded to the provider

Returns:
  - bool: Whether the attempt may proceed
*/
func (verifier *CaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	if !verifier.Enabled() {
		return true
	}
	if token == "" {
		return false
	}

	form := url.Values{}
	form.Set("secret", verifier.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		verifier.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		verifier.logger.Warn("captcha_request_build_failed", slog.String("error", err.Error()))
		return true
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := verifier.httpClient.Do(request)
	if err != nil {
		// Fail-open: provider outage never locks users out.
		verifier.logger.Warn("captcha_provider_unreachable", slog.String("error", err.Error()))
		return true
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		verifier.logger.Warn("captcha_provider_unexpected_status", slog.Int("status", response.StatusCode))
		return true
	}

	var payload struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		verifier.logger.Warn("captcha_response_decode_failed", slog.String("error", err.Error()))
		return true
	}

	return payload.Success
}
