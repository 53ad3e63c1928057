// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// # Password Policy

// PolicyConfig drives [PasswordPolicy] from deployment configuration.
type PolicyConfig struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	// CustomRegex, when non-empty, is an additional pattern the password
	// must match (e.g., a corporate complexity rule).
	CustomRegex string
	// BreachCheckURL is the base of a k-anonymity range API. Empty disables
	// the breach check entirely.
	BreachCheckURL string
}

// PasswordPolicy validates candidate passwords against length rules,
// character-class rules, an optional custom pattern, and a breached-password
// corpus reached over a k-anonymity range API.
//
// The breach check is fail-open: an unreachable or misbehaving corpus is
// logged at warn level and never blocks the user.
type PasswordPolicy struct {
	config        PolicyConfig
	customPattern *regexp.Regexp
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewPasswordPolicy compiles the policy. An invalid custom regex is a
// deployment error and fails construction.
func NewPasswordPolicy(config PolicyConfig, logger *slog.Logger) (*PasswordPolicy, error) {
	if config.MaxLength <= 0 || config.MaxLength > sec.MaxPasswordBytes {
		config.MaxLength = sec.MaxPasswordBytes
	}

	policy := &PasswordPolicy{
		config:     config,
		httpClient: &http.Client{Timeout: constants.ExternalHTTPTimeout},
		logger:     logger,
	}

	if config.CustomRegex != "" {
		pattern, err := regexp.Compile(config.CustomRegex)
		if err != nil {
			return nil, fmt.Errorf("identity: invalid password policy regex: %w", err)
		}
		policy.customPattern = pattern
	}

	return policy, nil
}

/*
Validate checks a raw password against every policy rule.

Description: Local rules run first and accumulate into a single
VALIDATION_ERROR with per-field details. The remote breach check only runs
when local rules pass, and its failure is non-blocking.

Parameters:
  - ctx: context.Context
  - raw: Candidate password (never logged, never stored)

Returns:
  - error: apperr.ValidationError on policy violations; nil otherwise
*/
func (policy *PasswordPolicy) Validate(ctx context.Context, raw string) error {
	var details []apperr.FieldError
	add := func(message string) {
		details = append(details, apperr.FieldError{Field: "password", Message: message})
	}

	if len(raw) < policy.config.MinLength {
		add(fmt.Sprintf("Must be at least %d characters", policy.config.MinLength))
	}
	if len(raw) > policy.config.MaxLength {
		add(fmt.Sprintf("Must be at most %d characters", policy.config.MaxLength))
	}

	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range raw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSpecial = true
		}
	}

	if policy.config.RequireUpper && !hasUpper {
		add("Must contain an uppercase letter")
	}
	if policy.config.RequireDigit && !hasDigit {
		add("Must contain a digit")
	}
	if policy.config.RequireSpecial && !hasSpecial {
		add("Must contain a special character")
	}
	if policy.customPattern != nil && !policy.customPattern.MatchString(raw) {
		add("Does not meet the password complexity requirements")
	}

	if len(details) > 0 {
		return apperr.ValidationError("Password does not meet the policy", details...)
	}

	if policy.isBreached(ctx, raw) {
		return apperr.ValidationError("Password does not meet the policy",
			apperr.FieldError{Field: "password", Message: "This password appears in a known data breach"})
	}

	return nil
}

// isBreached consults the k-anonymity range API: only the first five hex
// characters of the SHA-1 digest leave the process; the response lists
// suffixes sharing that prefix.
func (policy *PasswordPolicy) isBreached(ctx context.Context, raw string) bool {
	if policy.config.BreachCheckURL == "" {
		return false
	}

	digest := sha1.Sum([]byte(raw))
	full := strings.ToUpper(hex.EncodeToString(digest[:]))
	prefix, suffix := full[:5], full[5:]

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(policy.config.BreachCheckURL, "/")+"/"+prefix, nil)
	if err != nil {
		policy.logger.Warn("breach_check_request_failed", slog.String("error", err.Error()))
		return false
	}

	response, err := policy.httpClient.Do(request)
	if err != nil {
		// Fail-open: availability of the corpus never blocks registration.
		policy.logger.Warn("breach_check_unreachable", slog.String("error", err.Error()))
		return false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		policy.logger.Warn("breach_check_unexpected_status", slog.Int("status", response.StatusCode))
		return false
	}

	scanner := bufio.NewScanner(response.Body)
	for scanner.Scan() {
		line := scanner.Text()
		candidate, _, found := strings.Cut(line, ":")
		if found && strings.EqualFold(candidate, suffix) {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		policy.logger.Warn("breach_check_read_failed", slog.String("error", err.Error()))
	}

	return false
}
