// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"log/slog"

	"github.com/taibuivan/veyra/internal/cache"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// retryAfterSeconds is the hint returned with throttling errors.
const retryAfterSeconds = 60

// Service is the risk engine facade consumed by the authentication
// coordinator and the account manager.
//
// It satisfies the identity package's RegistrationGate, DeviceRecorder, and
// SecurityEventRecorder ports.
type Service struct {
	tracker   *FailureTracker
	captcha   *CaptchaVerifier
	analyzer  *Analyzer
	blocklist IPBlocklistRepository
	devices   FingerprintRepository
	events    SecurityEventRepository
	readCache *cache.Cache
	settings  Settings
	logger    *slog.Logger
}

// NewService constructs the risk engine.
func NewService(
	tracker *FailureTracker,
	captcha *CaptchaVerifier,
	analyzer *Analyzer,
	blocklist IPBlocklistRepository,
	devices FingerprintRepository,
	events SecurityEventRepository,
	readCache *cache.Cache,
	settings Settings,
	logger *slog.Logger,
) *Service {
	return &Service{
		tracker:   tracker,
		captcha:   captcha,
		analyzer:  analyzer,
		blocklist: blocklist,
		devices:   devices,
		events:    events,
		readCache: readCache,
		settings:  settings,
		logger:    logger,
	}
}

// isBlocked consults the blocklist through the ip-block cache region.
// Lookup failures fail-open with a warning.
func (service *Service) isBlocked(ctx context.Context, ip string) bool {
	lookup := func(ctx context.Context) (bool, error) {
		return service.blocklist.IsBlocked(ctx, ip)
	}

	var blocked bool
	var err error
	if service.readCache != nil {
		blocked, err = cache.LoadOrCompute(ctx, service.readCache, cache.RegionIPBlock, ip, lookup)
	} else {
		blocked, err = lookup(ctx)
	}
	if err != nil {
		service.logger.Warn("ip_blocklist_check_failed", slog.String("ip", ip), slog.String("error", err.Error()))
		return false
	}
	return blocked
}

// # Gates

/*
CheckRegistration is the pre-flight for account creation.

Description: Blocked addresses are rejected outright. Registration attempts
per IP count against a sliding window; past the CAPTCHA threshold, a valid
CAPTCHA token is mandatory.

Parameters:
  - ctx: context.Context
  - ip: Client IP
  - captchaToken: CAPTCHA response, possibly empty

Returns:
  - error: apperr.Forbidden or apperr.TooManyAttempts; nil to proceed
*/
func (service *Service) CheckRegistration(ctx context.Context, ip, captchaToken string) error {
	if service.isBlocked(ctx, ip) {
		service.RecordEvent(ctx, "", "REGISTRATION_BLOCKED_IP", ip)
		return apperr.Forbidden("Requests from this address are not accepted")
	}

	count, err := service.tracker.RecordRegistration(ctx, ip)
	if err != nil {
		// Tracker outage degrades to CAPTCHA-always when one is configured.
		service.logger.Warn("registration_tracker_failed", slog.String("error", err.Error()))
		count = int64(service.settings.CaptchaThreshold) + 1
	}

	if count > int64(service.settings.CaptchaThreshold) {
		if !service.captcha.Verify(ctx, captchaToken, ip) {
			return apperr.TooManyAttempts(retryAfterSeconds)
		}
	}

	return nil
}

/*
CheckLogin is the pre-flight for authentication attempts.

Description: Blocked addresses are rejected. When the identifier or the IP
failure window has reached the CAPTCHA threshold, a valid CAPTCHA token is
required to continue.

Parameters:
  - ctx: context.Context
  - identifier: Login identifier as typed (normalized internally)
  - ip: Client IP
  - captchaToken: CAPTCHA response, possibly empty

Returns:
  - error: apperr.Forbidden or apperr.TooManyAttempts; nil to proceed
*/
func (service *Service) CheckLogin(ctx context.Context, identifier, ip, captchaToken string) error {
	if service.isBlocked(ctx, ip) {
		service.RecordEvent(ctx, identity.NormalizeEmail(identifier), "LOGIN_BLOCKED_IP", ip)
		return apperr.Forbidden("Requests from this address are not accepted")
	}

	identifierCount, ipCount, err := service.tracker.Failures(ctx, identity.NormalizeEmail(identifier), ip)
	if err != nil {
		service.logger.Warn("failure_tracker_unavailable", slog.String("error", err.Error()))
		return nil // fail-open; account lockout still protects the credential
	}

	threshold := int64(service.settings.CaptchaThreshold)
	if identifierCount >= threshold || ipCount >= threshold {
		if !service.captcha.Verify(ctx, captchaToken, ip) {
			return apperr.TooManyAttempts(retryAfterSeconds)
		}
	}

	return nil
}

// ReportFailure records a failed login on both sliding windows.
func (service *Service) ReportFailure(ctx context.Context, identifier, ip string) {
	if _, _, err := service.tracker.RecordFailure(ctx, identity.NormalizeEmail(identifier), ip); err != nil {
		service.logger.Warn("failure_record_failed", slog.String("error", err.Error()))
	}
}

// ReportSuccess clears the identifier window. The IP window ages out on its
// own so a mixed attack cannot wash its IP by succeeding on one account.
func (service *Service) ReportSuccess(ctx context.Context, identifier string) {
	if err := service.tracker.ResetIdentifier(ctx, identity.NormalizeEmail(identifier)); err != nil {
		service.logger.Warn("failure_reset_failed", slog.String("error", err.Error()))
	}
}

// # Scoring

/*
AssessLogin scores a successful authentication's context.

Description: Geo/travel/ASN analysis produces the level and alerts; every
alert is also appended to the audit trail. UNKNOWN is reported as-is — the
caller decides whether to escalate verification.

Parameters:
  - ctx: context.Context
  - principalName: Stable principal identifier
  - ip: Client IP

Returns:
  - Assessment: Level plus alerts
*/
func (service *Service) AssessLogin(ctx context.Context, principalName, ip string) Assessment {
	assessment := service.analyzer.AnalyzeLocation(ctx, principalName, ip)

	for _, alert := range assessment.Alerts {
		service.RecordEvent(ctx, principalName, alert.Kind, alert.Detail)
	}
	if assessment.Level.IsHigh() {
		service.logger.Warn("high_risk_login",
			slog.String("principal", principalName),
			slog.String("ip", ip),
			slog.String("level", string(assessment.Level)),
		)
	}

	return assessment
}

// # Device Fingerprints

/*
RecordLoginDevice upserts the device fingerprint observed on a successful
login and promotes it to trusted after enough verified logins.

Parameters:
  - ctx: context.Context
  - userID: Internal user id
  - info: Device observation from the identity service

Returns:
  - error: Storage errors
*/
func (service *Service) RecordLoginDevice(ctx context.Context, userID int64, info identity.DeviceInfo) error {
	fingerprint := &DeviceFingerprint{
		UserID:           userID,
		FingerprintHash:  sec.HashToken(info.FingerprintHash),
		DeviceName:       info.DeviceName,
		LastKnownIP:      info.IPAddress,
		LastKnownCountry: info.Country,
		BrowserInfo:      info.BrowserInfo,
		Source:           info.Source,
	}

	if err := service.devices.Upsert(ctx, fingerprint); err != nil {
		return err
	}

	if !fingerprint.Trusted && fingerprint.SuccessfulLogins >= service.settings.DeviceTrustLogins {
		if err := service.devices.SetTrusted(ctx, userID, fingerprint.FingerprintHash, true); err != nil {
			service.logger.Warn("device_trust_promotion_failed",
				slog.Int64("user_id", userID), slog.String("error", err.Error()))
		}
	}

	return nil
}

// IsKnownDevice reports whether an active fingerprint exists for the hash.
func (service *Service) IsKnownDevice(ctx context.Context, userID int64, rawFingerprint string) bool {
	if rawFingerprint == "" {
		return false
	}
	_, err := service.devices.FindActive(ctx, userID, sec.HashToken(rawFingerprint))
	return err == nil
}

// TrustDevice marks a fingerprint as explicitly trusted (user action).
func (service *Service) TrustDevice(ctx context.Context, userID int64, rawFingerprint string) error {
	return service.devices.SetTrusted(ctx, userID, sec.HashToken(rawFingerprint), true)
}

// ListDevices returns the user's active fingerprints.
func (service *Service) ListDevices(ctx context.Context, userID int64) ([]DeviceFingerprint, error) {
	return service.devices.ListForUser(ctx, userID)
}

// DeactivateFingerprintsForUser is the account-deletion cascade entry.
func (service *Service) DeactivateFingerprintsForUser(ctx context.Context, userID int64) error {
	return service.devices.DeactivateAllForUser(ctx, userID)
}

// # Audit

// RecordEvent appends to the security audit trail. Best-effort: audit
// storage failures are logged, never propagated.
func (service *Service) RecordEvent(ctx context.Context, principalName, kind, detail string) {
	event := &SecurityEvent{
		PrincipalName: principalName,
		Kind:          kind,
		Detail:        detail,
	}
	if err := service.events.Append(ctx, event); err != nil {
		service.logger.Warn("security_event_append_failed",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// EventsForPrincipal reads the newest audit entries for a principal.
func (service *Service) EventsForPrincipal(ctx context.Context, principalName string, limit int) ([]SecurityEvent, error) {
	return service.events.ListForPrincipal(ctx, principalName, limit)
}

// Compile-time conformance with the identity ports.
var (
	_ identity.RegistrationGate      = (*Service)(nil)
	_ identity.DeviceRecorder        = (*Service)(nil)
	_ identity.SecurityEventRecorder = (*Service)(nil)
)
