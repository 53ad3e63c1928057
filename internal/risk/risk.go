// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package risk implements the adaptive risk engine.

It scores authentication attempts from several independent signals — failed
attempt velocity (per identifier and per IP), IP geolocation and travel
plausibility, ASN/VPN reputation, device fingerprints — and gates login and
registration behind rate limits and CAPTCHA when the signals demand it.

External collaborators (geo providers, the CAPTCHA verifier) are fail-open:
their unavailability degrades scoring, never availability of the service.
The one deliberate exception is geo resolution for a scored login: an
unresolvable location is UNKNOWN, and UNKNOWN is treated as HIGH.
*/
package risk

import (
	"time"
)

// # Risk Levels

// Level is the outcome band of an assessment.
type Level string

const (
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
	LevelUnknown Level = "UNKNOWN"
)

// rank orders levels for escalation. UNKNOWN ranks with HIGH.
func (level Level) rank() int {
	switch level {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	default:
		return 2
	}
}

// Escalate returns the more severe of two levels.
func (level Level) Escalate(other Level) Level {
	if other.rank() > level.rank() {
		return other
	}
	return level
}

// IsHigh reports whether the level demands the strictest handling.
// UNKNOWN counts: an unscoreable attempt is not a safe attempt.
func (level Level) IsHigh() bool {
	return level == LevelHigh || level == LevelUnknown
}

// # Alerts & Assessments

// Alert kinds.
const (
	AlertImpossibleTravel = "ImpossibleTravel"
	AlertVPNDetected      = "VpnDetected"
	AlertHighRiskCountry  = "HighRiskCountry"
	AlertBlockedIP        = "BlockedIp"
)

// SecurityAlert is one concrete finding attached to an assessment.
type SecurityAlert struct {
	Kind       string  `json:"kind"`
	Detail     string  `json:"detail,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`
	SpeedKmh   float64 `json:"speed_kmh,omitempty"`
	FromCity   string  `json:"from_city,omitempty"`
	ToCity     string  `json:"to_city,omitempty"`
}

// Assessment is the combined result of scoring one attempt.
type Assessment struct {
	Level  Level           `json:"level"`
	Alerts []SecurityAlert `json:"alerts,omitempty"`
}

// escalate folds a new signal into the assessment.
func (assessment *Assessment) escalate(level Level, alerts ...SecurityAlert) {
	assessment.Level = assessment.Level.Escalate(level)
	assessment.Alerts = append(assessment.Alerts, alerts...)
}

// # Settings

// Settings carries every policy knob of the engine, mapped from deployment
// configuration in the composition root.
type Settings struct {
	// Failure tracking.
	FailureWindow    time.Duration
	CaptchaThreshold int

	// Geo analysis.
	MaxTravelSpeedKmh    float64
	SuspiciousDistanceKm float64
	GeoHistoryWindow     time.Duration
	HighRiskCountries    []string

	// ASN reputation below this score counts as an anonymizer.
	VPNReputationThreshold float64

	// Unverified fingerprints become trusted after this many UV logins.
	DeviceTrustLogins int
}
