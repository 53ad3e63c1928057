// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"time"
)

// # Entities

// ASNEntry is reputation data for one autonomous system.
type ASNEntry struct {
	ASN          int64     `json:"asn"`
	Organization string    `json:"organization,omitempty"`
	KnownVPN     bool      `json:"known_vpn"`
	Reputation   float64   `json:"reputation"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeviceFingerprint is one observed login device for a user.
//
// At most one active row exists per (user, hash); deactivation is soft so
// history survives. A fingerprint becomes trusted by explicit user action or
// after enough user-verified logins.
type DeviceFingerprint struct {
	ID               int64      `json:"-"`
	UserID           int64      `json:"-"`
	FingerprintHash  string     `json:"fingerprint_hash"`
	DeviceName       string     `json:"device_name,omitempty"`
	LastKnownIP      string     `json:"last_known_ip,omitempty"`
	LastKnownCountry string     `json:"last_known_country,omitempty"`
	BrowserInfo      string     `json:"browser_info,omitempty"`
	Source           string     `json:"source,omitempty"`
	Active           bool       `json:"active"`
	Trusted          bool       `json:"trusted"`
	FailedAttempts   int        `json:"failed_attempts"`
	SuccessfulLogins int        `json:"successful_logins"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// SecurityEvent is one audit-trail entry.
type SecurityEvent struct {
	ID            int64     `json:"-"`
	PrincipalName string    `json:"principal_name"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// # Repository Ports

// ASNRepository reads and adjusts autonomous-system reputation data.
type ASNRepository interface {
	// FindByNumber returns nil (no error) when the ASN is unknown.
	FindByNumber(ctx context.Context, asn int64) (*ASNEntry, error)

	// AdjustReputation shifts the score by delta, clamped to [0, 1].
	AdjustReputation(ctx context.Context, asn int64, delta float64) error
}

// IPBlocklistRepository answers whether an address is administratively blocked.
type IPBlocklistRepository interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// FingerprintRepository persists device fingerprints.
type FingerprintRepository interface {
	FindActive(ctx context.Context, userID int64, fingerprintHash string) (*DeviceFingerprint, error)

	// Upsert inserts a new (user, hash) row or refreshes the existing active
	// one (last-used, IP, country, login counter).
	Upsert(ctx context.Context, fingerprint *DeviceFingerprint) error

	SetTrusted(ctx context.Context, userID int64, fingerprintHash string, trusted bool) error
	DeactivateAllForUser(ctx context.Context, userID int64) error
	ListForUser(ctx context.Context, userID int64) ([]DeviceFingerprint, error)
}

// SecurityEventRepository appends to and reads the audit trail.
type SecurityEventRepository interface {
	Append(ctx context.Context, event *SecurityEvent) error
	ListForPrincipal(ctx context.Context, principalName string, limit int) ([]SecurityEvent, error)
}
