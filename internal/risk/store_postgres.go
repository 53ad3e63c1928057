// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/veyra/internal/platform/dberr"
)

// # ASN Repository (PostgreSQL)

// PostgresASNRepository implements [ASNRepository] using pgx.
type PostgresASNRepository struct {
	pool *pgxpool.Pool
}

// NewASNRepository creates a new PostgreSQL implementation of [ASNRepository].
func NewASNRepository(pool *pgxpool.Pool) *PostgresASNRepository {
	return &PostgresASNRepository{pool: pool}
}

// FindByNumber returns the ASN entry, or nil when no data exists for it.
func (repository *PostgresASNRepository) FindByNumber(ctx context.Context, asn int64) (*ASNEntry, error) {
	const query = `
		SELECT asn, organization, known_vpn, reputation, updated_at
		FROM asn_entries
		WHERE asn = $1`

	entry := &ASNEntry{}
	err := repository.pool.QueryRow(ctx, query, asn).Scan(
		&entry.ASN, &entry.Organization, &entry.KnownVPN, &entry.Reputation, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dberr.Wrap(err, "ASN")
	}

	return entry, nil
}

/*
AdjustReputation shifts an ASN's reputation score by delta, clamped to [0, 1].

Description: Detection outcomes feed back into the score over time. Unknown
ASNs are inserted at the neutral midpoint plus delta.

Parameters:
  - ctx: context.Context
  - asn: Autonomous system number
  - delta: Signed adjustment

Returns:
  - error: Storage errors
*/
func (repository *PostgresASNRepository) AdjustReputation(ctx context.Context, asn int64, delta float64) error {
	const query = `
		INSERT INTO asn_entries (asn, known_vpn, reputation, updated_at)
		VALUES ($1, FALSE, LEAST(1.0, GREATEST(0.0, 0.5 + $2)), $3)
		ON CONFLICT (asn) DO UPDATE SET
			reputation = LEAST(1.0, GREATEST(0.0, asn_entries.reputation + $2)),
			updated_at = $3`

	if _, err := repository.pool.Exec(ctx, query, asn, delta, time.Now()); err != nil {
		return dberr.Wrap(err, "ASN")
	}
	return nil
}

// # IP Blocklist Repository (PostgreSQL)

// PostgresIPBlocklistRepository implements [IPBlocklistRepository] using pgx.
type PostgresIPBlocklistRepository struct {
	pool *pgxpool.Pool
}

// NewIPBlocklistRepository creates a new PostgreSQL implementation of [IPBlocklistRepository].
func NewIPBlocklistRepository(pool *pgxpool.Pool) *PostgresIPBlocklistRepository {
	return &PostgresIPBlocklistRepository{pool: pool}
}

// IsBlocked reports whether the address has an unexpired blocklist row and
// no overriding whitelist row.
func (repository *PostgresIPBlocklistRepository) IsBlocked(ctx context.Context, ip string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM ip_blocklist
			WHERE ip_address = $1 AND (expires_at IS NULL OR expires_at > $2)
		) AND NOT EXISTS (
			SELECT 1 FROM ip_whitelist WHERE ip_address = $1
		)`

	var blocked bool
	if err := repository.pool.QueryRow(ctx, query, ip, time.Now()).Scan(&blocked); err != nil {
		return false, dberr.Wrap(err, "IP block entry")
	}
	return blocked, nil
}

// # Fingerprint Repository (PostgreSQL)

// fingerprintColumns matches scanFingerprint field order.
const fingerprintColumns = `
	id, user_id, fingerprint_hash, device_name,
	last_known_ip, last_known_country, browser_info, source,
	active, trusted, failed_attempts, successful_logins,
	first_seen, last_used_at`

// PostgresFingerprintRepository implements [FingerprintRepository] using pgx.
type PostgresFingerprintRepository struct {
	pool *pgxpool.Pool
}

// NewFingerprintRepository creates a new PostgreSQL implementation of [FingerprintRepository].
func NewFingerprintRepository(pool *pgxpool.Pool) *PostgresFingerprintRepository {
	return &PostgresFingerprintRepository{pool: pool}
}

// scanFingerprint hydrates a [DeviceFingerprint] from a row matching [fingerprintColumns].
func scanFingerprint(row pgx.Row) (*DeviceFingerprint, error) {
	fingerprint := &DeviceFingerprint{}
	err := row.Scan(
		&fingerprint.ID, &fingerprint.UserID, &fingerprint.FingerprintHash, &fingerprint.DeviceName,
		&fingerprint.LastKnownIP, &fingerprint.LastKnownCountry, &fingerprint.BrowserInfo, &fingerprint.Source,
		&fingerprint.Active, &fingerprint.Trusted, &fingerprint.FailedAttempts, &fingerprint.SuccessfulLogins,
		&fingerprint.FirstSeen, &fingerprint.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return fingerprint, nil
}

// FindActive returns the active fingerprint row for (user, hash), or
// NotFound when no active row matches.
func (repository *PostgresFingerprintRepository) FindActive(ctx context.Context, userID int64, fingerprintHash string) (*DeviceFingerprint, error) {
	query := `SELECT ` + fingerprintColumns + `
		FROM user_device_fingerprint
		WHERE user_id = $1 AND fingerprint_hash = $2 AND active = TRUE`

	fingerprint, err := scanFingerprint(repository.pool.QueryRow(ctx, query, userID, fingerprintHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Device fingerprint")
	}
	return fingerprint, nil
}

/*
Upsert inserts a new (user, hash) fingerprint or refreshes the existing one.

Description: A refresh bumps the login counter and the last-seen columns;
first insert stamps firstSeen. The partial unique index on active rows keeps
at most one live row per (user, hash).

Parameters:
  - ctx: context.Context
  - fingerprint: Row to persist; ID and counters are written back

Returns:
  - error: Storage errors
*/
func (repository *PostgresFingerprintRepository) Upsert(ctx context.Context, fingerprint *DeviceFingerprint) error {
	const query = `
		INSERT INTO user_device_fingerprint (
			user_id, fingerprint_hash, device_name,
			last_known_ip, last_known_country, browser_info, source,
			active, trusted, failed_attempts, successful_logins,
			first_seen, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, 0, 1, $9, $9)
		ON CONFLICT (user_id, fingerprint_hash) WHERE active DO UPDATE SET
			device_name        = EXCLUDED.device_name,
			last_known_ip      = EXCLUDED.last_known_ip,
			last_known_country = EXCLUDED.last_known_country,
			browser_info       = EXCLUDED.browser_info,
			successful_logins  = user_device_fingerprint.successful_logins + 1,
			last_used_at       = EXCLUDED.last_used_at
		RETURNING id, trusted, successful_logins`

	now := time.Now()
	fingerprint.FirstSeen = now
	fingerprint.LastUsedAt = &now

	err := repository.pool.QueryRow(ctx, query,
		fingerprint.UserID, fingerprint.FingerprintHash, fingerprint.DeviceName,
		fingerprint.LastKnownIP, fingerprint.LastKnownCountry, fingerprint.BrowserInfo, fingerprint.Source,
		fingerprint.Trusted, now,
	).Scan(&fingerprint.ID, &fingerprint.Trusted, &fingerprint.SuccessfulLogins)

	if err != nil {
		return dberr.Wrap(err, "Device fingerprint")
	}
	return nil
}

// SetTrusted marks or unmarks a fingerprint as explicitly trusted.
func (repository *PostgresFingerprintRepository) SetTrusted(ctx context.Context, userID int64, fingerprintHash string, trusted bool) error {
	const query = `
		UPDATE user_device_fingerprint
		SET trusted = $3
		WHERE user_id = $1 AND fingerprint_hash = $2 AND active = TRUE`

	tag, err := repository.pool.Exec(ctx, query, userID, fingerprintHash, trusted)
	if err != nil {
		return dberr.Wrap(err, "Device fingerprint")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Device fingerprint")
	}
	return nil
}

// DeactivateAllForUser soft-deactivates every fingerprint of a user
// (account deletion cascade).
func (repository *PostgresFingerprintRepository) DeactivateAllForUser(ctx context.Context, userID int64) error {
	const query = `
		UPDATE user_device_fingerprint
		SET active = FALSE, trusted = FALSE
		WHERE user_id = $1 AND active = TRUE`

	if _, err := repository.pool.Exec(ctx, query, userID); err != nil {
		return dberr.Wrap(err, "Device fingerprint")
	}
	return nil
}

// ListForUser returns a user's active fingerprints, most recently used first.
func (repository *PostgresFingerprintRepository) ListForUser(ctx context.Context, userID int64) ([]DeviceFingerprint, error) {
	query := `SELECT ` + fingerprintColumns + `
		FROM user_device_fingerprint
		WHERE user_id = $1 AND active = TRUE
		ORDER BY last_used_at DESC NULLS LAST`

	rows, err := repository.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dberr.Wrap(err, "Device fingerprint")
	}
	defer rows.Close()

	var fingerprints []DeviceFingerprint
	for rows.Next() {
		fingerprint, err := scanFingerprint(rows)
		if err != nil {
			return nil, dberr.Wrap(err, "Device fingerprint")
		}
		fingerprints = append(fingerprints, *fingerprint)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "Device fingerprint")
	}

	return fingerprints, nil
}

// # Security Event Repository (PostgreSQL)

// PostgresSecurityEventRepository implements [SecurityEventRepository] using pgx.
type PostgresSecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new PostgreSQL implementation of [SecurityEventRepository].
func NewSecurityEventRepository(pool *pgxpool.Pool) *PostgresSecurityEventRepository {
	return &PostgresSecurityEventRepository{pool: pool}
}

// Append writes one audit entry.
func (repository *PostgresSecurityEventRepository) Append(ctx context.Context, event *SecurityEvent) error {
	const query = `
		INSERT INTO security_events (principal_name, kind, detail, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	event.CreatedAt = time.Now()
	err := repository.pool.QueryRow(ctx, query,
		event.PrincipalName, event.Kind, event.Detail, event.IPAddress, event.CreatedAt,
	).Scan(&event.ID)

	if err != nil {
		return dberr.Wrap(err, "Security event")
	}
	return nil
}

// ListForPrincipal returns the newest audit entries for a principal.
func (repository *PostgresSecurityEventRepository) ListForPrincipal(ctx context.Context, principalName string, limit int) ([]SecurityEvent, error) {
	const query = `
		SELECT id, principal_name, kind, detail, ip_address, created_at
		FROM security_events
		WHERE principal_name = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := repository.pool.Query(ctx, query, principalName, limit)
	if err != nil {
		return nil, dberr.Wrap(err, "Security event")
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.PrincipalName, &event.Kind, &event.Detail,
			&event.IPAddress, &event.CreatedAt); err != nil {
			return nil, dberr.Wrap(err, "Security event")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "Security event")
	}

	return events, nil
}

// Compile-time conformance checks.
var (
	_ ASNRepository           = (*PostgresASNRepository)(nil)
	_ IPBlocklistRepository   = (*PostgresIPBlocklistRepository)(nil)
	_ FingerprintRepository   = (*PostgresFingerprintRepository)(nil)
	_ SecurityEventRepository = (*PostgresSecurityEventRepository)(nil)
)
