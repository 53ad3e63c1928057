// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/veyra/internal/platform/dberr"
)

// # Passkey Repository (PostgreSQL)

// passkeyColumns matches scanPasskey field order.
const passkeyColumns = `
	id, credential_id, user_id, user_handle,
	public_key_ciphertext, attestation_type, transports,
	signature_count, uv_initialized, backup_eligible, backup_state,
	friendly_name, created_at, last_used_at`

// PostgresPasskeyRepository implements [PasskeyRepository] using pgx.
type PostgresPasskeyRepository struct {
	pool *pgxpool.Pool
}

// NewPasskeyRepository creates a new PostgreSQL implementation of [PasskeyRepository].
func NewPasskeyRepository(pool *pgxpool.Pool) *PostgresPasskeyRepository {
	return &PostgresPasskeyRepository{pool: pool}
}

// scanPasskey hydrates a [PasskeyCredential] from a row matching [passkeyColumns].
func scanPasskey(row pgx.Row) (*PasskeyCredential, error) {
	credential := &PasskeyCredential{}
	var signatureCount int64
	err := row.Scan(
		&credential.ID, &credential.CredentialID, &credential.UserID, &credential.UserHandle,
		&credential.PublicKeyCiphertext, &credential.AttestationType, &credential.Transports,
		&signatureCount, &credential.UVInitialized, &credential.BackupEligible, &credential.BackupState,
		&credential.FriendlyName, &credential.CreatedAt, &credential.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	credential.SignatureCount = uint32(signatureCount)
	return credential, nil
}

/*
Create persists a newly registered WebAuthn credential.

Description: The credential id carries a unique constraint across all users;
a duplicate registration surfaces as a Conflict through dberr.

Parameters:
  - ctx: context.Context
  - credential: Credential to persist; ID and CreatedAt are written back

Returns:
  - error: Conflict on duplicate credential id, storage errors otherwise
*/
func (repository *PostgresPasskeyRepository) Create(ctx context.Context, credential *PasskeyCredential) error {
	const query = `
		INSERT INTO passkey_credentials (
			credential_id, user_id, user_handle,
			public_key_ciphertext, attestation_type, transports,
			signature_count, uv_initialized, backup_eligible, backup_state,
			friendly_name, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	credential.CreatedAt = time.Now()
	err := repository.pool.QueryRow(ctx, query,
		credential.CredentialID, credential.UserID, credential.UserHandle,
		credential.PublicKeyCiphertext, credential.AttestationType, credential.Transports,
		int64(credential.SignatureCount), credential.UVInitialized, credential.BackupEligible, credential.BackupState,
		credential.FriendlyName, credential.CreatedAt,
	).Scan(&credential.ID)

	if err != nil {
		return dberr.Wrap(err, "Passkey")
	}
	return nil
}

// FindByCredentialID resolves a credential by its base64url id.
func (repository *PostgresPasskeyRepository) FindByCredentialID(ctx context.Context, credentialID string) (*PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + `
		FROM passkey_credentials
		WHERE credential_id = $1`

	credential, err := scanPasskey(repository.pool.QueryRow(ctx, query, credentialID))
	if err != nil {
		return nil, dberr.Wrap(err, "Passkey")
	}
	return credential, nil
}

// ListForUser returns a user's credentials, newest first.
func (repository *PostgresPasskeyRepository) ListForUser(ctx context.Context, userID int64) ([]PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + `
		FROM passkey_credentials
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := repository.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dberr.Wrap(err, "Passkey")
	}
	defer rows.Close()

	var credentials []PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskey(rows)
		if err != nil {
			return nil, dberr.Wrap(err, "Passkey")
		}
		credentials = append(credentials, *credential)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "Passkey")
	}

	return credentials, nil
}

/*
UpdateSignatureCount advances the assertion counter.

Description: The WHERE clause only matches when the stored counter is strictly
below the new value, so a concurrent assertion that already advanced past it
cannot be rolled back. A zero-row update means the credential vanished or the
counter moved; either way the assertion must not be honored.

Parameters:
  - ctx: context.Context
  - credentialID: Base64url credential id
  - newCount: Counter reported by the authenticator
  - usedAt: Assertion timestamp

Returns:
  - error: NotFound when no row advanced, storage errors otherwise
*/
func (repository *PostgresPasskeyRepository) UpdateSignatureCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	const query = `
		UPDATE passkey_credentials
		SET signature_count = $2, last_used_at = $3
		WHERE credential_id = $1 AND signature_count < $2`

	tag, err := repository.pool.Exec(ctx, query, credentialID, int64(newCount), usedAt)
	if err != nil {
		return dberr.Wrap(err, "Passkey")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Passkey")
	}
	return nil
}

// Rename sets the user-facing label of a credential the user owns.
func (repository *PostgresPasskeyRepository) Rename(ctx context.Context, userID int64, credentialID, friendlyName string) error {
	const query = `
		UPDATE passkey_credentials
		SET friendly_name = $3
		WHERE user_id = $1 AND credential_id = $2`

	tag, err := repository.pool.Exec(ctx, query, userID, credentialID, friendlyName)
	if err != nil {
		return dberr.Wrap(err, "Passkey")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Passkey")
	}
	return nil
}

// Delete removes a credential the user owns.
func (repository *PostgresPasskeyRepository) Delete(ctx context.Context, userID int64, credentialID string) error {
	const query = `
		DELETE FROM passkey_credentials
		WHERE user_id = $1 AND credential_id = $2`

	tag, err := repository.pool.Exec(ctx, query, userID, credentialID)
	if err != nil {
		return dberr.Wrap(err, "Passkey")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Passkey")
	}
	return nil
}

// DeleteAllForUser removes every credential of a user (account deletion
// cascade).
func (repository *PostgresPasskeyRepository) DeleteAllForUser(ctx context.Context, userID int64) error {
	const query = `DELETE FROM passkey_credentials WHERE user_id = $1`

	if _, err := repository.pool.Exec(ctx, query, userID); err != nil {
		return dberr.Wrap(err, "Passkey")
	}
	return nil
}

// # Persistent Login Repository (PostgreSQL)

// PostgresRememberMeRepository implements [RememberMeRepository] using pgx.
type PostgresRememberMeRepository struct {
	pool *pgxpool.Pool
}

// NewRememberMeRepository creates a new PostgreSQL implementation of [RememberMeRepository].
func NewRememberMeRepository(pool *pgxpool.Pool) *PostgresRememberMeRepository {
	return &PostgresRememberMeRepository{pool: pool}
}

// Create persists a freshly issued series.
func (repository *PostgresRememberMeRepository) Create(ctx context.Context, login *PersistentLogin) error {
	const query = `
		INSERT INTO persistent_logins (series, principal_name, token_hash, last_used_at)
		VALUES ($1, $2, $3, $4)`

	login.LastUsedAt = time.Now()
	if _, err := repository.pool.Exec(ctx, query,
		login.Series, login.PrincipalName, login.TokenHash, login.LastUsedAt,
	); err != nil {
		return dberr.Wrap(err, "Persistent login")
	}
	return nil
}

// FindBySeries resolves one series, NotFound when absent.
func (repository *PostgresRememberMeRepository) FindBySeries(ctx context.Context, series string) (*PersistentLogin, error) {
	const query = `
		SELECT series, principal_name, token_hash, last_used_at
		FROM persistent_logins
		WHERE series = $1`

	login := &PersistentLogin{}
	err := repository.pool.QueryRow(ctx, query, series).Scan(
		&login.Series, &login.PrincipalName, &login.TokenHash, &login.LastUsedAt,
	)
	if err != nil {
		return nil, dberr.Wrap(err, "Persistent login")
	}
	return login, nil
}

// RotateToken replaces the token hash after a successful redemption.
func (repository *PostgresRememberMeRepository) RotateToken(ctx context.Context, series, tokenHash string, usedAt time.Time) error {
	const query = `
		UPDATE persistent_logins
		SET token_hash = $2, last_used_at = $3
		WHERE series = $1`

	tag, err := repository.pool.Exec(ctx, query, series, tokenHash, usedAt)
	if err != nil {
		return dberr.Wrap(err, "Persistent login")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Persistent login")
	}
	return nil
}

// DeleteSeries removes one series (logout from one device).
func (repository *PostgresRememberMeRepository) DeleteSeries(ctx context.Context, series string) error {
	const query = `DELETE FROM persistent_logins WHERE series = $1`

	if _, err := repository.pool.Exec(ctx, query, series); err != nil {
		return dberr.Wrap(err, "Persistent login")
	}
	return nil
}

// DeleteAllForPrincipal removes every series of a principal (theft response,
// password change, account deletion).
func (repository *PostgresRememberMeRepository) DeleteAllForPrincipal(ctx context.Context, principalName string) error {
	const query = `DELETE FROM persistent_logins WHERE principal_name = $1`

	if _, err := repository.pool.Exec(ctx, query, principalName); err != nil {
		return dberr.Wrap(err, "Persistent login")
	}
	return nil
}

// Compile-time conformance checks.
var (
	_ PasskeyRepository    = (*PostgresPasskeyRepository)(nil)
	_ RememberMeRepository = (*PostgresRememberMeRepository)(nil)
)
