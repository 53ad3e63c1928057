// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/veyra/internal/platform/dberr"
)

// # Client Repository (PostgreSQL)

// clientColumns matches scanClient field order.
const clientColumns = `
	id, client_id, name, secret_hash,
	auth_methods, grant_types, redirect_uris, post_logout_redirect_uris, scopes,
	require_proof_key, require_consent,
	access_token_ttl_seconds, refresh_token_ttl_seconds, created_at`

// PostgresClientRepository implements [ClientRepository] using pgx.
type PostgresClientRepository struct {
	pool *pgxpool.Pool
}

// NewClientRepository creates a new PostgreSQL implementation of [ClientRepository].
func NewClientRepository(pool *pgxpool.Pool) *PostgresClientRepository {
	return &PostgresClientRepository{pool: pool}
}

// scanClient hydrates a [RegisteredClient] from a row matching [clientColumns].
func scanClient(row pgx.Row) (*RegisteredClient, error) {
	client := &RegisteredClient{}
	var accessSeconds, refreshSeconds int64
	err := row.Scan(
		&client.ID, &client.ClientID, &client.Name, &client.SecretHash,
		&client.AuthMethods, &client.GrantTypes, &client.RedirectURIs, &client.PostLogoutRedirectURIs, &client.Scopes,
		&client.RequireProofKey, &client.RequireConsent,
		&accessSeconds, &refreshSeconds, &client.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	client.AccessTokenTTL = time.Duration(accessSeconds) * time.Second
	client.RefreshTokenTTL = time.Duration(refreshSeconds) * time.Second
	return client, nil
}

// Create persists a client registration. Duplicate client ids surface as
// Conflict through dberr.
func (repository *PostgresClientRepository) Create(ctx context.Context, client *RegisteredClient) error {
	const query = `
		INSERT INTO oauth2_clients (
			client_id, name, secret_hash,
			auth_methods, grant_types, redirect_uris, post_logout_redirect_uris, scopes,
			require_proof_key, require_consent,
			access_token_ttl_seconds, refresh_token_ttl_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	client.CreatedAt = time.Now()
	err := repository.pool.QueryRow(ctx, query,
		client.ClientID, client.Name, client.SecretHash,
		client.AuthMethods, client.GrantTypes, client.RedirectURIs, client.PostLogoutRedirectURIs, client.Scopes,
		client.RequireProofKey, client.RequireConsent,
		int64(client.AccessTokenTTL.Seconds()), int64(client.RefreshTokenTTL.Seconds()), client.CreatedAt,
	).Scan(&client.ID)

	if err != nil {
		return dberr.Wrap(err, "Client")
	}
	return nil
}

// FindByClientID resolves a registration by public client id.
func (repository *PostgresClientRepository) FindByClientID(ctx context.Context, clientID string) (*RegisteredClient, error) {
	query := `SELECT ` + clientColumns + `
		FROM oauth2_clients
		WHERE client_id = $1`

	client, err := scanClient(repository.pool.QueryRow(ctx, query, clientID))
	if err != nil {
		return nil, dberr.Wrap(err, "Client")
	}
	return client, nil
}

// List returns every registration, oldest first.
func (repository *PostgresClientRepository) List(ctx context.Context) ([]RegisteredClient, error) {
	query := `SELECT ` + clientColumns + `
		FROM oauth2_clients
		ORDER BY created_at`

	rows, err := repository.pool.Query(ctx, query)
	if err != nil {
		return nil, dberr.Wrap(err, "Client")
	}
	defer rows.Close()

	var clients []RegisteredClient
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, dberr.Wrap(err, "Client")
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "Client")
	}

	return clients, nil
}

// Delete removes a registration.
func (repository *PostgresClientRepository) Delete(ctx context.Context, clientID string) error {
	const query = `DELETE FROM oauth2_clients WHERE client_id = $1`

	tag, err := repository.pool.Exec(ctx, query, clientID)
	if err != nil {
		return dberr.Wrap(err, "Client")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Client")
	}
	return nil
}

// # Authorization Repository (PostgreSQL)

// authorizationColumns matches scanAuthorization field order. Token records
// are flattened into per-token column groups; a NULL hash means that token
// was never issued on this row.
const authorizationColumns = `
	id, client_id, principal_name, grant_type,
	scopes, state, redirect_uri, code_challenge, code_challenge_method, nonce, family_id,
	code_hash, code_issued_at, code_expires_at, code_invalidated, code_revoked_at,
	access_token_hash, access_issued_at, access_expires_at, access_invalidated, access_revoked_at,
	refresh_token_hash, refresh_issued_at, refresh_expires_at, refresh_invalidated, refresh_revoked_at,
	created_at`

// PostgresAuthorizationRepository implements [AuthorizationRepository] using pgx.
type PostgresAuthorizationRepository struct {
	pool *pgxpool.Pool
}

// NewAuthorizationRepository creates a new PostgreSQL implementation of [AuthorizationRepository].
func NewAuthorizationRepository(pool *pgxpool.Pool) *PostgresAuthorizationRepository {
	return &PostgresAuthorizationRepository{pool: pool}
}

// tokenRecordColumns splits a TokenRecord into its column values, all NULL
// when the record is absent.
func tokenRecordColumns(record *TokenRecord) (hash *string, issuedAt, expiresAt *time.Time, invalidated bool, revokedAt *time.Time) {
	if record == nil {
		return nil, nil, nil, false, nil
	}
	return &record.ValueHash, &record.IssuedAt, &record.ExpiresAt, record.Invalidated, record.RevokedAt
}

// rebuildTokenRecord is the inverse of tokenRecordColumns.
func rebuildTokenRecord(hash *string, issuedAt, expiresAt *time.Time, invalidated bool, revokedAt *time.Time) *TokenRecord {
	if hash == nil {
		return nil
	}
	record := &TokenRecord{ValueHash: *hash, Invalidated: invalidated, RevokedAt: revokedAt}
	if issuedAt != nil {
		record.IssuedAt = *issuedAt
	}
	if expiresAt != nil {
		record.ExpiresAt = *expiresAt
	}
	return record
}

// scanAuthorization hydrates an [Authorization] from a row matching
// [authorizationColumns].
func scanAuthorization(row pgx.Row) (*Authorization, error) {
	authorization := &Authorization{}
	var (
		codeHash, accessHash, refreshHash                      *string
		codeIssued, codeExpires, codeRevoked                   *time.Time
		accessIssued, accessExpires, accessRevoked             *time.Time
		refreshIssued, refreshExpires, refreshRevoked          *time.Time
		codeInvalidated, accessInvalidated, refreshInvalidated bool
	)
	err := row.Scan(
		&authorization.ID, &authorization.ClientID, &authorization.PrincipalName, &authorization.GrantType,
		&authorization.Scopes, &authorization.State, &authorization.RedirectURI,
		&authorization.CodeChallenge, &authorization.CodeChallengeMethod, &authorization.Nonce, &authorization.FamilyID,
		&codeHash, &codeIssued, &codeExpires, &codeInvalidated, &codeRevoked,
		&accessHash, &accessIssued, &accessExpires, &accessInvalidated, &accessRevoked,
		&refreshHash, &refreshIssued, &refreshExpires, &refreshInvalidated, &refreshRevoked,
		&authorization.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	authorization.Code = rebuildTokenRecord(codeHash, codeIssued, codeExpires, codeInvalidated, codeRevoked)
	authorization.AccessToken = rebuildTokenRecord(accessHash, accessIssued, accessExpires, accessInvalidated, accessRevoked)
	authorization.RefreshToken = rebuildTokenRecord(refreshHash, refreshIssued, refreshExpires, refreshInvalidated, refreshRevoked)
	return authorization, nil
}

// Create persists a new authorization row.
func (repository *PostgresAuthorizationRepository) Create(ctx context.Context, authorization *Authorization) error {
	const query = `
		INSERT INTO oauth2_authorizations (
			id, client_id, principal_name, grant_type,
			scopes, state, redirect_uri, code_challenge, code_challenge_method, nonce, family_id,
			code_hash, code_issued_at, code_expires_at, code_invalidated, code_revoked_at,
			access_token_hash, access_issued_at, access_expires_at, access_invalidated, access_revoked_at,
			refresh_token_hash, refresh_issued_at, refresh_expires_at, refresh_invalidated, refresh_revoked_at,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26,
			$27
		)`

	authorization.CreatedAt = time.Now()
	codeHash, codeIssued, codeExpires, codeInvalidated, codeRevoked := tokenRecordColumns(authorization.Code)
	accessHash, accessIssued, accessExpires, accessInvalidated, accessRevoked := tokenRecordColumns(authorization.AccessToken)
	refreshHash, refreshIssued, refreshExpires, refreshInvalidated, refreshRevoked := tokenRecordColumns(authorization.RefreshToken)

	if _, err := repository.pool.Exec(ctx, query,
		authorization.ID, authorization.ClientID, authorization.PrincipalName, authorization.GrantType,
		authorization.Scopes, authorization.State, authorization.RedirectURI,
		authorization.CodeChallenge, authorization.CodeChallengeMethod, authorization.Nonce, authorization.FamilyID,
		codeHash, codeIssued, codeExpires, codeInvalidated, codeRevoked,
		accessHash, accessIssued, accessExpires, accessInvalidated, accessRevoked,
		refreshHash, refreshIssued, refreshExpires, refreshInvalidated, refreshRevoked,
		authorization.CreatedAt,
	); err != nil {
		return dberr.Wrap(err, "Authorization")
	}
	return nil
}

// FindByID resolves one authorization row.
func (repository *PostgresAuthorizationRepository) FindByID(ctx context.Context, id string) (*Authorization, error) {
	query := `SELECT ` + authorizationColumns + `
		FROM oauth2_authorizations
		WHERE id = $1`

	authorization, err := scanAuthorization(repository.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, dberr.Wrap(err, "Authorization")
	}
	return authorization, nil
}

// FindByCodeHash resolves the row holding an authorization-code hash.
func (repository *PostgresAuthorizationRepository) FindByCodeHash(ctx context.Context, codeHash string) (*Authorization, error) {
	query := `SELECT ` + authorizationColumns + `
		FROM oauth2_authorizations
		WHERE code_hash = $1`

	authorization, err := scanAuthorization(repository.pool.QueryRow(ctx, query, codeHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Authorization")
	}
	return authorization, nil
}

// FindByAccessTokenHash resolves the row holding an access-token hash.
func (repository *PostgresAuthorizationRepository) FindByAccessTokenHash(ctx context.Context, tokenHash string) (*Authorization, error) {
	query := `SELECT ` + authorizationColumns + `
		FROM oauth2_authorizations
		WHERE access_token_hash = $1`

	authorization, err := scanAuthorization(repository.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Authorization")
	}
	return authorization, nil
}

// FindByRefreshTokenHash resolves the row holding a refresh-token hash.
func (repository *PostgresAuthorizationRepository) FindByRefreshTokenHash(ctx context.Context, tokenHash string) (*Authorization, error) {
	query := `SELECT ` + authorizationColumns + `
		FROM oauth2_authorizations
		WHERE refresh_token_hash = $1`

	authorization, err := scanAuthorization(repository.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Authorization")
	}
	return authorization, nil
}

// Update rewrites the token records of an existing row. Identity and request
// metadata are immutable after Create.
func (repository *PostgresAuthorizationRepository) Update(ctx context.Context, authorization *Authorization) error {
	const query = `
		UPDATE oauth2_authorizations SET
			code_hash = $2, code_issued_at = $3, code_expires_at = $4, code_invalidated = $5, code_revoked_at = $6,
			access_token_hash = $7, access_issued_at = $8, access_expires_at = $9, access_invalidated = $10, access_revoked_at = $11,
			refresh_token_hash = $12, refresh_issued_at = $13, refresh_expires_at = $14, refresh_invalidated = $15, refresh_revoked_at = $16
		WHERE id = $1`

	codeHash, codeIssued, codeExpires, codeInvalidated, codeRevoked := tokenRecordColumns(authorization.Code)
	accessHash, accessIssued, accessExpires, accessInvalidated, accessRevoked := tokenRecordColumns(authorization.AccessToken)
	refreshHash, refreshIssued, refreshExpires, refreshInvalidated, refreshRevoked := tokenRecordColumns(authorization.RefreshToken)

	tag, err := repository.pool.Exec(ctx, query,
		authorization.ID,
		codeHash, codeIssued, codeExpires, codeInvalidated, codeRevoked,
		accessHash, accessIssued, accessExpires, accessInvalidated, accessRevoked,
		refreshHash, refreshIssued, refreshExpires, refreshInvalidated, refreshRevoked,
	)
	if err != nil {
		return dberr.Wrap(err, "Authorization")
	}
	if tag.RowsAffected() == 0 {
		return dberr.Wrap(pgx.ErrNoRows, "Authorization")
	}
	return nil
}

// ConsumeCode atomically marks the code redeemed. The conditional update is
// the single-use guarantee: of any number of concurrent redemptions exactly
// one affects a row.
func (repository *PostgresAuthorizationRepository) ConsumeCode(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE oauth2_authorizations
		SET code_invalidated = TRUE
		WHERE id = $1 AND NOT code_invalidated`

	tag, err := repository.pool.Exec(ctx, query, id)
	if err != nil {
		return false, dberr.Wrap(err, "Authorization")
	}
	return tag.RowsAffected() == 1, nil
}

// InvalidateFamily kills every token in a rotation family.
func (repository *PostgresAuthorizationRepository) InvalidateFamily(ctx context.Context, familyID string) error {
	const query = `
		UPDATE oauth2_authorizations SET
			code_invalidated = TRUE,
			access_invalidated = TRUE, access_revoked_at = COALESCE(access_revoked_at, NOW()),
			refresh_invalidated = TRUE, refresh_revoked_at = COALESCE(refresh_revoked_at, NOW())
		WHERE family_id = $1`

	if _, err := repository.pool.Exec(ctx, query, familyID); err != nil {
		return dberr.Wrap(err, "Authorization")
	}
	return nil
}

// RevokeAllForPrincipal kills every live grant of a principal.
func (repository *PostgresAuthorizationRepository) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	const query = `
		UPDATE oauth2_authorizations SET
			code_invalidated = TRUE,
			access_invalidated = TRUE, access_revoked_at = COALESCE(access_revoked_at, NOW()),
			refresh_invalidated = TRUE, refresh_revoked_at = COALESCE(refresh_revoked_at, NOW())
		WHERE principal_name = $1`

	if _, err := repository.pool.Exec(ctx, query, principalName); err != nil {
		return dberr.Wrap(err, "Authorization")
	}
	return nil
}

// DeleteExpired prunes rows whose every issued token expired before the
// cutoff. Rows with a live refresh token survive even when code and access
// token are long gone.
func (repository *PostgresAuthorizationRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		DELETE FROM oauth2_authorizations
		WHERE COALESCE(code_expires_at, 'epoch'::timestamptz) < $1
		  AND COALESCE(access_expires_at, 'epoch'::timestamptz) < $1
		  AND COALESCE(refresh_expires_at, 'epoch'::timestamptz) < $1`

	tag, err := repository.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, dberr.Wrap(err, "Authorization")
	}
	return tag.RowsAffected(), nil
}

// # Consent Repository (PostgreSQL)

// PostgresConsentRepository implements [ConsentRepository] using pgx.
type PostgresConsentRepository struct {
	pool *pgxpool.Pool
}

// NewConsentRepository creates a new PostgreSQL implementation of [ConsentRepository].
func NewConsentRepository(pool *pgxpool.Pool) *PostgresConsentRepository {
	return &PostgresConsentRepository{pool: pool}
}

// Find returns the consent for (client, principal), NotFound when none.
func (repository *PostgresConsentRepository) Find(ctx context.Context, clientID, principalName string) (*Consent, error) {
	const query = `
		SELECT client_id, principal_name, scopes, updated_at
		FROM oauth2_consents
		WHERE client_id = $1 AND principal_name = $2`

	consent := &Consent{}
	err := repository.pool.QueryRow(ctx, query, clientID, principalName).Scan(
		&consent.ClientID, &consent.PrincipalName, &consent.Scopes, &consent.UpdatedAt,
	)
	if err != nil {
		return nil, dberr.Wrap(err, "Consent")
	}
	return consent, nil
}

// Save upserts the consent row.
func (repository *PostgresConsentRepository) Save(ctx context.Context, consent *Consent) error {
	const query = `
		INSERT INTO oauth2_consents (client_id, principal_name, scopes, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, principal_name)
		DO UPDATE SET scopes = EXCLUDED.scopes, updated_at = EXCLUDED.updated_at`

	consent.UpdatedAt = time.Now()
	if _, err := repository.pool.Exec(ctx, query,
		consent.ClientID, consent.PrincipalName, consent.Scopes, consent.UpdatedAt,
	); err != nil {
		return dberr.Wrap(err, "Consent")
	}
	return nil
}

// Delete removes one consent record.
func (repository *PostgresConsentRepository) Delete(ctx context.Context, clientID, principalName string) error {
	const query = `
		DELETE FROM oauth2_consents
		WHERE client_id = $1 AND principal_name = $2`

	if _, err := repository.pool.Exec(ctx, query, clientID, principalName); err != nil {
		return dberr.Wrap(err, "Consent")
	}
	return nil
}

// DeleteAllForPrincipal removes every consent of a principal.
func (repository *PostgresConsentRepository) DeleteAllForPrincipal(ctx context.Context, principalName string) error {
	const query = `DELETE FROM oauth2_consents WHERE principal_name = $1`

	if _, err := repository.pool.Exec(ctx, query, principalName); err != nil {
		return dberr.Wrap(err, "Consent")
	}
	return nil
}

// Compile-time conformance checks.
var (
	_ ClientRepository        = (*PostgresClientRepository)(nil)
	_ AuthorizationRepository = (*PostgresAuthorizationRepository)(nil)
	_ ConsentRepository       = (*PostgresConsentRepository)(nil)
)
