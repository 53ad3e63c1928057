// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/dberr"
	"github.com/taibuivan/veyra/pkg/pagination"
)

// # User Repository (PostgreSQL)

// userColumns is the canonical select list, matching scanUser field order.
const userColumns = `
	id, external_id, auth_subject_id,
	given_name, middle_name, family_name, nickname,
	email, email_normalized, email_verified,
	recovery_email_ciphertext, recovery_email_index,
	phone, picture_url, password_hash,
	enabled, account_non_expired, credentials_non_expired, account_non_locked,
	failed_login_attempts, lockout_expiration_time, last_login_at, last_password_change_at,
	created_at, updated_at, created_by, last_modified_by, version, deleted_at`

// PostgresUserRepository implements [UserRepository] using pgx.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new PostgreSQL implementation of [UserRepository].
func NewUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// scanUser hydrates a [User] from a row matching [userColumns].
func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.ExternalID, &user.AuthSubjectID,
		&user.GivenName, &user.MiddleName, &user.FamilyName, &user.Nickname,
		&user.Email, &user.EmailNormalized, &user.EmailVerified,
		&user.RecoveryEmailCiphertext, &user.RecoveryEmailIndex,
		&user.Phone, &user.PictureURL, &user.PasswordHash,
		&user.Status.Enabled, &user.Status.AccountNonExpired, &user.Status.CredentialsNonExpired, &user.Status.AccountNonLocked,
		&user.Status.FailedLoginAttempts, &user.Status.LockoutExpirationTime, &user.Status.LastLoginAt, &user.Status.LastPasswordChangeAt,
		&user.CreatedAt, &user.UpdatedAt, &user.CreatedBy, &user.LastModifiedBy, &user.Version, &user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

/*
Create persists a new user row and backfills the generated id and timestamps.

Description: The version column starts at 0. Unique-constraint violations on
the normalized email or the recovery blind index surface as Conflict.

Parameters:
  - ctx: context.Context
  - user: *User (Entity to persist; ID and audit fields are written back)

Returns:
  - error: apperr.Conflict on uniqueness violations, or storage errors
*/
func (repository *PostgresUserRepository) Create(ctx context.Context, user *User) error {
	const query = `
		INSERT INTO users (
			external_id, auth_subject_id,
			given_name, middle_name, family_name, nickname,
			email, email_normalized, email_verified,
			recovery_email_ciphertext, recovery_email_index,
			phone, picture_url, password_hash,
			enabled, account_non_expired, credentials_non_expired, account_non_locked,
			failed_login_attempts, lockout_expiration_time, last_login_at, last_password_change_at,
			created_at, updated_at, created_by, last_modified_by, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, 0
		)
		RETURNING id, version`

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	err := repository.pool.QueryRow(ctx, query,
		user.ExternalID, user.AuthSubjectID,
		user.GivenName, user.MiddleName, user.FamilyName, user.Nickname,
		user.Email, user.EmailNormalized, user.EmailVerified,
		user.RecoveryEmailCiphertext, user.RecoveryEmailIndex,
		user.Phone, user.PictureURL, user.PasswordHash,
		user.Status.Enabled, user.Status.AccountNonExpired, user.Status.CredentialsNonExpired, user.Status.AccountNonLocked,
		user.Status.FailedLoginAttempts, user.Status.LockoutExpirationTime, user.Status.LastLoginAt, user.Status.LastPasswordChangeAt,
		user.CreatedAt, user.UpdatedAt, user.CreatedBy, user.LastModifiedBy,
	).Scan(&user.ID, &user.Version)

	if err != nil {
		return dberr.Wrap(err, "User")
	}

	return nil
}

// FindByID retrieves a user by internal numeric id, excluding soft-deleted rows.
func (repository *PostgresUserRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`

	user, err := scanUser(repository.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}
	return user, nil
}

// FindByExternalID retrieves a user by opaque external id.
func (repository *PostgresUserRepository) FindByExternalID(ctx context.Context, externalID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_id = $1 AND deleted_at IS NULL`

	user, err := scanUser(repository.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}
	return user, nil
}

/*
FindActiveByEmail resolves a normalized primary email to an account eligible
for authentication.

Description: Soft-deleted rows are excluded here; disabled and locked
accounts ARE returned so the caller can produce the correct error semantics
(uniform invalid-credentials vs Locked).

Parameters:
  - ctx: context.Context
  - normalizedEmail: Case-folded email

Returns:
  - *User: Hydrated aggregate
  - error: apperr.NotFound or storage errors
*/
func (repository *PostgresUserRepository) FindActiveByEmail(ctx context.Context, normalizedEmail string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email_normalized = $1 AND deleted_at IS NULL`

	user, err := scanUser(repository.pool.QueryRow(ctx, query, normalizedEmail))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}
	return user, nil
}

// FindByAuthSubjectID resolves a federated upstream subject to its linked account.
func (repository *PostgresUserRepository) FindByAuthSubjectID(ctx context.Context, subjectID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE auth_subject_id = $1 AND deleted_at IS NULL`

	user, err := scanUser(repository.pool.QueryRow(ctx, query, subjectID))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}
	return user, nil
}

// ExistsByEmail probes primary-email uniqueness over active rows.
func (repository *PostgresUserRepository) ExistsByEmail(ctx context.Context, normalizedEmail string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE email_normalized = $1 AND deleted_at IS NULL)`

	var exists bool
	if err := repository.pool.QueryRow(ctx, query, normalizedEmail).Scan(&exists); err != nil {
		return false, dberr.Wrap(err, "User")
	}
	return exists, nil
}

/*
ExistsByRecoveryEmailIndex probes the recovery-email blind index.

Description: Equality over the encrypted column without decryption. The
excludeUserID parameter lets profile updates skip the caller's own row
(pass 0 to match every row).

Parameters:
  - ctx: context.Context
  - blindIndex: Keyed HMAC of the normalized recovery email
  - excludeUserID: Row to ignore, or 0

Returns:
  - bool: true if another active account already claims this recovery email
  - error: Storage errors
*/
func (repository *PostgresUserRepository) ExistsByRecoveryEmailIndex(ctx context.Context, blindIndex string, excludeUserID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM users
			WHERE recovery_email_index = $1 AND id != $2 AND deleted_at IS NULL
		)`

	var exists bool
	if err := repository.pool.QueryRow(ctx, query, blindIndex, excludeUserID).Scan(&exists); err != nil {
		return false, dberr.Wrap(err, "User")
	}
	return exists, nil
}

/*
Update writes all mutable columns guarded by the optimistic version CAS.

Description: The row is matched on (id, version); zero rows affected means a
concurrent writer bumped the version first, surfaced as
[apperr.ErrOptimisticConflict] for the retry combinator. On success the
entity's Version is incremented in place.

Parameters:
  - ctx: context.Context
  - user: *User carrying the version read at load time

Returns:
  - error: apperr.ErrOptimisticConflict, Conflict on uniqueness, or storage errors
*/
func (repository *PostgresUserRepository) Update(ctx context.Context, user *User) error {
	const query = `
		UPDATE users SET
			auth_subject_id = $3,
			given_name = $4, middle_name = $5, family_name = $6, nickname = $7,
			email = $8, email_normalized = $9, email_verified = $10,
			recovery_email_ciphertext = $11, recovery_email_index = $12,
			phone = $13, picture_url = $14, password_hash = $15,
			enabled = $16, account_non_expired = $17, credentials_non_expired = $18, account_non_locked = $19,
			failed_login_attempts = $20, lockout_expiration_time = $21, last_login_at = $22, last_password_change_at = $23,
			updated_at = $24, last_modified_by = $25,
			version = version + 1
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL`

	user.UpdatedAt = time.Now()

	tag, err := repository.pool.Exec(ctx, query,
		user.ID, user.Version,
		user.AuthSubjectID,
		user.GivenName, user.MiddleName, user.FamilyName, user.Nickname,
		user.Email, user.EmailNormalized, user.EmailVerified,
		user.RecoveryEmailCiphertext, user.RecoveryEmailIndex,
		user.Phone, user.PictureURL, user.PasswordHash,
		user.Status.Enabled, user.Status.AccountNonExpired, user.Status.CredentialsNonExpired, user.Status.AccountNonLocked,
		user.Status.FailedLoginAttempts, user.Status.LockoutExpirationTime, user.Status.LastLoginAt, user.Status.LastPasswordChangeAt,
		user.UpdatedAt, user.LastModifiedBy,
	)

	if err != nil {
		return dberr.Wrap(err, "User")
	}

	if tag.RowsAffected() == 0 {
		// Lost the version race (or the row was soft-deleted concurrently).
		return apperr.ErrOptimisticConflict
	}

	user.Version++
	return nil
}

// SoftDelete stamps deletedAt and disables the account.
func (repository *PostgresUserRepository) SoftDelete(ctx context.Context, userID int64, deletedBy string, deletedAt time.Time) error {
	const query = `
		UPDATE users
		SET deleted_at = $2, enabled = FALSE, last_modified_by = $3, updated_at = $2, version = version + 1
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := repository.pool.Exec(ctx, query, userID, deletedAt, deletedBy)
	if err != nil {
		return dberr.Wrap(err, "User")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}
	return nil
}

/*
List returns a page of active users ordered by creation, with the total count.

Parameters:
  - ctx: context.Context
  - params: pagination.Params

Returns:
  - []User: Page of users
  - int: Total active user count
  - error: Storage errors
*/
func (repository *PostgresUserRepository) List(ctx context.Context, params pagination.Params) ([]User, int, error) {
	const countQuery = `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`

	var total int
	if err := repository.pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, dberr.Wrap(err, "User")
	}

	query := `SELECT ` + userColumns + `
		FROM users
		WHERE deleted_at IS NULL
		ORDER BY id
		LIMIT $1 OFFSET $2`

	rows, err := repository.pool.Query(ctx, query, params.Limit, params.Offset())
	if err != nil {
		return nil, 0, dberr.Wrap(err, "User")
	}
	defer rows.Close()

	users := make([]User, 0, params.Limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, dberr.Wrap(err, "User")
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dberr.Wrap(err, "User")
	}

	return users, total, nil
}

// # Role Repository (PostgreSQL)

// PostgresRoleRepository implements [RoleRepository] using pgx.
type PostgresRoleRepository struct {
	pool *pgxpool.Pool
}

// NewRoleRepository creates a new PostgreSQL implementation of [RoleRepository].
func NewRoleRepository(pool *pgxpool.Pool) *PostgresRoleRepository {
	return &PostgresRoleRepository{pool: pool}
}

// FindByName retrieves a role by its unique name.
func (repository *PostgresRoleRepository) FindByName(ctx context.Context, name string) (*Role, error) {
	const query = `SELECT id, name, description, path, parent_id FROM roles WHERE name = $1`

	role := &Role{}
	err := repository.pool.QueryRow(ctx, query, name).Scan(
		&role.ID, &role.Name, &role.Description, &role.Path, &role.ParentID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Role")
		}
		return nil, dberr.Wrap(err, "Role")
	}
	return role, nil
}

// FindRolesForUser returns the roles directly granted to a user.
func (repository *PostgresRoleRepository) FindRolesForUser(ctx context.Context, userID int64) ([]Role, error) {
	const query = `
		SELECT r.id, r.name, r.description, r.path, r.parent_id
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.path`

	rows, err := repository.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dberr.Wrap(err, "Role")
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Path, &role.ParentID); err != nil {
			return nil, dberr.Wrap(err, "Role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

/*
FindEffectivePermissions resolves the transitive permission set for a user.

Description: A role implies the permissions of every ancestor on its
materialized path, so the query matches permission-bearing roles whose path
is a prefix of (or equal to) any granted role's path — no recursion.

Parameters:
  - ctx: context.Context
  - userID: Internal user id

Returns:
  - []Permission: Distinct effective permissions
  - error: Storage errors
*/
func (repository *PostgresRoleRepository) FindEffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	const query = `
		SELECT DISTINCT p.id, p.name, p.description
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles bearer ON bearer.id = rp.role_id
		JOIN user_roles ur ON ur.user_id = $1
		JOIN roles granted ON granted.id = ur.role_id
		WHERE granted.path = bearer.path
		   OR granted.path LIKE bearer.path || '.%'
		ORDER BY p.name`

	rows, err := repository.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dberr.Wrap(err, "Permission")
	}
	defer rows.Close()

	var permissions []Permission
	for rows.Next() {
		var permission Permission
		if err := rows.Scan(&permission.ID, &permission.Name, &permission.Description); err != nil {
			return nil, dberr.Wrap(err, "Permission")
		}
		permissions = append(permissions, permission)
	}
	return permissions, rows.Err()
}

// AssignRole grants a role to a user. Granting an already-held role is a no-op.
func (repository *PostgresRoleRepository) AssignRole(ctx context.Context, userID, roleID int64, grantedBy string) error {
	const query = `
		INSERT INTO user_roles (user_id, role_id, created_at, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING`

	if _, err := repository.pool.Exec(ctx, query, userID, roleID, time.Now(), grantedBy); err != nil {
		return dberr.Wrap(err, "UserRole")
	}
	return nil
}

// RemoveRole revokes a role grant. Removing an absent grant is a no-op.
func (repository *PostgresRoleRepository) RemoveRole(ctx context.Context, userID, roleID int64) error {
	const query = `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`

	if _, err := repository.pool.Exec(ctx, query, userID, roleID); err != nil {
		return dberr.Wrap(err, "UserRole")
	}
	return nil
}

// compile-time conformance checks
var (
	_ UserRepository = (*PostgresUserRepository)(nil)
	_ RoleRepository = (*PostgresRoleRepository)(nil)
)
