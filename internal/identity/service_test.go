// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/ctxutil"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/pagination"
	"github.com/taibuivan/veyra/pkg/pointer"
)

// # In-Memory Fakes

type memoryUserRepository struct {
	mu     sync.Mutex
	users  map[int64]*identity.User
	nextID int64

	// injectConflicts makes the next N Update calls fail with the
	// optimistic-conflict sentinel before succeeding.
	injectConflicts int
}

func newMemoryUserRepository() *memoryUserRepository {
	return &memoryUserRepository{users: make(map[int64]*identity.User)}
}

func cloneUser(user *identity.User) *identity.User {
	clone := *user
	return &clone
}

func (repository *memoryUserRepository) Create(_ context.Context, user *identity.User) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, existing := range repository.users {
		if existing.EmailNormalized == user.EmailNormalized && existing.DeletedAt == nil {
			return apperr.Conflict("Email is already registered")
		}
	}

	repository.nextID++
	user.ID = repository.nextID
	user.Version = 0
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	repository.users[user.ID] = cloneUser(user)
	return nil
}

func (repository *memoryUserRepository) FindByID(_ context.Context, id int64) (*identity.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	user, ok := repository.users[id]
	if !ok || user.DeletedAt != nil {
		return nil, apperr.NotFound("User")
	}
	return cloneUser(user), nil
}

func (repository *memoryUserRepository) FindByExternalID(_ context.Context, externalID string) (*identity.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, user := range repository.users {
		if user.ExternalID == externalID && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repository *memoryUserRepository) FindActiveByEmail(_ context.Context, normalizedEmail string) (*identity.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, user := range repository.users {
		if user.EmailNormalized == normalizedEmail && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repository *memoryUserRepository) FindByAuthSubjectID(_ context.Context, subjectID string) (*identity.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, user := range repository.users {
		if user.AuthSubjectID != nil && *user.AuthSubjectID == subjectID && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repository *memoryUserRepository) ExistsByEmail(_ context.Context, normalizedEmail string) (bool, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, user := range repository.users {
		if user.EmailNormalized == normalizedEmail && user.DeletedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (repository *memoryUserRepository) ExistsByRecoveryEmailIndex(_ context.Context, blindIndex string, excludeUserID int64) (bool, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	for _, user := range repository.users {
		if user.ID == excludeUserID || user.DeletedAt != nil {
			continue
		}
		if user.RecoveryEmailIndex != nil && *user.RecoveryEmailIndex == blindIndex {
			return true, nil
		}
	}
	return false, nil
}

func (repository *memoryUserRepository) Update(_ context.Context, user *identity.User) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	if repository.injectConflicts > 0 {
		repository.injectConflicts--
		return apperr.ErrOptimisticConflict
	}

	stored, ok := repository.users[user.ID]
	if !ok || stored.DeletedAt != nil {
		return apperr.NotFound("User")
	}
	if stored.Version != user.Version {
		return apperr.ErrOptimisticConflict
	}

	user.Version++
	user.UpdatedAt = time.Now()
	repository.users[user.ID] = cloneUser(user)
	return nil
}

func (repository *memoryUserRepository) SoftDelete(_ context.Context, userID int64, deletedBy string, deletedAt time.Time) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	stored, ok := repository.users[userID]
	if !ok || stored.DeletedAt != nil {
		return apperr.NotFound("User")
	}
	stored.DeletedAt = &deletedAt
	stored.LastModifiedBy = deletedBy
	stored.Status.Enabled = false
	return nil
}

func (repository *memoryUserRepository) List(_ context.Context, params pagination.Params) ([]identity.User, int, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	users := make([]identity.User, 0, len(repository.users))
	for _, user := range repository.users {
		if user.DeletedAt == nil {
			users = append(users, *user)
		}
	}
	return users, len(users), nil
}

type memoryRoleRepository struct {
	mu          sync.Mutex
	roles       map[string]*identity.Role
	assignments map[int64]map[int64]bool
}

func newMemoryRoleRepository() *memoryRoleRepository {
	return &memoryRoleRepository{
		roles: map[string]*identity.Role{
			identity.RoleUser:  {ID: 1, Name: identity.RoleUser, Path: "user"},
			identity.RoleAdmin: {ID: 2, Name: identity.RoleAdmin, Path: "user.admin"},
		},
		assignments: make(map[int64]map[int64]bool),
	}
}

func (repository *memoryRoleRepository) FindByName(_ context.Context, name string) (*identity.Role, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	role, ok := repository.roles[name]
	if !ok {
		return nil, apperr.NotFound("Role")
	}
	clone := *role
	return &clone, nil
}

func (repository *memoryRoleRepository) FindRolesForUser(_ context.Context, userID int64) ([]identity.Role, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	var roles []identity.Role
	for _, role := range repository.roles {
		if repository.assignments[userID][role.ID] {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

func (repository *memoryRoleRepository) FindEffectivePermissions(_ context.Context, userID int64) ([]identity.Permission, error) {
	return nil, nil
}

func (repository *memoryRoleRepository) AssignRole(_ context.Context, userID, roleID int64, _ string) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	if repository.assignments[userID] == nil {
		repository.assignments[userID] = make(map[int64]bool)
	}
	repository.assignments[userID][roleID] = true
	return nil
}

func (repository *memoryRoleRepository) RemoveRole(_ context.Context, userID, roleID int64) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	delete(repository.assignments[userID], roleID)
	return nil
}

type memoryTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]int64
}

func newMemoryTokenRepository() *memoryTokenRepository {
	return &memoryTokenRepository{tokens: make(map[string]int64)}
}

func (repository *memoryTokenRepository) Set(_ context.Context, token string, userID int64, _ time.Duration) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	repository.tokens[token] = userID
	return nil
}

func (repository *memoryTokenRepository) Get(_ context.Context, token string) (int64, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	userID, ok := repository.tokens[token]
	if !ok {
		return 0, apperr.NotFound("Token")
	}
	return userID, nil
}

func (repository *memoryTokenRepository) Delete(_ context.Context, token string) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	delete(repository.tokens, token)
	return nil
}

// cascadeRecorder captures every invalidation-port call.
type cascadeRecorder struct {
	mu sync.Mutex

	sessionInvalidations []string // "principal|except"
	grantRevocations     []string
	consentDeletions     []string
	rememberMeRevokes    []string
	passkeyDeletes       []int64
	fingerprintDeletes   []int64
	events               []string // "principal|kind"
}

func (recorder *cascadeRecorder) InvalidatePrincipal(_ context.Context, principalName, exceptSessionID string) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.sessionInvalidations = append(recorder.sessionInvalidations, principalName+"|"+exceptSessionID)
	return nil
}

func (recorder *cascadeRecorder) RevokeAllForPrincipal(_ context.Context, principalName string) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.grantRevocations = append(recorder.grantRevocations, principalName)
	return nil
}

func (recorder *cascadeRecorder) DeleteConsentsForPrincipal(_ context.Context, principalName string) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.consentDeletions = append(recorder.consentDeletions, principalName)
	return nil
}

func (recorder *cascadeRecorder) RevokeAllForUser(_ context.Context, principalName string) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.rememberMeRevokes = append(recorder.rememberMeRevokes, principalName)
	return nil
}

func (recorder *cascadeRecorder) DeletePasskeysForUser(_ context.Context, userID int64) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.passkeyDeletes = append(recorder.passkeyDeletes, userID)
	return nil
}

func (recorder *cascadeRecorder) DeactivateFingerprintsForUser(_ context.Context, userID int64) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.fingerprintDeletes = append(recorder.fingerprintDeletes, userID)
	return nil
}

func (recorder *cascadeRecorder) RecordEvent(_ context.Context, principalName, kind, _ string) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, principalName+"|"+kind)
}

// # Test Harness

type serviceFixture struct {
	service  *identity.Service
	users    *memoryUserRepository
	roles    *memoryRoleRepository
	cascades *cascadeRecorder
	reset    *memoryTokenRepository
	verify   *memoryTokenRepository
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	policy, err := identity.NewPasswordPolicy(identity.PolicyConfig{MinLength: 8}, discardLogger())
	require.NoError(t, err)

	blindIndexer, err := sec.NewBlindIndexer("test-master-secret")
	require.NoError(t, err)
	fieldCipher, err := sec.NewFieldCipher("test-master-secret")
	require.NoError(t, err)

	fixture := &serviceFixture{
		users:    newMemoryUserRepository(),
		roles:    newMemoryRoleRepository(),
		cascades: &cascadeRecorder{},
		reset:    newMemoryTokenRepository(),
		verify:   newMemoryTokenRepository(),
	}

	fixture.service = identity.NewService(identity.ServiceDeps{
		Users:              fixture.users,
		Roles:              fixture.roles,
		ResetTokens:        fixture.reset,
		VerificationTokens: fixture.verify,
		Policy:             policy,
		BlindIndexer:       blindIndexer,
		FieldCipher:        fieldCipher,
		Sessions:           fixture.cascades,
		Grants:             fixture.cascades,
		RememberMe:         fixture.cascades,
		Credentials:        fixture.cascades,
		Events:             fixture.cascades,
		Lockout:            identity.LockoutSettings{Threshold: testThreshold, Duration: testLockout},
		DefaultPhoneRegion: "US",
		Logger:             discardLogger(),
	})

	return fixture
}

func (fixture *serviceFixture) createUser(t *testing.T, email, password string) *identity.User {
	t.Helper()
	user, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
		GivenName: "Tai",
		Email:     email,
		Password:  password,
	})
	require.NoError(t, err)
	return user
}

// # Registration

func TestCreateUser(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")

	assert.NotZero(t, user.ID)
	assert.NotEmpty(t, user.ExternalID)
	assert.Equal(t, "tai@veyra.id", user.EmailNormalized)
	assert.True(t, user.HasPassword())
	assert.True(t, user.CanAuthenticate(time.Now()))

	roles, err := fixture.roles.FindRolesForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, identity.RoleUser, roles[0].Name, "default role is granted on creation")
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.createUser(t, "tai@veyra.id", "long-enough-pw")

	_, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    "Tai@Veyra.ID", // differs only in case
		Password: "long-enough-pw",
	})

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestCreateUser_WeakPasswordRejected(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    "tai@veyra.id",
		Password: "short",
	})

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestCreateUser_RecoveryEmail(t *testing.T) {
	t.Run("encrypted and indexed", func(t *testing.T) {
		fixture := newServiceFixture(t)

		user, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
			Email:         "tai@veyra.id",
			Password:      "long-enough-pw",
			RecoveryEmail: "Backup@Veyra.ID",
		})
		require.NoError(t, err)

		require.NotNil(t, user.RecoveryEmailCiphertext)
		require.NotNil(t, user.RecoveryEmailIndex)
		assert.NotContains(t, *user.RecoveryEmailCiphertext, "Backup", "stored ciphertext, not plaintext")

		decrypted, err := fixture.service.RecoveryEmail(user)
		require.NoError(t, err)
		assert.Equal(t, "Backup@Veyra.ID", decrypted)
	})

	t.Run("same as primary rejected case-insensitively", func(t *testing.T) {
		fixture := newServiceFixture(t)

		_, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
			Email:         "tai@veyra.id",
			Password:      "long-enough-pw",
			RecoveryEmail: "TAI@VEYRA.ID",
		})

		var appErr *apperr.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	})

	t.Run("blind index collision across accounts", func(t *testing.T) {
		fixture := newServiceFixture(t)

		_, err := fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
			Email:         "first@veyra.id",
			Password:      "long-enough-pw",
			RecoveryEmail: "shared@veyra.id",
		})
		require.NoError(t, err)

		// Case variation must still collide: the index hashes the
		// normalized form.
		_, err = fixture.service.CreateUser(context.Background(), identity.CreateUserInput{
			Email:         "second@veyra.id",
			Password:      "long-enough-pw",
			RecoveryEmail: "SHARED@veyra.id",
		})

		var appErr *apperr.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "CONFLICT", appErr.Code)
	})
}

type rejectingGate struct{}

func (rejectingGate) CheckRegistration(context.Context, string, string) error {
	return apperr.RateLimited(60)
}

func TestCreateUser_RegistrationGateBlocks(t *testing.T) {
	fixture := newServiceFixture(t)

	policy, err := identity.NewPasswordPolicy(identity.PolicyConfig{MinLength: 8}, discardLogger())
	require.NoError(t, err)
	blindIndexer, _ := sec.NewBlindIndexer("test-master-secret")
	fieldCipher, _ := sec.NewFieldCipher("test-master-secret")

	gated := identity.NewService(identity.ServiceDeps{
		Users:              fixture.users,
		Roles:              fixture.roles,
		ResetTokens:        fixture.reset,
		VerificationTokens: fixture.verify,
		Policy:             policy,
		BlindIndexer:       blindIndexer,
		FieldCipher:        fieldCipher,
		Sessions:           fixture.cascades,
		Grants:             fixture.cascades,
		RememberMe:         fixture.cascades,
		Credentials:        fixture.cascades,
		RegistrationGate:   rejectingGate{},
		Lockout:            identity.LockoutSettings{Threshold: testThreshold, Duration: testLockout},
		DefaultPhoneRegion: "US",
		Logger:             discardLogger(),
	})

	_, err = gated.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    "tai@veyra.id",
		Password: "long-enough-pw",
	})

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "RATE_LIMITED", appErr.Code)

	exists, _ := fixture.users.ExistsByEmail(context.Background(), "tai@veyra.id")
	assert.False(t, exists, "nothing persists when the gate rejects")
}

// # Profile Updates

func TestUpdateUserProfile_PatchSemantics(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	_, err := fixture.service.UpdateUserProfile(ctx, user.ID, identity.UpdateProfileInput{
		Nickname: pointer.To("taib"),
		Phone:    pointer.To("+14155552671"),
	})
	require.NoError(t, err)

	// nil leaves fields untouched; empty string clears.
	updated, err := fixture.service.UpdateUserProfile(ctx, user.ID, identity.UpdateProfileInput{
		Phone: pointer.To(""),
	})
	require.NoError(t, err)

	assert.Equal(t, "taib", updated.Nickname, "nil field is not modified")
	assert.Nil(t, updated.Phone, "empty string clears the attribute")
}

func TestUpdateUserProfile_NoChangeSkipsWrite(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")

	updated, err := fixture.service.UpdateUserProfile(context.Background(), user.ID, identity.UpdateProfileInput{})
	require.NoError(t, err)

	assert.Equal(t, user.Version, updated.Version, "empty patch must not bump the version")
}

func TestUpdateUserProfile_InvalidPhone(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")

	_, err := fixture.service.UpdateUserProfile(context.Background(), user.ID, identity.UpdateProfileInput{
		Phone: pointer.To("not-a-phone"),
	})

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

// # Password Changes

func TestChangeUserPassword(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "original-password")

	ctx := ctxutil.WithSessionID(context.Background(), "sess-current")
	err := fixture.service.ChangeUserPassword(ctx, user.ID, "original-password", "replacement-pw")
	require.NoError(t, err)

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, identity.HashedPasswordFromEncoded(*stored.PasswordHash).Matches("replacement-pw"))
	assert.NotNil(t, stored.Status.LastPasswordChangeAt)

	// Other sessions die; the current one survives; OAuth grants survive a
	// self-service change.
	require.Len(t, fixture.cascades.sessionInvalidations, 1)
	assert.Equal(t, "tai@veyra.id|sess-current", fixture.cascades.sessionInvalidations[0])
	assert.Empty(t, fixture.cascades.grantRevocations)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.rememberMeRevokes)
}

func TestChangeUserPassword_WrongCurrent(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "original-password")

	err := fixture.service.ChangeUserPassword(context.Background(), user.ID, "wrong-guess", "replacement-pw")

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UNAUTHORIZED", appErr.Code)
	assert.Empty(t, fixture.cascades.sessionInvalidations)
}

func TestChangeUserPassword_ReuseRejected(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "original-password")

	err := fixture.service.ChangeUserPassword(context.Background(), user.ID, "original-password", "original-password")

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestAdminChangeUserPassword_RevokesAuthorizations(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "original-password")

	err := fixture.service.AdminChangeUserPassword(context.Background(), user.ID, "admin-set-password")
	require.NoError(t, err)

	// Unlike self-service, the admin path revokes every session AND every
	// outstanding authorization.
	require.Len(t, fixture.cascades.sessionInvalidations, 1)
	assert.Equal(t, "tai@veyra.id|", fixture.cascades.sessionInvalidations[0])
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.grantRevocations)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.consentDeletions)
}

// # Reset & Verification Flows

func TestPasswordResetFlow(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "original-password")
	ctx := context.Background()

	token, err := fixture.service.RequestPasswordReset(ctx, "Tai@Veyra.ID")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, fixture.service.ResetPassword(ctx, token, "fresh-password"))

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, identity.HashedPasswordFromEncoded(*stored.PasswordHash).Matches("fresh-password"))

	// Single use.
	err = fixture.service.ResetPassword(ctx, token, "another-password")
	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	// No current-session exception on a token-driven reset.
	require.Len(t, fixture.cascades.sessionInvalidations, 1)
	assert.Equal(t, "tai@veyra.id|", fixture.cascades.sessionInvalidations[0])
}

func TestRequestPasswordReset_UnknownEmailIsSilent(t *testing.T) {
	fixture := newServiceFixture(t)

	token, err := fixture.service.RequestPasswordReset(context.Background(), "nobody@veyra.id")
	require.NoError(t, err, "unknown accounts must not be distinguishable")
	assert.Empty(t, token)
}

func TestVerifyEmailFlow(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	// CreateUser issued a verification token; find it in the fake.
	fixture.verify.mu.Lock()
	var token string
	for candidate := range fixture.verify.tokens {
		token = candidate
	}
	fixture.verify.mu.Unlock()
	require.NotEmpty(t, token)

	require.NoError(t, fixture.service.VerifyEmail(ctx, token))

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified)

	err = fixture.service.VerifyEmail(ctx, token)
	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

// # Login Bookkeeping

func TestHandleFailedLogin_LockoutProgression(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	for i := 0; i < testThreshold-1; i++ {
		fixture.service.HandleFailedLogin(ctx, "tai@veyra.id")
	}

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsLockedAt(time.Now()), "one below threshold stays unlocked")
	assert.Equal(t, testThreshold-1, stored.Status.FailedLoginAttempts)

	fixture.service.HandleFailedLogin(ctx, "tai@veyra.id")

	stored, err = fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.IsLockedAt(time.Now()), "threshold failure locks the account")
	assert.Contains(t, fixture.cascades.events, "tai@veyra.id|ACCOUNT_LOCKED")
}

func TestHandleFailedLogin_NeverPanicsOnUnknownIdentifier(t *testing.T) {
	fixture := newServiceFixture(t)

	// Must be a silent no-op: the caller still returns its uniform error.
	fixture.service.HandleFailedLogin(context.Background(), "ghost@veyra.id")
}

func TestHandleFailedLogin_RetriesOnVersionConflict(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	fixture.users.injectConflicts = 2
	fixture.service.HandleFailedLogin(ctx, "tai@veyra.id")

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Status.FailedLoginAttempts, "bookkeeping lands despite two CAS conflicts")
}

func TestHandleSuccessfulLogin_ResetsCounter(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	for i := 0; i < testThreshold-1; i++ {
		fixture.service.HandleFailedLogin(ctx, "tai@veyra.id")
	}

	fixture.service.HandleSuccessfulLogin(ctx, "tai@veyra.id", nil)

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Status.FailedLoginAttempts)
	assert.NotNil(t, stored.Status.LastLoginAt)
}

// # Role Changes & Deletion Cascades

func TestAppendRole_ForcesReauthentication(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	require.NoError(t, fixture.service.AppendRole(ctx, user.ID, identity.RoleAdmin))

	roles, err := fixture.roles.FindRolesForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	assert.Equal(t, []string{"tai@veyra.id|"}, fixture.cascades.sessionInvalidations)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.grantRevocations)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.consentDeletions)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.rememberMeRevokes)
}

func TestRevokeRole_UnknownRole(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")

	err := fixture.service.RevokeRole(context.Background(), user.ID, "ROLE_NONEXISTENT")

	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
	assert.Empty(t, fixture.cascades.sessionInvalidations, "no cascade on failed revocation")
}

func TestDeleteUserAccount_FullCascade(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	require.NoError(t, fixture.service.DeleteUserAccount(ctx, user.ID))

	_, err := fixture.users.FindByID(ctx, user.ID)
	var appErr *apperr.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code, "soft-deleted accounts vanish from lookups")

	assert.Equal(t, []int64{user.ID}, fixture.cascades.passkeyDeletes)
	assert.Equal(t, []int64{user.ID}, fixture.cascades.fingerprintDeletes)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.grantRevocations)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.consentDeletions)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.cascades.rememberMeRevokes)
	assert.Equal(t, []string{"tai@veyra.id|"}, fixture.cascades.sessionInvalidations)
}

func TestAdminSetUserEnabled(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	require.NoError(t, fixture.service.AdminSetUserEnabled(ctx, user.ID, false))

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.Enabled)
	assert.False(t, stored.CanAuthenticate(time.Now()))
	assert.Equal(t, []string{"tai@veyra.id|"}, fixture.cascades.sessionInvalidations, "disable forces sign-out")

	// Re-enable does not cascade.
	require.NoError(t, fixture.service.AdminSetUserEnabled(ctx, user.ID, true))
	assert.Len(t, fixture.cascades.sessionInvalidations, 1)
}

func TestAdminUnlockUser(t *testing.T) {
	fixture := newServiceFixture(t)
	user := fixture.createUser(t, "tai@veyra.id", "long-enough-pw")
	ctx := context.Background()

	for i := 0; i < testThreshold; i++ {
		fixture.service.HandleFailedLogin(ctx, "tai@veyra.id")
	}
	stored, _ := fixture.users.FindByID(ctx, user.ID)
	require.True(t, stored.Status.IsLockedAt(time.Now()))

	require.NoError(t, fixture.service.AdminUnlockUser(ctx, user.ID))

	stored, err := fixture.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsLockedAt(time.Now()))
	assert.Zero(t, stored.Status.FailedLoginAttempts)
}
