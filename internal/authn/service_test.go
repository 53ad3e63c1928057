// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/pkg/pointer"
	"github.com/taibuivan/veyra/internal/risk"
	"github.com/taibuivan/veyra/internal/session"
	"github.com/taibuivan/veyra/pkg/pagination"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// # In-Memory Fakes

type memoryUserRepository struct {
	seq   int64
	users map[int64]*identity.User
}

func newMemoryUserRepository() *memoryUserRepository {
	return &memoryUserRepository{users: map[int64]*identity.User{}}
}

func cloneUser(user *identity.User) *identity.User {
	clone := *user
	return &clone
}

func (repo *memoryUserRepository) Create(_ context.Context, user *identity.User) error {
	repo.seq++
	user.ID = repo.seq
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	repo.users[user.ID] = cloneUser(user)
	return nil
}

func (repo *memoryUserRepository) FindByID(_ context.Context, id int64) (*identity.User, error) {
	if user, ok := repo.users[id]; ok && user.DeletedAt == nil {
		return cloneUser(user), nil
	}
	return nil, apperr.NotFound("User")
}

func (repo *memoryUserRepository) FindByExternalID(_ context.Context, externalID string) (*identity.User, error) {
	for _, user := range repo.users {
		if user.ExternalID == externalID && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repo *memoryUserRepository) FindActiveByEmail(_ context.Context, normalizedEmail string) (*identity.User, error) {
	for _, user := range repo.users {
		if user.EmailNormalized == normalizedEmail && normalizedEmail != "" && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repo *memoryUserRepository) FindByAuthSubjectID(_ context.Context, subjectID string) (*identity.User, error) {
	for _, user := range repo.users {
		if user.AuthSubjectID != nil && *user.AuthSubjectID == subjectID && user.DeletedAt == nil {
			return cloneUser(user), nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (repo *memoryUserRepository) ExistsByEmail(_ context.Context, normalizedEmail string) (bool, error) {
	for _, user := range repo.users {
		if user.EmailNormalized == normalizedEmail {
			return true, nil
		}
	}
	return false, nil
}

func (repo *memoryUserRepository) ExistsByRecoveryEmailIndex(_ context.Context, blindIndex string, excludeUserID int64) (bool, error) {
	for _, user := range repo.users {
		if user.ID != excludeUserID && user.RecoveryEmailIndex != nil && *user.RecoveryEmailIndex == blindIndex {
			return true, nil
		}
	}
	return false, nil
}

func (repo *memoryUserRepository) Update(_ context.Context, user *identity.User) error {
	if _, ok := repo.users[user.ID]; !ok {
		return apperr.NotFound("User")
	}
	user.Version++
	user.UpdatedAt = time.Now()
	repo.users[user.ID] = cloneUser(user)
	return nil
}

func (repo *memoryUserRepository) SoftDelete(_ context.Context, userID int64, deletedBy string, deletedAt time.Time) error {
	user, ok := repo.users[userID]
	if !ok {
		return apperr.NotFound("User")
	}
	user.DeletedAt = &deletedAt
	user.LastModifiedBy = deletedBy
	return nil
}

func (repo *memoryUserRepository) List(_ context.Context, _ pagination.Params) ([]identity.User, int, error) {
	return nil, 0, nil
}

type memoryRoleRepository struct {
	roles  map[string]*identity.Role
	grants map[int64][]int64
}

func newMemoryRoleRepository() *memoryRoleRepository {
	return &memoryRoleRepository{
		roles:  map[string]*identity.Role{identity.RoleUser: {ID: 1, Name: identity.RoleUser, Path: "user"}},
		grants: map[int64][]int64{},
	}
}

func (repo *memoryRoleRepository) FindByName(_ context.Context, name string) (*identity.Role, error) {
	if role, ok := repo.roles[name]; ok {
		return role, nil
	}
	return nil, apperr.NotFound("Role")
}

func (repo *memoryRoleRepository) FindRolesForUser(_ context.Context, userID int64) ([]identity.Role, error) {
	var out []identity.Role
	for _, roleID := range repo.grants[userID] {
		for _, role := range repo.roles {
			if role.ID == roleID {
				out = append(out, *role)
			}
		}
	}
	return out, nil
}

func (repo *memoryRoleRepository) FindEffectivePermissions(_ context.Context, _ int64) ([]identity.Permission, error) {
	return nil, nil
}

func (repo *memoryRoleRepository) AssignRole(_ context.Context, userID, roleID int64, _ string) error {
	repo.grants[userID] = append(repo.grants[userID], roleID)
	return nil
}

func (repo *memoryRoleRepository) RemoveRole(_ context.Context, _, _ int64) error { return nil }

type memoryRememberMeRepository struct {
	series map[string]*PersistentLogin
}

func newMemoryRememberMeRepository() *memoryRememberMeRepository {
	return &memoryRememberMeRepository{series: map[string]*PersistentLogin{}}
}

func (repo *memoryRememberMeRepository) Create(_ context.Context, login *PersistentLogin) error {
	clone := *login
	repo.series[login.Series] = &clone
	return nil
}

func (repo *memoryRememberMeRepository) FindBySeries(_ context.Context, series string) (*PersistentLogin, error) {
	if login, ok := repo.series[series]; ok {
		clone := *login
		return &clone, nil
	}
	return nil, apperr.NotFound("Persistent login")
}

func (repo *memoryRememberMeRepository) RotateToken(_ context.Context, series, tokenHash string, usedAt time.Time) error {
	login, ok := repo.series[series]
	if !ok {
		return apperr.NotFound("Persistent login")
	}
	login.TokenHash = tokenHash
	login.LastUsedAt = usedAt
	return nil
}

func (repo *memoryRememberMeRepository) DeleteSeries(_ context.Context, series string) error {
	delete(repo.series, series)
	return nil
}

func (repo *memoryRememberMeRepository) DeleteAllForPrincipal(_ context.Context, principalName string) error {
	for series, login := range repo.series {
		if login.PrincipalName == principalName {
			delete(repo.series, series)
		}
	}
	return nil
}

// eventRecorder captures audit events as "principal|kind" strings.
type eventRecorder struct {
	entries []string
}

func (recorder *eventRecorder) RecordEvent(_ context.Context, principalName, kind, _ string) {
	recorder.entries = append(recorder.entries, principalName+"|"+kind)
}

// fakeGate scripts the risk pre-flight and records reports.
type fakeGate struct {
	checkErr   error
	failures   []string
	successes  []string
	assessment risk.Assessment
}

func (gate *fakeGate) CheckLogin(_ context.Context, _, _, _ string) error { return gate.checkErr }

func (gate *fakeGate) ReportFailure(_ context.Context, identifier, _ string) {
	gate.failures = append(gate.failures, identifier)
}

func (gate *fakeGate) ReportSuccess(_ context.Context, identifier string) {
	gate.successes = append(gate.successes, identifier)
}

func (gate *fakeGate) AssessLogin(_ context.Context, _, _ string) risk.Assessment {
	return gate.assessment
}

// hookRecorder captures account-manager bookkeeping calls.
type hookRecorder struct {
	failed    []string
	succeeded []string
}

func (hook *hookRecorder) HandleFailedLogin(_ context.Context, identifier string) {
	hook.failed = append(hook.failed, identifier)
}

func (hook *hookRecorder) HandleSuccessfulLogin(_ context.Context, identifier string, _ *identity.DeviceInfo) {
	hook.succeeded = append(hook.succeeded, identifier)
}

// memorySessionStore keeps sessions in a map.
type memorySessionStore struct {
	sessions map[string]session.Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: map[string]session.Session{}}
}

func (store *memorySessionStore) Save(_ context.Context, sess *session.Session) error {
	store.sessions[sess.ID] = *sess
	return nil
}

func (store *memorySessionStore) FindByPrincipalName(_ context.Context, principalName string) ([]session.Session, error) {
	var out []session.Session
	for _, sess := range store.sessions {
		if sess.PrincipalName == principalName {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (store *memorySessionStore) DeleteByID(_ context.Context, id string) error {
	delete(store.sessions, id)
	return nil
}

// # Fixture

type authFixture struct {
	service    *Service
	users      *memoryUserRepository
	gate       *fakeGate
	hooks      *hookRecorder
	sessions   *memorySessionStore
	rememberMe *memoryRememberMeRepository
	manager    *RememberMeManager
	events     *eventRecorder
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	fixture := &authFixture{
		users:      newMemoryUserRepository(),
		gate:       &fakeGate{assessment: risk.Assessment{Level: risk.LevelLow}},
		hooks:      &hookRecorder{},
		sessions:   newMemorySessionStore(),
		rememberMe: newMemoryRememberMeRepository(),
		events:     &eventRecorder{},
	}
	fixture.manager = NewRememberMeManager(fixture.rememberMe, fixture.events, 336*time.Hour, discardLogger())
	fixture.service = NewService(ServiceDeps{
		Users:      fixture.users,
		Accounts:   fixture.hooks,
		Gate:       fixture.gate,
		Sessions:   fixture.sessions,
		RememberMe: fixture.manager,
		Events:     fixture.events,
		Logger:     discardLogger(),
	})
	return fixture
}

// seedUser provisions an active account with a bcrypt password.
func (fixture *authFixture) seedUser(t *testing.T, email, password string) *identity.User {
	t.Helper()

	hashed, err := identity.NewHashedPassword(password)
	require.NoError(t, err)

	user := &identity.User{
		ExternalID:      "ext-" + email,
		GivenName:       "Tai",
		FamilyName:      "Bui",
		Email:           email,
		EmailNormalized: identity.NormalizeEmail(email),
		EmailVerified:   true,
		PasswordHash:    pointer.To(hashed.Encoded()),
		Status:          identity.NewAccountStatus(),
	}
	require.NoError(t, fixture.users.Create(context.Background(), user))
	return user
}

// # Password Login

func TestLogin_Success(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	ctx := context.Background()

	result, err := fixture.service.Login(ctx, LoginInput{
		Email:     "Tai@Veyra.ID", // identifier normalization
		Password:  "correct horse battery",
		IPAddress: "203.0.113.7",
		UserAgent: "test-agent",
	})
	require.NoError(t, err)

	assert.Equal(t, "tai@veyra.id", result.User.PrincipalName())
	require.NotNil(t, result.Session)
	assert.Nil(t, result.RememberMe, "remember-me only on request")

	saved, ok := fixture.sessions.sessions[result.Session.ID]
	require.True(t, ok, "session persisted")
	assert.Equal(t, "tai@veyra.id", saved.PrincipalName)
	assert.Equal(t, "password", saved.Attribute("auth_method"))

	assert.Equal(t, []string{"Tai@Veyra.ID"}, fixture.gate.successes)
	assert.Equal(t, []string{"Tai@Veyra.ID"}, fixture.hooks.succeeded)
	assert.Contains(t, fixture.events.entries, "tai@veyra.id|LOGIN_SUCCESS")
}

func TestLogin_RememberMeOptIn(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.seedUser(t, "tai@veyra.id", "correct horse battery")

	result, err := fixture.service.Login(context.Background(), LoginInput{
		Email:      "tai@veyra.id",
		Password:   "correct horse battery",
		RememberMe: true,
		IPAddress:  "203.0.113.7",
	})
	require.NoError(t, err)

	require.NotNil(t, result.RememberMe)
	assert.NotEmpty(t, result.RememberMe.Series)
	assert.NotEmpty(t, result.RememberMe.Token)
	assert.Len(t, fixture.rememberMe.series, 1)
}

func TestLogin_UnknownEmailIsUniform(t *testing.T) {
	fixture := newAuthFixture(t)

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:     "nobody@veyra.id",
		Password:  "whatever",
		IPAddress: "203.0.113.7",
	})

	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", err.Error())
	assert.Equal(t, []string{"nobody@veyra.id"}, fixture.gate.failures)
	assert.Empty(t, fixture.hooks.failed, "no account to record against")
}

func TestLogin_WrongPasswordIsUniform(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.seedUser(t, "tai@veyra.id", "correct horse battery")

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:     "tai@veyra.id",
		Password:  "incorrect horse",
		IPAddress: "203.0.113.7",
	})

	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", err.Error(),
		"wrong password reads identically to unknown email")
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.hooks.failed)
	assert.Equal(t, []string{"tai@veyra.id"}, fixture.gate.failures)
	assert.Empty(t, fixture.sessions.sessions)
}

func TestLogin_DisabledIsUniform(t *testing.T) {
	fixture := newAuthFixture(t)
	user := fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	user.Status.Enabled = false
	require.NoError(t, fixture.users.Update(context.Background(), user))

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "tai@veyra.id",
		Password: "correct horse battery",
	})

	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", err.Error(),
		"a disabled account must not be distinguishable")
}

func TestLogin_LockoutIsSurfaced(t *testing.T) {
	fixture := newAuthFixture(t)
	user := fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	expiry := time.Now().Add(30 * time.Minute)
	user.Status.AccountNonLocked = false
	user.Status.LockoutExpirationTime = &expiry
	require.NoError(t, fixture.users.Update(context.Background(), user))

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "tai@veyra.id",
		Password: "correct horse battery", // even the right password is rejected
	})

	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "LOCKED", appErr.Code)
	assert.Greater(t, appErr.RetryAfterSeconds, 0, "unlock hint travels as Retry-After")
	assert.Contains(t, fixture.events.entries, "tai@veyra.id|LOGIN_WHILE_LOCKED")
	assert.Empty(t, fixture.hooks.failed, "a locked rejection is not another failure")
}

func TestLogin_ExpiredLockoutAdmits(t *testing.T) {
	fixture := newAuthFixture(t)
	user := fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	expiry := time.Now().Add(-time.Minute)
	user.Status.AccountNonLocked = false
	user.Status.LockoutExpirationTime = &expiry
	require.NoError(t, fixture.users.Update(context.Background(), user))

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "tai@veyra.id",
		Password: "correct horse battery",
	})

	require.NoError(t, err, "a lapsed lockout releases on the next attempt")
}

func TestLogin_GateBlocksBeforeLookup(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	fixture.gate.checkErr = apperr.TooManyAttempts(60)

	_, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "tai@veyra.id",
		Password: "correct horse battery",
	})

	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "TOO_MANY_ATTEMPTS", appErr.Code)
	assert.Empty(t, fixture.hooks.succeeded)
	assert.Empty(t, fixture.sessions.sessions)
}

// # Remember-Me Login

func TestLoginWithRememberMe_RotatesCookie(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	ctx := context.Background()

	cookie, err := fixture.manager.Issue(ctx, "tai@veyra.id")
	require.NoError(t, err)

	result, err := fixture.service.LoginWithRememberMe(ctx, cookie.Series, cookie.Token, "203.0.113.7", "agent")
	require.NoError(t, err)

	assert.Equal(t, "tai@veyra.id", result.User.PrincipalName())
	require.NotNil(t, result.RememberMe)
	assert.Equal(t, cookie.Series, result.RememberMe.Series, "series survives redemption")
	assert.NotEqual(t, cookie.Token, result.RememberMe.Token, "token rotates on every use")

	saved := fixture.sessions.sessions[result.Session.ID]
	assert.Equal(t, "remember_me", saved.Attribute("auth_method"))
}

func TestLoginWithRememberMe_DisabledAccountRejected(t *testing.T) {
	fixture := newAuthFixture(t)
	user := fixture.seedUser(t, "tai@veyra.id", "correct horse battery")
	ctx := context.Background()

	cookie, err := fixture.manager.Issue(ctx, "tai@veyra.id")
	require.NoError(t, err)

	user.Status.Enabled = false
	require.NoError(t, fixture.users.Update(ctx, user))

	_, err = fixture.service.LoginWithRememberMe(ctx, cookie.Series, cookie.Token, "203.0.113.7", "agent")
	require.Error(t, err, "the account check re-runs at redemption time")
}

// # Session Management

func TestRevokeSession_OwnershipEnforced(t *testing.T) {
	fixture := newAuthFixture(t)
	ctx := context.Background()

	mine := session.New("tai@veyra.id", "203.0.113.7", "agent")
	theirs := session.New("eve@veyra.id", "198.51.100.4", "agent")
	require.NoError(t, fixture.sessions.Save(ctx, mine))
	require.NoError(t, fixture.sessions.Save(ctx, theirs))

	err := fixture.service.RevokeSession(ctx, "tai@veyra.id", theirs.ID)
	assert.True(t, apperr.IsNotFound(err), "a foreign session id reads as nonexistent")

	require.NoError(t, fixture.service.RevokeSession(ctx, "tai@veyra.id", mine.ID))
	_, stillThere := fixture.sessions.sessions[mine.ID]
	assert.False(t, stillThere)
}

func TestLogout_Idempotent(t *testing.T) {
	fixture := newAuthFixture(t)
	ctx := context.Background()

	sess := session.New("tai@veyra.id", "203.0.113.7", "agent")
	require.NoError(t, fixture.sessions.Save(ctx, sess))

	require.NoError(t, fixture.service.Logout(ctx, sess.ID, ""))
	require.NoError(t, fixture.service.Logout(ctx, sess.ID, ""), "second logout is a no-op")
	require.NoError(t, fixture.service.Logout(ctx, "", ""), "cookieless logout is a no-op")
}
