// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// # In-Memory Fakes

type memoryClientRepository struct {
	mu      sync.Mutex
	clients map[string]*RegisteredClient
}

func newMemoryClientRepository() *memoryClientRepository {
	return &memoryClientRepository{clients: make(map[string]*RegisteredClient)}
}

func (repo *memoryClientRepository) Create(_ context.Context, client *RegisteredClient) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, exists := repo.clients[client.ClientID]; exists {
		return apperr.Conflict("Client already exists")
	}
	client.CreatedAt = time.Now()
	repo.clients[client.ClientID] = client
	return nil
}

func (repo *memoryClientRepository) FindByClientID(_ context.Context, clientID string) (*RegisteredClient, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	client, exists := repo.clients[clientID]
	if !exists {
		return nil, apperr.NotFound("Client")
	}
	return client, nil
}

func (repo *memoryClientRepository) List(_ context.Context) ([]RegisteredClient, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var clients []RegisteredClient
	for _, client := range repo.clients {
		clients = append(clients, *client)
	}
	return clients, nil
}

func (repo *memoryClientRepository) Delete(_ context.Context, clientID string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, exists := repo.clients[clientID]; !exists {
		return apperr.NotFound("Client")
	}
	delete(repo.clients, clientID)
	return nil
}

type memoryAuthorizationRepository struct {
	mu   sync.Mutex
	rows map[string]*Authorization
}

func newMemoryAuthorizationRepository() *memoryAuthorizationRepository {
	return &memoryAuthorizationRepository{rows: make(map[string]*Authorization)}
}

func (repo *memoryAuthorizationRepository) Create(_ context.Context, authorization *Authorization) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	copied := *authorization
	repo.rows[authorization.ID] = &copied
	return nil
}

func (repo *memoryAuthorizationRepository) FindByID(_ context.Context, id string) (*Authorization, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	row, exists := repo.rows[id]
	if !exists {
		return nil, apperr.NotFound("Authorization")
	}
	copied := *row
	return &copied, nil
}

func (repo *memoryAuthorizationRepository) findBy(match func(*Authorization) bool) (*Authorization, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, row := range repo.rows {
		if match(row) {
			copied := *row
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("Authorization")
}

func (repo *memoryAuthorizationRepository) FindByCodeHash(_ context.Context, codeHash string) (*Authorization, error) {
	return repo.findBy(func(row *Authorization) bool {
		return row.Code != nil && row.Code.ValueHash == codeHash
	})
}

func (repo *memoryAuthorizationRepository) FindByAccessTokenHash(_ context.Context, tokenHash string) (*Authorization, error) {
	return repo.findBy(func(row *Authorization) bool {
		return row.AccessToken != nil && row.AccessToken.ValueHash == tokenHash
	})
}

func (repo *memoryAuthorizationRepository) FindByRefreshTokenHash(_ context.Context, tokenHash string) (*Authorization, error) {
	return repo.findBy(func(row *Authorization) bool {
		return row.RefreshToken != nil && row.RefreshToken.ValueHash == tokenHash
	})
}

func (repo *memoryAuthorizationRepository) Update(_ context.Context, authorization *Authorization) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, exists := repo.rows[authorization.ID]; !exists {
		return apperr.NotFound("Authorization")
	}
	copied := *authorization
	repo.rows[authorization.ID] = &copied
	return nil
}

func (repo *memoryAuthorizationRepository) ConsumeCode(_ context.Context, id string) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	row, exists := repo.rows[id]
	if !exists || row.Code == nil || row.Code.Invalidated {
		return false, nil
	}
	row.Code.Invalidated = true
	return true, nil
}

func (repo *memoryAuthorizationRepository) InvalidateFamily(_ context.Context, familyID string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, row := range repo.rows {
		if row.FamilyID != familyID {
			continue
		}
		for _, record := range []*TokenRecord{row.Code, row.AccessToken, row.RefreshToken} {
			if record != nil {
				record.Invalidated = true
			}
		}
	}
	return nil
}

func (repo *memoryAuthorizationRepository) RevokeAllForPrincipal(_ context.Context, principalName string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, row := range repo.rows {
		if row.PrincipalName != principalName {
			continue
		}
		for _, record := range []*TokenRecord{row.Code, row.AccessToken, row.RefreshToken} {
			if record != nil {
				record.Invalidated = true
			}
		}
	}
	return nil
}

func (repo *memoryAuthorizationRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var pruned int64
	for id, row := range repo.rows {
		expired := true
		for _, record := range []*TokenRecord{row.Code, row.AccessToken, row.RefreshToken} {
			if record != nil && record.ExpiresAt.After(before) {
				expired = false
				break
			}
		}
		if expired {
			delete(repo.rows, id)
			pruned++
		}
	}
	return pruned, nil
}

type memoryConsentRepository struct {
	mu       sync.Mutex
	consents map[string]*Consent
}

func newMemoryConsentRepository() *memoryConsentRepository {
	return &memoryConsentRepository{consents: make(map[string]*Consent)}
}

func consentKey(clientID, principalName string) string { return clientID + "|" + principalName }

func (repo *memoryConsentRepository) Find(_ context.Context, clientID, principalName string) (*Consent, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	consent, exists := repo.consents[consentKey(clientID, principalName)]
	if !exists {
		return nil, apperr.NotFound("Consent")
	}
	copied := *consent
	return &copied, nil
}

func (repo *memoryConsentRepository) Save(_ context.Context, consent *Consent) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	consent.UpdatedAt = time.Now()
	copied := *consent
	repo.consents[consentKey(consent.ClientID, consent.PrincipalName)] = &copied
	return nil
}

func (repo *memoryConsentRepository) Delete(_ context.Context, clientID, principalName string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	delete(repo.consents, consentKey(clientID, principalName))
	return nil
}

func (repo *memoryConsentRepository) DeleteAllForPrincipal(_ context.Context, principalName string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for key, consent := range repo.consents {
		if consent.PrincipalName == principalName {
			delete(repo.consents, key)
		}
	}
	return nil
}

type memoryAccountDirectory struct {
	users map[string]*identity.User
	roles []identity.Role
}

func (directory *memoryAccountDirectory) GetUserByPrincipal(_ context.Context, principalName string) (*identity.User, error) {
	user, exists := directory.users[principalName]
	if !exists {
		return nil, apperr.NotFound("User")
	}
	return user, nil
}

func (directory *memoryAccountDirectory) RolesForUser(_ context.Context, _ *identity.User) ([]identity.Role, error) {
	return directory.roles, nil
}

type grantEventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (recorder *grantEventRecorder) RecordEvent(_ context.Context, principalName, kind, _ string) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, principalName+"|"+kind)
}

func (recorder *grantEventRecorder) has(entry string) bool {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	for _, event := range recorder.events {
		if event == entry {
			return true
		}
	}
	return false
}

// # Fixture

type grantFixture struct {
	service  *Service
	minter   *TokenMinter
	clients  *memoryClientRepository
	grants   *memoryAuthorizationRepository
	consents *memoryConsentRepository
	events   *grantEventRecorder
	redis    *miniredis.Miniredis
	devices  *DeviceStore
}

func newGrantFixture(t *testing.T) *grantFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := sec.NewTokenServiceFromKey(privateKey, "test-key", "https://auth.veyra.id")

	directory := &memoryAccountDirectory{
		users: map[string]*identity.User{
			"tai@veyra.id": {
				ID:         7,
				ExternalID: "ext-tai",
				GivenName:  "Tai",
				FamilyName: "Bui",
				Email:      "tai@veyra.id",
			},
		},
		roles: []identity.Role{{ID: 1, Name: "ROLE_USER", Path: "user"}},
	}

	minter, err := NewTokenMinter(tokens, directory, "test-refresh-hmac-key", TokenSettings{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AuthCodeTTL:     time.Minute,
		IDTokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	devices := NewDeviceStore(client, 10*time.Minute, 5*time.Second, minter.HashOpaque)

	fixture := &grantFixture{
		clients:  newMemoryClientRepository(),
		grants:   newMemoryAuthorizationRepository(),
		consents: newMemoryConsentRepository(),
		events:   &grantEventRecorder{},
		minter:   minter,
		redis:    server,
		devices:  devices,
	}
	fixture.service = NewService(ServiceDeps{
		Clients:  fixture.clients,
		Grants:   fixture.grants,
		Consents: fixture.consents,
		Devices:  devices,
		Minter:   minter,
		Accounts: directory,
		Events:   fixture.events,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return fixture
}

// seedPublicClient registers a PKCE-only SPA client.
func (fixture *grantFixture) seedPublicClient(t *testing.T) *RegisteredClient {
	t.Helper()
	client := &RegisteredClient{
		ClientID:     "spa-client",
		Name:         "Veyra Console",
		AuthMethods:  []string{AuthMethodNone},
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken},
		RedirectURIs: []string{"https://console.veyra.id/callback"},
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	}
	require.NoError(t, fixture.clients.Create(context.Background(), client))
	return client
}

// seedConfidentialClient registers a secret-holding backend client.
func (fixture *grantFixture) seedConfidentialClient(t *testing.T, secret string) *RegisteredClient {
	t.Helper()
	hash := sec.HashToken(secret)
	client := &RegisteredClient{
		ClientID:               "backend-client",
		Name:                   "Billing Service",
		SecretHash:             &hash,
		AuthMethods:            []string{AuthMethodBasic, AuthMethodPost},
		GrantTypes:             []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		RedirectURIs:           []string{"https://billing.veyra.id/callback"},
		PostLogoutRedirectURIs: []string{"https://billing.veyra.id/bye"},
		Scopes:                 []string{"openid", "profile", "email", "billing:read"},
	}
	require.NoError(t, fixture.clients.Create(context.Background(), client))
	return client
}

func pkcePair() (verifier, challenge string) {
	verifier = "0123456789abcdef0123456789abcdef0123456789abcdef"
	digest := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(digest[:])
}

// authorizeCode runs a full authorize round trip and returns the issued code.
func (fixture *grantFixture) authorizeCode(t *testing.T, client *RegisteredClient, scopes []string, challenge, nonce string) string {
	t.Helper()
	result, err := fixture.service.Authorize(context.Background(), AuthorizeInput{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scopes:              scopes,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Nonce:               nonce,
		PrincipalName:       "tai@veyra.id",
	})
	require.NoError(t, err)
	require.False(t, result.ConsentRequired)

	redirect, err := url.Parse(result.RedirectURI)
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))
	return code
}

// # Authorization Endpoint

func TestAuthorize_IssuesCodeAndExchanges(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()

	code := fixture.authorizeCode(t, client, []string{"openid", "profile"}, challenge, "nonce-42")

	response, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", response.TokenType)
	assert.NotEmpty(t, response.RefreshToken)
	assert.Greater(t, response.ExpiresIn, int64(0))

	claims, err := fixture.minter.VerifyAccessToken(response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tai@veyra.id", claims.Subject)
	assert.Equal(t, "spa-client", claims.ClientID)
	assert.Equal(t, "openid profile", claims.Scope)
	assert.Equal(t, []string{"USER"}, claims.Roles)

	// ID token echoes the authorize-request nonce in the nonce claim (not
	// jti, which stays a server-generated id) and carries the profile claims
	// unlocked by the profile scope.
	idClaims, err := fixture.minter.VerifyAccessToken(response.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "nonce-42", idClaims.Nonce)
	assert.NotEqual(t, "nonce-42", idClaims.ID, "jti is not the nonce carrier")
	assert.Equal(t, "Tai Bui", idClaims.FullName)
	assert.Empty(t, idClaims.Email, "email scope was not granted")
}

func TestAuthorize_UnknownClientNeverRedirects(t *testing.T) {
	fixture := newGrantFixture(t)

	_, err := fixture.service.Authorize(context.Background(), AuthorizeInput{
		ClientID:      "ghost",
		RedirectURI:   "https://evil.example/callback",
		ResponseType:  "code",
		PrincipalName: "tai@veyra.id",
	})

	require.True(t, apperr.IsAppError(err), "pre-redirect failures must use the local envelope, got %v", err)
}

func TestAuthorize_UnregisteredRedirectRejected(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)

	_, err := fixture.service.Authorize(context.Background(), AuthorizeInput{
		ClientID:      client.ClientID,
		RedirectURI:   "https://console.veyra.id/callback/extra",
		ResponseType:  "code",
		PrincipalName: "tai@veyra.id",
	})

	require.True(t, apperr.IsAppError(err), "suffix match must not validate")
}

func TestAuthorize_PublicClientRequiresPKCE(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)

	_, err := fixture.service.Authorize(context.Background(), AuthorizeInput{
		ClientID:      client.ClientID,
		RedirectURI:   client.RedirectURIs[0],
		ResponseType:  "code",
		Scopes:        []string{"openid"},
		PrincipalName: "tai@veyra.id",
	})

	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_request", protocolErr.Code)
}

func TestAuthorize_ConsentAccumulates(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	client.RequireConsent = true
	_, challenge := pkcePair()
	ctx := context.Background()

	input := AuthorizeInput{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		PrincipalName:       "tai@veyra.id",
	}

	result, err := fixture.service.Authorize(ctx, input)
	require.NoError(t, err)
	assert.True(t, result.ConsentRequired)
	assert.Equal(t, []string{"openid", "profile"}, result.PendingScopes)

	require.NoError(t, fixture.service.GrantConsent(ctx, "tai@veyra.id", client.ClientID, []string{"openid", "profile"}))

	result, err = fixture.service.Authorize(ctx, input)
	require.NoError(t, err)
	assert.False(t, result.ConsentRequired, "granted scopes must not re-prompt")

	// A broader request prompts only until the extra scope is approved; the
	// approval unions with what was already granted.
	input.Scopes = []string{"openid", "profile", "email"}
	result, err = fixture.service.Authorize(ctx, input)
	require.NoError(t, err)
	assert.True(t, result.ConsentRequired)

	require.NoError(t, fixture.service.GrantConsent(ctx, "tai@veyra.id", client.ClientID, []string{"email"}))

	consent, err := fixture.service.ConsentFor(ctx, "tai@veyra.id", client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "email"}, consent.Scopes)

	result, err = fixture.service.Authorize(ctx, input)
	require.NoError(t, err)
	assert.False(t, result.ConsentRequired)
}

// # Code Exchange

func TestExchange_CodeReplayCondemnsFamily(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")
	input := ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	first, err := fixture.service.Exchange(ctx, client, input)
	require.NoError(t, err)

	_, err = fixture.service.Exchange(ctx, client, input)
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
	assert.True(t, fixture.events.has("tai@veyra.id|AUTH_CODE_REPLAY"))

	// Everything minted from the leaked code is dead, including the refresh
	// token handed out on the legitimate first exchange.
	_, err = fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	protocolErr, ok = err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
}

// staleCodeReads serves code rows the way a request that read before a rival
// redemption would have seen them: the code still looks live. Exchange
// validations all pass on the stale snapshot, so only the conditional
// consume in the store separates the loser from a second set of tokens.
type staleCodeReads struct {
	*memoryAuthorizationRepository
}

func (repo *staleCodeReads) FindByCodeHash(ctx context.Context, codeHash string) (*Authorization, error) {
	row, err := repo.memoryAuthorizationRepository.FindByCodeHash(ctx, codeHash)
	if err != nil {
		return nil, err
	}
	if row.Code != nil {
		stale := *row.Code
		stale.Invalidated = false
		row.Code = &stale
	}
	return row, nil
}

func TestExchange_ConcurrentCodeRedemptionHasOneWinner(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	racing := NewService(ServiceDeps{
		Clients:  fixture.clients,
		Grants:   &staleCodeReads{fixture.grants},
		Consents: fixture.consents,
		Devices:  fixture.devices,
		Minter:   fixture.minter,
		Accounts: fixture.minter.accounts,
		Events:   fixture.events,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")
	input := ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	first, err := racing.Exchange(ctx, client, input)
	require.NoError(t, err)
	require.NotEmpty(t, first.AccessToken)

	// The second redemption saw a live code but loses the conditional flip.
	_, err = racing.Exchange(ctx, client, input)
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
	assert.True(t, fixture.events.has("tai@veyra.id|AUTH_CODE_REPLAY"))

	row, err := fixture.grants.FindByCodeHash(ctx, fixture.minter.HashOpaque(code))
	require.NoError(t, err)
	consumed, err := fixture.grants.ConsumeCode(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, consumed, "the flip happens exactly once per code")
}

func TestTokenMinter_ClaimsCustomizer(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()

	var seen []ClaimsContext
	fixture.minter.Customizer = func(ctx ClaimsContext, claims *sec.AuthClaims) {
		seen = append(seen, ctx)
		if ctx.TokenType == TokenTypeAccess {
			claims.Scope = claims.Scope + " internal:audit"
		}
	}

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")
	response, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	claims, err := fixture.minter.VerifyAccessToken(response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "openid internal:audit", claims.Scope)

	require.Len(t, seen, 2, "access then id token")
	assert.Equal(t, TokenTypeAccess, seen[0].TokenType)
	assert.Equal(t, GrantAuthorizationCode, seen[0].GrantType)
	assert.Equal(t, "tai@veyra.id", seen[0].Principal)
	assert.Equal(t, "spa-client", seen[0].Client.ClientID)
	assert.Equal(t, TokenTypeID, seen[1].TokenType)

	idClaims, err := fixture.minter.VerifyAccessToken(response.IDToken)
	require.NoError(t, err)
	assert.NotContains(t, idClaims.Scope, "internal:audit", "the hook saw the id token separately")
}

func TestExchange_CodeBoundToClient(t *testing.T) {
	fixture := newGrantFixture(t)
	spa := fixture.seedPublicClient(t)
	backend := fixture.seedConfidentialClient(t, "s3cret")
	verifier, challenge := pkcePair()

	code := fixture.authorizeCode(t, spa, []string{"openid"}, challenge, "")

	_, err := fixture.service.Exchange(context.Background(), backend, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  spa.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
}

func TestExchange_PKCEMismatchRejected(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	_, challenge := pkcePair()

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")

	_, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
}

func TestExchange_RedirectMismatchRejected(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")

	_, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://console.veyra.id/other",
		CodeVerifier: verifier,
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
}

// # Refresh Rotation

func TestExchange_RefreshRotates(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid", "offline_access"}, challenge, "")
	first, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	second, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	// The rotated-out access token is revoked even though its JWT lifetime
	// has not elapsed.
	state := fixture.service.Introspect(ctx, first.AccessToken)
	assert.False(t, state.Active)
}

func TestExchange_RefreshReuseCondemnsFamily(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid", "offline_access"}, challenge, "")
	first, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	second, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)

	// Replaying the retired token is theft; the live successor dies with it.
	_, err = fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
	assert.True(t, fixture.events.has("tai@veyra.id|REFRESH_TOKEN_REUSE"))

	_, err = fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: second.RefreshToken,
	})
	protocolErr, ok = err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", protocolErr.Code)
}

// # Client Credentials

func TestExchange_ClientCredentials(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedConfidentialClient(t, "s3cret")

	response, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType: GrantClientCredentials,
		Scopes:    []string{"billing:read"},
	})
	require.NoError(t, err)
	assert.Empty(t, response.RefreshToken, "machine grants have no refresh token")

	claims, err := fixture.minter.VerifyAccessToken(response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, claims.Subject)
	assert.Equal(t, "billing:read", claims.Scope)
	assert.Empty(t, claims.Email, "no account claims on machine tokens")
}

func TestExchange_ClientCredentialsDeniedToPublicClients(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	client.GrantTypes = append(client.GrantTypes, GrantClientCredentials)

	_, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType: GrantClientCredentials,
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "unauthorized_client", protocolErr.Code)
}

func TestExchange_UnregisteredGrantRejected(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)

	_, err := fixture.service.Exchange(context.Background(), client, ExchangeInput{
		GrantType: GrantClientCredentials,
	})
	protocolErr, ok := err.(*ProtocolError)
	require.True(t, ok)
	assert.Equal(t, "unauthorized_client", protocolErr.Code)
}

// # Introspection, Revocation, UserInfo

func TestIntrospectAndRevoke(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedConfidentialClient(t, "s3cret")
	ctx := context.Background()

	response, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType: GrantClientCredentials,
		Scopes:    []string{"billing:read"},
	})
	require.NoError(t, err)

	state := fixture.service.Introspect(ctx, response.AccessToken)
	assert.True(t, state.Active)
	assert.Equal(t, "billing:read", state.Scope)
	assert.Equal(t, client.ClientID, state.ClientID)
	assert.Equal(t, "access_token", state.TokenType)

	require.NoError(t, fixture.service.Revoke(ctx, client, response.AccessToken))
	assert.False(t, fixture.service.Introspect(ctx, response.AccessToken).Active)

	// Unknown tokens are indistinguishable from revoked ones.
	assert.False(t, fixture.service.Introspect(ctx, "no-such-token").Active)
	assert.NoError(t, fixture.service.Revoke(ctx, client, "no-such-token"), "revocation is not an oracle")
}

func TestRevoke_RefreshTokenKillsFamily(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")
	response, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	require.NoError(t, fixture.service.Revoke(ctx, client, response.RefreshToken))

	assert.False(t, fixture.service.Introspect(ctx, response.AccessToken).Active)
	_, err = fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantRefreshToken,
		RefreshToken: response.RefreshToken,
	})
	require.Error(t, err)
}

func TestUserInfo_FollowsScopes(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid", "profile"}, challenge, "")
	response, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	info, err := fixture.service.UserInfo(ctx, response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tai@veyra.id", info["sub"])
	assert.Equal(t, "Tai Bui", info["name"])
	_, hasEmail := info["email"]
	assert.False(t, hasEmail, "email scope was not granted")

	// Revocation beats the JWT lifetime.
	require.NoError(t, fixture.service.Revoke(ctx, client, response.AccessToken))
	_, err = fixture.service.UserInfo(ctx, response.AccessToken)
	require.Error(t, err)
}

func TestRevokeAllForPrincipal(t *testing.T) {
	fixture := newGrantFixture(t)
	client := fixture.seedPublicClient(t)
	verifier, challenge := pkcePair()
	ctx := context.Background()

	code := fixture.authorizeCode(t, client, []string{"openid"}, challenge, "")
	response, err := fixture.service.Exchange(ctx, client, ExchangeInput{
		GrantType:    GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NoError(t, fixture.service.GrantConsent(ctx, "tai@veyra.id", client.ClientID, []string{"openid"}))

	require.NoError(t, fixture.service.RevokeAllForPrincipal(ctx, "tai@veyra.id"))
	require.NoError(t, fixture.service.DeleteConsentsForPrincipal(ctx, "tai@veyra.id"))

	assert.False(t, fixture.service.Introspect(ctx, response.AccessToken).Active)
	consent, err := fixture.service.ConsentFor(ctx, "tai@veyra.id", client.ClientID)
	require.NoError(t, err)
	assert.Empty(t, consent.Scopes)
}

// # PKCE

func TestVerifyPKCE(t *testing.T) {
	verifier, challenge := pkcePair()

	testCases := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"s256 match", challenge, "S256", verifier, true},
		{"s256 default method", challenge, "", verifier, true},
		{"s256 mismatch", challenge, "S256", "another-verifier-another-verifier-another", false},
		{"plain match", "plain-value-plain-value-plain-value-plain", "plain", "plain-value-plain-value-plain-value-plain", true},
		{"plain not accepted as s256", verifier, "S256", verifier, false},
		{"unknown method", challenge, "S512", verifier, false},
		{"empty verifier", challenge, "S256", "", false},
		{"empty challenge", "", "S256", verifier, false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, VerifyPKCE(testCase.challenge, testCase.method, testCase.verifier))
		})
	}
}

// # Consent Semantics

func TestConsent_CoversAndMerge(t *testing.T) {
	consent := &Consent{ClientID: "spa-client", PrincipalName: "tai@veyra.id"}

	assert.True(t, consent.Covers(nil))
	assert.False(t, consent.Covers([]string{"openid"}))

	consent.MergeScopes([]string{"openid", "profile"})
	consent.MergeScopes([]string{"profile", "email"})

	assert.Equal(t, []string{"openid", "profile", "email"}, consent.Scopes, "union preserves first appearance")
	assert.True(t, consent.Covers([]string{"email", "openid"}))
	assert.False(t, consent.Covers([]string{"offline_access"}))

	var absent *Consent
	assert.False(t, absent.Covers([]string{"openid"}))
	assert.True(t, absent.Covers(nil))
}
