// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// Device grant lifecycle states.
const (
	DevicePending  = "PENDING"
	DeviceApproved = "APPROVED"
	DeviceDenied   = "DENIED"
)

// Redis key prefixes for the device flow.
const (
	deviceGrantPrefix = "veyra:oauth:device:grant:"
	deviceUserPrefix  = "veyra:oauth:device:user:"
	devicePollPrefix  = "veyra:oauth:device:poll:"
)

// userCodeAlphabet avoids vowels and lookalike glyphs: codes are read from a
// TV screen and typed on a phone.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// DeviceGrant is the state of one RFC 8628 device authorization.
type DeviceGrant struct {
	DeviceCodeHash string    `json:"device_code_hash"`
	UserCode       string    `json:"user_code"`
	ClientID       string    `json:"client_id"`
	Scopes         []string  `json:"scopes"`
	Status         string    `json:"status"`
	PrincipalName  string    `json:"principal_name,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// DeviceStore keeps device grants in Redis for the lifetime of the ceremony.
//
// The device code is stored only as its keyed hash; the user code is the
// human-facing lookup key. A per-grant poll marker enforces the minimum
// polling interval.
type DeviceStore struct {
	client     *redis.Client
	ttl        time.Duration
	pollPeriod time.Duration
	hash       func(string) string
}

// NewDeviceStore constructs the device-grant store. hash is the opaque-token
// hasher shared with the grant engine.
func NewDeviceStore(client *redis.Client, ttl, pollPeriod time.Duration, hash func(string) string) *DeviceStore {
	return &DeviceStore{client: client, ttl: ttl, pollPeriod: pollPeriod, hash: hash}
}

// PollPeriod returns the minimum polling interval in seconds, as advertised
// to the device.
func (store *DeviceStore) PollPeriod() int { return int(store.pollPeriod.Seconds()) }

// newUserCode draws eight characters from the unambiguous alphabet, grouped
// as XXXX-XXXX.
func newUserCode() (string, error) {
	code := make([]byte, 9)
	for i := 0; i < 9; i++ {
		if i == 4 {
			code[i] = '-'
			continue
		}
		index, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("oauth_user_code_failed: %w", err)
		}
		code[i] = userCodeAlphabet[index.Int64()]
	}
	return string(code), nil
}

/*
Issue creates a pending device grant.

Parameters:
  - ctx: context.Context
  - clientID: Requesting client
  - scopes: Requested scope set

Returns:
  - string: Device code (returned to the device, stored only hashed)
  - *DeviceGrant: Grant state including the user code
  - error: Generation or storage errors
*/
func (store *DeviceStore) Issue(ctx context.Context, clientID string, scopes []string) (string, *DeviceGrant, error) {
	deviceCode, err := sec.GenerateSecureToken(codeBytes)
	if err != nil {
		return "", nil, fmt.Errorf("oauth_device_code_failed: %w", err)
	}
	userCode, err := newUserCode()
	if err != nil {
		return "", nil, err
	}

	grant := &DeviceGrant{
		DeviceCodeHash: store.hash(deviceCode),
		UserCode:       userCode,
		ClientID:       clientID,
		Scopes:         scopes,
		Status:         DevicePending,
		ExpiresAt:      time.Now().Add(store.ttl),
	}
	if err := store.save(ctx, grant); err != nil {
		return "", nil, err
	}
	if err := store.client.Set(ctx, deviceUserPrefix+userCode, grant.DeviceCodeHash, store.ttl).Err(); err != nil {
		return "", nil, fmt.Errorf("oauth_device_store_failed: %w", err)
	}

	return deviceCode, grant, nil
}

func (store *DeviceStore) save(ctx context.Context, grant *DeviceGrant) error {
	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("oauth_device_encode_failed: %w", err)
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := store.client.Set(ctx, deviceGrantPrefix+grant.DeviceCodeHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("oauth_device_store_failed: %w", err)
	}
	return nil
}

// findByHash loads a grant by device-code hash. An absent key means the code
// expired (Redis reaped it) or never existed.
func (store *DeviceStore) findByHash(ctx context.Context, deviceCodeHash string) (*DeviceGrant, error) {
	payload, err := store.client.Get(ctx, deviceGrantPrefix+deviceCodeHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errExpiredToken()
		}
		return nil, fmt.Errorf("oauth_device_load_failed: %w", err)
	}

	grant := &DeviceGrant{}
	if err := json.Unmarshal(payload, grant); err != nil {
		return nil, fmt.Errorf("oauth_device_decode_failed: %w", err)
	}
	return grant, nil
}

// FindByUserCode resolves the grant a user is approving.
func (store *DeviceStore) FindByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error) {
	deviceCodeHash, err := store.client.Get(ctx, deviceUserPrefix+userCode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("Device code")
		}
		return nil, fmt.Errorf("oauth_device_load_failed: %w", err)
	}

	grant, err := store.findByHash(ctx, deviceCodeHash)
	if err != nil {
		return nil, apperr.NotFound("Device code")
	}
	return grant, nil
}

/*
Poll checks a device code presented at the token endpoint.

Description: Polling faster than the advertised interval returns slow_down
without touching the grant. A pending grant returns authorization_pending;
denied and expired grants return their terminal errors. An approved grant is
consumed: the ceremony state is deleted so the code exchanges exactly once.

Parameters:
  - ctx: context.Context
  - deviceCode: Device code from the client
  - clientID: Authenticated or asserted client id

Returns:
  - *DeviceGrant: The approved grant, consumed
  - error: *ProtocolError per RFC 8628
*/
func (store *DeviceStore) Poll(ctx context.Context, deviceCode, clientID string) (*DeviceGrant, error) {
	deviceCodeHash := store.hash(deviceCode)

	// Poll throttle: SET NX holds the slot for one interval.
	granted, err := store.client.SetNX(ctx, devicePollPrefix+deviceCodeHash, 1, store.pollPeriod).Result()
	if err != nil {
		return nil, fmt.Errorf("oauth_device_poll_failed: %w", err)
	}
	if !granted {
		return nil, errSlowDown()
	}

	grant, err := store.findByHash(ctx, deviceCodeHash)
	if err != nil {
		return nil, err
	}
	if grant.ClientID != clientID {
		return nil, errInvalidGrant("Device code was issued to another client")
	}
	if time.Now().After(grant.ExpiresAt) {
		return nil, errExpiredToken()
	}

	switch grant.Status {
	case DevicePending:
		return nil, errAuthorizationPending()
	case DeviceDenied:
		store.delete(ctx, grant)
		return nil, errAccessDenied()
	case DeviceApproved:
		store.delete(ctx, grant)
		return grant, nil
	default:
		return nil, errInvalidGrant("Device code is in an unknown state")
	}
}

/*
Resolve records the user's verdict on a grant identified by user code.

Parameters:
  - ctx: context.Context
  - userCode: Code the user typed
  - principalName: Approving principal
  - approved: Verdict

Returns:
  - *DeviceGrant: Updated grant
  - error: NotFound for unknown or expired codes
*/
func (store *DeviceStore) Resolve(ctx context.Context, userCode, principalName string, approved bool) (*DeviceGrant, error) {
	grant, err := store.FindByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if grant.Status != DevicePending {
		return nil, apperr.Conflict("Device code has already been resolved")
	}

	if approved {
		grant.Status = DeviceApproved
		grant.PrincipalName = principalName
	} else {
		grant.Status = DeviceDenied
	}
	if err := store.save(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (store *DeviceStore) delete(ctx context.Context, grant *DeviceGrant) {
	store.client.Del(ctx, deviceGrantPrefix+grant.DeviceCodeHash, deviceUserPrefix+grant.UserCode)
}
