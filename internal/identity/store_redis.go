// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// # Account Token Repository (Redis)
//
// Email-verification and password-reset tokens are single-use and
// TTL-bounded. Only the SHA-256 hash of the token is used as the key, so a
// Redis snapshot never yields usable tokens.

// RedisTokenIssueRepository implements [TokenIssueRepository] using Redis.
type RedisTokenIssueRepository struct {
	client *redis.Client
	prefix string
}

// NewResetTokenRepository creates the repository for password-reset tokens.
func NewResetTokenRepository(client *redis.Client) *RedisTokenIssueRepository {
	return &RedisTokenIssueRepository{client: client, prefix: "veyra:reset_token:"}
}

// NewVerificationTokenRepository creates the repository for email-verification tokens.
func NewVerificationTokenRepository(client *redis.Client) *RedisTokenIssueRepository {
	return &RedisTokenIssueRepository{client: client, prefix: "veyra:verify_token:"}
}

/*
Set stores a token hash with its associated userID and TTL.

Parameters:
  - ctx: context.Context
  - token: Raw token value (hashed before storage)
  - userID: Internal numeric user id
  - ttl: Token lifetime

Returns:
  - error: Storage failures
*/
func (repository *RedisTokenIssueRepository) Set(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	key := repository.prefix + sec.HashToken(token)

	if err := repository.client.Set(ctx, key, strconv.FormatInt(userID, 10), ttl).Err(); err != nil {
		return fmt.Errorf("redis_account_token_set_failed: %w", err)
	}

	return nil
}

/*
Get retrieves the userID for a presented token.

Description: Returns apperr.NotFound if the token is absent, expired, or
already consumed.

Parameters:
  - ctx: context.Context
  - token: Raw token value

Returns:
  - int64: Owning user id
  - error: apperr.NotFound or connectivity errors
*/
func (repository *RedisTokenIssueRepository) Get(ctx context.Context, token string) (int64, error) {
	key := repository.prefix + sec.HashToken(token)

	raw, err := repository.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, apperr.NotFound("Token")
		}
		return 0, fmt.Errorf("redis_account_token_get_failed: %w", err)
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis_account_token_decode_failed: %w", err)
	}

	return userID, nil
}

// Delete consumes the token (single-use enforcement).
func (repository *RedisTokenIssueRepository) Delete(ctx context.Context, token string) error {
	key := repository.prefix + sec.HashToken(token)

	if err := repository.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis_account_token_delete_failed: %w", err)
	}

	return nil
}

var _ TokenIssueRepository = (*RedisTokenIssueRepository)(nil)
