// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/platform/apperr"
)

// Key layout.
const (
	sessionKeyPrefix   = "veyra:session:"
	principalKeyPrefix = "veyra:session:principal:"
)

// Store is the Redis-backed session registry.
//
// Two structures per session: the session document under its id, and a set
// of session ids under the principal name. The index set carries a TTL a
// little beyond the session TTL so it can never outlive its members by much;
// stale members (documents already expired) are pruned during enumeration.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore constructs the registry. ttl is the sliding session lifetime.
func NewStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{client: client, ttl: ttl, logger: logger}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func principalKey(name string) string { return principalKeyPrefix + name }

func (store *Store) indexTTL() time.Duration { return store.ttl + time.Hour }

/*
Save persists the session document and indexes it under its principal.

Parameters:
  - ctx: context.Context
  - session: Session to persist (ID and PrincipalName must be set)

Returns:
  - error: Codec or storage failures
*/
func (store *Store) Save(ctx context.Context, session *Session) error {
	if session.ID == "" || session.PrincipalName == "" {
		return fmt.Errorf("session_save_failed: id and principal are required")
	}

	payload, err := Encode(session)
	if err != nil {
		return err
	}

	pipe := store.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), payload, store.ttl)
	pipe.SAdd(ctx, principalKey(session.PrincipalName), session.ID)
	pipe.Expire(ctx, principalKey(session.PrincipalName), store.indexTTL())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_session_save_failed: %w", err)
	}
	return nil
}

/*
FindByID loads a session document.

Returns:
  - *Session: The stored session
  - error: apperr.NotFound when absent or expired
*/
func (store *Store) FindByID(ctx context.Context, id string) (*Session, error) {
	payload, err := store.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("Session")
		}
		return nil, fmt.Errorf("redis_session_get_failed: %w", err)
	}
	return Decode(payload)
}

// Touch slides the session and index TTLs and stamps the access time.
func (store *Store) Touch(ctx context.Context, id string) error {
	session, err := store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	session.LastAccessedAt = time.Now().UTC()
	return store.Save(ctx, session)
}

/*
FindByPrincipalName enumerates a principal's live sessions.

Description: Index members whose documents already expired are pruned from
the set as a side effect.

Parameters:
  - ctx: context.Context
  - principalName: Stable principal identifier

Returns:
  - []Session: Live sessions, possibly empty
  - error: Storage failures
*/
func (store *Store) FindByPrincipalName(ctx context.Context, principalName string) ([]Session, error) {
	ids, err := store.client.SMembers(ctx, principalKey(principalName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_session_index_read_failed: %w", err)
	}

	sessions := make([]Session, 0, len(ids))
	var stale []interface{}

	for _, id := range ids {
		session, err := store.FindByID(ctx, id)
		if err != nil {
			if apperr.As(err) != nil {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	if len(stale) > 0 {
		if err := store.client.SRem(ctx, principalKey(principalName), stale...).Err(); err != nil {
			store.logger.Warn("session_index_prune_failed",
				slog.String("principal", principalName),
				slog.String("error", err.Error()),
			)
		}
	}

	return sessions, nil
}

// DeleteByID removes one session and its index entry.
func (store *Store) DeleteByID(ctx context.Context, id string) error {
	session, err := store.FindByID(ctx, id)
	if err != nil {
		if apperr.As(err) != nil {
			return nil // already gone
		}
		return err
	}

	pipe := store.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, principalKey(session.PrincipalName), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_session_delete_failed: %w", err)
	}
	return nil
}

/*
InvalidatePrincipal deletes every session of a principal except one.

Description: This is the cascade entry point for credential and role
changes. An empty exceptSessionID keeps nothing.

Parameters:
  - ctx: context.Context
  - principalName: Stable principal identifier
  - exceptSessionID: Session to spare (usually the caller's own)

Returns:
  - error: Storage failures
*/
func (store *Store) InvalidatePrincipal(ctx context.Context, principalName, exceptSessionID string) error {
	ids, err := store.client.SMembers(ctx, principalKey(principalName)).Result()
	if err != nil {
		return fmt.Errorf("redis_session_index_read_failed: %w", err)
	}

	pipe := store.client.TxPipeline()
	removed := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if id == exceptSessionID {
			continue
		}
		pipe.Del(ctx, sessionKey(id))
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		pipe.SRem(ctx, principalKey(principalName), removed...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_session_invalidate_failed: %w", err)
	}
	return nil
}
