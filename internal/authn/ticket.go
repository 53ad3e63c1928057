// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/pkg/uuid"
)

// ticketKeyPrefix namespaces ceremony state in Redis.
const ticketKeyPrefix = "veyra:authn:ticket:"

// TicketStore holds short-lived, single-use ceremony state: WebAuthn session
// data between begin and finish, and federated state/nonce pairs between
// redirect and callback. Every ticket is consumed on first read.
type TicketStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTicketStore constructs the ceremony store. ttl bounds every ceremony.
func NewTicketStore(client *redis.Client, ttl time.Duration) *TicketStore {
	return &TicketStore{client: client, ttl: ttl}
}

func (store *TicketStore) key(purpose, id string) string {
	return ticketKeyPrefix + purpose + ":" + id
}

/*
Put stores ceremony state under a fresh ticket id.

Parameters:
  - ctx: context.Context
  - purpose: Namespace within the store ("passkey", "federation")
  - value: JSON-serializable ceremony state

Returns:
  - string: Ticket id to round-trip through the client
  - error: Serialization or storage errors
*/
func (store *TicketStore) Put(ctx context.Context, purpose string, value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("authn_ticket_encode_failed: %w", err)
	}

	id := uuid.Must()
	if err := store.client.Set(ctx, store.key(purpose, id), payload, store.ttl).Err(); err != nil {
		return "", fmt.Errorf("authn_ticket_store_failed: %w", err)
	}
	return id, nil
}

/*
Take consumes a ticket: the state is read and deleted atomically, so a ticket
can never be replayed.

Parameters:
  - ctx: context.Context
  - purpose: Namespace the ticket was stored under
  - id: Ticket id from the client
  - out: Destination for the ceremony state

Returns:
  - error: apperr.Unauthorized when the ticket is missing or expired
*/
func (store *TicketStore) Take(ctx context.Context, purpose, id string, out any) error {
	payload, err := store.client.GetDel(ctx, store.key(purpose, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperr.Unauthorized("Ceremony expired or already used")
		}
		return fmt.Errorf("authn_ticket_load_failed: %w", err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("authn_ticket_decode_failed: %w", err)
	}
	return nil
}
