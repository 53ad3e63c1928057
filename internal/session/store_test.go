// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/session"
)

func newTestStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return session.NewStore(client, time.Hour, logger), server
}

func TestStore_SaveAndFind(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := session.New("tai@veyra.id", "203.0.113.9", "Mozilla/5.0")
	require.NoError(t, created.SetAttribute("auth_method", "passkey"))
	require.NoError(t, store.Save(ctx, created))

	loaded, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, "tai@veyra.id", loaded.PrincipalName)
	assert.Equal(t, "203.0.113.9", loaded.IPAddress)
	assert.Equal(t, "passkey", loaded.Attribute("auth_method"))
}

func TestStore_FindByID_Missing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.FindByID(context.Background(), "no-such-session")
	require.Error(t, err)
}

func TestStore_SaveRejectsIncomplete(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Save(context.Background(), &session.Session{ID: "has-id-only"})
	require.Error(t, err)
}

func TestSession_AttributeAllowList(t *testing.T) {
	created := session.New("tai@veyra.id", "", "")

	assert.NoError(t, created.SetAttribute("string", "value"))
	assert.NoError(t, created.SetAttribute("bool", true))
	assert.NoError(t, created.SetAttribute("int", 42))
	assert.NoError(t, created.SetAttribute("float", 4.2))
	assert.NoError(t, created.SetAttribute("time", time.Now()))
	assert.NoError(t, created.SetAttribute("strings", []string{"a", "b"}))
	assert.NoError(t, created.SetAttribute("map", map[string]string{"k": "v"}))

	type arbitrary struct{ Field string }
	assert.Error(t, created.SetAttribute("struct", arbitrary{Field: "x"}), "arbitrary structs are rejected")
	assert.Error(t, created.SetAttribute("chan", make(chan int)))
	assert.Error(t, created.SetAttribute("mixed_slice", []any{"ok", 7}))
}

func TestStore_FindByPrincipalName(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	first := session.New("tai@veyra.id", "", "")
	second := session.New("tai@veyra.id", "", "")
	other := session.New("someone-else@veyra.id", "", "")

	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, other))

	sessions, err := store.FindByPrincipalName(ctx, "tai@veyra.id")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// Expired documents are pruned from the index during enumeration.
	server.FastForward(2 * time.Hour)
	require.NoError(t, store.Save(ctx, first)) // re-create one

	sessions, err = store.FindByPrincipalName(ctx, "tai@veyra.id")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)
}

func TestStore_DeleteByID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := session.New("tai@veyra.id", "", "")
	require.NoError(t, store.Save(ctx, created))

	require.NoError(t, store.DeleteByID(ctx, created.ID))

	_, err := store.FindByID(ctx, created.ID)
	require.Error(t, err)

	sessions, err := store.FindByPrincipalName(ctx, "tai@veyra.id")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting again is a no-op, not an error.
	assert.NoError(t, store.DeleteByID(ctx, created.ID))
}

func TestStore_InvalidatePrincipal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	current := session.New("tai@veyra.id", "", "")
	laptop := session.New("tai@veyra.id", "", "")
	phone := session.New("tai@veyra.id", "", "")
	unrelated := session.New("someone-else@veyra.id", "", "")

	for _, s := range []*session.Session{current, laptop, phone, unrelated} {
		require.NoError(t, store.Save(ctx, s))
	}

	require.NoError(t, store.InvalidatePrincipal(ctx, "tai@veyra.id", current.ID))

	remaining, err := store.FindByPrincipalName(ctx, "tai@veyra.id")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, current.ID, remaining[0].ID, "the excepted session survives")

	others, err := store.FindByPrincipalName(ctx, "someone-else@veyra.id")
	require.NoError(t, err)
	assert.Len(t, others, 1, "unrelated principals are untouched")
}

func TestStore_InvalidatePrincipal_EmptyExceptKeepsNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, session.New("tai@veyra.id", "", "")))
	}

	require.NoError(t, store.InvalidatePrincipal(ctx, "tai@veyra.id", ""))

	remaining, err := store.FindByPrincipalName(ctx, "tai@veyra.id")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStore_Touch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := session.New("tai@veyra.id", "", "")
	require.NoError(t, store.Save(ctx, created))

	before := created.LastAccessedAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, created.ID))

	loaded, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, loaded.LastAccessedAt.After(before))
}

// The store must satisfy the identity cascade port.
var _ identity.SessionInvalidator = (*session.Store)(nil)
