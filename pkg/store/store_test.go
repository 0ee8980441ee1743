// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"

	"github.com/lrhodin/slidingsync/pkg/engine"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := NewSQLite(context.Background(), path, "@alice:example.com", zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestSyncPositionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pos, err := store.SyncPosition(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, store.SetSyncPosition(ctx, "p1"))
	require.NoError(t, store.SetSyncPosition(ctx, "p2"))
	pos, err = store.SyncPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", pos)
}

func TestExtensionTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token, err := store.ExtensionToken(ctx, "to_device")
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, store.SetExtensionToken(ctx, "to_device", "nb1"))
	require.NoError(t, store.SetExtensionToken(ctx, "e2ee", "other"))

	token, err = store.ExtensionToken(ctx, "to_device")
	require.NoError(t, err)
	assert.Equal(t, "nb1", token)
}

func TestClearSyncState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSyncPosition(ctx, "p1"))
	require.NoError(t, store.SetExtensionToken(ctx, "to_device", "nb1"))
	require.NoError(t, store.ClearSyncState(ctx))

	pos, err := store.SyncPosition(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
	token, err := store.ExtensionToken(ctx, "to_device")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestStoreRoomUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &engine.Room{
		ID:                "!a:example.com",
		Name:              "Ops",
		Membership:        event.MembershipJoin,
		Encrypted:         true,
		NotificationCount: 3,
		JoinedCount:       12,
	}
	require.NoError(t, store.StoreRoom(ctx, room))
	room.Name = "Ops v2"
	require.NoError(t, store.StoreRoom(ctx, room))

	roomIDs, err := store.ListRoomIDs(ctx)
	require.NoError(t, err)
	require.Len(t, roomIDs, 1)
	assert.EqualValues(t, "!a:example.com", roomIDs[0])
}

func TestAccountDataRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt := &event.Event{
		Type: event.AccountDataPushRules,
		Content: event.Content{
			Raw: map[string]any{"global": map[string]any{}},
		},
	}
	require.NoError(t, store.StoreAccountDataEvents(ctx, "", []*event.Event{evt}))

	content, err := store.GetAccountData(ctx, "m.push_rules")
	require.NoError(t, err)
	assert.JSONEq(t, `{"global":{}}`, string(content))

	// Per-room account data does not shadow global.
	require.NoError(t, store.StoreAccountDataEvents(ctx, "!a:example.com", []*event.Event{{
		Type:    event.Type{Type: "m.tag", Class: event.AccountDataEventType},
		Content: event.Content{Raw: map[string]any{"tags": map[string]any{}}},
	}}))
	content, err = store.GetAccountData(ctx, "m.tag")
	require.NoError(t, err)
	assert.Nil(t, content)
}
