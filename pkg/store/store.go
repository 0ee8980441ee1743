// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store persists sync engine state to SQLite: the round position
// cursor, extension tokens, known rooms and account data.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/slidingsync/pkg/engine"
)

// SQLStore implements engine.Store on a dbutil database. All state is keyed
// by user id so multiple accounts can share one database file.
type SQLStore struct {
	db     *dbutil.Database
	userID id.UserID
	log    zerolog.Logger
}

var _ engine.Store = (*SQLStore)(nil)

// key names in the sync_state table
const (
	statePos      = "pos"
	stateExtToken = "ext:" // prefix, extension name appended
)

// New wraps an existing dbutil database. Call EnsureSchema before use.
func New(db *dbutil.Database, userID id.UserID, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		userID: userID,
		log:    log.With().Str("component", "sync_store").Logger(),
	}
}

// NewSQLite opens (creating if needed) a SQLite database at path and returns
// a store with its schema ensured.
func NewSQLite(ctx context.Context, path string, userID id.UserID, log zerolog.Logger) (*SQLStore, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	store := New(db, userID, log)
	if err = store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tables if they don't exist. Idempotent; safe to
// run on every startup.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_room (
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			name TEXT,
			membership TEXT NOT NULL DEFAULT 'join',
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			notification_count INTEGER NOT NULL DEFAULT 0,
			highlight_count INTEGER NOT NULL DEFAULT 0,
			joined_count INTEGER NOT NULL DEFAULT 0,
			invited_count INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_account_data (
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content BLOB,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, room_id, type)
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure sync schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getState(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow(ctx,
		`SELECT value FROM sync_state WHERE user_id=$1 AND key=$2`,
		s.userID, key,
	).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value.String, nil
}

func (s *SQLStore) setState(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (user_id, key, value, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key) DO UPDATE SET
			value=excluded.value,
			updated_ts=excluded.updated_ts
	`, s.userID, key, value, time.Now().UnixMilli())
	return err
}

// SyncPosition returns the persisted round position cursor, or "".
func (s *SQLStore) SyncPosition(ctx context.Context) (string, error) {
	return s.getState(ctx, statePos)
}

// SetSyncPosition persists the round position cursor.
func (s *SQLStore) SetSyncPosition(ctx context.Context, pos string) error {
	return s.setState(ctx, statePos, pos)
}

// ExtensionToken returns the persisted token for the named extension, or "".
func (s *SQLStore) ExtensionToken(ctx context.Context, name string) (string, error) {
	return s.getState(ctx, stateExtToken+name)
}

// SetExtensionToken persists the named extension's token.
func (s *SQLStore) SetExtensionToken(ctx context.Context, name, token string) error {
	return s.setState(ctx, stateExtToken+name, token)
}

// ClearSyncState removes the position cursor and every extension token,
// forcing the next start to be a cold one. Rooms and account data survive.
func (s *SQLStore) ClearSyncState(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sync_state WHERE user_id=$1`,
		s.userID,
	)
	return err
}

// StoreRoom upserts a room's aggregate row.
func (s *SQLStore) StoreRoom(ctx context.Context, room *engine.Room) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_room (
			user_id, room_id, name, membership, encrypted,
			notification_count, highlight_count, joined_count, invited_count,
			created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, room_id) DO UPDATE SET
			name=excluded.name,
			membership=excluded.membership,
			encrypted=excluded.encrypted,
			notification_count=excluded.notification_count,
			highlight_count=excluded.highlight_count,
			joined_count=excluded.joined_count,
			invited_count=excluded.invited_count,
			updated_ts=excluded.updated_ts
	`, s.userID, room.ID, room.Name, string(room.Membership), room.Encrypted,
		room.NotificationCount, room.HighlightCount, room.JoinedCount, room.InvitedCount,
		nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to store room %s: %w", room.ID, err)
	}
	return nil
}

// ListRoomIDs returns every persisted room id for this user.
func (s *SQLStore) ListRoomIDs(ctx context.Context) ([]id.RoomID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT room_id FROM sync_room WHERE user_id=$1`,
		s.userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roomIDs []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

// GetAccountData returns the stored global account data content for the
// given event type, or nil if none is stored.
func (s *SQLStore) GetAccountData(ctx context.Context, evtType string) (json.RawMessage, error) {
	var content []byte
	err := s.db.QueryRow(ctx,
		`SELECT content FROM sync_account_data WHERE user_id=$1 AND room_id='' AND type=$2`,
		s.userID, evtType,
	).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return content, nil
}

// StoreAccountDataEvents upserts a batch of account data events, keyed by
// event type. roomID is "" for global account data.
func (s *SQLStore) StoreAccountDataEvents(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_account_data (user_id, room_id, type, content, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, room_id, type) DO UPDATE SET
			content=excluded.content,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare account data statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, evt := range events {
		content, err := json.Marshal(&evt.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal %s account data: %w", evt.Type.Type, err)
		}
		if _, err = stmt.ExecContext(ctx, s.userID, roomID, evt.Type.Type, content, nowMS); err != nil {
			return fmt.Errorf("failed to store %s account data: %w", evt.Type.Type, err)
		}
	}
	return tx.Commit()
}
