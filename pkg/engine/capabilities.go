// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Transport carries one sync round to the server. Implementations must
// honour ctx for abort/timeout: the engine composes its own shutdown
// signal, the configured round timeout and any caller abort handle into the
// context it passes here.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// EventDecoder turns a raw wire payload into a typed event, optionally
// running it through decryption first. Implementations must preserve order:
// decoding a batch one element at a time yields the batch order.
type EventDecoder interface {
	Decode(roomID id.RoomID, raw json.RawMessage, decrypt bool) (*event.Event, error)
}

// CryptoProcessor is the end-to-end-encryption collaborator. The engine's
// extensions and merge path invoke it opportunistically; it is never called
// from inside the timeline graph.
type CryptoProcessor interface {
	OnDeviceListChange(ctx context.Context, changed, left []id.UserID)
	OnOneTimeKeyCounts(ctx context.Context, counts map[string]int)
	OnFallbackKeyState(ctx context.Context, unusedTypes []string)
	OnCriticalEventNeedsDecryption(ctx context.Context, evt *event.Event)
}

// Store is the persistence collaborator, invoked at well-defined points:
// first-seen rooms, account-data rounds, and round position checkpoints.
type Store interface {
	StoreRoom(ctx context.Context, room *Room) error
	GetAccountData(ctx context.Context, evtType string) (json.RawMessage, error)
	StoreAccountDataEvents(ctx context.Context, roomID id.RoomID, events []*event.Event) error
	SyncPosition(ctx context.Context) (string, error)
	SetSyncPosition(ctx context.Context, pos string) error
	ExtensionToken(ctx context.Context, name string) (string, error)
	SetExtensionToken(ctx context.Context, name, token string) error
}

// Profile is the resolved profile of a room member.
type Profile struct {
	Displayname string
	AvatarURL   id.ContentURIString
}

// ProfileResolver looks up member profiles. Lookups are asynchronous from
// the engine's perspective and failures are tolerated: an unresolved member
// simply stays unresolved.
type ProfileResolver interface {
	Profile(ctx context.Context, userID id.UserID) (*Profile, error)
}

// JSONEventDecoder is the default decoder: plain JSON unmarshalling into a
// typed event, with content parsing on a best-effort basis. It performs no
// decryption; pair it with a CryptoProcessor-backed decoder when encrypted
// rooms matter.
type JSONEventDecoder struct{}

var _ EventDecoder = JSONEventDecoder{}

func (JSONEventDecoder) Decode(roomID id.RoomID, raw json.RawMessage, _ bool) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode event in %s: %w", roomID, err)
	}
	evt.RoomID = roomID
	// Content parse failures are not fatal: unknown event types keep their
	// raw content and downstream consumers fall back to Raw.
	_ = evt.Content.ParseRaw(evt.Type)
	return &evt, nil
}
