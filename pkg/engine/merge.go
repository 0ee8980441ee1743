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
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/slidingsync/pkg/timeline"
)

func (e *Engine) getOrCreateRoom(roomID id.RoomID) (room *Room, first bool) {
	if room = e.rooms[roomID]; room != nil {
		return room, false
	}
	room = &Room{
		ID:         roomID,
		Membership: event.MembershipJoin,
		profiles:   make(map[id.UserID]*Profile),
	}
	room.Timeline = timeline.NewTimelineSet(timeline.Options{
		RoomID:      roomID,
		KeepHistory: e.cfg.KeepTimelineHistory,
	}, e.log)
	room.Timeline.OnUpdate = func(evt *timeline.Event, info timeline.UpdateInfo) {
		if e.OnTimelineUpdate != nil {
			e.OnTimelineUpdate(roomID, evt, info)
		}
	}
	e.rooms[roomID] = room
	return room, true
}

// mergeRoomDelta reconciles one room's round payload into its timeline set:
// name-state synthesis, the invite short-circuit, initial-delta scrollback
// classification, counters, state projection updates, live appends,
// aggregates, notification queueing and asynchronous profile resolution.
func (e *Engine) mergeRoomDelta(ctx context.Context, roomID id.RoomID, delta *RoomDelta) error {
	room, first := e.getOrCreateRoom(roomID)
	log := e.log.With().Stringer("room_id", roomID).Logger()

	if len(delta.InviteState) > 0 {
		return e.mergeInvite(ctx, room, delta, first)
	}

	stateEvents := e.decodeBatch(roomID, delta.RequiredState, room.Encrypted)
	stateEvents = e.ensureNameEvent(roomID, delta, stateEvents)
	for _, evt := range stateEvents {
		if evt.Type() == event.StateEncryption {
			room.Encrypted = true
		}
	}

	batch := e.decodeBatch(roomID, delta.Timeline, room.Encrypted)

	live := room.Timeline.LiveTimeline()
	if delta.Initial && delta.PrevBatch != "" {
		// The backward token must be in place before any insertion so an
		// observer reacting to the first events can immediately paginate.
		if err := live.SetPaginationToken(timeline.Backwards, ptr.Ptr(delta.PrevBatch)); err != nil {
			log.Warn().Err(err).Msg("Failed to set initial backward pagination token")
		}
	}

	var scrollback []*timeline.Event
	if delta.Initial {
		batch, scrollback = splitScrollback(batch, room.Timeline)
	} else if delta.Limited && len(live.Events()) > 0 {
		// A gappy delta on a known room: events between the last round and
		// this batch were omitted. Start a fresh live timeline whose backward
		// token covers the gap.
		var backToken *string
		if delta.PrevBatch != "" {
			backToken = ptr.Ptr(delta.PrevBatch)
		}
		room.Timeline.ResetLiveTimeline(backToken, nil)
		live = room.Timeline.LiveTimeline()
	}

	applyCounters(room, delta)

	// State projections update out-of-band: the required-state list is not
	// replayed through the timeline-event path, so if this batch's timeline
	// events also diverge state the two projections may disagree.
	for _, evt := range stateEvents {
		if start := live.StartState(); start != nil {
			start.Apply(evt)
		}
		if end := live.EndState(); end != nil {
			end.Apply(evt)
		}
	}

	if len(scrollback) > 0 {
		var token *string
		if delta.PrevBatch != "" {
			token = ptr.Ptr(delta.PrevBatch)
		}
		err := room.Timeline.AddEventsToTimeline(scrollback, timeline.AddArgs{
			Timeline:        live,
			ToStart:         true,
			PaginationToken: token,
		})
		if err != nil {
			log.Warn().Err(err).Int("events", len(scrollback)).Msg("Failed to insert scrollback events")
		}
	}

	for _, evt := range batch {
		// An event still carrying m.room.encrypted after decoding could not
		// be decrypted yet; hand it to the crypto processor for a deferred
		// attempt once the round's room keys have arrived.
		if room.Encrypted && evt.Type() == event.EventEncrypted && e.crypto != nil {
			e.crypto.OnCriticalEventNeedsDecryption(ctx, evt.Raw())
		}
		e.decoratePush(room, evt)
		if err := room.Timeline.AddLiveEvent(evt, timeline.LiveArgs{}); err != nil {
			log.Warn().Err(err).Stringer("event_id", evt.ID()).Msg("Failed to append live event")
			continue
		}
		if actions := evt.PushActions(); actions != nil && actions.Notify && actions.Highlight {
			e.pendingNotifs = append(e.pendingNotifs, evt)
		}
	}

	e.applyAggregates(ctx, room, delta, first)
	e.resolveProfiles(ctx, room, invitedMembers(stateEvents))
	return nil
}

// mergeInvite handles an invite-only delta: the invite-state list becomes
// the room's state, membership flips to invite, and no timeline mutation
// occurs.
func (e *Engine) mergeInvite(ctx context.Context, room *Room, delta *RoomDelta, first bool) error {
	stateEvents := e.decodeBatch(room.ID, delta.InviteState, false)
	stateEvents = e.ensureNameEvent(room.ID, delta, stateEvents)

	live := room.Timeline.LiveTimeline()
	for _, evt := range stateEvents {
		e.decoratePush(room, evt)
		if start := live.StartState(); start != nil {
			start.Apply(evt)
		}
		if end := live.EndState(); end != nil {
			end.Apply(evt)
		}
		if actions := evt.PushActions(); actions != nil && actions.Notify && actions.Highlight {
			e.pendingNotifs = append(e.pendingNotifs, evt)
		}
	}
	room.Membership = event.MembershipInvite

	e.applyAggregates(ctx, room, delta, first)
	e.resolveProfiles(ctx, room, invitedMembers(stateEvents))
	return nil
}

// decodeBatch decodes a raw wire batch in order, skipping (and logging)
// malformed elements.
func (e *Engine) decodeBatch(roomID id.RoomID, raws []json.RawMessage, decrypt bool) []*timeline.Event {
	events := make([]*timeline.Event, 0, len(raws))
	for _, raw := range raws {
		evt, err := e.decoder.Decode(roomID, raw, decrypt)
		if err != nil {
			e.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Skipping undecodable event")
			continue
		}
		events = append(events, timeline.NewEvent(evt))
	}
	return events
}

// ensureNameEvent guarantees the state list carries an m.room.name event
// matching the server-computed display name: the existing event is patched
// in place, or a synthetic one with a deterministic id is appended. Lets
// downstream consumers derive the name from state alone.
func (e *Engine) ensureNameEvent(roomID id.RoomID, delta *RoomDelta, stateEvents []*timeline.Event) []*timeline.Event {
	if delta.Name == "" {
		return stateEvents
	}
	for _, evt := range stateEvents {
		if evt.Type() != event.StateRoomName {
			continue
		}
		content, ok := evt.Raw().Content.Parsed.(*event.RoomNameEventContent)
		if ok && content.Name == delta.Name {
			return stateEvents
		}
		if ok {
			content.Name = delta.Name
		} else {
			evt.Raw().Content.Parsed = &event.RoomNameEventContent{Name: delta.Name}
		}
		evt.Raw().Content.Raw = map[string]any{"name": delta.Name}
		return stateEvents
	}
	return append(stateEvents, timeline.NewEvent(synthesizeNameEvent(roomID, delta.Name)))
}

// synthesizeNameEvent builds an m.room.name state event whose id is derived
// deterministically from the room id, so repeated synthesis for the same
// room always collides with itself in the event-id index.
func synthesizeNameEvent(roomID id.RoomID, name string) *event.Event {
	hash := sha256.Sum256([]byte("synthetic-room-name:" + roomID.String()))
	stateKey := ""
	return &event.Event{
		ID:       id.EventID("$" + base64.RawURLEncoding.EncodeToString(hash[:])),
		Type:     event.StateRoomName,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content: event.Content{
			Raw:    map[string]any{"name": name},
			Parsed: &event.RoomNameEventContent{Name: name},
		},
	}
}

// splitScrollback classifies an initial-delta batch against the live
// timeline. Scanning newest to oldest, ids before the first known one are
// the new tail (kept in original order); unknown ids after it are
// scrollback, returned newest-first ready for backward insertion.
func splitScrollback(batch []*timeline.Event, set *timeline.TimelineSet) (tail, scrollback []*timeline.Event) {
	seenKnown := false
	cut := 0
	for i := len(batch) - 1; i >= 0; i-- {
		if set.TimelineForEvent(batch[i].ID()) != nil {
			if !seenKnown {
				seenKnown = true
				cut = i + 1
			}
			continue
		}
		if seenKnown {
			scrollback = append(scrollback, batch[i])
		}
	}
	return batch[cut:], scrollback
}

// applyCounters applies the delta's notification and member counters.
// The highlight count is special: in an encrypted room a positive locally
// tracked count wins, because the server evaluates push rules against
// ciphertext and undercounts.
func applyCounters(room *Room, delta *RoomDelta) {
	if delta.NotificationCount != nil {
		room.NotificationCount = *delta.NotificationCount
	}
	if delta.HighlightCount != nil {
		if !(room.Encrypted && room.HighlightCount > 0) {
			room.HighlightCount = *delta.HighlightCount
		}
	}
	if delta.JoinedCount != nil {
		room.JoinedCount = *delta.JoinedCount
	}
	if delta.InvitedCount != nil {
		room.InvitedCount = *delta.InvitedCount
	}
}

// decoratePush attaches the locally evaluated push actions to the event.
func (e *Engine) decoratePush(room *Room, evt *timeline.Event) {
	if e.push == nil || evt.PushActions() != nil {
		return
	}
	actions := e.push.Actions(room, evt.Raw())
	evt.SetPushActions(&actions)
}

// applyAggregates recomputes the room's derived fields and, on the room's
// first delta of the session, persists and announces it.
func (e *Engine) applyAggregates(ctx context.Context, room *Room, delta *RoomDelta, first bool) {
	if name := room.CurrentState().RoomName(); name != "" {
		room.Name = name
	} else if delta.Name != "" {
		room.Name = delta.Name
	}
	if !first {
		return
	}
	if e.store != nil {
		if err := e.store.StoreRoom(ctx, room); err != nil {
			e.log.Warn().Err(err).Stringer("room_id", room.ID).Msg("Failed to persist new room")
		}
	}
	if e.OnRoom != nil {
		e.OnRoom(room)
	}
}

// invitedMembers extracts the user ids of members whose membership in the
// given state list is invite.
func invitedMembers(stateEvents []*timeline.Event) []id.UserID {
	var members []id.UserID
	for _, evt := range stateEvents {
		if evt.Type() != event.StateMember {
			continue
		}
		content, ok := evt.Raw().Content.Parsed.(*event.MemberEventContent)
		if !ok || content.Membership != event.MembershipInvite {
			continue
		}
		members = append(members, id.UserID(evt.StateKey()))
	}
	return members
}

// resolveProfiles kicks off asynchronous, idempotent profile resolution for
// invited members. Only the room's profile map is touched; the timeline set
// is never mutated from this path.
func (e *Engine) resolveProfiles(ctx context.Context, room *Room, members []id.UserID) {
	if e.profiles == nil || len(members) == 0 {
		return
	}
	log := e.log.With().Stringer("room_id", room.ID).Logger()
	go room.resolveInvitedProfiles(ctx, e.profiles, log, members)
}
