// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// PushActions is the locally evaluated push-rule outcome for an event.
// The sync engine attaches this as a decoration after decoding; the
// notification accumulator only queues events where both Notify and
// Highlight are set.
type PushActions struct {
	Notify    bool
	Highlight bool
	Sound     string
}

// Event wraps a decoded Matrix event together with the mutable decorations
// the client attaches after insertion: push actions, decryption outcome and
// cached derived annotations. The wrapped event itself is treated as
// immutable once inserted (apart from the explicit replace-by-id path).
type Event struct {
	raw *event.Event

	pushActions *PushActions
	decryptErr  error

	// senderName is recomputed from room state on replace.
	senderName string

	// Cached room context classification so repeated CanContain checks
	// don't re-classify.
	threadID   id.EventID
	showInMain bool
	classified bool
}

// NewEvent wraps a decoded event. The raw event must have an ID.
func NewEvent(raw *event.Event) *Event {
	return &Event{raw: raw}
}

// Raw returns the decoded wire event.
func (e *Event) Raw() *event.Event {
	return e.raw
}

func (e *Event) ID() id.EventID {
	return e.raw.ID
}

func (e *Event) Sender() id.UserID {
	return e.raw.Sender
}

func (e *Event) Type() event.Type {
	return e.raw.Type
}

// Timestamp returns the origin server timestamp.
func (e *Event) Timestamp() time.Time {
	return time.UnixMilli(e.raw.Timestamp)
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool {
	return e.raw.StateKey != nil
}

// StateKey returns the state key, or "" for non-state events.
func (e *Event) StateKey() string {
	if e.raw.StateKey == nil {
		return ""
	}
	return *e.raw.StateKey
}

// PushActions returns the attached push decoration, or nil if the event has
// not been evaluated yet.
func (e *Event) PushActions() *PushActions {
	return e.pushActions
}

// SetPushActions attaches the locally computed push decoration.
func (e *Event) SetPushActions(actions *PushActions) {
	e.pushActions = actions
}

// DecryptionError returns the stored decryption failure, if any.
func (e *Event) DecryptionError() error {
	return e.decryptErr
}

// SetDecryptionError records a decryption failure as a decoration.
func (e *Event) SetDecryptionError(err error) {
	e.decryptErr = err
}

// SenderName returns the sender display name resolved against room state at
// decoration time, or "" if never resolved.
func (e *Event) SenderName() string {
	return e.senderName
}

// ThreadID returns the cached thread classification.
func (e *Event) ThreadID() (id.EventID, bool) {
	return e.threadID, e.classified
}

func (e *Event) setClassification(cls EventClassification) {
	e.threadID = cls.ThreadID
	e.showInMain = cls.ShowInMainTimeline
	e.classified = true
}

// decorate recomputes the state-derived decorations against the given room
// state. Called on initial insertion and again when a Replace duplicate
// strategy swaps the stored event.
func (e *Event) decorate(state *State) {
	if state == nil {
		return
	}
	e.senderName = state.MemberDisplayname(e.raw.Sender)
}
