package timeline

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type stateKey struct {
	evtType  string
	stateKey string
}

// State is a snapshot of room state: the latest state event for each
// (type, state key) pair. Timelines hold one snapshot per end; the room's
// historical and current projections are the live timeline's start and end
// snapshots.
type State struct {
	events map[stateKey]*Event
}

// NewState returns an empty state snapshot.
func NewState() *State {
	return &State{events: make(map[stateKey]*Event)}
}

// Apply records evt as the current state for its (type, state key) pair.
// Non-state events are ignored.
func (s *State) Apply(evt *Event) {
	if evt == nil || !evt.IsState() {
		return
	}
	s.events[stateKey{evt.Type().Type, evt.StateKey()}] = evt
}

// Get returns the state event for the given type and state key, or nil.
func (s *State) Get(evtType event.Type, key string) *Event {
	return s.events[stateKey{evtType.Type, key}]
}

// Len returns the number of (type, state key) pairs in the snapshot.
func (s *State) Len() int {
	return len(s.events)
}

// MemberDisplayname resolves a user's display name from the m.room.member
// state event, falling back to the bare user ID.
func (s *State) MemberDisplayname(userID id.UserID) string {
	evt := s.Get(event.StateMember, userID.String())
	if evt == nil {
		return userID.String()
	}
	content, ok := evt.Raw().Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Displayname == "" {
		return userID.String()
	}
	return content.Displayname
}

// RoomName returns the room name from the m.room.name state event, or "".
func (s *State) RoomName() string {
	evt := s.Get(event.StateRoomName, "")
	if evt == nil {
		return ""
	}
	content, ok := evt.Raw().Content.Parsed.(*event.RoomNameEventContent)
	if !ok {
		return ""
	}
	return content.Name
}

// Clone returns a shallow copy of the snapshot. The contained events are
// shared; only the map is copied.
func (s *State) Clone() *State {
	clone := NewState()
	for key, evt := range s.events {
		clone.events[key] = evt
	}
	return clone
}
