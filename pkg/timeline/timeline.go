// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"maunium.net/go/mautrix/id"
)

// Direction is the scan/pagination direction along a timeline.
type Direction int

const (
	// Backwards is toward older events (the start of the timeline).
	Backwards Direction = iota
	// Forwards is toward newer events (the end of the timeline).
	Forwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

// invert returns the opposite direction, used for the symmetric half of a
// neighbour link.
func (d Direction) invert() Direction {
	if d == Backwards {
		return Forwards
	}
	return Backwards
}

// noTimeline marks an absent neighbour handle in the arena.
const noTimeline = -1

// Timeline is one contiguous (or partially known) run of events. Events are
// only ever appended at either end; the only in-place mutation is the
// explicit replace-by-id path on the live timeline.
//
// Pagination tokens are *string: nil means unknown (the end may still be
// paginated), a non-empty value is a known cursor, and a pointer to ""
// means the server reported no further data in that direction.
//
// Neighbour references are handles into the owning set's arena rather than
// direct pointers, so the forward/backward links never form ownership
// cycles. Timelines are owned exclusively by their TimelineSet.
type Timeline struct {
	set    *TimelineSet
	handle int

	events []*Event

	startState *State
	endState   *State

	backToken *string
	fwdToken  *string

	// Arena handles of the neighbouring timelines; noTimeline when unset.
	prev int
	next int
}

// Events returns the timeline's events, oldest first. The returned slice is
// the timeline's backing storage and must not be mutated by callers.
func (t *Timeline) Events() []*Event {
	return t.events
}

// StartState returns the state snapshot at the start of the timeline, or nil.
func (t *Timeline) StartState() *State {
	return t.startState
}

// EndState returns the state snapshot at the end of the timeline, or nil.
func (t *Timeline) EndState() *State {
	return t.endState
}

// PaginationToken returns the token for the given direction.
func (t *Timeline) PaginationToken(dir Direction) *string {
	if dir == Backwards {
		return t.backToken
	}
	return t.fwdToken
}

// SetPaginationToken sets the token for the given direction. Setting a
// concrete forward cursor on the live timeline is a usage error: the live
// timeline's forward edge is always "unknown/growing".
func (t *Timeline) SetPaginationToken(dir Direction, token *string) error {
	if dir == Forwards && t.set != nil && t.set.live == t.handle && token != nil {
		return ErrLiveForwardToken
	}
	t.setToken(dir, token)
	return nil
}

func (t *Timeline) setToken(dir Direction, token *string) {
	if dir == Backwards {
		t.backToken = token
	} else {
		t.fwdToken = token
	}
}

// Neighbour returns the linked timeline in the given direction, or nil.
func (t *Timeline) Neighbour(dir Direction) *Timeline {
	h := t.neighbourHandle(dir)
	if h == noTimeline {
		return nil
	}
	return t.set.timelines[h]
}

func (t *Timeline) neighbourHandle(dir Direction) int {
	if dir == Backwards {
		return t.prev
	}
	return t.next
}

func (t *Timeline) setNeighbourHandle(dir Direction, h int) {
	if dir == Backwards {
		t.prev = h
	} else {
		t.next = h
	}
}

// indexOf returns the linear index of the event with the given id, or -1.
func (t *Timeline) indexOf(eventID id.EventID) int {
	for i, evt := range t.events {
		if evt.ID() == eventID {
			return i
		}
	}
	return -1
}

// addEvent appends evt at the given end and folds state events into the
// snapshot for that end.
func (t *Timeline) addEvent(evt *Event, atStart bool) {
	if atStart {
		evt.decorate(t.startState)
		t.events = append([]*Event{evt}, t.events...)
		if evt.IsState() && t.startState != nil {
			t.startState.Apply(evt)
		}
	} else {
		evt.decorate(t.endState)
		t.events = append(t.events, evt)
		if evt.IsState() && t.endState != nil {
			t.endState.Apply(evt)
		}
	}
}

// removeEvent removes the event at index i and returns it.
func (t *Timeline) removeEvent(i int) *Event {
	evt := t.events[i]
	t.events = append(t.events[:i], t.events[i+1:]...)
	return evt
}
