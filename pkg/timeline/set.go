// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// EventClassification is the room context's verdict on where an event
// belongs within a room.
type EventClassification struct {
	// ThreadID is the root event of the thread the event belongs to, or ""
	// for unthreaded events.
	ThreadID id.EventID
	// ShowInMainTimeline reports whether the event belongs in the room's
	// main (unthreaded) timeline.
	ShowInMainTimeline bool
}

// EventClassifier is the conversation-context capability consumed by
// CanContain. Implementations decide thread membership and main-timeline
// visibility; the timeline graph itself never inspects event content.
type EventClassifier interface {
	Classify(evt *Event) EventClassification
}

// DuplicateStrategy controls AddLiveEvent behaviour when the incoming
// event id is already indexed.
type DuplicateStrategy int

const (
	// DuplicateIgnore keeps the stored event and drops the incoming one.
	DuplicateIgnore DuplicateStrategy = iota
	// DuplicateReplace swaps the stored event object in place at its
	// existing index and recomputes its state-derived decorations, but
	// never moves it.
	DuplicateReplace
)

// Options configures a TimelineSet.
type Options struct {
	// RoomID is the room this set is a filtered view of.
	RoomID id.RoomID

	// ThreadID scopes the set to one thread. Empty means the main timeline.
	ThreadID id.EventID

	// Classifier is the bound conversation context. Required for CanContain.
	Classifier EventClassifier

	// ExtendedTimelines permits AddTimeline. Without it the set only ever
	// grows timelines through append, splice, fork and reset.
	ExtendedTimelines bool

	// KeepHistory enables linked resets: ResetLiveTimeline keeps old
	// timelines reachable instead of discarding everything.
	KeepHistory bool

	// Filter is the active event filter applied when HandleRemoteEcho has
	// to append a local echo. Nil accepts everything.
	Filter func(evt *Event) bool
}

// UpdateInfo accompanies every OnUpdate notification.
type UpdateInfo struct {
	// Timeline is the timeline the event was added to or removed from.
	Timeline *Timeline
	// ToStart is set when the event was inserted at the start.
	ToStart bool
	// Removed is set when the event was removed rather than added.
	Removed bool
	// LiveEvent is set when the event arrived through the live-append path.
	LiveEvent bool
}

// AddArgs are the arguments to AddEventsToTimeline.
type AddArgs struct {
	// Timeline is the timeline to start scanning from. Required.
	Timeline *Timeline
	// ToStart selects backward insertion (historical events, oldest last
	// reached first) instead of forward insertion.
	ToStart bool
	// PaginationToken is committed onto the final working timeline when the
	// call made informative progress. May be nil.
	PaginationToken *string
}

// LiveArgs are the arguments to AddLiveEvent.
type LiveArgs struct {
	Duplicate DuplicateStrategy
	// EndState, when non-nil, overrides the live timeline's end state for
	// decoration recompute on replace.
	EndState *State
}

// TimelineSet owns every timeline for one filtered view of a room, plus the
// event-id index used for duplicate detection and O(1) membership.
//
// The set and its index are exclusively owned by the single task driving
// the sync engine. External callers may read (lookup, compare, find) but
// never mutate concurrently with the engine.
type TimelineSet struct {
	opts Options
	log  zerolog.Logger

	// timelines is the arena: stable handle → timeline record. Neighbour
	// links store handles into this map.
	timelines  map[int]*Timeline
	nextHandle int

	// index maps event id → owning timeline handle. An id appears at most
	// once, and the mapped timeline actually contains the event.
	index map[id.EventID]int

	live int

	// OnUpdate fires on every timeline mutation. OnReset fires after
	// ResetLiveTimeline swapped the live pointer; resetAll reports whether
	// history was discarded. Both may be nil.
	OnUpdate func(evt *Event, info UpdateInfo)
	OnReset  func(resetAll bool)
}

// NewTimelineSet creates a set with a single empty live timeline carrying
// fresh state snapshots.
func NewTimelineSet(opts Options, log zerolog.Logger) *TimelineSet {
	s := &TimelineSet{
		opts:      opts,
		log:       log.With().Str("component", "timeline_set").Stringer("room_id", opts.RoomID).Logger(),
		timelines: make(map[int]*Timeline),
		index:     make(map[id.EventID]int),
	}
	live := s.newTimeline()
	live.startState = NewState()
	live.endState = NewState()
	s.live = live.handle
	return s
}

// RoomID returns the room this set is bound to.
func (s *TimelineSet) RoomID() id.RoomID {
	return s.opts.RoomID
}

// LiveTimeline returns the timeline currently receiving new events.
func (s *TimelineSet) LiveTimeline() *Timeline {
	return s.timelines[s.live]
}

// Timelines returns the number of timelines in the set.
func (s *TimelineSet) Timelines() int {
	return len(s.timelines)
}

// IndexedEvents returns the number of event ids in the index.
func (s *TimelineSet) IndexedEvents() int {
	return len(s.index)
}

func (s *TimelineSet) newTimeline() *Timeline {
	t := &Timeline{
		set:    s,
		handle: s.nextHandle,
		prev:   noTimeline,
		next:   noTimeline,
	}
	s.nextHandle++
	s.timelines[t.handle] = t
	return t
}

func (s *TimelineSet) fireUpdate(evt *Event, info UpdateInfo) {
	if s.OnUpdate != nil {
		s.OnUpdate(evt, info)
	}
}

// AddEventsToTimeline inserts a batch of events starting at the given
// timeline, scanning in insertion order and splicing onto existing
// timelines when a known event id is encountered.
//
// With ToStart the events must be ordered newest-first (the order a
// backward pagination returns them); otherwise oldest-first.
func (s *TimelineSet) AddEventsToTimeline(events []*Event, args AddArgs) error {
	if args.Timeline == nil {
		return ErrNoTimeline
	}
	if !args.ToStart && args.Timeline.handle == s.live {
		return ErrLiveForwardAppend
	}

	direction := Forwards
	if args.ToStart {
		direction = Backwards
	}
	inverse := direction.invert()

	working := args.Timeline
	lastEventWasNew := false
	didUpdate := false

	for _, evt := range events {
		existingHandle, known := s.index[evt.ID()]
		if !known {
			working.addEvent(evt, args.ToStart)
			s.index[evt.ID()] = working.handle
			lastEventWasNew = true
			didUpdate = true
			s.fireUpdate(evt, UpdateInfo{Timeline: working, ToStart: args.ToStart})
			continue
		}

		lastEventWasNew = false
		if existingHandle == working.handle {
			// Already present in the working timeline.
			continue
		}

		existing := s.timelines[existingHandle]
		if neighbour := working.neighbourHandle(direction); neighbour != noTimeline {
			// The graph already has a link in the scan direction; assume it
			// is consistent and just follow the index to the event's home.
			working = existing
			continue
		}

		// Splicing must never leave the live timeline in an interior
		// position: it can never acquire a forward neighbour.
		if (working.handle == s.live && direction == Forwards) ||
			(existing.handle == s.live && direction == Backwards) {
			s.log.Debug().
				Stringer("event_id", evt.ID()).
				Stringer("direction", direction).
				Msg("Refusing splice that would make the live timeline interior")
			continue
		}

		working.setNeighbourHandle(direction, existing.handle)
		existing.setNeighbourHandle(inverse, working.handle)
		working = existing
		didUpdate = true
	}

	// Only commit the caller's token when it is informative: the last event
	// was genuinely new, or the whole call was a no-op (re-delivery of a
	// batch we already had). A token left over from a partially stale batch
	// would otherwise overwrite a good cursor.
	if lastEventWasNew || !didUpdate {
		if direction == Forwards && working.handle == s.live {
			s.log.Warn().
				Stringer("room_id", s.opts.RoomID).
				Msg("Dropping forward pagination token aimed at the live timeline")
		} else {
			working.setToken(direction, args.PaginationToken)
		}
	}
	return nil
}

// AddLiveEvent appends a newly arrived event to the live timeline's forward
// end, or handles the duplicate per the configured strategy.
func (s *TimelineSet) AddLiveEvent(evt *Event, args LiveArgs) error {
	if existingHandle, known := s.index[evt.ID()]; known {
		if args.Duplicate != DuplicateReplace {
			return nil
		}
		existing := s.timelines[existingHandle]
		i := existing.indexOf(evt.ID())
		if i < 0 {
			// Index and timeline disagree; repair the index by dropping the
			// stale entry and appending live.
			s.log.Warn().Stringer("event_id", evt.ID()).Msg("Index pointed at a timeline missing the event, repairing")
			delete(s.index, evt.ID())
			return s.AddLiveEvent(evt, args)
		}
		state := args.EndState
		if state == nil {
			state = existing.endState
		}
		evt.decorate(state)
		existing.events[i] = evt
		s.fireUpdate(evt, UpdateInfo{Timeline: existing})
		return nil
	}

	live := s.LiveTimeline()
	live.addEvent(evt, false)
	s.index[evt.ID()] = live.handle
	s.fireUpdate(evt, UpdateInfo{Timeline: live, LiveEvent: true})
	return nil
}

// Fork creates a new timeline seeded with the live timeline's state
// snapshot at the given end, and links it as the live timeline's neighbour
// in that direction. The caller is expected to promote the fork to live
// (ResetLiveTimeline does) before the linkage would violate the
// live-is-terminal invariant.
func (s *TimelineSet) Fork(dir Direction) *Timeline {
	live := s.LiveTimeline()
	forked := s.ForkLive(dir)
	live.setNeighbourHandle(dir, forked.handle)
	forked.setNeighbourHandle(dir.invert(), live.handle)
	return forked
}

// ForkLive creates a new unlinked timeline seeded with the live timeline's
// state snapshot at the given end; history stays behind on the old
// timeline.
func (s *TimelineSet) ForkLive(dir Direction) *Timeline {
	live := s.LiveTimeline()
	src := live.endState
	if dir == Backwards {
		src = live.startState
	}
	forked := s.newTimeline()
	if src != nil {
		forked.startState = src.Clone()
		forked.endState = src.Clone()
	} else {
		forked.startState = NewState()
		forked.endState = NewState()
	}
	return forked
}

// ResetLiveTimeline replaces the live timeline with a fresh fork.
//
// Without history retention, or without a forwardToken, this is a full
// reset: every other timeline is discarded and the id index is cleared.
// Otherwise it is a linked reset: the old live timeline stays reachable and
// gets forwardToken so the gap between it and the new live timeline remains
// paginatable.
//
// The new timeline's backward token is set before the live pointer swaps
// and before the reset notification fires, so observers can start
// back-paginating immediately without racing the reset.
func (s *TimelineSet) ResetLiveTimeline(backToken, forwardToken *string) {
	resetAll := !s.opts.KeepHistory || forwardToken == nil

	var fresh *Timeline
	if resetAll {
		fresh = s.ForkLive(Forwards)
		for handle := range s.timelines {
			if handle != fresh.handle {
				delete(s.timelines, handle)
			}
		}
		s.index = make(map[id.EventID]int)
	} else {
		fresh = s.Fork(Forwards)
		s.LiveTimeline().setToken(Forwards, forwardToken)
	}

	fresh.setToken(Backwards, backToken)
	s.live = fresh.handle

	s.log.Debug().Bool("reset_all", resetAll).Msg("Reset live timeline")
	if s.OnReset != nil {
		s.OnReset(resetAll)
	}
}

// CompareOrder reports the relative order of two indexed events.
// Returns (0, true) for equal ids, a negative value when a precedes b and a
// positive value when a follows b. ok is false when either id is unknown or
// the two events' timelines are not connected: the ordering is
// indeterminate, which is a valid answer rather than an error.
func (s *TimelineSet) CompareOrder(a, b id.EventID) (order int, ok bool) {
	if a == b {
		return 0, true
	}
	handleA, okA := s.index[a]
	handleB, okB := s.index[b]
	if !okA || !okB {
		return 0, false
	}
	if handleA == handleB {
		t := s.timelines[handleA]
		return t.indexOf(a) - t.indexOf(b), true
	}

	// Walk the neighbour chain from a's timeline; if b's timeline is ahead,
	// a precedes b. Guard against malformed cycles with a visited set.
	for _, probe := range []struct {
		dir    Direction
		result int
	}{{Forwards, -1}, {Backwards, 1}} {
		visited := map[int]bool{handleA: true}
		for h := s.timelines[handleA].neighbourHandle(probe.dir); h != noTimeline && !visited[h]; h = s.timelines[h].neighbourHandle(probe.dir) {
			if h == handleB {
				return probe.result, true
			}
			visited[h] = true
		}
	}
	return 0, false
}

// RemoveEvent removes the event with the given id from its timeline and
// from the index. Returns the removed event, or nil if the id is unknown.
func (s *TimelineSet) RemoveEvent(eventID id.EventID) *Event {
	handle, known := s.index[eventID]
	if !known {
		return nil
	}
	t := s.timelines[handle]
	i := t.indexOf(eventID)
	if i < 0 {
		delete(s.index, eventID)
		return nil
	}
	evt := t.removeEvent(i)
	delete(s.index, eventID)
	s.fireUpdate(evt, UpdateInfo{Timeline: t, Removed: true})
	return evt
}

// TimelineForEvent returns the timeline containing the given event id, or
// nil if the id is not indexed.
func (s *TimelineSet) TimelineForEvent(eventID id.EventID) *Timeline {
	handle, known := s.index[eventID]
	if !known {
		return nil
	}
	return s.timelines[handle]
}

// FindEventByID returns the indexed event with the given id, or nil.
func (s *TimelineSet) FindEventByID(eventID id.EventID) *Event {
	t := s.TimelineForEvent(eventID)
	if t == nil {
		return nil
	}
	i := t.indexOf(eventID)
	if i < 0 {
		return nil
	}
	return t.events[i]
}

// ReplaceEventID remaps the index entry for oldID to newID. Used for
// local-echo reconciliation; only the index is touched, the stored event is
// left alone.
func (s *TimelineSet) ReplaceEventID(oldID, newID id.EventID) {
	handle, known := s.index[oldID]
	if !known {
		return
	}
	delete(s.index, oldID)
	s.index[newID] = handle
}

// HandleRemoteEcho reconciles a remote echo of a locally sent event. If
// oldID is known the index entry is remapped to newID; otherwise the local
// event is appended live, provided it passes the active filter.
func (s *TimelineSet) HandleRemoteEcho(localEvent *Event, oldID, newID id.EventID) error {
	if _, known := s.index[oldID]; known {
		s.ReplaceEventID(oldID, newID)
		return nil
	}
	if s.opts.Filter != nil && !s.opts.Filter(localEvent) {
		return nil
	}
	return s.AddLiveEvent(localEvent, LiveArgs{})
}

// AddTimeline creates a new empty unlinked timeline. Only permitted when
// the set was constructed with extended timeline support.
func (s *TimelineSet) AddTimeline() (*Timeline, error) {
	if !s.opts.ExtendedTimelines {
		return nil, ErrTimelineSupportDisabled
	}
	t := s.newTimeline()
	t.startState = NewState()
	t.endState = NewState()
	return t, nil
}

// CanContain reports whether the event belongs in this set: in the set's
// thread when one is bound, otherwise in the room's main timeline. Requires
// a bound room context.
func (s *TimelineSet) CanContain(evt *Event) (bool, error) {
	if s.opts.Classifier == nil {
		return false, ErrNoRoomContext
	}
	if !evt.classified {
		evt.setClassification(s.opts.Classifier.Classify(evt))
	}
	if s.opts.ThreadID == "" {
		return evt.showInMain, nil
	}
	return evt.threadID == s.opts.ThreadID, nil
}
