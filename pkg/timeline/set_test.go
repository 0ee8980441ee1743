// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func makeEvent(eventID string, ts int64) *Event {
	return NewEvent(&event.Event{
		ID:        id.EventID(eventID),
		Sender:    "@alice:example.com",
		Type:      event.EventMessage,
		Timestamp: ts,
	})
}

func makeStateEvent(eventID string, evtType event.Type, stateKey string, parsed any) *Event {
	return NewEvent(&event.Event{
		ID:       id.EventID(eventID),
		Sender:   "@alice:example.com",
		Type:     evtType,
		StateKey: &stateKey,
		Content:  event.Content{Parsed: parsed},
	})
}

func newTestSet(t *testing.T, opts Options) *TimelineSet {
	t.Helper()
	if opts.RoomID == "" {
		opts.RoomID = "!room:example.com"
	}
	return NewTimelineSet(opts, zerolog.Nop())
}

func eventIDs(t *Timeline) []string {
	ids := make([]string, len(t.Events()))
	for i, evt := range t.Events() {
		ids[i] = string(evt.ID())
	}
	return ids
}

func TestAddLiveEvent(t *testing.T) {
	set := newTestSet(t, Options{})

	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$b", 2), LiveArgs{}))
	assert.Equal(t, []string{"$a", "$b"}, eventIDs(set.LiveTimeline()))
	assert.Equal(t, 2, set.IndexedEvents())

	// Ignore keeps the stored event.
	dup := makeEvent("$a", 99)
	require.NoError(t, set.AddLiveEvent(dup, LiveArgs{Duplicate: DuplicateIgnore}))
	assert.Equal(t, []string{"$a", "$b"}, eventIDs(set.LiveTimeline()))
	assert.EqualValues(t, 1, set.FindEventByID("$a").Raw().Timestamp)
}

func TestAddLiveEventReplaceKeepsPosition(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$b", 2), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$c", 3), LiveArgs{}))

	replacement := makeEvent("$b", 200)
	require.NoError(t, set.AddLiveEvent(replacement, LiveArgs{Duplicate: DuplicateReplace}))

	assert.Equal(t, []string{"$a", "$b", "$c"}, eventIDs(set.LiveTimeline()))
	assert.EqualValues(t, 200, set.FindEventByID("$b").Raw().Timestamp)
}

func TestForwardAppendOnLiveRejected(t *testing.T) {
	set := newTestSet(t, Options{})
	err := set.AddEventsToTimeline([]*Event{makeEvent("$a", 1)}, AddArgs{
		Timeline: set.LiveTimeline(),
	})
	assert.ErrorIs(t, err, ErrLiveForwardAppend)

	err = set.AddEventsToTimeline(nil, AddArgs{})
	assert.ErrorIs(t, err, ErrNoTimeline)
}

func TestLiveForwardTokenNeverConcrete(t *testing.T) {
	set := newTestSet(t, Options{})
	token := "t123"
	err := set.LiveTimeline().SetPaginationToken(Forwards, &token)
	assert.ErrorIs(t, err, ErrLiveForwardToken)
	assert.Nil(t, set.LiveTimeline().PaginationToken(Forwards))

	// Backward token is fine, including the "no further data" marker.
	require.NoError(t, set.LiveTimeline().SetPaginationToken(Backwards, &token))
	assert.Equal(t, "t123", *set.LiveTimeline().PaginationToken(Backwards))
	empty := ""
	require.NoError(t, set.LiveTimeline().SetPaginationToken(Backwards, &empty))
	assert.Equal(t, "", *set.LiveTimeline().PaginationToken(Backwards))
}

func TestBackwardPagination(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$d", 4), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$e", 5), LiveArgs{}))

	// Backward pagination returns newest-first.
	token := "older"
	err := set.AddEventsToTimeline([]*Event{
		makeEvent("$c", 3), makeEvent("$b", 2), makeEvent("$a", 1),
	}, AddArgs{
		Timeline:        set.LiveTimeline(),
		ToStart:         true,
		PaginationToken: &token,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"$a", "$b", "$c", "$d", "$e"}, eventIDs(set.LiveTimeline()))
	require.NotNil(t, set.LiveTimeline().PaginationToken(Backwards))
	assert.Equal(t, "older", *set.LiveTimeline().PaginationToken(Backwards))
}

func TestBackwardPaginationStaleTokenRefused(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$d", 4), LiveArgs{}))
	good := "good-cursor"
	require.NoError(t, set.LiveTimeline().SetPaginationToken(Backwards, &good))

	// The batch makes progress ($c is new) but ends on an id we already
	// hold, so its cursor points at ground the held token still covers.
	// Committing it would overwrite the good cursor.
	stale := "stale-cursor"
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$c", 3), makeEvent("$d", 4),
	}, AddArgs{
		Timeline:        set.LiveTimeline(),
		ToStart:         true,
		PaginationToken: &stale,
	}))
	assert.Equal(t, []string{"$c", "$d"}, eventIDs(set.LiveTimeline()))
	require.NotNil(t, set.LiveTimeline().PaginationToken(Backwards))
	assert.Equal(t, "good-cursor", *set.LiveTimeline().PaginationToken(Backwards))

	// A fully known re-delivery adds nothing and may refresh the token.
	refreshed := "refreshed-cursor"
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$d", 4), makeEvent("$c", 3),
	}, AddArgs{
		Timeline:        set.LiveTimeline(),
		ToStart:         true,
		PaginationToken: &refreshed,
	}))
	require.NotNil(t, set.LiveTimeline().PaginationToken(Backwards))
	assert.Equal(t, "refreshed-cursor", *set.LiveTimeline().PaginationToken(Backwards))
}

func TestIndexUniqueness(t *testing.T) {
	set := newTestSet(t, Options{ExtendedTimelines: true})
	require.NoError(t, set.AddLiveEvent(makeEvent("$d", 4), LiveArgs{}))

	other, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$a", 1), makeEvent("$b", 2),
	}, AddArgs{Timeline: other}))

	// Paginating backwards from live re-delivers $b and $a: the known ids
	// must stay mapped to their original timeline, never duplicated.
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$b", 2), makeEvent("$a", 1),
	}, AddArgs{Timeline: set.LiveTimeline(), ToStart: true}))

	assert.Same(t, other, set.TimelineForEvent("$a"))
	assert.Same(t, other, set.TimelineForEvent("$b"))
	assert.Equal(t, 3, set.IndexedEvents())
}

func TestSpliceLinksTimelines(t *testing.T) {
	set := newTestSet(t, Options{ExtendedTimelines: true})
	require.NoError(t, set.AddLiveEvent(makeEvent("$d", 4), LiveArgs{}))

	older, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$a", 1), makeEvent("$b", 2),
	}, AddArgs{Timeline: older}))

	// Backward pagination from live hits the known $b: the two timelines
	// become neighbours.
	require.NoError(t, set.AddEventsToTimeline([]*Event{
		makeEvent("$c", 3), makeEvent("$b", 2),
	}, AddArgs{Timeline: set.LiveTimeline(), ToStart: true}))

	assert.Same(t, older, set.LiveTimeline().Neighbour(Backwards))
	assert.Same(t, set.LiveTimeline(), older.Neighbour(Forwards))

	order, ok := set.CompareOrder("$a", "$d")
	require.True(t, ok)
	assert.Negative(t, order)
	order, ok = set.CompareOrder("$d", "$b")
	require.True(t, ok)
	assert.Positive(t, order)
}

func TestCompareOrder(t *testing.T) {
	set := newTestSet(t, Options{ExtendedTimelines: true})
	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$b", 2), LiveArgs{}))

	order, ok := set.CompareOrder("$a", "$a")
	require.True(t, ok)
	assert.Zero(t, order)

	order, ok = set.CompareOrder("$a", "$b")
	require.True(t, ok)
	assert.Negative(t, order)

	// Unknown id: indeterminate, not an error.
	_, ok = set.CompareOrder("$a", "$nope")
	assert.False(t, ok)

	// Disjoint timelines: indeterminate.
	island, err := set.AddTimeline()
	require.NoError(t, err)
	require.NoError(t, set.AddEventsToTimeline([]*Event{makeEvent("$x", 9)}, AddArgs{Timeline: island}))
	_, ok = set.CompareOrder("$a", "$x")
	assert.False(t, ok)
}

func TestResetLiveTimelineClearsIndex(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$b", 2), LiveArgs{}))

	var sawReset, sawResetAll bool
	set.OnReset = func(resetAll bool) {
		sawReset = true
		sawResetAll = resetAll
	}

	token := "gap"
	set.ResetLiveTimeline(&token, nil)

	assert.True(t, sawReset)
	assert.True(t, sawResetAll)
	assert.Zero(t, set.IndexedEvents())
	assert.Equal(t, 1, set.Timelines())
	assert.Empty(t, set.LiveTimeline().Events())
	require.NotNil(t, set.LiveTimeline().PaginationToken(Backwards))
	assert.Equal(t, "gap", *set.LiveTimeline().PaginationToken(Backwards))

	// Events after the reset land on the new live timeline.
	require.NoError(t, set.AddLiveEvent(makeEvent("$c", 3), LiveArgs{}))
	assert.Equal(t, []string{"$c"}, eventIDs(set.LiveTimeline()))
}

func TestResetLiveTimelineKeepHistory(t *testing.T) {
	set := newTestSet(t, Options{KeepHistory: true})
	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	oldLive := set.LiveTimeline()

	var sawResetAll bool
	set.OnReset = func(resetAll bool) { sawResetAll = resetAll }

	back, fwd := "back", "fwd"
	set.ResetLiveTimeline(&back, &fwd)

	assert.False(t, sawResetAll)
	assert.Equal(t, 2, set.Timelines())
	assert.Equal(t, 1, set.IndexedEvents())
	assert.NotSame(t, oldLive, set.LiveTimeline())
	assert.Same(t, oldLive, set.LiveTimeline().Neighbour(Backwards))
	require.NotNil(t, oldLive.PaginationToken(Forwards))
	assert.Equal(t, "fwd", *oldLive.PaginationToken(Forwards))
}

func TestForkSeedsStateSnapshot(t *testing.T) {
	set := newTestSet(t, Options{})
	member := makeStateEvent("$m1", event.StateMember, "@alice:example.com",
		&event.MemberEventContent{Membership: event.MembershipJoin, Displayname: "Alice"})
	require.NoError(t, set.AddLiveEvent(member, LiveArgs{}))

	forked := set.ForkLive(Forwards)
	assert.Equal(t, "Alice", forked.EndState().MemberDisplayname("@alice:example.com"))
	assert.Nil(t, forked.Neighbour(Backwards))
}

func TestAddTimelineRequiresCapability(t *testing.T) {
	set := newTestSet(t, Options{})
	_, err := set.AddTimeline()
	assert.ErrorIs(t, err, ErrTimelineSupportDisabled)
}

func TestRemoveEvent(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$a", 1), LiveArgs{}))
	require.NoError(t, set.AddLiveEvent(makeEvent("$b", 2), LiveArgs{}))

	removed := set.RemoveEvent("$a")
	require.NotNil(t, removed)
	assert.EqualValues(t, "$a", removed.ID())
	assert.Equal(t, []string{"$b"}, eventIDs(set.LiveTimeline()))
	assert.Nil(t, set.FindEventByID("$a"))

	assert.Nil(t, set.RemoveEvent("$nope"))
}

func TestHandleRemoteEcho(t *testing.T) {
	set := newTestSet(t, Options{})
	require.NoError(t, set.AddLiveEvent(makeEvent("$local", 1), LiveArgs{}))

	// Known local id: remap only.
	require.NoError(t, set.HandleRemoteEcho(makeEvent("$local", 1), "$local", "$server"))
	assert.NotNil(t, set.TimelineForEvent("$server"))
	assert.Nil(t, set.TimelineForEvent("$local"))
	assert.Equal(t, 1, set.IndexedEvents())

	// Unknown local id: appended live.
	require.NoError(t, set.HandleRemoteEcho(makeEvent("$other", 2), "$gone", "$other2"))
	assert.NotNil(t, set.FindEventByID("$other"))
}

func TestHandleRemoteEchoRespectsFilter(t *testing.T) {
	set := newTestSet(t, Options{
		Filter: func(evt *Event) bool { return false },
	})
	require.NoError(t, set.HandleRemoteEcho(makeEvent("$a", 1), "$x", "$y"))
	assert.Zero(t, set.IndexedEvents())
}

type staticClassifier struct {
	cls EventClassification
}

func (c staticClassifier) Classify(*Event) EventClassification { return c.cls }

func TestCanContain(t *testing.T) {
	noCtx := newTestSet(t, Options{})
	_, err := noCtx.CanContain(makeEvent("$a", 1))
	assert.ErrorIs(t, err, ErrNoRoomContext)

	main := newTestSet(t, Options{Classifier: staticClassifier{EventClassification{ShowInMainTimeline: true}}})
	ok, err := main.CanContain(makeEvent("$a", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	thread := newTestSet(t, Options{
		ThreadID:   "$root",
		Classifier: staticClassifier{EventClassification{ThreadID: "$other"}},
	})
	ok, err = thread.CanContain(makeEvent("$b", 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateFoldsIntoSnapshots(t *testing.T) {
	set := newTestSet(t, Options{})
	member := makeStateEvent("$m1", event.StateMember, "@alice:example.com",
		&event.MemberEventContent{Membership: event.MembershipJoin, Displayname: "Alice"})
	require.NoError(t, set.AddLiveEvent(member, LiveArgs{}))

	msg := makeEvent("$msg", 5)
	require.NoError(t, set.AddLiveEvent(msg, LiveArgs{}))
	assert.Equal(t, "Alice", msg.SenderName())
	assert.Equal(t, "Alice", set.LiveTimeline().EndState().MemberDisplayname("@alice:example.com"))
}

func TestIndexNeverSplitsAcrossManyBatches(t *testing.T) {
	set := newTestSet(t, Options{})
	for i := 0; i < 50; i++ {
		require.NoError(t, set.AddLiveEvent(makeEvent(fmt.Sprintf("$e%d", i), int64(i)), LiveArgs{}))
	}
	// Re-deliver overlapping backward batches; every id must keep a single
	// home and the index must match timeline contents.
	for i := 40; i > 0; i -= 10 {
		batch := make([]*Event, 0, 15)
		for j := i + 5; j >= i-5 && j >= 0; j-- {
			batch = append(batch, makeEvent(fmt.Sprintf("$e%d", j), int64(j)))
		}
		require.NoError(t, set.AddEventsToTimeline(batch, AddArgs{
			Timeline: set.LiveTimeline(),
			ToStart:  true,
		}))
	}
	assert.Equal(t, 50, set.IndexedEvents())
	for i := 0; i < 50; i++ {
		eventID := id.EventID(fmt.Sprintf("$e%d", i))
		tl := set.TimelineForEvent(eventID)
		require.NotNil(t, tl, "event %s lost its timeline", eventID)
		assert.NotEqual(t, -1, tl.indexOf(eventID))
	}
}
