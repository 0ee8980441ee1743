package timeline

import "errors"

// Usage errors: programmer misuse of the timeline graph. These fail
// synchronously and are never retried. Recoverable edge cases (splice
// refusals, stale tokens) are logged instead, never returned.
var (
	// ErrNoTimeline is returned when an operation requires a target
	// timeline and none was supplied.
	ErrNoTimeline = errors.New("timeline: no target timeline given")

	// ErrLiveForwardAppend is returned when AddEventsToTimeline is asked to
	// append forward onto the live timeline. Live forward growth goes
	// through AddLiveEvent only.
	ErrLiveForwardAppend = errors.New("timeline: cannot append forwards to the live timeline, use AddLiveEvent")

	// ErrLiveForwardToken is returned when a concrete forward pagination
	// cursor would be set on the live timeline.
	ErrLiveForwardToken = errors.New("timeline: the live timeline cannot have a forward pagination token")

	// ErrTimelineSupportDisabled is returned by AddTimeline when the set
	// was constructed without extended timeline support.
	ErrTimelineSupportDisabled = errors.New("timeline: extended timeline support is disabled for this set")

	// ErrNoRoomContext is returned by CanContain when no event classifier
	// is bound to the set.
	ErrNoRoomContext = errors.New("timeline: no room context bound, cannot classify events")
)
