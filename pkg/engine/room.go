package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/slidingsync/pkg/timeline"
)

// Room is the engine-owned aggregate for one synced room: its timeline set
// plus the counters and membership facts delivered by room deltas.
//
// All fields except invited-member profiles are mutated only by the single
// task driving the engine. Profile resolution runs asynchronously and only
// touches the profiles map, under its own lock.
type Room struct {
	ID id.RoomID

	Timeline *timeline.TimelineSet

	Name       string
	Membership event.Membership
	Encrypted  bool

	NotificationCount int
	HighlightCount    int
	JoinedCount       int
	InvitedCount      int

	profilesMu sync.Mutex
	profiles   map[id.UserID]*Profile
}

// CurrentState is the room's current state projection: the live timeline's
// end snapshot.
func (r *Room) CurrentState() *timeline.State {
	return r.Timeline.LiveTimeline().EndState()
}

// HistoricalState is the room's historical state projection: the live
// timeline's start snapshot.
func (r *Room) HistoricalState() *timeline.State {
	return r.Timeline.LiveTimeline().StartState()
}

// MemberProfile returns the asynchronously resolved profile for an invited
// member, or nil if it has not been (or could not be) resolved.
func (r *Room) MemberProfile(userID id.UserID) *Profile {
	r.profilesMu.Lock()
	defer r.profilesMu.Unlock()
	return r.profiles[userID]
}

// resolveInvitedProfiles fills in profiles for the given members.
// Idempotent: already-resolved members are skipped. Lookup failures leave
// the member unresolved.
func (r *Room) resolveInvitedProfiles(ctx context.Context, resolver ProfileResolver, log zerolog.Logger, members []id.UserID) {
	for _, member := range members {
		r.profilesMu.Lock()
		_, done := r.profiles[member]
		r.profilesMu.Unlock()
		if done {
			continue
		}
		profile, err := resolver.Profile(ctx, member)
		if err != nil {
			log.Debug().Err(err).Stringer("user_id", member).Msg("Failed to resolve invited member profile")
			continue
		}
		r.profilesMu.Lock()
		if _, done := r.profiles[member]; !done {
			r.profiles[member] = profile
		}
		r.profilesMu.Unlock()
	}
}
