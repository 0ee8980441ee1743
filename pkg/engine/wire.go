package engine

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// Request is one outbound sync round. The transport owns the actual wire
// encoding; these fields are the protocol-level contract between the engine
// and whichever transport carries them.
type Request struct {
	// Pos is the last-seen round position cursor; empty on a cold start.
	Pos string `json:"pos,omitempty"`
	// TxnID correlates the request with its response in transport logs.
	TxnID string `json:"txn_id,omitempty"`
	// Extensions holds the request fragments collected from the registered
	// extensions, keyed by extension name. Sticky fragments appear only on
	// the first round.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is one inbound sync round.
type Response struct {
	// Pos is the new round position cursor to send on the next request.
	Pos string `json:"pos"`
	// Rooms maps room id to that room's delta for this round.
	Rooms map[id.RoomID]*RoomDelta `json:"rooms,omitempty"`
	// Extensions holds the response fragments keyed by extension name.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// RoomDelta is the per-room payload of a round: state, timeline, counters
// and membership flags, reconciled into the room's timeline set by the
// engine's merge path.
type RoomDelta struct {
	// Name is the server-computed display name. The merger guarantees a
	// matching m.room.name state event exists so downstream consumers can
	// rely on state alone.
	Name string `json:"name,omitempty"`

	// RequiredState is the state delta, in undecoded wire form.
	RequiredState []json.RawMessage `json:"required_state,omitempty"`
	// Timeline is the timeline batch, oldest first, in undecoded wire form.
	Timeline []json.RawMessage `json:"timeline,omitempty"`
	// InviteState replaces state+timeline for invite-only deltas.
	InviteState []json.RawMessage `json:"invite_state,omitempty"`

	// PrevBatch is the backward pagination token for the timeline batch.
	PrevBatch string `json:"prev_batch,omitempty"`
	// Initial marks the room's first delta of this session; the timeline
	// batch may overlap events already known locally.
	Initial bool `json:"initial,omitempty"`
	// Limited marks a gappy delta: events were omitted between the last
	// round and this batch.
	Limited bool `json:"limited,omitempty"`

	NotificationCount *int `json:"notification_count,omitempty"`
	HighlightCount    *int `json:"highlight_count,omitempty"`
	JoinedCount       *int `json:"joined_count,omitempty"`
	InvitedCount      *int `json:"invited_count,omitempty"`
}
