package engine

// State is the sync engine's connection state, exposed through
// OnStateChange and State().
type State int

const (
	// StateStopped is the initial and final state: no sync loop running.
	StateStopped State = iota
	// StatePrepared fires exactly once, before the first Syncing
	// transition, so cold-start observers can distinguish "first response
	// processed" from steady-state syncing.
	StatePrepared
	// StateSyncing is the steady state after each successfully processed
	// round.
	StateSyncing
	// StateReconnecting means the last round failed but the consecutive
	// failure count is still within the retry threshold.
	StateReconnecting
	// StateError means the failure threshold was exceeded, or a terminal
	// protocol error (invalid/expired session) stopped the engine.
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StatePrepared:
		return "PREPARED"
	case StateSyncing:
		return "SYNCING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// failLimit is the number of consecutive round failures tolerated before
// the engine reports StateError instead of StateReconnecting. A single
// success resets the counter.
const failLimit = 3
