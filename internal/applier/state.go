package applier

// State is one state of the per-peer applier state machine (spec.md §4.1).
type State string

const (
	// StateOff is the initial state, and the terminal state after a clean
	// stop or a self-connect detection.
	StateOff State = "off"
	// StateConnect is resolving and opening the peer connection.
	StateConnect State = "connect"
	// StateConnected has read the greeting and exchanged a Vote.
	StateConnected State = "connected"
	// StateAuth is exchanging credentials.
	StateAuth State = "auth"
	// StateReady has a connected, authenticated peer and is deciding
	// whether bootstrap (Join) is required.
	StateReady State = "ready"
	// StateInitialJoin is consuming the bulk-load row stream.
	StateInitialJoin State = "initial_join"
	// StateFinalJoin is consuming the tail row stream that completes
	// bootstrap.
	StateFinalJoin State = "final_join"
	// StateJoined has completed bootstrap and returns to Ready to proceed
	// to Subscribe.
	StateJoined State = "joined"
	// StateSync is attached to the sequencer and streaming, but has not
	// yet caught up to the vclock observed at subscribe time.
	StateSync State = "sync"
	// StateFollow is attached and caught up; steady-state tailing.
	StateFollow State = "follow"
	// StateDisconnected is a transient, retryable network failure.
	StateDisconnected State = "disconnected"
	// StateLoading means the master isn't ready yet (or a transient
	// remote/auth condition applies); retryable.
	StateLoading State = "loading"
	// StateStopped is a terminal, unrecoverable failure.
	StateStopped State = "stopped"
)

// Terminal reports whether s has no further transitions without an
// external restart (a fresh Run call).
func (s State) Terminal() bool {
	return s == StateOff || s == StateStopped
}
