package agent

// State is the lifecycle state of the engine's connection to the agent
// process.
type State int

const (
	StateUninitialized State = iota // created, process not spawned
	StateHandshaking                // initialize/session-new in flight
	StateReady                      // session established
	StateClosing                    // teardown requested
	StateClosed                     // process and transport gone
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stream identifies which container chunks are currently appending to.
// Message and thought containers are mutually exclusive with an active tool
// call being the current target.
type stream int

const (
	streamNone stream = iota
	streamMessage
	streamThought
)
