package supervisor

// State is the lifecycle state of one logical server identifier.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateReady
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StartMode selects what EnsureRunning does about the backing process.
type StartMode string

const (
	// StartTry adopts a healthy server already bound to the configured port,
	// otherwise spawns one.
	StartTry StartMode = "try"
	// StartForce always spawns and fails if the configured port is taken.
	StartForce StartMode = "force"
	// StartNever only connects to an existing endpoint.
	StartNever StartMode = "never"
)

func (m StartMode) Valid() bool {
	switch m {
	case StartTry, StartForce, StartNever:
		return true
	default:
		return false
	}
}
