package supervisor

import "errors"

var (
	// ErrSpawnFailed indicates the core process could not be launched.
	ErrSpawnFailed = errors.New("supervisor: spawn core failed")
	// ErrServiceMode indicates the service path refused or failed a request.
	ErrServiceMode = errors.New("supervisor: service mode failed")
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("supervisor: closed")
	// errUnexpectedTermination marks an exit nobody asked for.
	errUnexpectedTermination = errors.New("supervisor: core terminated unexpectedly")
)

// State is the lifecycle state of the supervised core.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
	StateRecovering State = "recovering"
)

// stateValue maps states to the numeric gauge value.
func (s State) stateValue() float64 {
	switch s {
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateTerminated:
		return 3
	case StateRecovering:
		return 4
	default:
		return 0
	}
}

// Mode is the control path used for the running instance.
type Mode string

const (
	ModeNone    Mode = ""
	ModeSidecar Mode = "sidecar"
	ModeService Mode = "service"
)
