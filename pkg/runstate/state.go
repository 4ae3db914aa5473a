// Package runstate tracks the lifecycle of a single agent run.
//
// Machine is pure state: it performs no I/O, starts no timers and never
// returns errors. A transition that is not valid from the current status is
// ignored and the machine stays where it is. Sequencing transitions correctly
// is the caller's job, so an ignored transition points at a caller bug rather
// than a runtime fault. Each transition reports whether it was applied so
// callers can log the ones that were dropped.
//
// A Machine is not safe for concurrent use; its owner serializes access.
package runstate

// Status is the lifecycle status of an agent run
type Status string

const (
	// StatusIdle indicates no run is attached
	StatusIdle Status = "idle"

	// StatusConnecting indicates a run id is known and the stream is being attached
	StatusConnecting Status = "connecting"

	// StatusRunning indicates the server reported the run as executing
	StatusRunning Status = "running"

	// StatusStopping indicates a stop was requested and not yet confirmed
	StatusStopping Status = "stopping"

	// StatusStopped is terminal: the run was stopped on request
	StatusStopped Status = "stopped"

	// StatusCompleted is terminal: the run finished normally
	StatusCompleted Status = "completed"

	// StatusError is terminal: the run failed
	StatusError Status = "error"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the run is connecting or running
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusRunning
}

// IsTerminal reports whether no further progress is expected
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// CanStop reports whether a stop request makes sense
func (s Status) CanStop() bool {
	return s.IsActive()
}

// GetDisplayName returns a human-readable name for the status
func (s Status) GetDisplayName() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusRunning:
		return "Running"
	case StatusStopping:
		return "Stopping"
	case StatusStopped:
		return "Stopped"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Failed"
	default:
		return ""
	}
}
