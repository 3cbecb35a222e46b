// Package session runs one conversation between a student and Shellie: it
// owns the devices, routes model events and watches the transcript for
// safety concerns and goodbyes.
package session

// Phase is a session lifecycle stage. Phases only move forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseTerminating
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseTerminating:
		return "terminating"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndReason says why a session closed.
type EndReason string

const (
	EndUser        EndReason = "user"
	EndFarewell    EndReason = "farewell"
	EndRemote      EndReason = "remote"
	EndError       EndReason = "error"
	EndTimeout     EndReason = "timeout"
	EndStartFailed EndReason = "start_failed"
)

// State is a point-in-time copy of the session for display.
type State struct {
	Phase     Phase
	Muted     bool
	Listening bool
	Speaking  bool

	// Transcript is the student's current turn.
	Transcript string
	// LiveSpeech is the tail of the current turn shown on screen.
	LiveSpeech string
	// Reply is the tail of what Shellie is saying.
	Reply string

	EndReason EndReason
}

// Terminating reports whether a goodbye is playing out.
func (s State) Terminating() bool { return s.Phase == PhaseTerminating }
