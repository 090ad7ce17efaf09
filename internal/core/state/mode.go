package state

type State string

const (
	Focused State = "focused"
	Stuck   State = "stuck"
	Tired   State = "tired"
	Idle    State = "idle"
)

// Mode is the response strategy the prompt builder applies for a state.
type Mode string

const (
	Explain Mode = "explain"  // break it down, analogies
	Nudge   Mode = "nudge"    // short encouragement, suggest a break
	CheckIn Mode = "check_in" // gentle "still there?"
	Silent  Mode = "silent"   // reader is in flow
)

// ModeFor maps a state to its response mode. Total over the four states;
// anything unknown is treated as FOCUSED.
func ModeFor(s State) Mode {
	switch s {
	case Stuck:
		return Explain
	case Tired:
		return Nudge
	case Idle:
		return CheckIn
	default:
		return Silent
	}
}
