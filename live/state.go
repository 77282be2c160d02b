package live

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Speaker tells who is talking right now.
type Speaker int

const (
	SpeakerNone Speaker = iota
	SpeakerUser
	SpeakerAI
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAI:
		return "ai"
	}
	return "none"
}

type StateHandler func(state State)

type SpeakerHandler func(speaker Speaker)
