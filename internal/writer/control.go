package writer

// Kind identifies a control event.
type Kind uint8

const (
	// StartWrite opens Target and rewinds the data channel by Rewind items.
	StartWrite Kind = iota + 1
	// StopWrite closes the current destination after the pending data drains.
	StopWrite
)

func (k Kind) String() string {
	switch k {
	case StartWrite:
		return "start"
	case StopWrite:
		return "stop"
	default:
		return "unknown"
	}
}

// ControlEvent travels from the control goroutine to the consumer.
type ControlEvent struct {
	Kind   Kind
	Target string
	Rewind int
}

// State is the consumer's recording state.
type State uint8

const (
	Idle State = iota
	Writing
)

func (s State) String() string {
	if s == Writing {
		return "writing"
	}
	return "idle"
}
