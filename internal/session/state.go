package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	ServicesDiscovering
	Validating
	Subscribing
	Ready
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case ServicesDiscovering:
		return "ServicesDiscovering"
	case Validating:
		return "Validating"
	case Subscribing:
		return "Subscribing"
	case Ready:
		return "Ready"
	case Disconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is what observers see. Err is set when the session fell back to Idle
// because of a failure.
type Status struct {
	State State
	Err   error
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (%v)", s.State, s.Err)
	}
	return s.State.String()
}

// message is the human readable line written to the session sink on entering st.
func (s Status) message() string {
	switch s.State {
	case Connecting:
		return "Connecting..."
	case ServicesDiscovering:
		return "Discovering services..."
	case Validating:
		return "Validating Nordic UART Service..."
	case Subscribing:
		return "Enabling notifications..."
	case Ready:
		return "Ready"
	case Disconnecting:
		return "Disconnecting..."
	default:
		if s.Err != nil {
			return "Disconnected: " + s.Err.Error()
		}
		return "Disconnected"
	}
}
