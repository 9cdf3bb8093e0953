package supervisor

// State is the uplink connection state. The access point is always up once
// Initialize succeeds and is not part of State.
type State int

const (
	ApOnly State = iota
	StaConnecting
	StaConnected
	StaDisconnectedRetrying
)

func (s State) String() string {
	switch s {
	case ApOnly:
		return "ApOnly"
	case StaConnecting:
		return "StaConnecting"
	case StaConnected:
		return "StaConnected"
	case StaDisconnectedRetrying:
		return "StaDisconnectedRetrying"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name, so Status encodes readably as JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Next returns the state reached from s when ev is observed. It has no side
// effects. ApOnly is left only through StaStarted; AP client events never
// change the state.
func Next(s State, ev Event) State {
	switch ev.(type) {
	case StaStarted:
		if s == ApOnly || s == StaDisconnectedRetrying {
			return StaConnecting
		}
	case StaGotAddress:
		if s != ApOnly {
			return StaConnected
		}
	case StaDisconnected:
		if s == StaConnecting || s == StaConnected {
			return StaDisconnectedRetrying
		}
	case ReconnectIssued:
		if s == StaDisconnectedRetrying {
			return StaConnecting
		}
	}
	return s
}
