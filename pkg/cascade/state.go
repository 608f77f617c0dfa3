package cascade

// LinkState is the lifecycle of one uplink or downlink.
//
//	Connecting -> Registered -> Closing -> Closed
//
// Closed is reachable from every state and is terminal.
type LinkState int

const (
	StateConnecting LinkState = iota
	StateRegistered
	StateClosing
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Origin says which reporter a change came from.
type Origin int

const (
	OriginSelf Origin = iota
	OriginDownlink
	OriginUplink
)

func (o Origin) String() string {
	switch o {
	case OriginSelf:
		return "self"
	case OriginDownlink:
		return "downlink"
	case OriginUplink:
		return "uplink"
	}
	return "unknown"
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
