package transport

// ConnectionState represents the state of the backend connection.
type ConnectionState int

const (
	// StateClosed means there is no open socket.
	StateClosed ConnectionState = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the socket is open. Authentication may still be
	// in progress.
	StateConnected
	// StateError means the last socket ended with an error. Treated like
	// StateClosed for reconnects.
	StateError
)

// String returns a string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for ConnectionState.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
