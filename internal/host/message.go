package host

import "encoding/json"

// MessageType distinguishes tab messages.
type MessageType string

const (
	// TypeNormal carries an opaque cache request or response in Data.
	TypeNormal MessageType = "normal"
	// TypeHeartbeat only proves the tab is alive.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeDestroyed is the tab's goodbye.
	TypeDestroyed MessageType = "destroyed"
	// TypeError is sent by the host to report cache failures.
	TypeError MessageType = "error"
)

// Message is the envelope exchanged with tabs.
type Message struct {
	Type     MessageType     `json:"type"`
	ClientID string          `json:"clientId"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a broadcast error.
type ErrorBody struct {
	Message string `json:"message"`
}
