// Package transport owns the single WebSocket connection to the CacheDB
// backend: authentication, request/response correlation and reconnects.
package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Endpoints used by the transport and its direct users.
const (
	EndpointAuthenticate = "authenticate"
	EndpointSubscribe    = "subscribe"
	EndpointUnsubscribe  = "unsubscribe"
)

// FrameType distinguishes incoming frames.
type FrameType string

const (
	FrameResponse            FrameType = "response"
	FrameSubscriptionMessage FrameType = "subscriptionMessage"
)

// Request is one outgoing frame.
type Request struct {
	RequestID string `json:"requestId"`
	Endpoint  string `json:"endpoint"`
	Token     string `json:"token"`
	Data      any    `json:"data"`
}

// Frame is one incoming frame. ID is either a request id or a server
// assigned subscription id.
type Frame struct {
	ID   string    `json:"id"`
	Type FrameType `json:"type"`
	Data Payload   `json:"data"`
}

// Payload is the body of an incoming frame.
type Payload struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

var jsonNull = []byte("null")

// Valid reports whether the frame carries a usable result: status 200, no
// error and a data field.
func (f Frame) Valid() bool {
	if f.Data.Status != http.StatusOK {
		return false
	}
	if len(f.Data.Error) > 0 && !bytes.Equal(f.Data.Error, jsonNull) {
		return false
	}
	return len(f.Data.Data) > 0
}
