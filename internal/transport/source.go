package transport

import (
	"encoding/json"
	"sync"
)

const sourceBuffer = 16

// SendOption configures a Source.
type SendOption func(*Source)

// WithResponseHook makes the source hand every response to fn on the read
// goroutine, before the next frame is read, instead of queueing it on C().
// Hooks must not block.
func WithResponseHook(fn func(json.RawMessage)) SendOption {
	return func(s *Source) {
		s.hook = fn
	}
}

// Source is the response stream of one request id. It may receive any
// number of responses until it is cleaned up.
type Source struct {
	id       string
	endpoint string
	payload  any

	ch   chan json.RawMessage
	done chan struct{}
	once sync.Once
	hook func(json.RawMessage)

	// guarded by Client.mu
	initiated bool
	sent      bool
}

func newSource(id, endpoint string, payload any, initiated bool, opts []SendOption) *Source {
	s := &Source{
		id:        id,
		endpoint:  endpoint,
		payload:   payload,
		ch:        make(chan json.RawMessage, sourceBuffer),
		done:      make(chan struct{}),
		initiated: initiated,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSource creates a source that is not registered with any client.
// Alternative Transport implementations feed it through Deliver and
// Complete.
func NewSource(id, endpoint string, payload any, opts ...SendOption) *Source {
	return newSource(id, endpoint, payload, true, opts)
}

// completedSource returns a source that is already done.
func completedSource(id, endpoint string) *Source {
	s := newSource(id, endpoint, nil, true, nil)
	s.Complete()
	return s
}

// ID returns the request or subscription id.
func (s *Source) ID() string { return s.id }

// Endpoint returns the endpoint the request was sent to, empty for sources
// created by ListenToResponses.
func (s *Source) Endpoint() string { return s.endpoint }

// Payload returns the original request data.
func (s *Source) Payload() any { return s.payload }

// C returns the channel responses arrive on. It is never closed; watch
// Done() to learn that the source ended.
func (s *Source) C() <-chan json.RawMessage { return s.ch }

// Done is closed once the source is cleaned up or abandoned.
func (s *Source) Done() <-chan struct{} { return s.done }

// Complete ends the source. It is idempotent.
func (s *Source) Complete() {
	s.once.Do(func() { close(s.done) })
}

// Deliver hands msg to the response hook, or queues it on C() until the
// source completes.
func (s *Source) Deliver(msg json.RawMessage) {
	if s.hook != nil {
		s.hook(msg)
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}
