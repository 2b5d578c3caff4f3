// Package transporttest provides an in-memory stand-in for the backend
// connection.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cachedb/internal/stream"
	"cachedb/internal/transport"
)

// Sent is one request handed to the fake.
type Sent struct {
	Endpoint string
	Data     any
	Source   *transport.Source
}

// Responder answers a request synchronously. Returning nil sends nothing.
type Responder func(endpoint string, data any) any

// Fake records requests and lets tests play the server side. Responses are
// delivered on the caller's goroutine, like frames on the read goroutine.
type Fake struct {
	states *stream.Feed[transport.ConnectionState]

	mu         sync.Mutex
	sent       []Sent
	sources    map[string]*transport.Source
	cleaned    map[string]bool
	responders map[string]Responder
	tokens     []string
}

// New returns a fake in the connected state.
func New() *Fake {
	f := &Fake{
		states:     stream.NewFeed[transport.ConnectionState](),
		sources:    make(map[string]*transport.Source),
		cleaned:    make(map[string]bool),
		responders: make(map[string]Responder),
	}
	f.states.Publish(transport.StateConnected)
	return f
}

// Respond installs an automatic responder for endpoint.
func (f *Fake) Respond(endpoint string, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[endpoint] = r
}

// Login records token.
func (f *Fake) Login(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

// Logout records an empty token.
func (f *Fake) Logout() {
	f.Login("")
}

// Tokens returns every token passed to Login, "" for each Logout.
func (f *Fake) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// SetState publishes a connection state.
func (f *Fake) SetState(s transport.ConnectionState) {
	f.states.Publish(s)
}

// SendAuthenticated implements the transport contract.
func (f *Fake) SendAuthenticated(ctx context.Context, endpoint string, data any, requestID string, opts ...transport.SendOption) *transport.Source {
	src := transport.NewSource(requestID, endpoint, data, opts...)

	f.mu.Lock()
	f.sources[requestID] = src
	f.sent = append(f.sent, Sent{Endpoint: endpoint, Data: data, Source: src})
	respond := f.responders[endpoint]
	f.mu.Unlock()

	if respond != nil {
		if reply := respond(endpoint, data); reply != nil {
			raw, err := json.Marshal(reply)
			if err == nil {
				src.Deliver(raw)
			}
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			f.CleanUpSource(requestID)
		case <-src.Done():
		}
	}()
	return src
}

// ListenToResponses implements the transport contract.
func (f *Fake) ListenToResponses(responseID string, opts ...transport.SendOption) *transport.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src, ok := f.sources[responseID]; ok {
		return src
	}
	src := transport.NewSource(responseID, "", nil, opts...)
	f.sources[responseID] = src
	return src
}

// CleanUpSource implements the transport contract.
func (f *Fake) CleanUpSource(id string) {
	f.mu.Lock()
	src, ok := f.sources[id]
	delete(f.sources, id)
	if ok {
		f.cleaned[id] = true
	}
	f.mu.Unlock()
	if ok {
		src.Complete()
	}
}

// States implements the transport contract.
func (f *Fake) States() *stream.Subscription[transport.ConnectionState] {
	return f.states.Subscribe()
}

// Deliver plays an incoming frame for id. It reports whether anyone was
// listening.
func (f *Fake) Deliver(id string, data any) bool {
	f.mu.Lock()
	src, ok := f.sources[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	src.Deliver(raw)
	return true
}

// Listening reports whether a source is registered for id.
func (f *Fake) Listening(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sources[id]
	return ok
}

// Cleaned reports whether id was cleaned up.
func (f *Fake) Cleaned(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned[id]
}

// Sent returns the requests sent to endpoint so far.
func (f *Fake) Sent(endpoint string) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sent
	for _, s := range f.sent {
		if s.Endpoint == endpoint {
			out = append(out, s)
		}
	}
	return out
}

// WaitSent blocks until n requests to endpoint were sent and returns them.
func (f *Fake) WaitSent(t testing.TB, endpoint string, n int) []Sent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := f.Sent(endpoint)
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d %s requests, got %d", n, endpoint, len(sent))
		}
		time.Sleep(2 * time.Millisecond)
	}
}
