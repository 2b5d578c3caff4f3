package transport

import (
	"context"
	"sync"
)

// authGate holds the token the current socket authenticated with. Waiters
// block until it is opened; every socket close resets it.
type authGate struct {
	mu    sync.Mutex
	token string
	ready chan struct{}
}

func newAuthGate() *authGate {
	return &authGate{ready: make(chan struct{})}
}

func (g *authGate) open(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if token == "" || g.token != "" {
		return
	}
	g.token = token
	close(g.ready)
}

func (g *authGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" {
		return
	}
	g.token = ""
	g.ready = make(chan struct{})
}

func (g *authGate) current() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token, g.token != ""
}

// wait blocks until the gate is open, ctx is done or abort is closed.
func (g *authGate) wait(ctx context.Context, abort <-chan struct{}) (string, bool) {
	for {
		g.mu.Lock()
		if g.token != "" {
			token := g.token
			g.mu.Unlock()
			return token, true
		}
		ready := g.ready
		g.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return "", false
		case <-abort:
			return "", false
		}
	}
}
