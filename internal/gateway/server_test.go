package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachedb/internal/gateway/handlers"
	"cachedb/internal/host"
	"cachedb/internal/transport"
)

type echoCache struct{ errs chan error }

func (echoCache) Handle(_ string, payload json.RawMessage, reply func(json.RawMessage)) {
	go reply(payload)
}
func (echoCache) ReleaseClient(string)   {}
func (c echoCache) Errors() <-chan error { return c.errs }

type stubBackend struct {
	state  transport.ConnectionState
	authed bool
}

func (b stubBackend) State() transport.ConnectionState { return b.state }
func (b stubBackend) Authenticated() bool              { return b.authed }

func newTestServer(t *testing.T, backend Backend) (*Server, *host.Host, *httptest.Server) {
	t.Helper()
	h := host.New(echoCache{errs: make(chan error)}, host.Options{})
	s := NewServer("127.0.0.1:0", "v1.0.0-test", h, backend)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, h, ts
}

func TestServer_Health(t *testing.T) {
	_, _, ts := newTestServer(t, stubBackend{state: transport.StateConnected, authed: true})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "v1.0.0-test", body.Version)
	assert.Equal(t, "connected", body.Backend)
	assert.True(t, body.Authenticated)
	assert.Equal(t, 0, body.Ports)
}

func TestServer_UnknownRoute(t *testing.T) {
	_, _, ts := newTestServer(t, stubBackend{})

	resp, err := http.Get(ts.URL + "/api/v1/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_WrongMethod(t *testing.T) {
	_, _, ts := newTestServer(t, stubBackend{})

	resp, err := http.Post(ts.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_TabSocketThroughMiddleware(t *testing.T) {
	_, h, ts := newTestServer(t, stubBackend{state: transport.StateConnecting})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(host.Message{Type: host.TypeNormal, ClientID: "tab-1", Data: json.RawMessage(`{"a":1}`)}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg host.Message
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "tab-1", msg.ClientID)
	assert.JSONEq(t, `{"a":1}`, string(msg.Data))
	assert.Equal(t, 1, h.Ports())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 1, body.Ports)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s, _, _ := newTestServer(t, stubBackend{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
