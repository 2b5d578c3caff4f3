package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cachedb/internal/stream"
	"cachedb/pkg/logger"
)

// Time allowed to write a frame to the backend.
const writeWait = 10 * time.Second

// Config holds configuration for the backend connection.
type Config struct {
	// URL is the backend WebSocket endpoint, e.g. wss://host/api/v1.
	URL string
	// Reconnect is the backoff policy. Nil means DefaultReconnectPolicy.
	Reconnect *ReconnectPolicy
	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration
}

// Client owns the one live socket to the backend. All exported methods are
// safe for concurrent use.
type Client struct {
	cfg         Config
	dialer      *websocket.Dialer
	reconnector *Reconnector
	states      *stream.Feed[ConnectionState]
	gate        *authGate
	log         zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	state    ConnectionState
	token    string
	loggedIn bool
	closed   bool
	sources  map[string]*Source

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. Call Login to connect.
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		reconnector: NewReconnector(cfg.Reconnect),
		states:      stream.NewFeed[ConnectionState](stream.WithName("connection")),
		gate:        newAuthGate(),
		log:         logger.Component("transport"),
		state:       StateClosed,
		sources:     make(map[string]*Source),
	}
	c.states.Publish(StateClosed)
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States subscribes to connection state changes. The current state is
// delivered first.
func (c *Client) States() *stream.Subscription[ConnectionState] {
	return c.states.Subscribe()
}

// Attempts returns the consecutive reconnect attempt count.
func (c *Client) Attempts() int {
	return c.reconnector.Attempts()
}

// Authenticated reports whether the current socket finished the
// authentication handshake.
func (c *Client) Authenticated() bool {
	_, ok := c.gate.current()
	return ok
}

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.states.Publish(state)
}

// Login stores the token and connects.
func (c *Client) Login(token string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.token = token
	c.loggedIn = token != ""
	c.mu.Unlock()

	c.Connect()
}

// Logout forgets the token and closes the socket without reconnecting.
func (c *Client) Logout() {
	c.mu.Lock()
	c.token = ""
	c.loggedIn = false
	conn := c.conn
	c.mu.Unlock()

	c.reconnector.Stop()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		conn.Close()
		return
	}
	c.gate.reset()
	c.setState(StateClosed)
}

// Close logs out, cancels every timer and ends the state feed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Logout()
	c.states.Close()
}

// Connect opens a new socket, replacing the current one. It is a no-op
// without a token.
func (c *Client) Connect() {
	c.mu.Lock()
	token := c.token
	if token == "" || c.closed {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	c.gen++
	gen := c.gen
	var abandoned []string
	if old != nil {
		abandoned = c.abandonLocked()
	}
	c.mu.Unlock()

	if old != nil {
		old.Close()
		c.gate.reset()
		if len(abandoned) > 0 {
			c.log.Warn().Strs("pending", abandoned).Msg("Replacing socket, abandoning pending requests")
		}
	}

	c.setState(StateConnecting)

	conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("url", c.cfg.URL).Msg("Backend dial failed")
		c.handleDisconnect(gen, StateError)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.token == "" {
		// superseded by another Connect or a Logout while dialing
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info().Str("url", c.cfg.URL).Msg("Backend connected")
	c.setState(StateConnected)

	go c.readLoop(gen, conn)
	c.authenticate(conn, token)
}

// authenticate sends the handshake on a freshly opened socket. The first
// valid response opens the gate for SendAuthenticated.
func (c *Client) authenticate(conn *websocket.Conn, token string) {
	id := uuid.NewString()
	src := newSource(id, EndpointAuthenticate, token, true, []SendOption{
		WithResponseHook(func(json.RawMessage) {
			c.CleanUpSource(id)
			c.gate.open(token)
			c.log.Info().Msg("Backend authenticated")
		}),
	})
	src.sent = true

	c.mu.Lock()
	c.sources[id] = src
	c.mu.Unlock()

	req := Request{RequestID: id, Endpoint: EndpointAuthenticate, Token: token, Data: token}
	if err := c.write(conn, req); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send authenticate")
	}
}

// SendAuthenticated registers a response stream for requestID and sends
// {requestId, endpoint, token, data} once the connection is authenticated.
// While logged in without an open socket it fails fast: the returned source
// is already complete and nothing is queued for the next socket. Callers
// must CleanUpSource when done.
func (c *Client) SendAuthenticated(ctx context.Context, endpoint string, data any, requestID string, opts ...SendOption) *Source {
	src := newSource(requestID, endpoint, data, true, opts)

	c.mu.Lock()
	if _, exists := c.sources[requestID]; exists {
		c.mu.Unlock()
		c.log.Error().Str("request_id", requestID).Str("endpoint", endpoint).Msg("Request id already in use")
		return completedSource(requestID, endpoint)
	}
	if c.loggedIn && c.conn == nil {
		c.mu.Unlock()
		c.log.Warn().
			Str("request_id", requestID).
			Str("endpoint", endpoint).
			Msg("Socket not open, dropping request")
		return completedSource(requestID, endpoint)
	}
	c.sources[requestID] = src
	c.mu.Unlock()

	go c.sendWhenAuthenticated(ctx, src)
	return src
}

func (c *Client) sendWhenAuthenticated(ctx context.Context, src *Source) {
	token, ok := c.gate.wait(ctx, src.done)
	if !ok {
		if ctx.Err() != nil {
			c.CleanUpSource(src.id)
		}
		return
	}

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		src.sent = true
	}
	c.mu.Unlock()

	if conn == nil {
		c.log.Warn().
			Str("request_id", src.id).
			Str("endpoint", src.endpoint).
			Msg("Socket not open, dropping request")
		c.CleanUpSource(src.id)
		return
	}

	req := Request{RequestID: src.id, Endpoint: src.endpoint, Token: token, Data: src.payload}
	if err := c.write(conn, req); err != nil {
		c.log.Warn().Err(err).Str("request_id", src.id).Msg("Failed to send request")
		c.CleanUpSource(src.id)
	}
}

// ListenToResponses returns the stream for an id this client did not send,
// creating it if needed. Used for subscription notifications.
func (c *Client) ListenToResponses(responseID string, opts ...SendOption) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src, ok := c.sources[responseID]; ok {
		return src
	}
	src := newSource(responseID, "", nil, false, opts)
	c.sources[responseID] = src
	return src
}

// CleanUpSource completes and forgets the stream for id. Unknown ids are
// ignored.
func (c *Client) CleanUpSource(id string) {
	c.mu.Lock()
	src, ok := c.sources[id]
	delete(c.sources, id)
	c.mu.Unlock()

	if ok {
		src.Complete()
	}
}

// PendingIDs returns the ids of requests that were sent and are still open.
func (c *Client) PendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Client) pendingLocked() []string {
	ids := make([]string, 0, len(c.sources))
	for id, src := range c.sources {
		if src.initiated && src.sent {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// abandonLocked completes every source when the current socket goes away.
// Requests still waiting for authentication are completed too and never
// carried over to the next socket. Returns the abandoned sent request ids.
func (c *Client) abandonLocked() []string {
	pending := c.pendingLocked()
	for id, src := range c.sources {
		delete(c.sources, id)
		src.Complete()
	}
	return pending
}

func (c *Client) write(conn *websocket.Conn, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches frames until the socket ends.
func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			state := StateError
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				state = StateClosed
			}
			c.log.Debug().Err(err).Str("state", state.String()).Msg("Backend socket ended")
			c.handleDisconnect(gen, state)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Error().Err(err).Str("frame", string(data)).Msg("Malformed frame")
		return
	}
	if !frame.Valid() {
		c.log.Error().
			Str("id", frame.ID).
			Int("status", frame.Data.Status).
			RawJSON("response", data).
			Msg("Backend returned an error response")
		return
	}

	c.mu.Lock()
	src, ok := c.sources[frame.ID]
	c.mu.Unlock()

	if !ok {
		c.log.Error().Str("id", frame.ID).Str("type", string(frame.Type)).Msg("Response for unknown id")
		return
	}
	src.Deliver(frame.Data.Data)
}

// handleDisconnect runs once per socket generation when it ends.
func (c *Client) handleDisconnect(gen uint64, state ConnectionState) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	loggedIn := c.loggedIn && !c.closed
	abandoned := c.abandonLocked()
	c.mu.Unlock()

	if !loggedIn {
		state = StateClosed
	}

	c.gate.reset()
	c.setState(state)

	if !loggedIn {
		if len(abandoned) > 0 {
			c.log.Warn().Strs("pending", abandoned).Msg("Connection closed while logged out, abandoning pending requests")
		}
		return
	}

	if len(abandoned) > 0 {
		c.log.Warn().
			Int("count", len(abandoned)).
			Strs("pending", abandoned).
			Msg("Connection lost with pending requests")
	}

	delay := c.reconnector.Schedule(c.Connect)
	c.log.Info().
		Int("attempt", c.reconnector.Attempts()).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}
