package host

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// tabs of any origin served by this host may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one tab's WebSocket. A tab identifies itself by the clientId of
// its messages, so one Conn normally carries one client port.
type Conn struct {
	host        *Host
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	id          string
	connectedAt time.Time
}

func newConn(h *Host, ws *websocket.Conn) *Conn {
	return &Conn{
		host:        h,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		id:          uuid.NewString(),
		connectedAt: time.Now(),
	}
}

// Send implements PortConn.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close ends both pumps.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump feeds tab messages to the host until the socket ends.
func (c *Conn) readPump() {
	defer func() {
		c.host.Detach(c)
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.host.log.Debug().Err(err).Str("conn_id", c.id).Msg("Tab socket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.host.log.Warn().Err(err).Str("conn_id", c.id).Msg("Failed to parse tab message")
			continue
		}
		c.host.HandleMessage(c, msg)
	}
}

// writePump writes queued messages and pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.host.log.Debug().Err(err).Str("conn_id", c.id).Msg("Tab socket write error")
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// ServeWs upgrades a tab's HTTP request and starts its pumps.
func ServeWs(h *Host, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upgrade tab connection")
		return
	}

	c := newConn(h, ws)
	h.log.Debug().Str("conn_id", c.id).Str("remote", r.RemoteAddr).Msg("Tab connected")

	go c.writePump()
	go c.readPump()
}
