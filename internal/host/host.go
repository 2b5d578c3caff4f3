// Package host runs one shared cache for every tab of an origin. Tabs are
// tracked as client ports kept alive by heartbeats; ports that go quiet are
// swept and their cache interests released.
package host

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cachedb/internal/cron"
	"cachedb/pkg/logger"
)

// SweepJob is the scheduler job name of the liveness sweep.
const SweepJob = "host-sweep"

// DefaultHeartbeatInterval is how often tabs are expected to send a
// heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// Cache is the shared cache the host routes tab requests to.
type Cache interface {
	Handle(clientID string, payload json.RawMessage, reply func(json.RawMessage))
	ReleaseClient(clientID string)
	Errors() <-chan error
}

// PortConn is the transport to one tab.
type PortConn interface {
	// Send queues data for the tab without blocking. It returns false when
	// the data could not be queued.
	Send(data []byte) bool
}

// ClientPort is the host's record of one tab.
type ClientPort struct {
	ID           string
	conn         PortConn
	lastLifeSign time.Time
}

// Options configures a Host.
type Options struct {
	HeartbeatInterval time.Duration
	// Scheduler runs the sweep. Nil means the host owns a private one.
	Scheduler *cron.Scheduler
	// Now replaces time.Now.
	Now func() time.Time
}

// Host owns the client ports.
type Host struct {
	cache     Cache
	heartbeat time.Duration
	scheduler *cron.Scheduler
	ownsSched bool
	now       func() time.Time
	log       zerolog.Logger

	mu    sync.Mutex
	ports map[string]*ClientPort

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a host around cache.
func New(cache Cache, opts Options) *Host {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Host{
		cache:     cache,
		heartbeat: opts.HeartbeatInterval,
		scheduler: opts.Scheduler,
		now:       opts.Now,
		log:       logger.Component("host"),
		ports:     make(map[string]*ClientPort),
		stop:      make(chan struct{}),
	}
	if h.scheduler == nil {
		h.scheduler = cron.NewScheduler()
		h.ownsSched = true
	}
	return h
}

// DeadThreshold is how long a port may stay silent before it is presumed
// gone.
func (h *Host) DeadThreshold() time.Duration {
	return 2*h.heartbeat + 10*time.Second
}

// SweepInterval is how often dead ports are looked for.
func (h *Host) SweepInterval() time.Duration {
	return h.DeadThreshold() + 60*time.Second
}

// Start schedules the sweep and begins broadcasting cache errors.
func (h *Host) Start() error {
	if err := h.scheduler.Add(SweepJob, cron.Every(h.SweepInterval()), func() {
		h.Sweep(h.now())
	}); err != nil {
		return err
	}
	if h.ownsSched {
		if err := h.scheduler.Start(); err != nil {
			return err
		}
	}

	h.wg.Add(1)
	go h.broadcastErrors()

	h.log.Info().
		Dur("dead_threshold", h.DeadThreshold()).
		Dur("sweep_interval", h.SweepInterval()).
		Msg("Host started")
	return nil
}

// Stop ends the sweep and the error broadcast. Ports are left as they are.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.scheduler.Remove(SweepJob)
		if h.ownsSched {
			<-h.scheduler.Stop().Done()
		}
		close(h.stop)
	})
	h.wg.Wait()
}

// HandleMessage processes one message from a tab. It returns without
// waiting for the cache; responses reach the tab later through conn.
func (h *Host) HandleMessage(conn PortConn, msg Message) {
	if msg.ClientID == "" {
		h.log.Warn().Str("type", string(msg.Type)).Msg("Message without client id")
		return
	}

	if msg.Type == TypeDestroyed {
		if h.teardown(msg.ClientID) {
			h.log.Debug().Str("client_id", msg.ClientID).Msg("Client destroyed")
		}
		return
	}

	h.mu.Lock()
	port, ok := h.ports[msg.ClientID]
	if !ok {
		port = &ClientPort{ID: msg.ClientID}
		h.ports[msg.ClientID] = port
		h.log.Debug().Str("client_id", msg.ClientID).Msg("Client port opened")
	}
	// a tab that reconnected keeps its id but brings a new connection
	port.conn = conn
	port.lastLifeSign = h.now()
	h.mu.Unlock()

	switch msg.Type {
	case TypeNormal:
		clientID := msg.ClientID
		h.cache.Handle(clientID, msg.Data, func(data json.RawMessage) {
			h.deliver(clientID, data)
		})
	case TypeHeartbeat:
	default:
		h.log.Debug().Str("client_id", msg.ClientID).Str("type", string(msg.Type)).Msg("Ignoring message type")
	}
}

// Detach forgets conn for every port using it. The ports themselves stay
// until the tab says goodbye or the sweep finds them silent.
func (h *Host) Detach(conn PortConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, port := range h.ports {
		if port.conn == conn {
			port.conn = nil
		}
	}
}

func (h *Host) deliver(clientID string, data json.RawMessage) {
	h.mu.Lock()
	port, ok := h.ports[clientID]
	var conn PortConn
	if ok {
		conn = port.conn
	}
	h.mu.Unlock()

	if conn == nil {
		h.log.Debug().Str("client_id", clientID).Msg("Dropping response for a client without connection")
		return
	}

	raw, err := json.Marshal(Message{Type: TypeNormal, ClientID: clientID, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("client_id", clientID).Msg("Failed to encode message")
		return
	}
	if !conn.Send(raw) {
		h.log.Warn().Str("client_id", clientID).Msg("Client send buffer full, dropping message")
	}
}

// teardown removes the port and releases its interests. Removal happens
// under the lock, so only one caller ever releases a given port.
func (h *Host) teardown(clientID string) bool {
	h.mu.Lock()
	_, ok := h.ports[clientID]
	delete(h.ports, clientID)
	h.mu.Unlock()

	if ok {
		h.cache.ReleaseClient(clientID)
	}
	return ok
}

// Sweep tears down every port silent for longer than DeadThreshold at now
// and returns their ids.
func (h *Host) Sweep(now time.Time) []string {
	threshold := h.DeadThreshold()

	h.mu.Lock()
	var dead []*ClientPort
	for id, port := range h.ports {
		if port.lastLifeSign.IsZero() || now.Sub(port.lastLifeSign) > threshold {
			dead = append(dead, port)
			delete(h.ports, id)
		}
	}
	h.mu.Unlock()

	ids := make([]string, 0, len(dead))
	for _, port := range dead {
		h.log.Warn().
			Str("client_id", port.ID).
			Time("last_life_sign", port.lastLifeSign).
			Msg("Client stopped sending heartbeats, releasing it")
		h.cache.ReleaseClient(port.ID)
		ids = append(ids, port.ID)
	}
	return ids
}

// Ports returns the number of known tabs.
func (h *Host) Ports() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ports)
}

func (h *Host) broadcastErrors() {
	defer h.wg.Done()

	errs := h.cache.Errors()
	for {
		select {
		case <-h.stop:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			h.Broadcast(err)
		}
	}
}

// Broadcast sends err to every connected tab.
func (h *Host) Broadcast(err error) {
	h.mu.Lock()
	targets := make(map[string]PortConn, len(h.ports))
	for id, port := range h.ports {
		if port.conn != nil {
			targets[id] = port.conn
		}
	}
	h.mu.Unlock()

	h.log.Error().Err(err).Int("ports", len(targets)).Msg("Broadcasting cache error")

	for id, conn := range targets {
		raw, mErr := json.Marshal(Message{
			Type:     TypeError,
			ClientID: id,
			Error:    &ErrorBody{Message: err.Error()},
		})
		if mErr != nil {
			continue
		}
		conn.Send(raw)
	}
}
