package host

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handled struct {
	clientID string
	payload  json.RawMessage
}

// fakeCache echoes every request back to the tab.
type fakeCache struct {
	mu       sync.Mutex
	handled  []handled
	released map[string]int
	errs     chan error
}

func newFakeCache() *fakeCache {
	return &fakeCache{released: make(map[string]int), errs: make(chan error, 4)}
}

func (f *fakeCache) Handle(clientID string, payload json.RawMessage, reply func(json.RawMessage)) {
	f.mu.Lock()
	f.handled = append(f.handled, handled{clientID, payload})
	f.mu.Unlock()
	go reply(payload)
}

func (f *fakeCache) ReleaseClient(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[clientID]++
}

func (f *fakeCache) Errors() <-chan error { return f.errs }

func (f *fakeCache) releasedCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[id]
}

func (f *fakeCache) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

type fakeConn struct {
	ch   chan []byte
	full bool
}

func newFakeConn() *fakeConn { return &fakeConn{ch: make(chan []byte, 16)} }

func (c *fakeConn) Send(data []byte) bool {
	if c.full {
		return false
	}
	c.ch <- data
	return true
}

func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	select {
	case raw := <-c.ch:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func (c *fakeConn) none(t *testing.T) {
	t.Helper()
	select {
	case raw := <-c.ch:
		t.Fatalf("unexpected message %s", raw)
	case <-time.After(30 * time.Millisecond):
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestHost(cache Cache) (*Host, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	return New(cache, Options{HeartbeatInterval: 30 * time.Second, Now: clk.Now}), clk
}

func TestHost_Thresholds(t *testing.T) {
	h, _ := newTestHost(newFakeCache())

	assert.Equal(t, 70*time.Second, h.DeadThreshold())
	assert.Equal(t, 130*time.Second, h.SweepInterval())

	def := New(newFakeCache(), Options{})
	assert.Equal(t, 70*time.Second, def.DeadThreshold())
}

func TestHost_NormalMessageReachesCacheAndReplies(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeNormal, ClientID: "tab-1", Data: json.RawMessage(`{"requestId":"r1"}`)})

	msg := conn.next(t)
	assert.Equal(t, TypeNormal, msg.Type)
	assert.Equal(t, "tab-1", msg.ClientID)
	assert.JSONEq(t, `{"requestId":"r1"}`, string(msg.Data))
	assert.Equal(t, 1, h.Ports())
	assert.Equal(t, 1, cache.handledCount())
}

func TestHost_HeartbeatOnlyStampsLiveness(t *testing.T) {
	cache := newFakeCache()
	h, clk := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "tab-1"})
	conn.none(t)
	assert.Equal(t, 0, cache.handledCount())
	assert.Equal(t, 1, h.Ports())

	now := clk.Advance(60 * time.Second)
	assert.Empty(t, h.Sweep(now))
	assert.Equal(t, 1, h.Ports())
}

func TestHost_AnyMessageCountsAsLifeSign(t *testing.T) {
	cache := newFakeCache()
	h, clk := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "tab-1"})
	clk.Advance(60 * time.Second)
	h.HandleMessage(conn, Message{Type: TypeNormal, ClientID: "tab-1", Data: json.RawMessage(`{}`)})
	conn.next(t)

	now := clk.Advance(60 * time.Second)
	assert.Empty(t, h.Sweep(now), "normal traffic kept the port alive")
}

func TestHost_DestroyedReleasesOnce(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "tab-1"})
	h.HandleMessage(conn, Message{Type: TypeDestroyed, ClientID: "tab-1"})
	h.HandleMessage(conn, Message{Type: TypeDestroyed, ClientID: "tab-1"})

	assert.Equal(t, 0, h.Ports())
	assert.Equal(t, 1, cache.releasedCount("tab-1"))
}

func TestHost_SweepTearsDownSilentPortsExactlyOnce(t *testing.T) {
	cache := newFakeCache()
	h, clk := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "old"})
	clk.Advance(50 * time.Second)
	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "young"})

	// old is 71s silent, young 21s
	now := clk.Advance(21 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var swept []string
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := h.Sweep(now)
			mu.Lock()
			swept = append(swept, ids...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"old"}, swept)
	assert.Equal(t, 1, cache.releasedCount("old"))
	assert.Equal(t, 0, cache.releasedCount("young"))
	assert.Equal(t, 1, h.Ports())
}

func TestHost_SweepAtExactThresholdKeepsPort(t *testing.T) {
	cache := newFakeCache()
	h, clk := newTestHost(cache)

	h.HandleMessage(newFakeConn(), Message{Type: TypeHeartbeat, ClientID: "tab"})
	now := clk.Advance(h.DeadThreshold())
	assert.Empty(t, h.Sweep(now))
	assert.NotEmpty(t, h.Sweep(now.Add(time.Millisecond)))
}

func TestHost_IgnoresMessagesWithoutClientID(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)

	h.HandleMessage(newFakeConn(), Message{Type: TypeNormal, Data: json.RawMessage(`{}`)})
	assert.Equal(t, 0, h.Ports())
	assert.Equal(t, 0, cache.handledCount())
}

func TestHost_DetachDropsResponsesButKeepsPort(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)
	conn := newFakeConn()

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "tab"})
	h.Detach(conn)
	h.deliver("tab", json.RawMessage(`1`))

	conn.none(t)
	assert.Equal(t, 1, h.Ports())

	// the tab comes back on a new socket
	again := newFakeConn()
	h.HandleMessage(again, Message{Type: TypeNormal, ClientID: "tab", Data: json.RawMessage(`2`)})
	assert.JSONEq(t, `2`, string(again.next(t).Data))
}

func TestHost_FullSendBufferDoesNotBlock(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)
	conn := &fakeConn{full: true}

	h.HandleMessage(conn, Message{Type: TypeHeartbeat, ClientID: "tab"})
	h.deliver("tab", json.RawMessage(`1`))
}

func TestHost_BroadcastsCacheErrors(t *testing.T) {
	cache := newFakeCache()
	h, _ := newTestHost(cache)
	a, b := newFakeConn(), newFakeConn()

	h.HandleMessage(a, Message{Type: TypeHeartbeat, ClientID: "tab-a"})
	h.HandleMessage(b, Message{Type: TypeHeartbeat, ClientID: "tab-b"})

	require.NoError(t, h.Start())
	defer h.Stop()

	cache.errs <- errors.New("persist failed")

	for _, conn := range []*fakeConn{a, b} {
		msg := conn.next(t)
		assert.Equal(t, TypeError, msg.Type)
		require.NotNil(t, msg.Error)
		assert.Equal(t, "persist failed", msg.Error.Message)
	}
}

func TestHost_StartSchedulesSweep(t *testing.T) {
	h, _ := newTestHost(newFakeCache())
	require.NoError(t, h.Start())

	var next time.Time
	require.Eventually(t, func() bool {
		var ok bool
		next, ok = h.scheduler.NextRun(SweepJob)
		return ok && !next.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(h.SweepInterval()), next, 2*time.Second)

	h.Stop()
	h.Stop()
	_, ok := h.scheduler.NextRun(SweepJob)
	assert.False(t, ok)
}
