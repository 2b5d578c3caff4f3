// Package cache is the shared per-origin cache that tabs talk to through the
// host. It answers reads from memory, then the local store, then the
// backend, and turns watch requests into update streams.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"cachedb/internal/storage"
	"cachedb/internal/stream"
	"cachedb/internal/watcher"
	"cachedb/pkg/logger"
)

// TokenKey is the local store key of the persisted backend token.
const TokenKey = "auth.token"

// Transport is the backend connection as the cache uses it.
type Transport interface {
	watcher.Transport
	Login(token string)
	Logout()
}

// Config controls fetching and retention.
type Config struct {
	// RequestTimeout bounds one backend fetch.
	RequestTimeout time.Duration
	// TTL is how long a fetched entity stays fresh. Zero keeps it until
	// invalidated.
	TTL time.Duration
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		TTL:            24 * time.Hour,
	}
}

type memEntry struct {
	data    json.RawMessage
	expires time.Time
}

type watch struct {
	resource Resource
	sub      *stream.Subscription[watcher.EventKind]
}

// Cache is safe for concurrent use by many tabs.
type Cache struct {
	transport Transport
	watcher   *watcher.Watcher
	db        *storage.DB
	cfg       Config
	log       zerolog.Logger
	group     singleflight.Group
	errs      chan error

	mu       sync.Mutex
	entities map[string]memEntry
	watches  map[string]map[string]*watch // client id -> request id
}

// New creates a cache. db may be nil to keep everything in memory.
func New(t Transport, w *watcher.Watcher, db *storage.DB, cfg Config) *Cache {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Cache{
		transport: t,
		watcher:   w,
		db:        db,
		cfg:       cfg,
		log:       logger.Component("cache"),
		errs:      make(chan error, 16),
		entities:  make(map[string]memEntry),
		watches:   make(map[string]map[string]*watch),
	}
}

// Errors delivers failures that have no requester to answer to.
func (c *Cache) Errors() <-chan error {
	return c.errs
}

func (c *Cache) emitError(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn().Err(err).Msg("Error channel full, dropping error")
	}
}

// Restore logs in with the token persisted by an earlier login, if any.
func (c *Cache) Restore() bool {
	if c.db == nil {
		return false
	}
	token, err := c.db.KVGet(TokenKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn().Err(err).Msg("Failed to read stored token")
		}
		return false
	}
	c.transport.Login(token)
	c.log.Info().Msg("Restored backend session")
	return true
}

// Handle parses one tab message and answers through reply, possibly many
// times for a watch. It never blocks on the backend.
func (c *Cache) Handle(clientID string, payload json.RawMessage, reply func(json.RawMessage)) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.send(reply, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	respond := func(resp Response) {
		resp.RequestID = req.RequestID
		c.send(reply, resp)
	}

	switch req.Action {
	case ActionLogin:
		c.login(req.Token, respond)
	case ActionLogout:
		c.logout(respond)
	case ActionGet, ActionWatch, ActionUnwatch, ActionInvalidate:
		if req.Resource == nil {
			respond(Response{Error: fmt.Sprintf("%s: resource required", req.Action)})
			return
		}
		if err := req.Resource.Validate(); err != nil {
			respond(Response{Error: err.Error()})
			return
		}
		res := *req.Resource
		switch req.Action {
		case ActionGet:
			go c.get(res, respond)
		case ActionWatch:
			c.watch(clientID, req.RequestID, res, respond)
		case ActionUnwatch:
			c.unwatch(clientID, res)
			respond(Response{Data: json.RawMessage(`true`)})
		case ActionInvalidate:
			c.Invalidate(res)
			respond(Response{Data: json.RawMessage(`true`)})
		}
	default:
		respond(Response{Error: fmt.Sprintf("%v: %q", ErrUnknownAction, req.Action)})
	}
}

func (c *Cache) send(reply func(json.RawMessage), resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		c.log.Error().Err(err).Str("request_id", resp.RequestID).Msg("Failed to encode response")
		return
	}
	reply(raw)
}

func (c *Cache) login(token string, respond func(Response)) {
	if token == "" {
		respond(Response{Error: "login: token required"})
		return
	}
	c.transport.Login(token)
	if c.db != nil {
		if err := c.db.KVSet(TokenKey, token, 0); err != nil {
			c.emitError(fmt.Errorf("persist token: %w", err))
		}
	}
	respond(Response{Data: json.RawMessage(`true`)})
}

func (c *Cache) logout(respond func(Response)) {
	c.transport.Logout()

	c.mu.Lock()
	c.entities = make(map[string]memEntry)
	c.mu.Unlock()

	if c.db != nil {
		if err := c.db.KVDelete(TokenKey); err != nil {
			c.emitError(fmt.Errorf("forget token: %w", err))
		}
		if err := c.db.ClearEntities(); err != nil {
			c.emitError(fmt.Errorf("clear entities: %w", err))
		}
	}
	respond(Response{Data: json.RawMessage(`true`)})
}

func (c *Cache) get(res Resource, respond func(Response)) {
	data, err := c.Get(context.Background(), res)
	if err != nil {
		respond(Response{Error: err.Error()})
		return
	}
	respond(Response{Data: data})
}

// Get returns the resource from memory, the local store or the backend.
// Concurrent fetches of the same resource share one backend request.
func (c *Cache) Get(ctx context.Context, res Resource) (json.RawMessage, error) {
	key := string(res.Kind) + ":" + res.Key()

	if data, ok := c.lookup(key); ok {
		return data, nil
	}

	if c.db != nil {
		e, err := c.db.GetEntity(string(res.Kind), res.Key())
		switch {
		case err == nil:
			c.remember(key, e.Data)
			return e.Data, nil
		case !errors.Is(err, storage.ErrNotFound):
			c.log.Warn().Err(err).Str("key", key).Msg("Local store read failed")
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(res, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch asks the backend. The transport never times out on its own, so
// the request timeout is enforced here.
func (c *Cache) fetch(res Resource, key string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	id := uuid.NewString()
	src := c.transport.SendAuthenticated(ctx, res.Endpoint(), res, id)
	defer c.transport.CleanUpSource(id)

	select {
	case data := <-src.C():
		c.remember(key, data)
		c.persist(res, data)
		return data, nil
	case <-src.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", res.Endpoint(), res.Key(), ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %w", res.Endpoint(), res.Key(), ErrAbandoned)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", res.Endpoint(), res.Key(), ErrTimeout)
	}
}

func (c *Cache) lookup(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entities, key)
		return nil, false
	}
	return e.data, true
}

func (c *Cache) remember(key string, data json.RawMessage) {
	e := memEntry{data: data}
	if c.cfg.TTL > 0 {
		e.expires = time.Now().Add(c.cfg.TTL)
	}
	c.mu.Lock()
	c.entities[key] = e
	c.mu.Unlock()
}

func (c *Cache) persist(res Resource, data json.RawMessage) {
	if c.db == nil {
		return
	}
	if err := c.db.PutEntity(string(res.Kind), res.Key(), data, c.cfg.TTL); err != nil {
		c.emitError(fmt.Errorf("persist %s %s: %w", res.Kind, res.Key(), err))
	}
}

// Invalidate drops the cached copy of res everywhere.
func (c *Cache) Invalidate(res Resource) {
	key := string(res.Kind) + ":" + res.Key()

	c.mu.Lock()
	delete(c.entities, key)
	c.mu.Unlock()

	if c.db != nil {
		if err := c.db.DeleteEntity(string(res.Kind), res.Key()); err != nil {
			c.emitError(err)
		}
	}
}

// Purge drops expired entries from memory and the local store.
func (c *Cache) Purge() {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.entities {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entities, key)
		}
	}
	c.mu.Unlock()

	if c.db != nil {
		n, err := c.db.PurgeExpired()
		if err != nil {
			c.emitError(fmt.Errorf("purge: %w", err))
			return
		}
		if n > 0 {
			c.log.Debug().Int64("rows", n).Msg("Purged expired entities")
		}
	}
}

func (c *Cache) watch(clientID, requestID string, res Resource, respond func(Response)) {
	sub, ok := c.watcher.GetUpdateStream(clientID, res)
	if !ok {
		respond(Response{Error: fmt.Sprintf("%v: %s", ErrNotWatchable, res.Kind)})
		return
	}

	c.mu.Lock()
	byReq := c.watches[clientID]
	if byReq == nil {
		byReq = make(map[string]*watch)
		c.watches[clientID] = byReq
	}
	old := byReq[requestID]
	byReq[requestID] = &watch{resource: res, sub: sub}
	c.mu.Unlock()

	if old != nil {
		old.sub.Close()
	}

	go func() {
		for ev := range sub.C() {
			if ev == watcher.EventUpdate {
				c.Invalidate(res)
			}
			respond(Response{Event: ev})
		}
	}()
}

// unwatch ends every watch the client holds on res. The client's interest
// is dropped once it has no watch left on that topic.
func (c *Cache) unwatch(clientID string, res Resource) {
	key, ok := topicKey(res)
	if !ok {
		return
	}

	var closed []*watch
	c.mu.Lock()
	for id, w := range c.watches[clientID] {
		if k, _ := topicKey(w.resource); k == key {
			closed = append(closed, w)
			delete(c.watches[clientID], id)
		}
	}
	remaining := c.watchesOnLocked(clientID, key)
	c.mu.Unlock()

	for _, w := range closed {
		w.sub.Close()
	}
	if remaining == 0 {
		c.watcher.DestroyUpdateStream(clientID, res)
	}
}

func (c *Cache) watchesOnLocked(clientID, key string) int {
	n := 0
	for _, w := range c.watches[clientID] {
		if k, _ := topicKey(w.resource); k == key {
			n++
		}
	}
	return n
}

// ReleaseClient ends every watch of clientID.
func (c *Cache) ReleaseClient(clientID string) {
	c.mu.Lock()
	byReq := c.watches[clientID]
	delete(c.watches, clientID)
	c.mu.Unlock()

	released := make(map[string]bool)
	for _, w := range byReq {
		w.sub.Close()
		key, _ := topicKey(w.resource)
		if released[key] {
			continue
		}
		released[key] = true
		c.watcher.DestroyUpdateStream(clientID, w.resource)
	}
	if len(byReq) > 0 {
		c.log.Debug().Str("client_id", clientID).Int("watches", len(byReq)).Msg("Released client")
	}
}

// Clients returns how many clients hold at least one watch.
func (c *Cache) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

func topicKey(res Resource) (string, bool) {
	topic, ok := res.Topic()
	if !ok {
		return "", false
	}
	key, err := watcher.TopicKey(topic)
	return key, err == nil
}
