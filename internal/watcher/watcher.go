// Package watcher multiplexes update streams onto server subscriptions.
// Every distinct topic gets exactly one server subscription, shared by all
// interested parties, and idle subscriptions are evicted least recently
// subscribed first once a budget is exceeded.
package watcher

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cachedb/internal/stream"
	"cachedb/internal/transport"
	"cachedb/pkg/logger"
)

// EventKind is what an update stream emits.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventUpdate    EventKind = "update"
	EventClosed    EventKind = "closed"
)

// Defaults.
const (
	DefaultBudget          = 5
	DefaultResponseTimeout = 2 * time.Second
)

// Transport is the part of the backend connection the watcher needs.
// *transport.Client satisfies it.
type Transport interface {
	SendAuthenticated(ctx context.Context, endpoint string, data any, requestID string, opts ...transport.SendOption) *transport.Source
	ListenToResponses(responseID string, opts ...transport.SendOption) *transport.Source
	CleanUpSource(id string)
	States() *stream.Subscription[transport.ConnectionState]
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBudget sets how many server subscriptions may stay open.
func WithBudget(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.budget = n
		}
	}
}

// WithResponseTimeout sets how long an unsubscribe waits for its reply.
func WithResponseTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.responseTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// watched is one server subscription. Mutable fields are guarded by
// Watcher.mu.
type watched struct {
	key   string
	topic Topic
	feed  *stream.Feed[EventKind]

	states *stream.Subscription[transport.ConnectionState]
	stop   chan struct{}

	requestID        string
	subscriptionID   string
	lastSubscribedAt time.Time
	interests        map[string]struct{}
	removed          bool
}

// Watcher owns the watched topic table.
type Watcher struct {
	transport       Transport
	budget          int
	responseTimeout time.Duration
	now             func() time.Time
	log             zerolog.Logger

	mu     sync.Mutex
	topics map[string]*watched
	wg     sync.WaitGroup
}

// New creates a Watcher on top of t.
func New(t Transport, opts ...Option) *Watcher {
	w := &Watcher{
		transport:       t,
		budget:          DefaultBudget,
		responseTimeout: DefaultResponseTimeout,
		now:             time.Now,
		log:             logger.Component("watcher"),
		topics:          make(map[string]*watched),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GetUpdateStream registers interest in item's topic and returns a stream
// of its events. ok is false when item is not watchable. The caller closes
// the returned subscription when it stops reading.
func (w *Watcher) GetUpdateStream(interest string, item Watchable) (*stream.Subscription[EventKind], bool) {
	topic, ok := item.Topic()
	if !ok {
		return nil, false
	}
	key, err := TopicKey(topic)
	if err != nil {
		w.log.Error().Err(err).Msg("Cannot derive topic key")
		return nil, false
	}

	w.mu.Lock()
	entry, exists := w.topics[key]
	if !exists {
		entry = &watched{
			key:       key,
			topic:     topic,
			feed:      stream.NewFeed[EventKind](stream.WithName(key)),
			states:    w.transport.States(),
			stop:      make(chan struct{}),
			interests: make(map[string]struct{}),
		}
		w.topics[key] = entry
	}
	entry.interests[interest] = struct{}{}
	entry.lastSubscribedAt = w.now()
	sub := entry.feed.Subscribe()
	w.mu.Unlock()

	if !exists {
		w.log.Debug().Str("topic", key).Msg("Watching new topic")
		w.wg.Add(1)
		go w.follow(entry)
	}

	w.CheckUpdateStreams()
	return sub, true
}

// DestroyUpdateStream drops interest in item's topic. The server
// subscription stays open until it is evicted.
func (w *Watcher) DestroyUpdateStream(interest string, item Watchable) {
	topic, ok := item.Topic()
	if !ok {
		return
	}
	key, err := TopicKey(topic)
	if err != nil {
		return
	}

	w.mu.Lock()
	if entry, ok := w.topics[key]; ok {
		delete(entry.interests, interest)
	}
	w.mu.Unlock()

	w.CheckUpdateStreams()
}

// CheckUpdateStreams evicts idle topics while there are more than the
// budget. Only topics nobody is interested in are candidates, oldest
// lastSubscribedAt first.
func (w *Watcher) CheckUpdateStreams() {
	w.mu.Lock()
	over := len(w.topics) - w.budget
	if over <= 0 {
		w.mu.Unlock()
		return
	}

	var candidates []*watched
	for _, entry := range w.topics {
		if len(entry.interests) == 0 {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastSubscribedAt.Before(candidates[j].lastSubscribedAt)
	})
	if len(candidates) > over {
		candidates = candidates[:over]
	}
	for _, entry := range candidates {
		w.removeLocked(entry)
	}
	w.mu.Unlock()

	for _, entry := range candidates {
		w.log.Debug().Str("topic", entry.key).Msg("Evicting idle topic")
		w.wg.Add(1)
		go func(entry *watched) {
			defer w.wg.Done()
			w.unsubscribe(entry)
		}(entry)
	}
}

// Len returns the number of watched topics.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.topics)
}

// Close unsubscribes every topic and waits for background work to finish.
func (w *Watcher) Close() {
	w.mu.Lock()
	entries := make([]*watched, 0, len(w.topics))
	for _, entry := range w.topics {
		w.removeLocked(entry)
		entries = append(entries, entry)
	}
	w.mu.Unlock()

	for _, entry := range entries {
		w.wg.Add(1)
		go func(entry *watched) {
			defer w.wg.Done()
			w.unsubscribe(entry)
		}(entry)
	}
	w.wg.Wait()
}

func (w *Watcher) removeLocked(entry *watched) {
	delete(w.topics, entry.key)
	entry.removed = true
	close(entry.stop)
}

// follow subscribes whenever the connection comes up and reports closed
// whenever it goes down.
func (w *Watcher) follow(entry *watched) {
	defer w.wg.Done()
	defer entry.states.Close()

	for {
		select {
		case <-entry.stop:
			return
		case state, ok := <-entry.states.C():
			if !ok {
				return
			}
			if state == transport.StateConnected {
				w.subscribe(entry)
			} else {
				w.disconnected(entry)
			}
		}
	}
}

func (w *Watcher) subscribe(entry *watched) {
	w.mu.Lock()
	if entry.removed || entry.requestID != "" || entry.subscriptionID != "" {
		w.mu.Unlock()
		return
	}
	requestID := uuid.NewString()
	entry.requestID = requestID
	w.mu.Unlock()

	w.transport.SendAuthenticated(context.Background(), transport.EndpointSubscribe, entry.topic, requestID,
		transport.WithResponseHook(func(data json.RawMessage) {
			w.onAck(entry, requestID, data)
		}))
}

// onAck runs on the transport read goroutine. The listener for an
// acknowledged subscription is attached before it returns, so the next
// frame cannot be an event nobody listens to.
func (w *Watcher) onAck(entry *watched, requestID string, data json.RawMessage) {
	ack, err := ParseAck(data)
	if err != nil {
		w.log.Error().Err(err).Str("topic", entry.key).Msg("Unexpected subscribe response")
		return
	}

	w.mu.Lock()
	if entry.removed || entry.requestID != requestID {
		w.mu.Unlock()
		w.log.Warn().Str("topic", entry.key).Msg("Subscribe acknowledged after the topic was dropped")
		return
	}
	entry.requestID = ""
	switch ack := ack.(type) {
	case Acknowledged:
		entry.subscriptionID = ack.SubscriptionID
		w.transport.ListenToResponses(ack.SubscriptionID, transport.WithResponseHook(func(msg json.RawMessage) {
			w.onEvent(entry, msg)
		}))
		w.log.Debug().Str("topic", entry.key).Str("subscription_id", ack.SubscriptionID).Msg("Subscribed")
	case ImmediateResult:
		w.log.Debug().Str("topic", entry.key).Str("message", ack.Message).Msg("Subscribe answered without subscription")
	}
	w.mu.Unlock()

	entry.feed.Publish(EventConnected)
	w.transport.CleanUpSource(requestID)
}

func (w *Watcher) onEvent(entry *watched, data json.RawMessage) {
	switch msg := parseMessage(data); msg {
	case MessageEventPublished:
		// late subscribers replay the connection state, never an update
		entry.feed.Pulse(EventUpdate)
	default:
		w.log.Debug().Str("topic", entry.key).Str("message", msg).Msg("Ignoring subscription message")
	}
}

func (w *Watcher) disconnected(entry *watched) {
	w.mu.Lock()
	requestID, subscriptionID := entry.requestID, entry.subscriptionID
	entry.requestID, entry.subscriptionID = "", ""
	w.mu.Unlock()

	if requestID != "" {
		w.transport.CleanUpSource(requestID)
	}
	if subscriptionID != "" {
		w.transport.CleanUpSource(subscriptionID)
	}
	entry.feed.Publish(EventClosed)
}

// unsubscribe ends the server subscription of a topic already removed from
// the table. Local state is released whether or not the server answers.
func (w *Watcher) unsubscribe(entry *watched) {
	w.mu.Lock()
	requestID, subscriptionID := entry.requestID, entry.subscriptionID
	w.mu.Unlock()

	defer func() {
		if requestID != "" {
			w.transport.CleanUpSource(requestID)
		}
		if subscriptionID != "" {
			w.transport.CleanUpSource(subscriptionID)
		}
		entry.feed.Publish(EventClosed)
		entry.feed.Close()
	}()

	if subscriptionID == "" {
		// TODO: queue the unsubscribe until a pending ack arrives instead of
		// leaving that server subscription orphaned.
		w.log.Warn().Str("topic", entry.key).Msg("No subscription id yet, cleaning up locally only")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.responseTimeout)
	defer cancel()

	id := uuid.NewString()
	src := w.transport.SendAuthenticated(ctx, transport.EndpointUnsubscribe,
		map[string]string{"subscriptionId": subscriptionID}, id)
	defer w.transport.CleanUpSource(id)

	select {
	case <-src.C():
		w.log.Debug().Str("topic", entry.key).Str("subscription_id", subscriptionID).Msg("Unsubscribed")
	case <-src.Done():
		w.log.Warn().Str("topic", entry.key).Msg("Unsubscribe abandoned")
	case <-ctx.Done():
		w.log.Warn().Str("topic", entry.key).Dur("timeout", w.responseTimeout).Msg("Unsubscribe timed out")
	}
}
