// Package stream provides a small broadcast feed used to share one event
// source between many consumers.
package stream

import (
	"sync"

	"cachedb/pkg/logger"
)

const defaultBuffer = 32

// Option configures a Feed.
type Option func(*options)

type options struct {
	buffer int
	name   string
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithName labels the feed in log output.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Feed delivers every published value to all current subscribers. The most
// recent value is replayed to new subscribers.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	latest  T
	hasLast bool
	closed  bool
	opts    options
}

// Subscription is one consumer of a Feed.
type Subscription[T any] struct {
	feed *Feed[T]
	ch   chan T
	once sync.Once
}

// NewFeed creates an empty feed.
func NewFeed[T any](opts ...Option) *Feed[T] {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Feed[T]{
		subs: make(map[*Subscription[T]]struct{}),
		opts: o,
	}
}

// Publish records v as the latest value and hands it to every subscriber.
// A subscriber whose buffer is full misses v.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.latest = v
	f.hasLast = true
	f.deliverLocked(v)
}

// Pulse hands v to every current subscriber without recording it, so later
// subscribers still start from the last Publish.
func (f *Feed[T]) Pulse(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.deliverLocked(v)
}

func (f *Feed[T]) deliverLocked(v T) {
	for sub := range f.subs {
		select {
		case sub.ch <- v:
		default:
			logger.Warn().
				Str("feed", f.opts.name).
				Interface("value", v).
				Msg("Subscriber buffer full, dropping value")
		}
	}
}

// Latest returns the last published value.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLast
}

// Subscribe attaches a new consumer. On a closed feed the returned
// subscription is already closed.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{feed: f, ch: make(chan T, f.opts.buffer)}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if f.hasLast {
		sub.ch <- f.latest
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Len returns the number of attached subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends the feed and closes every subscriber channel. It is idempotent.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C returns the channel values arrive on. It is closed when either the
// subscription or the feed is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from its feed.
func (s *Subscription[T]) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	delete(s.feed.subs, s)
	s.once.Do(func() { close(s.ch) })
}
