package transport

import (
	"math"
	"sync"
	"time"
)

// ReconnectPolicy defines the backoff for automatic reconnects.
type ReconnectPolicy struct {
	// InitialDelay is the delay before the first reconnect.
	InitialDelay time.Duration
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64
	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration
	// DecayAfter is how long an attempt keeps counting towards the backoff.
	DecayAfter time.Duration
}

// DefaultReconnectPolicy returns 2^attempts * 1s with a ten minute decay.
func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		DecayAfter:   10 * time.Minute,
	}
}

// NextDelay calculates the delay for the given number of prior attempts.
func (p *ReconnectPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempts))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	return time.Duration(delay)
}

// Reconnector counts consecutive reconnect attempts and owns their timers.
// The counter only goes down through decay: every scheduled attempt
// decrements it once, DecayAfter later.
type Reconnector struct {
	policy *ReconnectPolicy

	mu       sync.Mutex
	attempts int
	pending  *time.Timer
	decays   map[*time.Timer]struct{}
}

// NewReconnector creates a Reconnector. A nil policy means the default.
func NewReconnector(policy *ReconnectPolicy) *Reconnector {
	if policy == nil {
		policy = DefaultReconnectPolicy()
	}
	return &Reconnector{
		policy: policy,
		decays: make(map[*time.Timer]struct{}),
	}
}

// Schedule arms fn to run after the backoff for the current attempt count
// and returns that delay. A previously scheduled, not yet fired attempt is
// replaced.
func (r *Reconnector) Schedule(fn func()) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := r.policy.NextDelay(r.attempts)
	r.attempts++

	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(delay, fn)

	if r.policy.DecayAfter > 0 {
		var decay *time.Timer
		decay = time.AfterFunc(r.policy.DecayAfter, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.decays[decay]; !ok {
				return
			}
			delete(r.decays, decay)
			if r.attempts > 0 {
				r.attempts--
			}
		})
		r.decays[decay] = struct{}{}
	}

	return delay
}

// Attempts returns the current attempt count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Stop cancels the pending reconnect and all decay timers. The attempt
// count is kept.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	for t := range r.decays {
		t.Stop()
		delete(r.decays, t)
	}
}
