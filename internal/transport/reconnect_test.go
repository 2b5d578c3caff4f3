package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultReconnectPolicy(t *testing.T) {
	policy := DefaultReconnectPolicy()

	if policy.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay: got %v, want 1s", policy.InitialDelay)
	}
	if policy.Multiplier != 2.0 {
		t.Errorf("Multiplier: got %v, want 2.0", policy.Multiplier)
	}
	if policy.MaxDelay != 0 {
		t.Errorf("MaxDelay: got %v, want uncapped", policy.MaxDelay)
	}
	if policy.DecayAfter != 10*time.Minute {
		t.Errorf("DecayAfter: got %v, want 10m", policy.DecayAfter)
	}
}

func TestReconnectPolicy_NextDelay(t *testing.T) {
	policy := DefaultReconnectPolicy()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		got := policy.NextDelay(tt.attempts)
		if got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestReconnectPolicy_NextDelayCapped(t *testing.T) {
	policy := &ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}

	if got := policy.NextDelay(10); got != 5*time.Second {
		t.Errorf("NextDelay(10) = %v, want 5s", got)
	}
	if got := DefaultReconnectPolicy().NextDelay(500); got <= 0 {
		t.Errorf("NextDelay(500) overflowed: %v", got)
	}
}

func TestReconnector_ScheduleGrowsDelay(t *testing.T) {
	r := NewReconnector(&ReconnectPolicy{
		InitialDelay: time.Hour,
		Multiplier:   2.0,
		DecayAfter:   time.Hour,
	})
	defer r.Stop()

	want := []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour}
	for i, w := range want {
		if got := r.Schedule(func() {}); got != w {
			t.Errorf("Schedule #%d delay = %v, want %v", i, got, w)
		}
	}
	if got := r.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want 3", got)
	}
}

func TestReconnector_RunsScheduledFunc(t *testing.T) {
	r := NewReconnector(&ReconnectPolicy{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
	})
	defer r.Stop()

	fired := make(chan struct{})
	r.Schedule(func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled func did not run")
	}
}

func TestReconnector_ScheduleReplacesPending(t *testing.T) {
	r := NewReconnector(&ReconnectPolicy{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   1.0,
	})
	defer r.Stop()

	var first, second atomic.Int32
	r.Schedule(func() { first.Add(1) })
	r.Schedule(func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced attempt should not run")
	}
	if second.Load() != 1 {
		t.Errorf("second attempt ran %d times, want 1", second.Load())
	}
}

// Attempts only decay with time. A successful connect does not decrement
// them; see the reconnect decision in DESIGN.md.
func TestReconnector_Decay(t *testing.T) {
	r := NewReconnector(&ReconnectPolicy{
		InitialDelay: time.Hour,
		Multiplier:   2.0,
		DecayAfter:   30 * time.Millisecond,
	})
	defer r.Stop()

	r.Schedule(func() {})
	r.Schedule(func() {})
	if got := r.Attempts(); got != 2 {
		t.Fatalf("Attempts() = %d, want 2", got)
	}

	deadline := time.Now().Add(time.Second)
	for r.Attempts() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Attempts(); got != 0 {
		t.Errorf("Attempts() after decay = %d, want 0", got)
	}
}

func TestReconnector_StopKeepsCount(t *testing.T) {
	r := NewReconnector(&ReconnectPolicy{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		DecayAfter:   20 * time.Millisecond,
	})

	var fired atomic.Bool
	r.Schedule(func() { fired.Store(true) })
	r.Stop()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("stopped attempt should not run")
	}
	if got := r.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1 (decay cancelled)", got)
	}
}
