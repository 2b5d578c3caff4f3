package cron

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler()

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}

	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not finish")
	}

	// stopping twice is harmless
	<-s.Stop().Done()
}

func TestSchedulerAdd(t *testing.T) {
	s := NewScheduler()

	if err := s.Add("sweep", Every(time.Minute), func() {}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add("purge", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("Add 5-field failed: %v", err)
	}
	if err := s.Add("sweep", Every(time.Minute), func() {}); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate Add error = %v, want ErrDuplicateJob", err)
	}
	if err := s.Add("bad", "not a schedule", func() {}); err == nil {
		t.Error("invalid schedule should fail")
	}

	if s.Entries() != 2 {
		t.Errorf("Entries() = %d, want 2", s.Entries())
	}

	s.Remove("purge")
	s.Remove("missing")
	if s.Entries() != 1 {
		t.Errorf("Entries() after Remove = %d, want 1", s.Entries())
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler()

	var runs atomic.Int32
	if err := s.Add("tick", Every(time.Second), func() { runs.Add(1) }); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	next, ok := s.NextRun("tick")
	if !ok || next.IsZero() {
		t.Fatalf("NextRun = %v, %v", next, ok)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Error("job never ran")
	}
}

func TestSchedulerSkipsOverlap(t *testing.T) {
	s := NewScheduler()

	var runs atomic.Int32
	release := make(chan struct{})
	job := func() {
		runs.Add(1)
		<-release
	}

	done := make(chan struct{})
	go func() {
		s.run("slow", job)
		close(done)
	}()
	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	s.run("slow", job)
	if runs.Load() != 1 {
		t.Errorf("overlapping run executed, runs = %d", runs.Load())
	}

	close(release)
	<-done
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler()
	s.run("boom", func() { panic("boom") })

	if _, busy := s.executing.Load("boom"); busy {
		t.Error("panicking job left an executing marker")
	}
}

func TestNextRunUnknown(t *testing.T) {
	s := NewScheduler()
	if _, ok := s.NextRun("nope"); ok {
		t.Error("NextRun for unknown job should be false")
	}
}
