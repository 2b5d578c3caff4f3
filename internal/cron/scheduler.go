// Package cron runs the host's periodic maintenance jobs on robfig/cron.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"cachedb/pkg/logger"
)

// ErrDuplicateJob is returned when a job name is registered twice.
var ErrDuplicateJob = errors.New("job already registered")

// Scheduler runs named in-process jobs.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	log     zerolog.Logger
	mu      sync.RWMutex
	running bool

	// jobs currently executing, to skip overlapping runs
	executing sync.Map
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	log := logger.Component("cron")
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cron.PrintfLogger(printfLogger{log})),
		),
		entries: make(map[string]cron.EntryID),
		log:     log,
	}
}

// Every turns an interval into a schedule expression.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Add registers fn under name. schedule is a 5 or 6 field cron expression
// or a descriptor such as "@every 2m". Jobs may be added while running.
func (s *Scheduler) Add(name, schedule string, fn func()) error {
	// with WithSeconds a 5 field expression needs a seconds field
	if fields := strings.Fields(schedule); len(fields) == 5 {
		schedule = "0 " + schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}
	s.entries[name] = id
	s.log.Debug().Str("job", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// Remove unregisters name. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins running jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.log.Info().Msg("Scheduler stopped")
	return s.cron.Stop()
}

// NextRun returns the next scheduled run of name.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Scheduler) run(name string, fn func()) {
	if _, busy := s.executing.LoadOrStore(name, time.Now()); busy {
		s.log.Warn().Str("job", name).Msg("Skipping overlapping execution, previous run still active")
		return
	}
	defer s.executing.Delete(name)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", name).Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	fn()
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("Job finished")
}

// printfLogger routes robfig/cron's own messages to zerolog at debug level.
type printfLogger struct {
	log zerolog.Logger
}

func (p printfLogger) Printf(format string, args ...any) {
	p.log.Debug().Msgf(format, args...)
}
