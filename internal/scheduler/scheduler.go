// Package scheduler wraps robfig/cron for the periodic delta rescan and the
// nightly maintenance jobs.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler tracks one replaceable rescan job plus any number of fixed
// background jobs.
type Scheduler struct {
	mu      sync.RWMutex
	c       *cron.Cron
	rescan  cron.EntryID
	spec    string
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{c: cron.New()}
}

// SetRescan replaces the periodic rescan job. A config change to the
// schedule takes effect immediately when the scheduler is already running.
func (s *Scheduler) SetRescan(spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rescan != 0 {
		s.c.Remove(s.rescan)
	}
	id, err := s.c.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s.rescan = id
	s.spec = spec
	slog.Info("rescan scheduled", "cron", spec)
	return nil
}

// AddJob registers a fixed background job, such as nightly override
// maintenance. Unlike SetRescan it is never replaced.
func (s *Scheduler) AddJob(spec string, fn func()) error {
	if _, err := s.c.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	slog.Info("background job added", "cron", spec)
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop gracefully.
func (s *Scheduler) Stop() {
	s.c.Stop()
}

// NextRunAt returns the next scheduled rescan time, or nil when no rescan
// job is set.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rescan == 0 {
		return nil
	}
	entry := s.c.Entry(s.rescan)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Spec returns the current rescan cron expression.
func (s *Scheduler) Spec() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}
