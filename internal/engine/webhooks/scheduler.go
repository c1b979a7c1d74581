package webhooks

import (
	"sync"
	"time"
)

// RetryScheduler runs a callback for a delivery after a delay. At most one
// callback is pending per delivery id.
type RetryScheduler interface {
	Schedule(id string, delay time.Duration, fn func()) bool
	ScheduleIfAbsent(id string, delay time.Duration, fn func()) bool
	Cancel(id string) bool
	Pending(id string) bool
	Len() int
	Stop()
}

// Scheduler is an in-process RetryScheduler backed by time.AfterFunc. Timers
// do not survive a restart; the retry sweeper re-arms them from the ledger.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms fn to run after delay, replacing any timer already pending for
// id. It returns false once the scheduler is stopped.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	return s.schedule(id, delay, fn, true)
}

// ScheduleIfAbsent arms fn only when no timer is pending for id. The check and
// the arming happen under one lock, so a timer armed concurrently by Schedule
// is never replaced.
func (s *Scheduler) ScheduleIfAbsent(id string, delay time.Duration, fn func()) bool {
	return s.schedule(id, delay, fn, false)
}

func (s *Scheduler) schedule(id string, delay time.Duration, fn func(), replace bool) bool {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if t, ok := s.timers[id]; ok {
		if !replace {
			return false
		}
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] != t {
			// replaced or cancelled after firing
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = t
	return true
}

func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	return true
}

func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop abandons every pending timer. Abandoned retries stay in the ledger as
// retrying and are picked up again after restart.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
