package scheduler

import (
	"sync"
	"time"

	"github.com/cuemby/txrelay/pkg/log"
	"github.com/rs/zerolog"
)

// Scheduler runs one-shot callbacks after a delay, keyed by an opaque id.
// Scheduling an id that is already pending replaces the earlier timer.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	seq     uint64
	stopped bool
	logger  zerolog.Logger
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*entry),
		logger: log.WithComponent("scheduler"),
	}
}

// Schedule registers fn to run after delay under id. It is safe to call from
// inside a callback, including one registered under the same id.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Debug().Str("timer_id", id).Msg("scheduler stopped, dropping timer")
		return
	}

	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
	}

	s.seq++
	gen := s.seq
	// The callback takes s.mu before touching the table, so it cannot observe
	// the entry before it is stored below even with a zero delay.
	s.timers[id] = &entry{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { s.fire(id, gen, fn) }),
	}
}

// Cancel removes the timer registered under id. Unknown ids are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of timers that have not fired yet
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Scheduled reports whether a timer is pending under id
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels every pending timer and refuses new ones
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

func (s *Scheduler) fire(id string, gen uint64, fn func()) {
	s.mu.Lock()
	current, ok := s.timers[id]
	if !ok || current.gen != gen {
		// replaced or cancelled while the timer was firing
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("timer_id", id).Interface("panic", r).Msg("scheduled callback panicked")
		}
	}()
	fn()
}
