package playback

import (
	"sync"
	"time"
)

// Task is a pending scheduled call.
type Task interface {
	// Stop cancels the call. It reports false if the call already ran or
	// was already stopped.
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
}

// RealScheduler schedules on the runtime timer.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}

// ManualScheduler queues tasks until Advance is called. It lets callers
// step playback deterministically.
type ManualScheduler struct {
	mu        sync.Mutex
	queue     []*manualTask
	lastDelay time.Duration
}

type manualTask struct {
	s       *ManualScheduler
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// AfterFunc implements Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{s: s, fn: fn}
	s.queue = append(s.queue, t)
	s.lastDelay = d
	return t
}

// Pending returns the number of tasks that are neither stopped nor fired.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.queue {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// LastDelay returns the delay of the most recently scheduled task.
func (s *ManualScheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelay
}

// Advance runs the oldest pending task and reports whether one ran.
func (s *ManualScheduler) Advance() bool {
	s.mu.Lock()
	var next *manualTask
	for _, t := range s.queue {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.compact()
	s.mu.Unlock()

	next.fn()
	return true
}

// compact drops finished tasks. Callers hold s.mu.
func (s *ManualScheduler) compact() {
	live := s.queue[:0]
	for _, t := range s.queue {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.queue = live
}
