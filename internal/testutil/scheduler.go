package testutil

import (
	"sync"
	"time"
)

// ManualScheduler queues callbacks until the test fires them, so that timer
// races can be replayed in a fixed order.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &manualTask{delay: d, fn: fn}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending counts callbacks that are neither fired nor stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// FireAll runs every live callback in scheduling order and returns how many ran.
func (s *ManualScheduler) FireAll() int {
	s.mu.Lock()
	var due []*manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// RunStale invokes every queued callback, including stopped ones, the way a
// timer that lost the race with Stop would.
func (s *ManualScheduler) RunStale() {
	s.mu.Lock()
	all := make([]*manualTask, len(s.tasks))
	copy(all, s.tasks)
	s.mu.Unlock()
	for _, t := range all {
		t.fn()
	}
}
