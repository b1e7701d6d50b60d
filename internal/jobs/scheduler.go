// SPDX-License-Identifier: Apache-2.0

// Package jobs is the job-scheduling collaborator boundary: "wake incident
// X about step N at time T". Delivery is best effort; the escalation
// sweep is the fallback when a callback is lost or the collaborator is
// absent entirely.
package jobs

import (
	"fmt"
	"sync"
	"time"
)

type Scheduler interface {
	ScheduleEscalationCallback(incidentID int64, step int, delay time.Duration) error
}

// NopScheduler drops every callback, leaving delivery to the sweep.
type NopScheduler struct{}

func (NopScheduler) ScheduleEscalationCallback(int64, int, time.Duration) error { return nil }

// TimerScheduler fires in-process callbacks. Rescheduling the same
// incident/step replaces the pending timer.
type TimerScheduler struct {
	mu     sync.Mutex
	fire   func(incidentID int64, step int)
	timers map[string]*time.Timer
	closed bool
}

func NewTimerScheduler(fire func(incidentID int64, step int)) *TimerScheduler {
	return &TimerScheduler{fire: fire, timers: make(map[string]*time.Timer)}
}

func (s *TimerScheduler) ScheduleEscalationCallback(incidentID int64, step int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler stopped")
	}
	key := fmt.Sprintf("%d-%d", incidentID, step)
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.fire(incidentID, step)
		}
	})
	return nil
}

// Stop cancels all pending callbacks.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
}
