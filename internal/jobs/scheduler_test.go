// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callbackLog struct {
	mu    sync.Mutex
	fired []int
}

func (c *callbackLog) fire(_ int64, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = append(c.fired, step)
}

func (c *callbackLog) steps() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.fired...)
}

func TestTimerSchedulerFires(t *testing.T) {
	log := &callbackLog{}
	s := NewTimerScheduler(log.fire)
	defer s.Stop()

	require.NoError(t, s.ScheduleEscalationCallback(1, 2, 5*time.Millisecond))

	assert.Eventually(t, func() bool {
		return len(log.steps()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, log.steps())
}

// Rescheduling the same incident/step replaces the pending timer instead
// of stacking a duplicate callback.
func TestTimerSchedulerReplacesPending(t *testing.T) {
	log := &callbackLog{}
	s := NewTimerScheduler(log.fire)
	defer s.Stop()

	require.NoError(t, s.ScheduleEscalationCallback(1, 0, time.Hour))
	require.NoError(t, s.ScheduleEscalationCallback(1, 0, 5*time.Millisecond))

	assert.Eventually(t, func() bool {
		return len(log.steps()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTimerSchedulerStop(t *testing.T) {
	log := &callbackLog{}
	s := NewTimerScheduler(log.fire)

	require.NoError(t, s.ScheduleEscalationCallback(1, 0, 10*time.Millisecond))
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, log.steps())

	err := s.ScheduleEscalationCallback(2, 0, time.Millisecond)
	assert.Error(t, err, "stopped scheduler must refuse new work")
}

func TestNopSchedulerAcceptsEverything(t *testing.T) {
	assert.NoError(t, NopScheduler{}.ScheduleEscalationCallback(1, 0, time.Hour))
}
