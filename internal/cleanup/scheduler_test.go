package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	s := New(Config{})
	noop := SweepFunc(func(time.Time) int { return 0 })

	require.NoError(t, s.Register("shell", time.Minute, noop))
	assert.Error(t, s.Register("shell", time.Minute, noop))
	assert.Error(t, s.Register("logs", 0, noop))

	s.Start(context.Background())
	defer s.Stop()
	assert.Error(t, s.Register("late", time.Minute, noop))
}

func TestRunOnce(t *testing.T) {
	var observed sync.Map
	s := New(Config{Observer: func(job string, removed int) { observed.Store(job, removed) }})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var seen time.Time
	require.NoError(t, s.Register("shell", time.Minute, SweepFunc(func(t time.Time) int {
		seen = t
		return 2
	})))
	require.NoError(t, s.Register("tickets", time.Minute, SweepFunc(func(time.Time) int { return 0 })))

	result := s.RunOnce(now)
	assert.Equal(t, map[string]int{"shell": 2, "tickets": 0}, result)
	assert.Equal(t, now, seen)

	v, ok := observed.Load("shell")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestPanickingSweeperDoesNotStopOthers(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Register("broken", time.Minute, SweepFunc(func(time.Time) int { panic("boom") })))
	require.NoError(t, s.Register("fine", time.Minute, SweepFunc(func(time.Time) int { return 1 })))

	result := s.RunOnce(time.Now())
	assert.Equal(t, 0, result["broken"])
	assert.Equal(t, 1, result["fine"])
}

func TestStartRunsOnInterval(t *testing.T) {
	s := New(Config{})

	var calls atomic.Int32
	require.NoError(t, s.Register("fast", 10*time.Millisecond, SweepFunc(func(time.Time) int {
		calls.Add(1)
		return 0
	})))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
