package sessionclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, clock *manualClock, expire func(LogoutReason)) (*Supervisor, *ActivityMonitor) {
	t.Helper()
	monitor := NewActivityMonitor(clock, nil)
	monitor.Attach()
	supervisor := NewSupervisor(SupervisorConfig{
		CheckInterval: time.Hour,
		Clock:         clock,
		Logger:        zaptest.NewLogger(t),
	}, monitor, expire)
	require.NoError(t, supervisor.Start())
	t.Cleanup(supervisor.Stop)
	return supervisor, monitor
}

func TestSupervisorInactivityTimeout(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	var reasons []LogoutReason
	supervisor, _ := newTestSupervisor(t, clock, func(reason LogoutReason) {
		reasons = append(reasons, reason)
	})

	clock.Advance(29 * time.Minute)
	_, expired := supervisor.Check()
	require.False(t, expired)
	require.Equal(t, StateActive, supervisor.State())

	clock.Advance(2 * time.Minute)
	reason, expired := supervisor.Check()
	require.True(t, expired)
	require.Equal(t, ReasonInactivity, reason)
	require.Equal(t, StateLoggedOut, supervisor.State())
	require.Equal(t, []LogoutReason{ReasonInactivity}, reasons)

	_, expired = supervisor.Check()
	require.False(t, expired, "logged out supervisor must stay terminal")
	require.Len(t, reasons, 1)
}

func TestSupervisorAbsoluteTimeoutDespiteActivity(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	var reasons []LogoutReason
	supervisor, monitor := newTestSupervisor(t, clock, func(reason LogoutReason) {
		reasons = append(reasons, reason)
	})
	startedAt := supervisor.StartedAt()

	for step := 0; ; step++ {
		require.Less(t, step, 1000, "absolute limit never triggered")
		clock.Advance(20 * time.Minute)
		monitor.Record(SignalKeyDown)
		reason, expired := supervisor.Check()
		if !expired {
			continue
		}
		elapsed := clock.Now().Sub(startedAt)
		require.Equal(t, ReasonAbsolute, reason)
		require.Greater(t, elapsed, DefaultAbsoluteLimit)
		require.LessOrEqual(t, elapsed, DefaultAbsoluteLimit+20*time.Minute)
		break
	}
	require.Equal(t, []LogoutReason{ReasonAbsolute}, reasons)
}

func TestSupervisorEarlierDeadlineWins(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	monitor := NewActivityMonitor(clock, nil)
	monitor.Attach()
	supervisor := NewSupervisor(SupervisorConfig{
		InactivityLimit: 30 * time.Minute,
		AbsoluteLimit:   time.Hour,
		CheckInterval:   time.Hour,
		Clock:           clock,
	}, monitor, nil)
	require.NoError(t, supervisor.Start())
	defer supervisor.Stop()

	clock.Advance(50 * time.Minute)
	monitor.Record(SignalKeyDown)
	clock.Advance(45 * time.Minute)

	reason, expired := supervisor.Check()
	require.True(t, expired)
	require.Equal(t, ReasonAbsolute, reason)
}

func TestSupervisorSwallowsTeardownPanic(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	supervisor, _ := newTestSupervisor(t, clock, func(LogoutReason) {
		panic("server unreachable")
	})

	clock.Advance(time.Hour)
	require.NotPanics(t, func() {
		reason, expired := supervisor.Check()
		require.True(t, expired)
		require.Equal(t, ReasonInactivity, reason)
	})
	require.Equal(t, StateLoggedOut, supervisor.State())
}

func TestSupervisorPeriodicCheckFiresAndStops(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	monitor := NewActivityMonitor(clock, nil)
	monitor.Attach()
	expired := make(chan LogoutReason, 1)
	supervisor := NewSupervisor(SupervisorConfig{
		CheckInterval: 5 * time.Millisecond,
		Clock:         clock,
		Logger:        zaptest.NewLogger(t),
	}, monitor, func(reason LogoutReason) {
		expired <- reason
	})
	require.NoError(t, supervisor.Start())

	clock.Advance(31 * time.Minute)
	select {
	case reason := <-expired:
		require.Equal(t, ReasonInactivity, reason)
	case <-time.After(2 * time.Second):
		t.Fatalf("periodic check never expired the session")
	}
	select {
	case <-supervisor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("check goroutine still running after logout")
	}
}

func TestSupervisorStopCancelsTicker(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	monitor := NewActivityMonitor(clock, nil)
	supervisor := NewSupervisor(SupervisorConfig{CheckInterval: 5 * time.Millisecond, Clock: clock}, monitor, nil)
	require.NoError(t, supervisor.Start())
	require.Error(t, supervisor.Start())

	supervisor.Stop()
	select {
	case <-supervisor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("check goroutine still running after Stop")
	}
	require.Equal(t, StateLoggedOut, supervisor.State())
}
