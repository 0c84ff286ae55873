package sessionclient

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session timeout defaults.
const (
	DefaultInactivityLimit = 30 * time.Minute
	DefaultAbsoluteLimit   = 7 * 24 * time.Hour
	DefaultCheckInterval   = time.Minute
)

// State is a session lifecycle state.
type State int

// Session states. Expiring is held only while the forced logout runs.
const (
	StateAnonymous State = iota
	StateActive
	StateExpiring
	StateLoggedOut
)

func (state State) String() string {
	switch state {
	case StateAnonymous:
		return "anonymous"
	case StateActive:
		return "active"
	case StateExpiring:
		return "expiring"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// LogoutReason tells the UI why a session ended.
type LogoutReason string

// Logout reasons.
const (
	ReasonUser          LogoutReason = "user"
	ReasonInactivity    LogoutReason = "inactivity"
	ReasonAbsolute      LogoutReason = "absolute"
	ReasonUnauthorized  LogoutReason = "unauthorized"
	ReasonRefreshFailed LogoutReason = "refresh_failed"
)

// Forced reports whether the session ended without the user asking.
func (reason LogoutReason) Forced() bool {
	return reason != ReasonUser
}

// SupervisorConfig configures the timeout policies.
type SupervisorConfig struct {
	InactivityLimit time.Duration
	AbsoluteLimit   time.Duration
	CheckInterval   time.Duration
	Clock           Clock
	Logger          *zap.Logger
}

func (configuration SupervisorConfig) withDefaults() SupervisorConfig {
	if configuration.InactivityLimit <= 0 {
		configuration.InactivityLimit = DefaultInactivityLimit
	}
	if configuration.AbsoluteLimit <= 0 {
		configuration.AbsoluteLimit = DefaultAbsoluteLimit
	}
	if configuration.CheckInterval <= 0 {
		configuration.CheckInterval = DefaultCheckInterval
	}
	if configuration.Clock == nil {
		configuration.Clock = systemClock{}
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	return configuration
}

// Supervisor enforces the inactivity and absolute limits for one session.
type Supervisor struct {
	configuration SupervisorConfig
	activity      *ActivityMonitor
	expire        func(LogoutReason)

	mutex     sync.Mutex
	state     State
	startedAt time.Time
	stopOnce  sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// NewSupervisor builds an Anonymous supervisor. expire runs the logout teardown.
func NewSupervisor(configuration SupervisorConfig, activity *ActivityMonitor, expire func(LogoutReason)) *Supervisor {
	return &Supervisor{
		configuration: configuration.withDefaults(),
		activity:      activity,
		expire:        expire,
		state:         StateAnonymous,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start moves Anonymous to Active and begins periodic checks.
func (supervisor *Supervisor) Start() error {
	supervisor.mutex.Lock()
	if supervisor.state != StateAnonymous {
		state := supervisor.state
		supervisor.mutex.Unlock()
		return fmt.Errorf("session.supervisor.start: cannot start from %s", state)
	}
	supervisor.state = StateActive
	supervisor.startedAt = supervisor.configuration.Clock.Now()
	supervisor.mutex.Unlock()

	go supervisor.loop()
	return nil
}

func (supervisor *Supervisor) loop() {
	defer close(supervisor.stopped)
	ticker := time.NewTicker(supervisor.configuration.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-supervisor.stop:
			return
		case <-ticker.C:
			if _, expired := supervisor.Check(); expired {
				return
			}
		}
	}
}

// Check evaluates both limits once. When one is exceeded it runs the forced
// logout and returns its reason.
func (supervisor *Supervisor) Check() (LogoutReason, bool) {
	supervisor.mutex.Lock()
	if supervisor.state != StateActive {
		supervisor.mutex.Unlock()
		return "", false
	}
	reason, expired := supervisor.evaluateLocked(supervisor.configuration.Clock.Now())
	if !expired {
		supervisor.mutex.Unlock()
		return "", false
	}
	supervisor.state = StateExpiring
	supervisor.mutex.Unlock()

	supervisor.configuration.Logger.Info("session expired",
		zap.String("code", "session.supervisor.expired"),
		zap.String("reason", string(reason)))
	supervisor.runExpire(reason)

	supervisor.mutex.Lock()
	supervisor.state = StateLoggedOut
	supervisor.mutex.Unlock()
	supervisor.signalStop()
	return reason, true
}

// evaluateLocked picks whichever deadline passed first.
func (supervisor *Supervisor) evaluateLocked(now time.Time) (LogoutReason, bool) {
	inactivityDeadline := supervisor.activity.LastActivityAt().Add(supervisor.configuration.InactivityLimit)
	absoluteDeadline := supervisor.startedAt.Add(supervisor.configuration.AbsoluteLimit)
	inactive := now.After(inactivityDeadline)
	absolute := now.After(absoluteDeadline)
	switch {
	case inactive && absolute:
		if absoluteDeadline.Before(inactivityDeadline) {
			return ReasonAbsolute, true
		}
		return ReasonInactivity, true
	case absolute:
		return ReasonAbsolute, true
	case inactive:
		return ReasonInactivity, true
	default:
		return "", false
	}
}

func (supervisor *Supervisor) runExpire(reason LogoutReason) {
	defer func() {
		if recovered := recover(); recovered != nil {
			supervisor.configuration.Logger.Error("forced logout teardown panicked",
				zap.String("code", "session.supervisor.teardown_panic"),
				zap.Any("panic", recovered))
		}
	}()
	if supervisor.expire != nil {
		supervisor.expire(reason)
	}
}

// Stop ends the session and cancels periodic checks. It does not wait for the
// check goroutine, so it is safe to call from the expire callback.
func (supervisor *Supervisor) Stop() {
	supervisor.mutex.Lock()
	supervisor.state = StateLoggedOut
	supervisor.mutex.Unlock()
	supervisor.signalStop()
}

func (supervisor *Supervisor) signalStop() {
	supervisor.stopOnce.Do(func() {
		close(supervisor.stop)
	})
}

// Done is closed once the periodic check goroutine has exited.
func (supervisor *Supervisor) Done() <-chan struct{} {
	return supervisor.stopped
}

// State returns the current lifecycle state.
func (supervisor *Supervisor) State() State {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.state
}

// StartedAt returns when the session became Active.
func (supervisor *Supervisor) StartedAt() time.Time {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.startedAt
}
