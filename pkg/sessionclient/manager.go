// Package sessionclient holds the client side of a ProteinLens session: an
// in-memory access token, refresh through an HttpOnly cookie, inactivity and
// absolute timeouts, and an HTTP transport that recovers from one 401.
package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultLogoutTimeout bounds the best-effort server logout notification.
const DefaultLogoutTimeout = 5 * time.Second

// Config wires a Manager.
type Config struct {
	AuthClient     AuthClient
	ActivitySource ActivitySource
	// Transport sends authenticated API calls; defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Clock     Clock
	Logger    *zap.Logger

	ExpirySkew      time.Duration
	RefreshTimeout  time.Duration
	LogoutTimeout   time.Duration
	InactivityLimit time.Duration
	AbsoluteLimit   time.Duration
	CheckInterval   time.Duration

	// OnLogout is called after every teardown with the reason code.
	OnLogout func(LogoutEvent)
}

// LogoutEvent describes a finished session.
type LogoutEvent struct {
	Reason LogoutReason
	At     time.Time
	Err    error
}

// Snapshot is a consistent view of the session.
type Snapshot struct {
	State             State
	Authenticated     bool
	User              *User
	AccessTokenExpiry time.Time
	SessionStartedAt  time.Time
	LastActivityAt    time.Time
}

type activeSession struct {
	supervisor *Supervisor
	user       User
}

// Manager owns the session for one client process.
type Manager struct {
	authClient    AuthClient
	tokens        *TokenStore
	refresher     *Refresher
	activity      *ActivityMonitor
	clock         Clock
	logger        *zap.Logger
	skew          time.Duration
	logoutTimeout time.Duration
	supervision   SupervisorConfig
	onLogout      func(LogoutEvent)
	fetcher       *Fetcher

	mutex      sync.RWMutex
	session    *activeSession
	lastLogout *LogoutEvent
}

// NewManager validates the configuration and builds an anonymous Manager.
func NewManager(configuration Config) (*Manager, error) {
	if configuration.AuthClient == nil {
		return nil, fmt.Errorf("session.manager.new: %w: auth client is required", ErrInvalidConfig)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skew := configuration.ExpirySkew
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	logoutTimeout := configuration.LogoutTimeout
	if logoutTimeout <= 0 {
		logoutTimeout = DefaultLogoutTimeout
	}
	tokens := NewTokenStore(clock)
	manager := &Manager{
		authClient:    configuration.AuthClient,
		tokens:        tokens,
		refresher:     NewRefresher(configuration.AuthClient, tokens, configuration.RefreshTimeout, skew, logger),
		activity:      NewActivityMonitor(clock, configuration.ActivitySource),
		clock:         clock,
		logger:        logger,
		skew:          skew,
		logoutTimeout: logoutTimeout,
		supervision: SupervisorConfig{
			InactivityLimit: configuration.InactivityLimit,
			AbsoluteLimit:   configuration.AbsoluteLimit,
			CheckInterval:   configuration.CheckInterval,
			Clock:           clock,
			Logger:          logger,
		},
		onLogout: configuration.OnLogout,
	}
	manager.refresher.onFailure = manager.handleRefreshFailure
	manager.fetcher = newFetcher(manager, configuration.Transport)
	return manager, nil
}

// Init attempts one refresh with whatever refresh cookie already exists. A
// failed refresh leaves the manager anonymous and is not an error.
func (manager *Manager) Init(ctx context.Context) error {
	if manager.IsAuthenticated() {
		return nil
	}
	accessToken, refreshErr := manager.refresher.Refresh(ctx, manager.tokens.Epoch(), "")
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshFailed) {
			manager.logger.Info("no session to restore",
				zap.String("code", "session.init.anonymous"),
				zap.Error(refreshErr))
			return nil
		}
		return fmt.Errorf("session.init: %w", refreshErr)
	}
	user, fetchErr := manager.authClient.FetchUser(ctx, accessToken)
	if fetchErr != nil {
		manager.tokens.Clear()
		return fmt.Errorf("session.init.fetch_user: %w", fetchErr)
	}
	if activateErr := manager.activate(user); activateErr != nil {
		return activateErr
	}
	manager.logger.Info("session restored",
		zap.String("code", "session.init.restored"),
		zap.String("user_id", user.ID))
	return nil
}

// Login authenticates and starts a fresh session.
func (manager *Manager) Login(ctx context.Context, credentials Credentials) (User, error) {
	grant, loginErr := manager.authClient.Login(ctx, credentials)
	if loginErr != nil {
		manager.logger.Warn("login failed",
			zap.String("code", "session.login.failed"),
			zap.Error(loginErr))
		return User{}, fmt.Errorf("session.login: %w", loginErr)
	}
	manager.endSession(ReasonUser, nil, false)
	manager.tokens.Set(grant.AccessToken, grant.Lifetime())

	var user User
	if grant.User != nil {
		user = *grant.User
	} else {
		fetched, fetchErr := manager.authClient.FetchUser(ctx, grant.AccessToken)
		if fetchErr != nil {
			manager.tokens.Clear()
			return User{}, fmt.Errorf("session.login.fetch_user: %w", fetchErr)
		}
		user = fetched
	}
	if activateErr := manager.activate(user); activateErr != nil {
		return User{}, activateErr
	}
	manager.logger.Info("logged in",
		zap.String("code", "session.login.success"),
		zap.String("user_id", user.ID),
		zap.Int64("expires_in", grant.ExpiresIn))
	return user, nil
}

func (manager *Manager) activate(user User) error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if _, ok := manager.tokens.Get(); !ok {
		return fmt.Errorf("session.activate: %w", ErrNotAuthenticated)
	}
	supervisor := NewSupervisor(manager.supervision, manager.activity, manager.expire)
	manager.activity.Attach()
	if startErr := supervisor.Start(); startErr != nil {
		manager.activity.Detach()
		return startErr
	}
	manager.session = &activeSession{supervisor: supervisor, user: user}
	return nil
}

// Logout ends the session locally, then tells the server on a best-effort basis.
func (manager *Manager) Logout(ctx context.Context) {
	manager.endSession(ReasonUser, nil, true)
	manager.notifyServer(ctx)
}

// Teardown releases timers and listeners without contacting the server.
func (manager *Manager) Teardown() {
	manager.endSession(ReasonUser, nil, false)
}

// GetAccessToken returns a usable token, refreshing first when it is about to expire.
func (manager *Manager) GetAccessToken(ctx context.Context) (string, error) {
	accessToken, _, err := manager.accessToken(ctx)
	return accessToken, err
}

// accessToken also returns the token store epoch read in the same critical
// section as the session check. Callers pass it back to the refresher so a
// teardown in between cannot be undone by a later refresh.
func (manager *Manager) accessToken(ctx context.Context) (string, uint64, error) {
	manager.mutex.RLock()
	authenticated := manager.session != nil
	current := manager.tokens.snapshot(manager.skew)
	manager.mutex.RUnlock()
	if !authenticated {
		return "", 0, ErrNotAuthenticated
	}
	if !current.expired {
		return current.accessToken, current.epoch, nil
	}
	accessToken, refreshErr := manager.refresher.Refresh(ctx, current.epoch, current.accessToken)
	return accessToken, current.epoch, refreshErr
}

// handleRefreshFailure clears the session in the same step as the token, so
// no caller observes an authenticated session without a token.
func (manager *Manager) handleRefreshFailure(refreshErr *RefreshError) {
	manager.endSession(ReasonRefreshFailed, refreshErr, false)
}

// IsAuthenticated reports whether a session is active.
func (manager *Manager) IsAuthenticated() bool {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.session != nil
}

// User returns a copy of the signed-in user, or nil.
func (manager *Manager) User() *User {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	if manager.session == nil {
		return nil
	}
	user := manager.session.user
	return &user
}

// Snapshot reads the whole session state under one lock.
func (manager *Manager) Snapshot() Snapshot {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	if manager.session == nil {
		state := StateAnonymous
		if manager.lastLogout != nil {
			state = StateLoggedOut
		}
		return Snapshot{State: state}
	}
	user := manager.session.user
	token := manager.tokens.snapshot(manager.skew)
	return Snapshot{
		State:             manager.session.supervisor.State(),
		Authenticated:     true,
		User:              &user,
		AccessTokenExpiry: token.expiresAt,
		SessionStartedAt:  manager.session.supervisor.StartedAt(),
		LastActivityAt:    manager.activity.LastActivityAt(),
	}
}

// LastLogout returns the most recent teardown, if any.
func (manager *Manager) LastLogout() (LogoutEvent, bool) {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	if manager.lastLogout == nil {
		return LogoutEvent{}, false
	}
	return *manager.lastLogout, true
}

// HTTPClient returns a client whose requests carry the access token.
func (manager *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: manager.fetcher}
}

// Check runs the timeout policy immediately instead of waiting for the next tick.
func (manager *Manager) Check() (LogoutReason, bool) {
	manager.mutex.RLock()
	current := manager.session
	manager.mutex.RUnlock()
	if current == nil {
		return "", false
	}
	return current.supervisor.Check()
}

// expire is the supervisor's teardown callback.
func (manager *Manager) expire(reason LogoutReason) {
	manager.forceLogout(reason, nil)
}

func (manager *Manager) forceLogout(reason LogoutReason, cause error) {
	manager.endSession(reason, cause, true)
}

// endSession clears token, user and authenticated flag under one lock. The
// token store is cleared even without an active session, which invalidates
// any refresh still in flight. It reports false when no session was active.
func (manager *Manager) endSession(reason LogoutReason, cause error, notify bool) bool {
	manager.mutex.Lock()
	manager.tokens.Clear()
	current := manager.session
	if current == nil {
		manager.mutex.Unlock()
		return false
	}
	manager.session = nil
	event := LogoutEvent{Reason: reason, At: manager.clock.Now(), Err: cause}
	manager.lastLogout = &event
	manager.mutex.Unlock()

	current.supervisor.Stop()
	manager.activity.Detach()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.String("user_id", current.user.ID),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if reason.Forced() {
		manager.logger.Warn("session ended", append(fields, zap.String("code", "session.logout.forced"))...)
	} else {
		manager.logger.Info("session ended", append(fields, zap.String("code", "session.logout.user"))...)
	}

	if notify && reason.Forced() {
		manager.notifyServer(context.Background())
	}
	if manager.onLogout != nil {
		manager.onLogout(event)
	}
	return true
}

func (manager *Manager) notifyServer(ctx context.Context) {
	notifyContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), manager.logoutTimeout)
	defer cancel()
	if err := manager.authClient.Logout(notifyContext); err != nil {
		manager.logger.Warn("server logout notification failed",
			zap.String("code", "session.logout.notify_failed"),
			zap.Error(err))
	}
}
