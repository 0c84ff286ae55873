package sessionclient

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeAuthClient struct {
	mutex        sync.Mutex
	refreshCalls int
	logoutCalls  int
	loginCalls   int

	refreshGate    chan struct{}
	refreshStarted chan struct{}
	refreshFunc    func(call int) (TokenGrant, error)

	loginGrant TokenGrant
	loginErr   error
	logoutErr  error
	user       User
}

func (client *fakeAuthClient) Login(ctx context.Context, credentials Credentials) (TokenGrant, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.loginCalls++
	return client.loginGrant, client.loginErr
}

func (client *fakeAuthClient) Refresh(ctx context.Context) (TokenGrant, error) {
	client.mutex.Lock()
	client.refreshCalls++
	call := client.refreshCalls
	gate := client.refreshGate
	started := client.refreshStarted
	refreshFunc := client.refreshFunc
	client.mutex.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return TokenGrant{}, ctx.Err()
		}
	}
	if refreshFunc == nil {
		return TokenGrant{}, &RefreshError{StatusCode: http.StatusBadRequest, Code: CodeNoRefreshToken}
	}
	return refreshFunc(call)
}

func (client *fakeAuthClient) Logout(ctx context.Context) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.logoutCalls++
	return client.logoutErr
}

func (client *fakeAuthClient) FetchUser(ctx context.Context, accessToken string) (User, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.user, nil
}

func (client *fakeAuthClient) RefreshCalls() int {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.refreshCalls
}

func (client *fakeAuthClient) LogoutCalls() int {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.logoutCalls
}

func grantFunc(tokens ...string) func(call int) (TokenGrant, error) {
	return func(call int) (TokenGrant, error) {
		index := call - 1
		if index >= len(tokens) {
			index = len(tokens) - 1
		}
		return TokenGrant{AccessToken: tokens[index], ExpiresIn: 900}, nil
	}
}

var demoUser = User{ID: "user-1", Email: "eater@example.com", Plan: "free", EmailVerified: true}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(request *http.Request) (*http.Response, error) {
	return fn(request)
}

type logoutRecorder struct {
	mutex  sync.Mutex
	events []LogoutEvent
}

func (recorder *logoutRecorder) record(event LogoutEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *logoutRecorder) Events() []LogoutEvent {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]LogoutEvent(nil), recorder.events...)
}

type managerFixture struct {
	manager    *Manager
	clock      *manualClock
	authClient *fakeAuthClient
	hub        *SignalHub
	logouts    *logoutRecorder
}

func newManagerFixture(t *testing.T, authClient *fakeAuthClient, transport http.RoundTripper) managerFixture {
	t.Helper()
	clock := newManualClock()
	hub := NewSignalHub()
	logouts := &logoutRecorder{}
	manager, err := NewManager(Config{
		AuthClient:     authClient,
		ActivitySource: hub,
		Transport:      transport,
		Clock:          clock,
		Logger:         zaptest.NewLogger(t),
		RefreshTimeout: time.Second,
		CheckInterval:  time.Hour,
		OnLogout:       logouts.record,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Teardown)
	return managerFixture{manager: manager, clock: clock, authClient: authClient, hub: hub, logouts: logouts}
}

func (fixture managerFixture) login(t *testing.T) {
	t.Helper()
	user := demoUser
	fixture.authClient.loginGrant = TokenGrant{AccessToken: "token-login", ExpiresIn: 900, User: &user}
	_, err := fixture.manager.Login(context.Background(), Credentials{Email: user.Email, Password: "correct horse"})
	require.NoError(t, err)
}
