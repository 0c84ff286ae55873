package sessionclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newExpiredStore(clock *manualClock) *TokenStore {
	store := NewTokenStore(clock)
	store.Set("stale", time.Minute)
	clock.Advance(2 * time.Minute)
	return store
}

func runConcurrentRefreshes(t *testing.T, refresher *Refresher, authClient *fakeAuthClient, callers int) ([]string, []error) {
	t.Helper()
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var ready sync.WaitGroup
	var done sync.WaitGroup
	ready.Add(callers)
	done.Add(callers)
	epoch := refresher.tokens.Epoch()
	for index := 0; index < callers; index++ {
		index := index
		go func() {
			defer done.Done()
			ready.Done()
			tokens[index], errs[index] = refresher.Refresh(context.Background(), epoch, "stale")
		}()
	}
	ready.Wait()
	<-authClient.refreshStarted
	time.Sleep(50 * time.Millisecond)
	close(authClient.refreshGate)
	done.Wait()
	return tokens, errs
}

func TestRefresherIssuesOneCallForConcurrentCallers(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{
		refreshGate:    make(chan struct{}),
		refreshStarted: make(chan struct{}, 1),
		refreshFunc:    grantFunc("token-1", "token-2"),
	}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	tokens, errs := runConcurrentRefreshes(t, refresher, authClient, 16)

	require.Equal(t, 1, authClient.RefreshCalls())
	for index := range tokens {
		require.NoError(t, errs[index])
		require.Equal(t, "token-1", tokens[index])
	}
	current, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, "token-1", current)
}

func TestRefresherSharesFailureAcrossConcurrentCallers(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{
		refreshGate:    make(chan struct{}),
		refreshStarted: make(chan struct{}, 1),
		refreshFunc: func(int) (TokenGrant, error) {
			return TokenGrant{}, &RefreshError{StatusCode: http.StatusUnauthorized, Code: CodeInvalidRefreshToken}
		},
	}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	_, errs := runConcurrentRefreshes(t, refresher, authClient, 8)

	require.Equal(t, 1, authClient.RefreshCalls())
	for _, err := range errs {
		require.ErrorIs(t, err, ErrRefreshFailed)
	}
	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresherReturnsReplacementWithoutNetworkCall(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := NewTokenStore(clock)
	store.Set("replacement", 15*time.Minute)
	authClient := &fakeAuthClient{refreshFunc: grantFunc("unexpected")}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	token, err := refresher.Refresh(context.Background(), store.Epoch(), "rejected")
	require.NoError(t, err)
	require.Equal(t, "replacement", token)
	require.Zero(t, authClient.RefreshCalls())
}

func TestRefresherRefreshesRejectedTokenEvenWhenUnexpired(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := NewTokenStore(clock)
	store.Set("revoked", 15*time.Minute)
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-1")}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	token, err := refresher.Refresh(context.Background(), store.Epoch(), "revoked")
	require.NoError(t, err)
	require.Equal(t, "token-1", token)
	require.Equal(t, 1, authClient.RefreshCalls())
}

func TestRefresherTimeoutIsSessionEnding(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{
		refreshGate: make(chan struct{}),
		refreshFunc: grantFunc("never"),
	}
	refresher := NewRefresher(authClient, store, 20*time.Millisecond, DefaultExpirySkew, zaptest.NewLogger(t))

	_, err := refresher.Refresh(context.Background(), store.Epoch(), "stale")
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.ErrorIs(t, err, ErrNetwork)
	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresherDiscardsTokenForClearedSession(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{
		refreshGate:    make(chan struct{}),
		refreshStarted: make(chan struct{}, 1),
		refreshFunc:    grantFunc("too-late"),
	}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	epoch := store.Epoch()
	result := make(chan error, 1)
	go func() {
		_, err := refresher.Refresh(context.Background(), epoch, "stale")
		result <- err
	}()
	<-authClient.refreshStarted
	store.Clear()
	close(authClient.refreshGate)

	err := <-result
	var refreshErr *RefreshError
	require.True(t, errors.As(err, &refreshErr))
	require.Equal(t, codeSessionClosed, refreshErr.Code)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresherRejectsEpochFromClearedSession(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-after-logout")}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	observed := store.Epoch()
	store.Clear()

	token, err := refresher.Refresh(context.Background(), observed, "stale")
	require.Empty(t, token)
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.Zero(t, authClient.RefreshCalls())
	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresherCallerCancellationDoesNotAbortFlight(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	store := newExpiredStore(clock)
	authClient := &fakeAuthClient{
		refreshGate:    make(chan struct{}),
		refreshStarted: make(chan struct{}, 1),
		refreshFunc:    grantFunc("token-1"),
	}
	refresher := NewRefresher(authClient, store, time.Second, DefaultExpirySkew, zaptest.NewLogger(t))

	cancelled, cancel := context.WithCancel(context.Background())
	epoch := store.Epoch()
	result := make(chan error, 1)
	go func() {
		_, err := refresher.Refresh(cancelled, epoch, "stale")
		result <- err
	}()
	<-authClient.refreshStarted
	cancel()
	err := <-result
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRefreshFailed)

	close(authClient.refreshGate)
	require.Eventually(t, func() bool {
		token, ok := store.Get()
		return ok && token == "token-1"
	}, time.Second, 5*time.Millisecond)
}
