package sessionclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	authorization string
	body          string
}

type apiRecorder struct {
	mutex    sync.Mutex
	calls    []recordedCall
	statuses []int
	failWith error
}

func (recorder *apiRecorder) RoundTrip(request *http.Request) (*http.Response, error) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.failWith != nil {
		return nil, recorder.failWith
	}
	var body string
	if request.Body != nil {
		payload, _ := io.ReadAll(request.Body)
		body = string(payload)
	}
	recorder.calls = append(recorder.calls, recordedCall{authorization: request.Header.Get("Authorization"), body: body})
	status := http.StatusOK
	if index := len(recorder.calls) - 1; index < len(recorder.statuses) {
		status = recorder.statuses[index]
	} else if len(recorder.statuses) > 0 {
		status = recorder.statuses[len(recorder.statuses)-1]
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		Request:    request,
	}, nil
}

func (recorder *apiRecorder) Calls() []recordedCall {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]recordedCall(nil), recorder.calls...)
}

func TestFetcherAttachesBearerToken(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{}
	fixture := newManagerFixture(t, &fakeAuthClient{}, api)
	fixture.login(t)

	response, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, []recordedCall{{authorization: "Bearer token-login"}}, api.Calls())
}

func TestFetcherRefreshesProactivelyBeforeExpiry(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{}
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-refreshed")}
	fixture := newManagerFixture(t, authClient, api)
	fixture.login(t)

	fixture.clock.Advance(895 * time.Second)
	response, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	require.Equal(t, 1, authClient.RefreshCalls())
	require.Equal(t, []recordedCall{{authorization: "Bearer token-refreshed"}}, api.Calls())
	require.True(t, fixture.manager.IsAuthenticated())
}

func TestFetcherRetriesOnceAfterUnauthorized(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{statuses: []int{http.StatusUnauthorized, http.StatusCreated}}
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-refreshed")}
	fixture := newManagerFixture(t, authClient, api)
	fixture.login(t)

	response, err := fixture.manager.HTTPClient().Post("https://api.proteinlens.test/api/meals", "application/json", strings.NewReader(`{"protein":42}`))
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusCreated, response.StatusCode)

	require.Equal(t, 1, authClient.RefreshCalls())
	require.Equal(t, []recordedCall{
		{authorization: "Bearer token-login", body: `{"protein":42}`},
		{authorization: "Bearer token-refreshed", body: `{"protein":42}`},
	}, api.Calls())
	require.True(t, fixture.manager.IsAuthenticated())
}

func TestFetcherForcesLogoutAfterSecondUnauthorized(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{statuses: []int{http.StatusUnauthorized}}
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-refreshed")}
	fixture := newManagerFixture(t, authClient, api)
	fixture.login(t)

	_, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.ErrorIs(t, err, ErrUnauthorized)

	require.Equal(t, 1, authClient.RefreshCalls())
	require.Len(t, api.Calls(), 2)
	require.False(t, fixture.manager.IsAuthenticated())
	require.Equal(t, 1, authClient.LogoutCalls())
	events := fixture.logouts.Events()
	require.Len(t, events, 1)
	require.Equal(t, ReasonUnauthorized, events[0].Reason)

	_, err = fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.Len(t, api.Calls(), 2)
}

func TestFetcherRefreshFailureAfterUnauthorizedEndsSession(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{statuses: []int{http.StatusUnauthorized}}
	authClient := &fakeAuthClient{refreshFunc: func(int) (TokenGrant, error) {
		return TokenGrant{}, &RefreshError{StatusCode: http.StatusUnauthorized, Code: CodeInvalidRefreshToken}
	}}
	fixture := newManagerFixture(t, authClient, api)
	fixture.login(t)

	_, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.Len(t, api.Calls(), 1)
	require.False(t, fixture.manager.IsAuthenticated())

	event, ok := fixture.manager.LastLogout()
	require.True(t, ok)
	require.Equal(t, ReasonRefreshFailed, event.Reason)
}

func TestFetcherReturnsUnreplayableUnauthorizedResponse(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{statuses: []int{http.StatusUnauthorized}}
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-refreshed")}
	fixture := newManagerFixture(t, authClient, api)
	fixture.login(t)

	streamed := io.MultiReader(strings.NewReader("photo-bytes"))
	request, err := http.NewRequest(http.MethodPost, "https://api.proteinlens.test/api/photos", streamed)
	require.NoError(t, err)
	require.Nil(t, request.GetBody)

	response, err := fixture.manager.HTTPClient().Do(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	require.Zero(t, authClient.RefreshCalls())
	require.True(t, fixture.manager.IsAuthenticated())
}

func TestFetcherNetworkErrorKeepsSession(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{failWith: errors.New("dial tcp: connection refused")}
	fixture := newManagerFixture(t, &fakeAuthClient{}, api)
	fixture.login(t)

	_, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.ErrorIs(t, err, ErrNetwork)
	require.True(t, fixture.manager.IsAuthenticated())
	require.Empty(t, fixture.logouts.Events())
}

func TestFetcherDoesNotRetryAfterTeardownDuringRequest(t *testing.T) {
	t.Parallel()
	authClient := &fakeAuthClient{refreshFunc: grantFunc("token-after-logout")}
	var fixture managerFixture
	var authorizations []string
	transport := roundTripperFunc(func(request *http.Request) (*http.Response, error) {
		authorizations = append(authorizations, request.Header.Get("Authorization"))
		status := http.StatusOK
		if len(authorizations) == 1 {
			fixture.manager.Teardown()
			status = http.StatusUnauthorized
		}
		return &http.Response{
			StatusCode: status,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Request:    request,
		}, nil
	})
	fixture = newManagerFixture(t, authClient, transport)
	fixture.login(t)

	_, err := fixture.manager.HTTPClient().Get("https://api.proteinlens.test/api/meals")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.Equal(t, []string{"Bearer token-login"}, authorizations)
	require.Zero(t, authClient.RefreshCalls())
	require.False(t, fixture.manager.IsAuthenticated())
	token, err := fixture.manager.GetAccessToken(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.Empty(t, token)
	_, held := fixture.manager.tokens.Get()
	require.False(t, held)
}

type closeTrackingBody struct {
	io.Reader
	closed bool
}

func (body *closeTrackingBody) Close() error {
	body.closed = true
	return nil
}

func TestFetcherClosesBodyWhenNotAuthenticated(t *testing.T) {
	t.Parallel()
	api := &apiRecorder{}
	fixture := newManagerFixture(t, &fakeAuthClient{}, api)

	body := &closeTrackingBody{Reader: strings.NewReader(`{"protein":42}`)}
	request, err := http.NewRequest(http.MethodPost, "https://api.proteinlens.test/api/meals", body)
	require.NoError(t, err)

	_, err = fixture.manager.fetcher.RoundTrip(request)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.True(t, body.closed)
	require.Empty(t, api.Calls())
}
