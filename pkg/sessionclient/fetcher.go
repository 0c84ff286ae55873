package sessionclient

import (
	"net/http"

	"go.uber.org/zap"
)

// Fetcher is an http.RoundTripper that attaches the access token and
// recovers from a single 401 with one refresh and one retry.
type Fetcher struct {
	manager *Manager
	base    http.RoundTripper
}

func newFetcher(manager *Manager, base http.RoundTripper) *Fetcher {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Fetcher{manager: manager, base: base}
}

// RoundTrip implements http.RoundTripper. It never redirects the UI; failures
// come back as errors matching ErrNotAuthenticated, ErrRefreshFailed,
// ErrUnauthorized or ErrNetwork. A session torn down while the first attempt
// is in flight is not revived by the reactive refresh.
func (fetcher *Fetcher) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	accessToken, epoch, tokenErr := fetcher.manager.accessToken(ctx)
	if tokenErr != nil {
		closeRequestBody(request)
		return nil, tokenErr
	}

	response, sendErr := fetcher.send(request, accessToken, false)
	if sendErr != nil {
		return nil, networkError("fetch", sendErr)
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}
	if request.Body != nil && request.Body != http.NoBody && request.GetBody == nil {
		fetcher.manager.logger.Warn("cannot replay request body after 401",
			zap.String("code", "session.fetch.not_replayable"),
			zap.String("path", request.URL.Path))
		return response, nil
	}
	drainAndClose(response)

	refreshedToken, refreshErr := fetcher.manager.refresher.Refresh(ctx, epoch, accessToken)
	if refreshErr != nil {
		return nil, refreshErr
	}

	retried, retryErr := fetcher.send(request, refreshedToken, true)
	if retryErr != nil {
		return nil, networkError("fetch", retryErr)
	}
	if retried.StatusCode != http.StatusUnauthorized {
		return retried, nil
	}
	drainAndClose(retried)
	fetcher.manager.logger.Warn("request rejected after token refresh",
		zap.String("code", "session.fetch.unauthorized"),
		zap.String("path", request.URL.Path))
	fetcher.manager.forceLogout(ReasonUnauthorized, ErrUnauthorized)
	return nil, ErrUnauthorized
}

func (fetcher *Fetcher) send(original *http.Request, accessToken string, replay bool) (*http.Response, error) {
	outbound := original.Clone(original.Context())
	if replay && original.GetBody != nil {
		body, bodyErr := original.GetBody()
		if bodyErr != nil {
			closeRequestBody(original)
			return nil, bodyErr
		}
		outbound.Body = body
	}
	outbound.Header.Set("Authorization", "Bearer "+accessToken)
	return fetcher.base.RoundTrip(outbound)
}

func closeRequestBody(request *http.Request) {
	if request.Body != nil {
		_ = request.Body.Close()
	}
}
