package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds a single refresh round trip.
const DefaultRefreshTimeout = 5 * time.Second

const refreshFlightKey = "refresh"

// Refresher exchanges the refresh credential for a new access token, with at
// most one exchange in flight.
type Refresher struct {
	authClient AuthClient
	tokens     *TokenStore
	timeout    time.Duration
	skew       time.Duration
	logger     *zap.Logger
	flights    singleflight.Group
	// onFailure runs inside the flight, before waiting callers see the error.
	onFailure func(*RefreshError)
}

// NewRefresher binds a refresher to the token store it updates.
func NewRefresher(authClient AuthClient, tokens *TokenStore, timeout time.Duration, skew time.Duration, logger *zap.Logger) *Refresher {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	refresher := &Refresher{
		authClient: authClient,
		tokens:     tokens,
		timeout:    timeout,
		skew:       skew,
		logger:     logger,
	}
	refresher.onFailure = func(*RefreshError) { tokens.Clear() }
	return refresher
}

// Refresh returns a fresh access token. epoch is the token store epoch the
// caller observed together with its session check; once the store has been
// cleared since then, Refresh fails with an error matching both
// ErrRefreshFailed and ErrNotAuthenticated and makes no network call.
// staleToken is the token the caller found unusable ("" when it had none); if
// another caller already replaced it, the replacement is returned without a
// network call. On failure the token store is cleared.
func (refresher *Refresher) Refresh(ctx context.Context, epoch uint64, staleToken string) (string, error) {
	flightKey := refreshFlightKey + ":" + strconv.FormatUint(epoch, 10)
	resultChannel := refresher.flights.DoChan(flightKey, func() (interface{}, error) {
		return refresher.exchange(ctx, epoch, staleToken)
	})
	select {
	case result := <-resultChannel:
		if result.Err != nil {
			return "", result.Err
		}
		if refresher.tokens.Epoch() != epoch {
			return "", newSessionClosedError()
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("session.refresh: %w", ctx.Err())
	}
}

func (refresher *Refresher) exchange(ctx context.Context, epoch uint64, staleToken string) (string, error) {
	current := refresher.tokens.snapshot(refresher.skew)
	if current.epoch != epoch {
		return "", newSessionClosedError()
	}
	if current.accessToken != "" && current.accessToken != staleToken && !current.expired {
		return current.accessToken, nil
	}

	flightContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), refresher.timeout)
	defer cancel()

	startedAt := time.Now()
	grant, err := refresher.authClient.Refresh(flightContext)
	if err != nil {
		refreshErr := asRefreshError(err)
		refresher.onFailure(refreshErr)
		refresher.logger.Warn("access token refresh failed",
			zap.String("code", "session.refresh.failed"),
			zap.String("reason", refreshErr.Code),
			zap.Int("status", refreshErr.StatusCode),
			zap.Duration("elapsed", time.Since(startedAt)))
		return "", refreshErr
	}
	if !refresher.tokens.SetIfEpoch(epoch, grant.AccessToken, grant.Lifetime()) {
		refresher.logger.Info("discarding refreshed token for closed session",
			zap.String("code", "session.refresh.discarded"))
		return "", newSessionClosedError()
	}
	refresher.logger.Debug("access token refreshed",
		zap.String("code", "session.refresh.success"),
		zap.Int64("expires_in", grant.ExpiresIn),
		zap.Duration("elapsed", time.Since(startedAt)))
	return grant.AccessToken, nil
}

// newSessionClosedError reports a refresh that belongs to a session which has
// since been torn down.
func newSessionClosedError() *RefreshError {
	return &RefreshError{Code: codeSessionClosed, Err: ErrNotAuthenticated}
}

func asRefreshError(err error) *RefreshError {
	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr
	}
	return &RefreshError{Code: codeNetwork, Err: networkError("refresh", err)}
}
