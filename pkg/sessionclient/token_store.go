package sessionclient

import (
	"sync"
	"time"
)

// DefaultExpirySkew refreshes tokens slightly before the server would reject them.
const DefaultExpirySkew = 30 * time.Second

// TokenStore holds the current access token in memory only.
type TokenStore struct {
	mutex       sync.RWMutex
	clock       Clock
	accessToken string
	expiresAt   time.Time
	epoch       uint64
}

// NewTokenStore constructs an empty store. A nil clock uses system time.
func NewTokenStore(clock Clock) *TokenStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &TokenStore{clock: clock}
}

// Set replaces the token and its expiry in one step.
func (store *TokenStore) Set(accessToken string, expiresIn time.Duration) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.setLocked(accessToken, expiresIn)
}

// SetIfEpoch stores the token only if Clear has not run since epoch was read.
func (store *TokenStore) SetIfEpoch(epoch uint64, accessToken string, expiresIn time.Duration) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.epoch != epoch {
		return false
	}
	store.setLocked(accessToken, expiresIn)
	return true
}

func (store *TokenStore) setLocked(accessToken string, expiresIn time.Duration) {
	store.accessToken = accessToken
	store.expiresAt = store.clock.Now().Add(expiresIn)
}

// Get returns the token, or false when none is held.
func (store *TokenStore) Get() (string, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.accessToken, store.accessToken != ""
}

// IsExpired reports whether the token is missing or within skew of its expiry.
func (store *TokenStore) IsExpired(skew time.Duration) bool {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	if store.accessToken == "" {
		return true
	}
	return !store.clock.Now().Before(store.expiresAt.Add(-skew))
}

// ExpiresAt returns the expiry of the held token, or the zero time.
func (store *TokenStore) ExpiresAt() time.Time {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.expiresAt
}

// Epoch returns the number of times the store has been cleared.
func (store *TokenStore) Epoch() uint64 {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.epoch
}

// Clear drops the token and expiry.
func (store *TokenStore) Clear() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accessToken = ""
	store.expiresAt = time.Time{}
	store.epoch++
}

type tokenSnapshot struct {
	accessToken string
	expiresAt   time.Time
	expired     bool
	epoch       uint64
}

// snapshot reads token, expiry and epoch under a single lock.
func (store *TokenStore) snapshot(skew time.Duration) tokenSnapshot {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	if store.accessToken == "" {
		return tokenSnapshot{expired: true, epoch: store.epoch}
	}
	return tokenSnapshot{
		accessToken: store.accessToken,
		expiresAt:   store.expiresAt,
		expired:     !store.clock.Now().Before(store.expiresAt.Add(-skew)),
		epoch:       store.epoch,
	}
}
