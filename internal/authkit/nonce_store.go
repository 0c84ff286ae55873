package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrNonceNotFound indicates the supplied nonce token was not issued or already consumed.
	ErrNonceNotFound = errors.New("nonce_store.not_found")
	// ErrNonceExpired indicates the nonce token expired before consumption.
	ErrNonceExpired = errors.New("nonce_store.expired")
)

// NonceStore issues one-time nonce tokens to bind Google ID token requests.
type NonceStore interface {
	// Issue creates a new nonce token with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued nonce token.
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	entries   *ttlcache.Cache[string, time.Time]
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
// Entries outlive their deadline in the cache so Consume can report expiry.
func NewMemoryNonceStore(ttl time.Duration) NonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &memoryNonceStore{
		entries: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](2*ttl),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		ttl:       ttl,
		now:       time.Now,
		tokenSize: 32,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := store.randomToken()
	if err != nil {
		return "", err
	}
	store.entries.DeleteExpired()
	store.entries.Set(token, store.now().Add(store.ttl), ttlcache.DefaultTTL)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	item, ok := store.entries.GetAndDelete(token)
	if !ok || item == nil {
		return ErrNonceNotFound
	}
	if store.now().After(item.Value()) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) randomToken() (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
