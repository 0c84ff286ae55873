package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryUser struct {
	profile      UserProfile
	passwordHash string
	googleSub    string
}

// MemoryUserStore keeps accounts in process memory for tests and dev.
type MemoryUserStore struct {
	mutex       sync.RWMutex
	byID        map[string]*memoryUser
	byEmail     map[string]string
	byGoogleSub map[string]string
	now         func() time.Time
}

// NewMemoryUserStore constructs an empty MemoryUserStore.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:        make(map[string]*memoryUser),
		byEmail:     make(map[string]string),
		byGoogleSub: make(map[string]string),
		now:         time.Now,
	}
}

// CreateUser registers a password account on the free plan.
func (store *MemoryUserStore) CreateUser(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return UserProfile{}, hashErr
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[normalized]; exists {
		return UserProfile{}, fmt.Errorf("user_store.create.memory: %w", ErrUserExists)
	}
	record := &memoryUser{
		profile: UserProfile{
			ID:        uuid.NewString(),
			Email:     normalized,
			Plan:      DefaultPlan,
			CreatedAt: store.now().UTC(),
		},
		passwordHash: passwordHash,
	}
	store.byID[record.profile.ID] = record
	store.byEmail[normalized] = record.profile.ID
	return record.profile, nil
}

// Authenticate verifies the password for the account with the given email.
func (store *MemoryUserStore) Authenticate(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.memory: %w", ErrInvalidCredentials)
	}
	store.mutex.RLock()
	var record memoryUser
	userID, ok := store.byEmail[normalized]
	if ok {
		record = *store.byID[userID]
	}
	store.mutex.RUnlock()
	if !ok {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.memory: %w", ErrInvalidCredentials)
	}
	if checkErr := checkPassword(record.passwordHash, password); checkErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.memory: %w", checkErr)
	}
	return record.profile, nil
}

// UpsertGoogleUser links a Google subject to an account, creating one when needed.
func (store *MemoryUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if userID, ok := store.byGoogleSub[googleSub]; ok {
		return store.byID[userID].profile, nil
	}
	if userID, ok := store.byEmail[normalized]; ok {
		record := store.byID[userID]
		record.googleSub = googleSub
		record.profile.EmailVerified = true
		store.byGoogleSub[googleSub] = userID
		return record.profile, nil
	}
	record := &memoryUser{
		profile: UserProfile{
			ID:            uuid.NewString(),
			Email:         normalized,
			Plan:          DefaultPlan,
			EmailVerified: true,
			CreatedAt:     store.now().UTC(),
		},
		googleSub: googleSub,
	}
	store.byID[record.profile.ID] = record
	store.byEmail[normalized] = record.profile.ID
	store.byGoogleSub[googleSub] = record.profile.ID
	return record.profile, nil
}

// GetUserProfile returns the profile for an account id.
func (store *MemoryUserStore) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[applicationUserID]
	if !ok {
		return UserProfile{}, fmt.Errorf("user_store.get.memory: %w", ErrUserNotFound)
	}
	return record.profile, nil
}
