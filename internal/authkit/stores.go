package authkit

import (
	"context"
	"time"
)

// DefaultPlan is assigned to every new account.
const DefaultPlan = "free"

// UserProfile is the server-side view of an account.
type UserProfile struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Plan          string    `json:"plan"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"-"`
}

// UserStore persists and retrieves application users.
type UserStore interface {
	// CreateUser registers an email/password account.
	CreateUser(ctx context.Context, userEmail string, password string) (UserProfile, error)
	// Authenticate checks a password and returns the matching profile.
	Authenticate(ctx context.Context, userEmail string, password string) (UserProfile, error)
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string) (UserProfile, error)
	GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
