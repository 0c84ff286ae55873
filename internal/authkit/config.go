package authkit

import (
	"net/http"
	"time"
)

// Defaults for token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultNonceTTL   = 5 * time.Minute
)

// ServerConfig configures issuers, the refresh cookie, and TTLs.
type ServerConfig struct {
	// GoogleWebClientID enables /auth/nonce and /auth/google when set.
	GoogleWebClientID string
	SigningKey        []byte
	Issuer            string
	CookieDomain      string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	NonceTTL          time.Duration
	SameSiteMode      http.SameSite
	// AllowInsecureHTTP drops the Secure flag from the refresh cookie for local development.
	AllowInsecureHTTP bool
}

// GoogleSignInEnabled reports whether Google sign-in routes are mounted.
func (configuration ServerConfig) GoogleSignInEnabled() bool {
	return configuration.GoogleWebClientID != ""
}
