package authkit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

// Error codes returned in {"error": CODE} bodies.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeEmailTaken          = "EMAIL_TAKEN"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeNoRefreshToken      = "NO_REFRESH_TOKEN"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeInvalidNonce        = "INVALID_NONCE"
	CodeInvalidGoogleToken  = "INVALID_GOOGLE_TOKEN"
	CodeUnverifiedIdentity  = "UNVERIFIED_IDENTITY"
	CodeHTTPSRequired       = "HTTPS_REQUIRED"
	CodeInternal            = "INTERNAL_ERROR"
)

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

var newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// NewGoogleTokenValidator builds the idtoken-backed validator used in production.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return newGoogleTokenValidator(ctx)
}

// AuthServices are the collaborators of the auth routes. Only Users and
// RefreshTokens are required.
type AuthServices struct {
	Users           UserStore
	RefreshTokens   RefreshTokenStore
	Nonces          NonceStore
	GoogleValidator GoogleTokenValidator
	Metrics         MetricsRecorder
	Logger          *zap.Logger
	Clock           Clock
}

func (services AuthServices) withDefaults(configuration ServerConfig) AuthServices {
	if services.Metrics == nil {
		services.Metrics = discardMetrics{}
	}
	if services.Logger == nil {
		services.Logger = zap.NewNop()
	}
	if services.Clock == nil {
		services.Clock = systemClock{}
	}
	if services.Nonces == nil {
		services.Nonces = NewMemoryNonceStore(configuration.NonceTTL)
	}
	return services
}

type authHandlers struct {
	configuration ServerConfig
	services      AuthServices
}

type grantResponse struct {
	AccessToken string       `json:"accessToken"`
	ExpiresIn   int64        `json:"expiresIn"`
	User        *UserProfile `json:"user,omitempty"`
}

// MountAuthRoutes registers /auth/register, /auth/login, /auth/refresh and
// /auth/logout, plus /auth/nonce and /auth/google when Google sign-in is configured.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, services AuthServices) {
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = DefaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	handlers := &authHandlers{configuration: configuration, services: services.withDefaults(configuration)}
	router.POST("/auth/register", handlers.register)
	router.POST("/auth/login", handlers.login)
	router.POST("/auth/refresh", handlers.refresh)
	router.POST("/auth/logout", handlers.logout)
	if configuration.GoogleSignInEnabled() {
		router.POST("/auth/nonce", handlers.nonce)
		router.POST("/auth/google", handlers.google)
	}
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (handlers *authHandlers) register(contextGin *gin.Context) {
	var inbound passwordRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		handlers.services.Metrics.Increment(metricRegisterFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	profile, createErr := handlers.services.Users.CreateUser(contextGin, inbound.Email, inbound.Password)
	switch {
	case createErr == nil:
	case errors.Is(createErr, ErrUserExists):
		handlers.services.Metrics.Increment(metricRegisterFailure)
		abortWithCode(contextGin, http.StatusConflict, CodeEmailTaken)
		return
	case errors.Is(createErr, ErrInvalidUserInput):
		handlers.services.Metrics.Increment(metricRegisterFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeInvalidRequest)
		return
	default:
		handlers.services.Metrics.Increment(metricRegisterFailure)
		handlers.services.Logger.Error("register failed", zap.String("code", "auth.register.store"), zap.Error(createErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return
	}
	handlers.services.Metrics.Increment(metricRegisterSuccess)
	handlers.services.Logger.Info("user registered", zap.String("code", "auth.register.success"), zap.String("user_id", profile.ID))
	contextGin.JSON(http.StatusCreated, profile)
}

func (handlers *authHandlers) login(contextGin *gin.Context) {
	var inbound passwordRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		handlers.services.Metrics.Increment(metricLoginFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	profile, authErr := handlers.services.Users.Authenticate(contextGin, inbound.Email, inbound.Password)
	if authErr != nil {
		handlers.services.Metrics.Increment(metricLoginFailure)
		if errors.Is(authErr, ErrInvalidCredentials) {
			abortWithCode(contextGin, http.StatusUnauthorized, CodeInvalidCredentials)
			return
		}
		handlers.services.Logger.Error("login failed", zap.String("code", "auth.login.store"), zap.Error(authErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return
	}
	if !handlers.issueSession(contextGin, profile, "") {
		handlers.services.Metrics.Increment(metricLoginFailure)
		return
	}
	handlers.services.Metrics.Increment(metricLoginSuccess)
}

func (handlers *authHandlers) nonce(contextGin *gin.Context) {
	token, issueErr := handlers.services.Nonces.Issue(contextGin)
	if issueErr != nil {
		handlers.services.Logger.Error("nonce issue failed", zap.String("code", "auth.nonce.issue"), zap.Error(issueErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": token})
}

func (handlers *authHandlers) google(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeHTTPSRequired)
		return
	}
	if nonceErr := handlers.services.Nonces.Consume(contextGin, inbound.Nonce); nonceErr != nil {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusUnauthorized, CodeInvalidNonce)
		return
	}

	validator := handlers.services.GoogleValidator
	if validator == nil {
		created, validatorErr := newGoogleTokenValidator(contextGin.Request.Context())
		if validatorErr != nil {
			handlers.services.Logger.Error("google validator unavailable", zap.String("code", "auth.google.validator"), zap.Error(validatorErr))
			abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
			return
		}
		validator = created
	}
	payload, validateErr := validator.Validate(contextGin.Request.Context(), inbound.GoogleIDToken, handlers.configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusUnauthorized, CodeInvalidGoogleToken)
		return
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") || tokenNonce != inbound.Nonce {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusUnauthorized, CodeInvalidGoogleToken)
		return
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if googleSub == "" || userEmail == "" || !emailVerified {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		abortWithCode(contextGin, http.StatusUnauthorized, CodeUnverifiedIdentity)
		return
	}

	profile, upsertErr := handlers.services.Users.UpsertGoogleUser(contextGin, googleSub, userEmail)
	if upsertErr != nil {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		handlers.services.Logger.Error("google user upsert failed", zap.String("code", "auth.google.store"), zap.Error(upsertErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return
	}
	if !handlers.issueSession(contextGin, profile, "") {
		handlers.services.Metrics.Increment(metricGoogleFailure)
		return
	}
	handlers.services.Metrics.Increment(metricGoogleSuccess)
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || strings.TrimSpace(refreshCookie.Value) == "" {
		handlers.services.Metrics.Increment(metricRefreshFailure)
		abortWithCode(contextGin, http.StatusBadRequest, CodeNoRefreshToken)
		return
	}
	applicationUserID, currentTokenID, _, validateErr := handlers.services.RefreshTokens.Validate(contextGin, refreshCookie.Value)
	if validateErr != nil {
		handlers.rejectRefresh(contextGin, validateErr)
		return
	}
	// Revoking before issuing makes a replayed cookie lose the race.
	if revokeErr := handlers.services.RefreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		handlers.rejectRefresh(contextGin, revokeErr)
		return
	}
	profile, profileErr := handlers.services.Users.GetUserProfile(contextGin, applicationUserID)
	if profileErr != nil {
		handlers.rejectRefresh(contextGin, profileErr)
		return
	}
	if !handlers.issueSession(contextGin, profile, currentTokenID) {
		handlers.services.Metrics.Increment(metricRefreshFailure)
		return
	}
	handlers.services.Metrics.Increment(metricRefreshSuccess)
}

func (handlers *authHandlers) rejectRefresh(contextGin *gin.Context, cause error) {
	handlers.services.Metrics.Increment(metricRefreshFailure)
	handlers.services.Logger.Info("refresh rejected", zap.String("code", "auth.refresh.rejected"), zap.Error(cause))
	handlers.clearRefreshCookie(contextGin)
	abortWithCode(contextGin, http.StatusUnauthorized, CodeInvalidRefreshToken)
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr == nil && strings.TrimSpace(refreshCookie.Value) != "" {
		_, tokenID, _, validateErr := handlers.services.RefreshTokens.Validate(contextGin, refreshCookie.Value)
		if validateErr == nil && tokenID != "" {
			if revokeErr := handlers.services.RefreshTokens.Revoke(contextGin, tokenID); revokeErr != nil {
				handlers.services.Logger.Warn("logout revoke failed", zap.String("code", "auth.logout.revoke"), zap.Error(revokeErr))
			}
		}
	}
	handlers.clearRefreshCookie(contextGin)
	handlers.services.Metrics.Increment(metricLogoutSuccess)
	contextGin.Status(http.StatusNoContent)
}

// issueSession mints an access token, rotates in a new refresh token and
// writes the grant. It reports false after aborting the request.
func (handlers *authHandlers) issueSession(contextGin *gin.Context, profile UserProfile, previousTokenID string) bool {
	now := handlers.services.Clock.Now().UTC()
	accessToken, _, mintErr := MintAccessToken(handlers.services.Clock, profile, handlers.configuration.Issuer, handlers.configuration.SigningKey, handlers.configuration.AccessTTL)
	if mintErr != nil {
		handlers.services.Logger.Error("access token mint failed", zap.String("code", "auth.session.mint"), zap.Error(mintErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return false
	}
	refreshExpiresAt := now.Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.services.RefreshTokens.Issue(contextGin, profile.ID, refreshExpiresAt.Unix(), previousTokenID)
	if issueErr != nil {
		handlers.services.Logger.Error("refresh token issue failed", zap.String("code", "auth.session.refresh_issue"), zap.Error(issueErr))
		abortWithCode(contextGin, http.StatusInternalServerError, CodeInternal)
		return false
	}
	handlers.writeRefreshCookie(contextGin, refreshOpaque, refreshExpiresAt)

	response := grantResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(handlers.configuration.AccessTTL / time.Second),
	}
	if previousTokenID == "" {
		response.User = &profile
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, response)
	return true
}

func (handlers *authHandlers) writeRefreshCookie(contextGin *gin.Context, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    opaque,
		Path:     "/auth",
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *authHandlers) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.RefreshCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func abortWithCode(contextGin *gin.Context, status int, code string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
