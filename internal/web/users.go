package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/proteinlens/internal/authkit"
	"github.com/tyemirov/proteinlens/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// MountAPIRoutes registers the bearer-protected /api group.
func MountAPIRoutes(router gin.IRouter, validator *sessionvalidator.Validator, users authkit.UserStore, logger *zap.Logger) {
	api := router.Group("/api", authkit.RequireSession(validator))
	api.GET("/me", HandleWhoAmI(logger, users))
}

// HandleWhoAmI returns the read-only user projection for the bearer token.
// The profile is reloaded so plan changes show up before the token expires.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := authkit.ClaimsFromContext(contextGin)
		if !ok || claims.UserID == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}

		profile, profileErr := users.GetUserProfile(contextGin, claims.UserID)
		if profileErr != nil {
			if errors.Is(profileErr, authkit.ErrUserNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.UserID))
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.UserID),
				zap.Error(profileErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": authkit.CodeInternal})
			return
		}

		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, profile)
	}
}
