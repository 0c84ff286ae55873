package authkit

import (
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/proteinlens/pkg/sessionvalidator"
)

// RequireSession validates the bearer access token and injects claims under
// sessionvalidator.DefaultContextKey.
func RequireSession(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return validator.GinMiddleware(sessionvalidator.DefaultContextKey)
}

// ClaimsFromContext returns the claims injected by RequireSession.
func ClaimsFromContext(contextGin *gin.Context) (*sessionvalidator.Claims, bool) {
	value, exists := contextGin.Get(sessionvalidator.DefaultContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*sessionvalidator.Claims)
	return claims, ok && claims != nil
}
