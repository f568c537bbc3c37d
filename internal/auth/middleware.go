package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

const claimsKey = "auth_claims"

// Middleware rejects requests without a valid bearer token. It is a no-op
// when the verifier is disabled.
func (v *TokenVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, "missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, "invalid authorization header format")
			return
		}

		claims, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, "invalid or expired token")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the verified claims of the request, if any.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, msg, nil))
}
