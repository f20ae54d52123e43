package dashboard

import (
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// jwtAuth rejects requests without a valid bearer token.
func jwtAuth(auth *AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.Split(header, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			unauthorized(c, "invalid token")
			c.Abort()
			return
		}

		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// rateLimit applies a shared token-bucket limit across all routes. The
// dashboard serves one operator, so a single bucket is enough.
func rateLimit(perSec float64) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(perSec), int(perSec)+1)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			tooManyRequests(c, "rate limit exceeded, try again later")
			c.Abort()
			return
		}
		c.Next()
	}
}
