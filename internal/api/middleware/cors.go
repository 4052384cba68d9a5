package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// localOrigin matches http(s)://localhost and http(s)://127.0.0.1 with an optional port.
var localOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:\d+)?$`)

// IsLocalOrigin reports whether origin is a loopback browser origin.
func IsLocalOrigin(origin string) bool {
	return localOrigin.MatchString(origin)
}

// LocalCORS restricts cross-origin access to loopback origins.
//
// Requests without an Origin header pass through untouched. Requests from any other
// origin are rejected with 403. Allowed origins are echoed back, and OPTIONS
// preflights end here with 204.
//
// Returns:
//   - gin.HandlerFunc: Middleware function
func LocalCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if !IsLocalOrigin(origin) {
				log.WithFields(log.Fields{
					"origin": origin,
					"path":   c.Request.URL.Path,
				}).Warn("Rejected cross-origin request")
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "Forbidden",
				})
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
