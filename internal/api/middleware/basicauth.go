// Package middleware provides HTTP middleware for the dashboard server.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const authRealm = `Basic realm="usagemon"`

// BasicAuth creates a middleware that requires HTTP Basic Authentication.
// If username or password is empty, the middleware allows all requests through.
// A password starting with "$2" is treated as a bcrypt hash.
//
// Parameters:
//   - username: Required username (empty = no auth)
//   - password: Required password or bcrypt hash (empty = no auth)
//
// Returns:
//   - gin.HandlerFunc: Middleware function
func BasicAuth(username, password string) gin.HandlerFunc {
	if username == "" || password == "" {
		return func(c *gin.Context) { c.Next() }
	}

	checkPassword := plainPassword(password)
	if strings.HasPrefix(password, "$2") {
		checkPassword = bcryptPassword(password)
	}

	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", authRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		// evaluate both so a wrong username costs the same as a wrong password
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := checkPassword(pass)

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", authRealm)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid credentials",
			})
			return
		}

		c.Next()
	}
}

func plainPassword(expected string) func(string) bool {
	return func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
	}
}

// bcryptChecker verifies passwords against a bcrypt hash. It keeps the SHA-256 digest of
// the last accepted password so that a dashboard polling every few seconds does not pay
// the bcrypt cost on every request.
type bcryptChecker struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	cached   bool
}

func bcryptPassword(hash string) func(string) bool {
	return (&bcryptChecker{hash: []byte(hash)}).check
}

func (b *bcryptChecker) check(got string) bool {
	digest := sha256.Sum256([]byte(got))

	b.mu.Lock()
	accepted, cached := b.accepted, b.cached
	b.mu.Unlock()
	if cached && subtle.ConstantTimeCompare(digest[:], accepted[:]) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword(b.hash, []byte(got)) != nil {
		return false
	}
	b.mu.Lock()
	b.accepted, b.cached = digest, true
	b.mu.Unlock()
	return true
}

// LocalhostOnly creates a middleware that only allows requests from localhost.
//
// Parameters:
//   - allowRemote: If true, allows requests from any IP
//
// Returns:
//   - gin.HandlerFunc: Middleware function
func LocalhostOnly(allowRemote bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowRemote {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if clientIP != "127.0.0.1" && clientIP != "::1" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: dashboard is bound to localhost only",
			})
			return
		}

		c.Next()
	}
}

// Serialize runs the wrapped handlers one request at a time.
func Serialize() gin.HandlerFunc {
	var mu sync.Mutex
	return func(c *gin.Context) {
		mu.Lock()
		defer mu.Unlock()
		c.Next()
	}
}
