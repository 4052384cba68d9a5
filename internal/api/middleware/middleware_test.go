package middleware

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	router.GET("/api/overview", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func serve(router http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/overview", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLocalCORS(t *testing.T) {
	router := newRouter(LocalCORS())

	w := serve(router, http.MethodGet, "http://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(router, http.MethodGet, "http://localhost:3000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))

	w = serve(router, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLocalCORSPreflight(t *testing.T) {
	// no OPTIONS route exists; global middleware still runs on the not-found chain
	router := newRouter(LocalCORS())

	w := serve(router, http.MethodOptions, "https://127.0.0.1:8443")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "https://127.0.0.1:8443", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(router, http.MethodOptions, "http://localhost.evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIsLocalOrigin(t *testing.T) {
	allowed := []string{"http://localhost", "https://localhost", "http://localhost:3000", "http://127.0.0.1", "https://127.0.0.1:18790"}
	for _, origin := range allowed {
		assert.True(t, IsLocalOrigin(origin), origin)
	}

	denied := []string{
		"http://evil.example",
		"http://localhost.evil.example",
		"http://127.0.0.1.nip.io",
		"ftp://localhost",
		"http://localhost:abc",
		"http://localhost/",
		"null",
	}
	for _, origin := range denied {
		assert.False(t, IsLocalOrigin(origin), origin)
	}
}

func TestBcryptCheckerCachesDigestOnly(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	checker := &bcryptChecker{hash: hash}

	assert.False(t, checker.check("wrong"))
	assert.False(t, checker.cached)

	assert.True(t, checker.check("s3cret"))
	require.True(t, checker.cached)
	assert.Equal(t, sha256.Sum256([]byte("s3cret")), checker.accepted)

	// the cached digest still rejects other passwords
	assert.True(t, checker.check("s3cret"))
	assert.False(t, checker.check("s3cret2"))
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
	}{
		{"plain", "s3cret"},
		{"bcrypt", string(hash)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(BasicAuth("admin", tt.password))

			req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))

			req = httptest.NewRequest(http.MethodGet, "/api/overview", nil)
			req.SetBasicAuth("admin", "wrong")
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			for i := 0; i < 2; i++ {
				req = httptest.NewRequest(http.MethodGet, "/api/overview", nil)
				req.SetBasicAuth("admin", "s3cret")
				w = httptest.NewRecorder()
				router.ServeHTTP(w, req)
				assert.Equal(t, http.StatusOK, w.Code)
			}

			req = httptest.NewRequest(http.MethodGet, "/api/overview", nil)
			req.SetBasicAuth("root", "s3cret")
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestBasicAuthDisabled(t *testing.T) {
	router := newRouter(BasicAuth("", ""))
	w := serve(router, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLocalhostOnly(t *testing.T) {
	router := newRouter(LocalhostOnly(false))
	require.NoError(t, router.SetTrustedProxies(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	req.RemoteAddr = "127.0.0.1:50000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	req.RemoteAddr = "203.0.113.7:50000"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	remote := newRouter(LocalhostOnly(true))
	w = serve(remote, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSerialize(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	var active, peak atomic.Int32
	router.GET("/api/slow", Serialize(), func(c *gin.Context) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		c.Status(http.StatusOK)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}
