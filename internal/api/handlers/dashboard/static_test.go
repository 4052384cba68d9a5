package dashboard

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStaticRouter(t *testing.T, withIndex bool) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base := t.TempDir()
	root := filepath.Join(base, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("console.log('dashboard')"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("top secret"), 0o644))
	if withIndex {
		require.NoError(t, os.WriteFile(filepath.Join(root, indexFile), []byte("<html>dashboard</html>"), 0o644))
	}

	router := gin.New()
	router.NoRoute(NewStaticFiles(root).Serve)
	return router, base
}

func TestStaticServesFiles(t *testing.T) {
	router, _ := setupStaticRouter(t, true)

	w := get(t, router, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<html>dashboard</html>", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	w = get(t, router, "/assets/app.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log('dashboard')", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
}

func TestStaticFallsBackToIndex(t *testing.T) {
	router, _ := setupStaticRouter(t, true)

	for _, target := range []string{"/gateways/gw1", "/assets", "/missing.css"} {
		w := get(t, router, target)
		assert.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, "<html>dashboard</html>", w.Body.String(), target)
	}
}

func TestStaticWithoutIndex(t *testing.T) {
	router, _ := setupStaticRouter(t, false)

	w := get(t, router, "/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(t, router, "/")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStaticRejectsTraversal(t *testing.T) {
	router, _ := setupStaticRouter(t, true)

	for _, target := range []string{"/../secret.txt", "/assets/../../secret.txt", "/%2e%2e/secret.txt"} {
		w := get(t, router, target)
		assert.Equal(t, http.StatusForbidden, w.Code, target)
		assert.NotContains(t, w.Body.String(), "top secret", target)
	}
}

func TestStaticRejectsSymlinkEscape(t *testing.T) {
	router, base := setupStaticRouter(t, true)

	link := filepath.Join(base, "public", "leak.txt")
	if err := os.Symlink(filepath.Join(base, "secret.txt"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	w := get(t, router, "/leak.txt")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "top secret")
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/srv/public")
	assert.True(t, within(root, filepath.FromSlash("/srv/public/index.html")))
	assert.True(t, within(root, root))
	assert.True(t, within(root, filepath.FromSlash("/srv/public/..hidden")))
	assert.False(t, within(root, filepath.FromSlash("/srv/publicity/index.html")))
	assert.False(t, within(root, filepath.FromSlash("/srv/secret.txt")))
}
