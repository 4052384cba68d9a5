package dashboard

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const indexFile = "index.html"

// StaticFiles serves the dashboard UI from a directory with single-page-app fallback.
type StaticFiles struct {
	root     string
	resolved string
}

// NewStaticFiles serves files below root. The directory may not exist yet.
func NewStaticFiles(root string) *StaticFiles {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	}
	return &StaticFiles{root: abs, resolved: resolved}
}

// Root returns the absolute directory being served.
func (s *StaticFiles) Root() string {
	return s.root
}

// Serve maps the request path to a file under the root. Paths escaping the root are
// rejected with 403 before touching the filesystem. Missing files and directories fall
// back to the index document, or 404 when there is none.
func (s *StaticFiles) Serve(c *gin.Context) {
	path := c.Request.URL.Path
	if path == "" || path == "/" {
		path = "/" + indexFile
	}

	target := filepath.Join(s.root, filepath.FromSlash(path))
	if !within(s.root, target) {
		log.WithFields(log.Fields{
			"path":   c.Request.URL.Path,
			"client": c.ClientIP(),
		}).Warn("Rejected static path outside root")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	info, err := os.Stat(target)
	if err == nil && !info.IsDir() {
		// a symlink inside the root must not lead outside of it
		if linked, err := filepath.EvalSymlinks(target); err == nil && !within(s.resolved, linked) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		s.serveFile(c, target)
		return
	}

	index := filepath.Join(s.root, indexFile)
	if info, err := os.Stat(index); err == nil && !info.IsDir() {
		s.serveFile(c, index)
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func (s *StaticFiles) serveFile(c *gin.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// within reports whether target is root itself or below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
