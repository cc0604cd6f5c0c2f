package handlers

import (
	"io/fs"
	"net/http"
	"os"
	"strings"
)

// Static serves the terminal page and its assets from a directory. Paths
// that do not name a file get the JSON 404.
type Static struct {
	fs http.FileSystem
}

// NewStatic serves files under dir.
func NewStatic(dir string) *Static {
	return NewStaticFS(os.DirFS(dir))
}

// NewStaticFS serves files from fsys.
func NewStaticFS(fsys fs.FS) *Static {
	return &Static{fs: http.FS(fsys)}
}

func (h *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}
	f, err := h.fs.Open(path)
	if err != nil {
		NotFound(w, r)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		NotFound(w, r)
		return
	}
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}
