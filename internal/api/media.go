package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openhaus/nvrd/internal/store"
)

// serveMedia serves a camera's HLS manifest and segments straight off disk.
// http.ServeFile supplies the byte-range handling HLS players rely on.
func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.GetCamera(chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rel := chi.URLParam(r, "*")
	clean := filepath.Clean("/" + rel)
	path := filepath.Join(cam.MediaDir(), clean)
	if !strings.HasPrefix(path, filepath.Clean(cam.MediaDir())+string(filepath.Separator)) {
		s.writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch filepath.Ext(path) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeFile(w, r, path)
}
