package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openhaus/nvrd/internal/models"
)

// timeNow is swapped by tests.
var timeNow = time.Now

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.GetSettings()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, set)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var set models.Settings
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	if err := s.store.PutSettings(&set); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, &set)
}

// listMovements returns motion events newest first. ?limit bounds the page
// (default 50), ?camera filters by owning camera.
func (s *Server) listMovements(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	camera := r.URL.Query().Get("camera")

	out := make([]*models.Motion, 0, limit)
	err := s.store.DescendMotion(func(m *models.Motion) (bool, error) {
		if camera != "" && m.CameraKey != camera {
			return true, nil
		}
		out = append(out, m)
		return len(out) < limit, nil
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}
