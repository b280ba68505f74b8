package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openhaus/nvrd/internal/models"
	"github.com/openhaus/nvrd/internal/store"
)

// sanitizeCamera strips credentials before a camera leaves the API.
func sanitizeCamera(cam *models.Camera) *models.Camera {
	out := *cam
	out.Passwd = ""
	return &out
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.store.ListCameras()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*models.Camera, 0, len(cams))
	for _, cam := range cams {
		if cam.Deleted {
			continue
		}
		out = append(out, sanitizeCamera(cam))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.GetCamera(chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sanitizeCamera(cam))
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	var cam models.Camera
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid camera payload")
		return
	}
	if cam.Name == "" || cam.Folder == "" || cam.Disk == "" {
		s.writeError(w, http.StatusBadRequest, "name, folder and disk are required")
		return
	}
	cam.Key = models.NewCameraKey(timeNow())
	cam.Deleted = false
	cam.LastProcessedMovementKey = ""
	if err := s.store.PutCamera(&cam); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, sanitizeCamera(&cam))
}

func (s *Server) updateCamera(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	existing, err := s.store.GetCamera(key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var update models.Camera
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid camera payload")
		return
	}
	// Key, tombstone, and the processing pointer are not client-writable.
	update.Key = existing.Key
	update.Deleted = existing.Deleted
	update.LastProcessedMovementKey = existing.LastProcessedMovementKey
	if update.Passwd == "" {
		update.Passwd = existing.Passwd
	}
	if err := s.store.PutCamera(&update); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sanitizeCamera(&update))
}

// deleteCamera sets the tombstone; records are never destroyed in place so
// historic motion events keep a resolvable owner.
func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.GetCamera(chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cam.Deleted = true
	if err := s.store.PutCamera(cam); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
