// Package api is the collaborator HTTP surface: camera and settings CRUD,
// motion event listing, the SSE push stream, and HLS media serving. The
// supervisor never depends on this package; it only shares the store and
// the push broadcaster with it.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openhaus/nvrd/internal/push"
	"github.com/openhaus/nvrd/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store   *store.Store
	events  *push.Broadcaster
	webRoot string
	logger  *slog.Logger
}

// NewServer builds the API server. webRoot, when non-empty, is served as
// the static asset root.
func NewServer(st *store.Store, events *push.Broadcaster, webRoot string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		events:  events,
		webRoot: webRoot,
		logger:  logger.With(slog.String("component", "api")),
	}
}

// Router assembles the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cameras", s.listCameras)
		r.Post("/cameras", s.createCamera)
		r.Get("/cameras/{key}", s.getCamera)
		r.Put("/cameras/{key}", s.updateCamera)
		r.Delete("/cameras/{key}", s.deleteCamera)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)

		r.Get("/movements", s.listMovements)
		r.Get("/events", s.events.ServeHTTP)
	})

	r.Get("/video/{key}/*", s.serveMedia)

	if s.webRoot != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.webRoot)))
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
