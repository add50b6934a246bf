// Package debugapi exposes the example host's state over HTTP so it can be
// poked with curl: extension listings, status, manual activation events,
// restarts, CPU profiles and Prometheus metrics.
package debugapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/profiling"
)

type server struct {
	svc *exthost.StdExtensionService

	mu      sync.Mutex
	session *profiling.Session
}

// New builds the debug router for a host.
func New(svc *exthost.StdExtensionService) http.Handler {
	s := &server{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/extensions", s.listExtensions)
	r.Get("/status", s.hostStatus)
	r.Post("/activate", s.activate)
	r.Post("/restart", s.restart)
	r.Post("/profile/start", s.startProfile)
	r.Post("/profile/stop", s.stopProfile)
	r.Mount("/metrics", exthost.MetricsHandler())

	return r
}

func (s *server) listExtensions(w http.ResponseWriter, req *http.Request) {
	type entry struct {
		ID         string                    `json:"id"`
		Version    string                    `json:"version"`
		Events     []string                  `json:"activationEvents,omitempty"`
		Activation *exthost.ActivationRecord `json:"activation,omitempty"`
	}

	extensions := s.svc.Extensions()
	out := make([]entry, 0, len(extensions))
	for _, d := range extensions {
		e := entry{ID: d.ID, Version: d.Version, Events: d.ActivationEvents}
		if rec, ok := s.svc.ActivationRecord(d.ID); ok {
			e.Activation = &rec
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

func (s *server) hostStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]any{
		"host":       s.svc.Config().Name,
		"started":    s.svc.Started(),
		"generation": s.svc.Generation(),
		"responsive": s.svc.Responsive(),
		"extensions": s.svc.ExtensionsStatus(),
	})
}

func (s *server) activate(w http.ResponseWriter, req *http.Request) {
	event := req.URL.Query().Get("event")
	if event == "" {
		http.Error(w, "missing event query parameter", http.StatusBadRequest)
		return
	}
	if err := s.svc.ActivateByEvent(req.Context(), event); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"dispatched": event})
}

func (s *server) restart(w http.ResponseWriter, req *http.Request) {
	if err := s.svc.Restart(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"generation": s.svc.Generation()})
}

func (s *server) startProfile(w http.ResponseWriter, req *http.Request) {
	session, err := s.svc.StartExtensionHostProfile(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	writeJSON(w, map[string]any{"startedAt": session.StartedAt()})
}

func (s *server) stopProfile(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()
	if session == nil {
		http.Error(w, "no profiling session running", http.StatusConflict)
		return
	}

	profile, err := session.Stop(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	segments := make(map[string]string)
	for id, d := range profile.Aggregate() {
		segments[string(id)] = d.String()
	}
	writeJSON(w, map[string]any{
		"duration": profile.Duration().String(),
		"segments": segments,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
