// Package api exposes the operator-facing HTTP surface: campaign
// lifecycle commands, the reply webhook, reports and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songzhibin97/campaign-engine/engine"
	"github.com/songzhibin97/campaign-engine/graph"
	"github.com/songzhibin97/campaign-engine/types"
)

// Server wires the engine's command/query API into an HTTP router.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewServer creates a Server.
func NewServer(e *engine.Engine, log *slog.Logger) *Server {
	return &Server{engine: e, log: log}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaign)
		r.Post("/{id}/publish", s.lifecycle(s.engine.Publish))
		r.Post("/{id}/start", s.lifecycle(s.engine.Start))
		r.Post("/{id}/pause", s.lifecycle(s.engine.Pause))
		r.Post("/{id}/resume", s.lifecycle(s.engine.Resume))
		r.Post("/{id}/complete", s.completeCampaign)
		r.Get("/{id}/report", s.getReport)
	})
	r.Post("/contacts", s.createContact)
	r.Post("/sessions/{id}/reply", s.handleReply)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var c types.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.engine.RegisterCampaign(r.Context(), c)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// lifecycle adapts a campaign state-change method into a handler.
func (s *Server) lifecycle(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": "ok"})
	}
}

func (s *Server) completeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "1"
	if err := s.engine.Complete(r.Context(), id, force); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": "ok"})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var c types.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if c.ID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("contact id is required"))
		return
	}
	if err := s.engine.SaveContact(r.Context(), c); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid session id"))
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.engine.HandleReply(r.Context(), id, payload.Text); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func statusFor(err error) int {
	var validationErr *graph.ValidationError
	switch {
	case errors.Is(err, engine.ErrCampaignNotFound), errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition), errors.As(err, &validationErr):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSessionBusy):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
