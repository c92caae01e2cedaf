// Package web provides the HTTP status page and the override API of the
// farm-controller daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/controller"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

const (
	defaultTransitionLimit = 20
	maxTransitionLimit     = 500
)

// Controllers applies operator commands to running controllers. Methods
// return controller.ErrUnknownController for names that are not configured.
type Controllers interface {
	SetOverride(name string, override *scheduling.OverrideSchedule) error
	Reset(name string) error
}

// History reads persisted actuator transitions.
type History interface {
	RecentTransitions(controller string, limit int) ([]store.Transition, error)
}

// Server serves the status page and override API over HTTP.
type Server struct {
	httpServer  *http.Server
	tracker     *status.Tracker
	controllers Controllers
	history     History
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a Server that reads state from the given tracker. history may
// be nil, in which case the transitions endpoint answers 404.
func New(addr string, tracker *status.Tracker, controllers Controllers, history History, logger zerolog.Logger) *Server {
	s := &Server{
		tracker:     tracker,
		controllers: controllers,
		history:     history,
		logger:      logger,
		now:         time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.html", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.json", s.handleJSON).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/controllers/{name}").Subrouter()
	api.Handle("/override", handlers.ContentTypeHandler(http.HandlerFunc(s.handleSetOverride), "application/json")).Methods("PUT")
	api.HandleFunc("/override", s.handleClearOverride).Methods("DELETE")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/transitions", s.handleTransitions).Methods("GET")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(logger, r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Error().Err(err).Msg("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req overrideRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	override, err := req.schedule(s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.controllers.SetOverride(name, override); err != nil {
		s.writeCommandError(w, name, err)
		return
	}
	s.logger.Info().Str("controller", name).Str("state", override.State.String()).
		Time("until", override.Until).Msg("override set")

	writeJSON(w, http.StatusAccepted, overrideResponse{
		Controller: name,
		Override: &status.OverrideJSON{
			State: override.State.String(),
			Until: override.Until.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.controllers.SetOverride(name, nil); err != nil {
		s.writeCommandError(w, name, err)
		return
	}
	s.logger.Info().Str("controller", name).Msg("override cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.controllers.Reset(name); err != nil {
		s.writeCommandError(w, name, err)
		return
	}
	s.logger.Info().Str("controller", name).Msg("reset requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.history == nil {
		writeError(w, http.StatusNotFound, "transition history is not available")
		return
	}
	if _, ok := s.tracker.Snapshot().Controller(name); !ok {
		writeError(w, http.StatusNotFound, "unknown controller "+strconv.Quote(name))
		return
	}

	limit := defaultTransitionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTransitionLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxTransitionLimit))
			return
		}
		limit = n
	}

	transitions, err := s.history.RecentTransitions(name, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("controller", name).Msg("query transitions")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, formatTransitions(name, transitions))
}

func (s *Server) writeCommandError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, controller.ErrUnknownController) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error().Err(err).Str("controller", name).Msg("command failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}
