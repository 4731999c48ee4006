// Package server exposes the controller's HTTP API: deployment triggers,
// the push webhook, and sync status queries including blocking waits.
// Handlers never touch the record store directly; triggers go through
// the reconcile manager and reads through the status publisher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/status"
	"github.com/dc-tec/deploysync/internal/store"
)

// maxBodyBytes caps request bodies on the write endpoints. Deployment
// requests and push events are a few hundred bytes; anything larger is
// not a client we want to read to completion.
const maxBodyBytes = 1 << 20

// Trigger accepts deployment requests. The reconcile manager implements
// it; tests substitute a recorder.
type Trigger interface {
	Submit(environment, revision string, cause store.Cause) (store.SyncRecord, error)
}

// Server is the controller's HTTP API front end.
type Server struct {
	cfg       *config.Config
	trigger   Trigger
	publisher *status.Publisher
	log       logr.Logger

	srv *http.Server
}

// New wires the API server to its trigger and status collaborators.
func New(cfg *config.Config, trigger Trigger, publisher *status.Publisher, log logr.Logger) *Server {
	return &Server{
		cfg:       cfg,
		trigger:   trigger,
		publisher: publisher,
		log:       log.WithName("api"),
	}
}

// DeploymentRequest is the body of a manual deployment trigger.
type DeploymentRequest struct {
	Environment string `json:"environment"`
	Revision    string `json:"revision"`
}

// PushEvent is the body delivered by the repository webhook on a push.
type PushEvent struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the API routing table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc(constants.APIPathDeployments, s.postDeployment).Methods(http.MethodPost)
	r.HandleFunc(constants.APIPathHooksPush, s.postPushHook).Methods(http.MethodPost)
	r.HandleFunc(constants.APIPathEnvironments, s.listEnvironments).Methods(http.MethodGet)
	r.HandleFunc(constants.APIPathEnvironments+"/{environment}/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc(constants.APIPathEnvironments+"/{environment}/history", s.getHistory).Methods(http.MethodGet)
	r.HandleFunc(constants.APIPathEnvironments+"/{environment}/revisions/{revision}", s.getRevision).Methods(http.MethodGet)
	r.HandleFunc(constants.APIPathEnvironments+"/{environment}/revisions/{revision}/wait", s.waitRevision).Methods(http.MethodGet)

	return r
}

// Start begins serving on addr and returns immediately. Serve errors
// other than a clean shutdown are logged, not returned; the listener
// staying down is visible through the readiness probe.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
	}
	go func() {
		s.log.Info("api server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "api server failed")
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) postDeployment(w http.ResponseWriter, r *http.Request) {
	var req DeploymentRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Environment == "" || req.Revision == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("environment and revision are required"))
		return
	}

	rec, err := s.trigger.Submit(req.Environment, req.Revision, store.CauseManual)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) postPushHook(w http.ResponseWriter, r *http.Request) {
	var event PushEvent
	if err := s.readJSON(w, r, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if event.Branch == "" || event.Revision == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("branch and revision are required"))
		return
	}

	env, ok := s.cfg.EnvironmentForBranch(event.Branch)
	if !ok {
		s.writeError(w, http.StatusNotFound,
			fmt.Errorf("%w: no environment tracks branch %q", syncerrors.ErrUnknownEnvironment, event.Branch))
		return
	}

	rec, err := s.trigger.Submit(env.Name, event.Revision, store.CausePush)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.publisher.Environments())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.publisher.Latest(mux.Vars(r)["environment"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	recs, err := s.publisher.History(mux.Vars(r)["environment"], limit)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getRevision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.publisher.Revision(vars["environment"], vars["revision"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) waitRevision(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", raw))
			return
		}
		timeout = d
	}

	vars := mux.Vars(r)
	rec, err := s.publisher.Wait(r.Context(), vars["environment"], vars["revision"], timeout)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.V(1).Info("api request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// statusFor maps service errors onto HTTP status codes. Unclassified
// errors are the remaining request validation failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerrors.ErrUnknownEnvironment),
		errors.Is(err, syncerrors.ErrNoSyncRecord):
		return http.StatusNotFound
	case errors.Is(err, syncerrors.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, syncerrors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
