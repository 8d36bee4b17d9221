// Package control exposes the local HTTP API that procmanctl talks to.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"procman/internal/job"
	"procman/pkg/logx"
)

// API is the scheduler surface the server exposes.
type API interface {
	List() []job.Status
	Status(name string) (job.Status, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	RunTask(ctx context.Context, name string) error
	Reload(ctx context.Context) error
}

// Server serves the control API on a local address. It is plain HTTP with
// no auth: the listener is expected to stay on loopback.
type Server struct {
	log logx.Logger
	api API
	srv *http.Server
}

func NewServer(log logx.Logger, api API, addr string) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		log: log.With(logx.String("component", "control")),
		api: api,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed so tests can drive handlers
// through httptest without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/jobs", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{name}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{name}/start", s.action(s.api.Start)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{name}/stop", s.action(s.api.Stop)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{name}/run", s.action(s.api.RunTask)).Methods(http.MethodPost)
	r.HandleFunc("/v1/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/v1/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}

type jobsResponse struct {
	Jobs []job.Status `json:"jobs"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.api.List()
	if jobs == nil {
		jobs = []job.Status{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.Status(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) action(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := fn(r.Context(), name); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, job.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, job.ErrInvalidForKind):
		code = http.StatusBadRequest
	case errors.Is(err, job.ErrInvalidGraph):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.log.Error("control request failed", logx.Err(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
