package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Registry over HTTP:
//
//	GET  /gates                   pending gates
//	POST /gates/{token}/approve   body {"submitter": "alice"}
//	POST /gates/{token}/reject
//	GET  /metrics                 when a gatherer is configured
type Server struct {
	reg      *Registry
	gatherer prometheus.Gatherer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer serves g at /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a Server for reg.
func NewServer(reg *Registry, opts ...ServerOption) *Server {
	s := &Server{reg: reg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// decideRequest is the body of approve and reject calls.
type decideRequest struct {
	Submitter string `json:"submitter"`
}

// errorResponse is returned with every non-2xx status.
type errorResponse struct {
	Error string `json:"error"`
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/gates", s.listHandler).Methods(http.MethodGet)
	router.HandleFunc("/gates/{token}/{action:approve|reject}", s.decideHandler).Methods(http.MethodPost)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func (s *Server) listHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Pending())
}

func (s *Server) decideHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := ParseAction(vars["action"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var req decideRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decoding body: %v", err)})
			return
		}
	}
	if req.Submitter == "" {
		req.Submitter = r.URL.Query().Get("as")
	}

	d, err := s.reg.Decide(r.Context(), vars["token"], action, req.Submitter)
	switch {
	case errors.Is(err, ErrUnknownGate):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves on addr until ctx ends. ready, if non-nil,
// receives the bound address once the listener is open.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
