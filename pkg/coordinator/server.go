package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/mnohosten/twopc/pkg/metrics"
	"github.com/mnohosten/twopc/pkg/txn"
)

// ServerConfig configures the coordinator's HTTP surface.
type ServerConfig struct {
	Addr string
	// EnableDebugPrepareHook exposes POST /tx/{id}/prepare on the
	// coordinator itself. It is not part of the commit protocol; it
	// exists only so test harnesses can probe coordinator-side behavior
	// without a real participant attached.
	EnableDebugPrepareHook bool
	EnableGraphQL          bool
}

// Server exposes a Coordinator over HTTP/JSON.
type Server struct {
	cfg    ServerConfig
	coord  *Coordinator
	router *chi.Mux
	http   *http.Server
}

// NewServer builds the router for coord.
func NewServer(coord *Coordinator, cfg ServerConfig) (*Server, error) {
	s := &Server{cfg: cfg, coord: coord, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Timeout(60 * time.Second))
	if signer := coord.Signer(); signer != nil {
		s.router.Use(signer.Middleware)
	}

	s.router.Post("/tx/{txId}/run", s.handleRun)
	s.router.Get("/tx/{txId}/fetch-commit", s.handleFetchCommit)
	s.router.Get("/tx/{txId}/state", s.handleState)
	s.router.Get("/_health", s.handleHealth)
	s.router.Get("/_metrics", metrics.Handler().ServeHTTP)
	s.router.Get("/_ws/events", coord.Events().ServeWS)

	if cfg.EnableDebugPrepareHook {
		log.Warn("debug Prepare hook enabled on coordinator; this is a test-only surface, not part of the protocol")
		s.router.Post("/tx/{txId}/prepare", s.handleDebugPrepare)
	}

	if cfg.EnableGraphQL {
		gqlHandler, err := NewGraphQLHandler(coord)
		if err != nil {
			return nil, fmt.Errorf("build admin GraphQL schema: %w", err)
		}
		s.router.Post("/admin/graphql", gqlHandler.ServeHTTP)
	}

	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	if err := s.coord.Run(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFetchCommit(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	commit, err := s.coord.FetchCommit(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"commit": commit})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	state, ok := s.coord.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, txn.ErrUnknownTransaction)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// handleDebugPrepare is a debug-only hook: it is intentionally NOT wired
// into Run and exists only to let a test harness exercise coordinator-side
// state inspection without driving a full transaction.
func (s *Server) handleDebugPrepare(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	state, ok := s.coord.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, txn.ErrUnknownTransaction)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"txId": string(id), "state": string(state)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Handler returns the server's HTTP handler, for embedding in a test server
// without going through Start's real TCP listener.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until a shutdown signal arrives or ListenAndServe fails.
func (s *Server) Start() error {
	log.WithField("addr", s.cfg.Addr).Info("coordinator listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("received shutdown signal")
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server and closes the coordinator.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.WithError(err).Error("coordinator HTTP shutdown error")
	}
	return s.coord.Close()
}
