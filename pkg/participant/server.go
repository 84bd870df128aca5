package participant

import (
	"context"
	"encoding/json"
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

// ServerConfig configures a participant's HTTP surface.
type ServerConfig struct {
	Addr string
}

// Server exposes a Participant over HTTP/JSON.
type Server struct {
	cfg    ServerConfig
	part   *Participant
	router *chi.Mux
	http   *http.Server
}

// NewServer builds the router for part.
func NewServer(part *Participant, cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, part: part, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Timeout(60 * time.Second))
	if signer := part.Signer(); signer != nil {
		s.router.Use(signer.Middleware)
	}

	s.router.Post("/tx/{txId}/initialize", s.handleInitialize)
	s.router.Post("/tx/{txId}/prepare", s.handlePrepare)
	s.router.Post("/tx/{txId}/commit", s.handleCommit)
	s.router.Post("/tx/{txId}/abort", s.handleAbort)
	s.router.Get("/tx/{txId}/state", s.handleState)
	s.router.Post("/_test/restrict-db-access", s.handleRestrict)
	s.router.Post("/_test/allow-db-access", s.handleAllow)
	s.router.Get("/_health", s.handleHealth)
	s.router.Get("/_metrics", metrics.Handler().ServeHTTP)

	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	if err := s.part.Initialize(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	vote, err := s.part.Prepare(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"vote": vote})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	if err := s.part.Commit(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	if err := s.part.Abort(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := txn.ID(chi.URLParam(r, "txId"))
	state, ok := s.part.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, txn.ErrUnknownTransaction)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// handleRestrict and handleAllow implement the test-only
// RestrictDBAccess/AllowDBAccess RPCs: failure injection, not part of the
// commit protocol itself.
func (s *Server) handleRestrict(w http.ResponseWriter, r *http.Request) {
	s.part.RestrictDBAccess()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	s.part.AllowDBAccess()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
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
	log.WithFields(log.Fields{"participant": s.part.Name(), "addr": s.cfg.Addr}).Info("participant listening")

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

// Shutdown gracefully stops the HTTP server and closes the participant.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.WithError(err).Error("participant HTTP shutdown error")
	}
	return s.part.Close()
}
