// Package api serves the local status API: the merged router view, link
// states, the prefix pool, the event journal and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"wrtd/pkg/cascade"
	"wrtd/pkg/eventloop"
	"wrtd/pkg/journal"
	"wrtd/pkg/model"
	"wrtd/pkg/prefixpool"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
	shutdownTimeout     = 5 * time.Second
)

// Cascade is the read side of *cascade.Manager.
type Cascade interface {
	View(ctx context.Context) (model.RouterList, error)
	Status(ctx context.Context) (cascade.Status, error)
}

type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// PoolView is a prefix pool snapshot.
type PoolView struct {
	Entries  []prefixpool.Entry        `json:"entries"`
	Excludes map[string][]netip.Prefix `json:"excludes"`
}

type Options struct {
	Cascade Cascade
	// Pool snapshots the prefix pool. The pool is not safe for concurrent
	// use, so the daemon reads it on the event loop.
	Pool func(ctx context.Context) (PoolView, error)
	// Journal is optional.
	Journal Journal
	Metrics http.Handler
	Hub     *EventHub
	Log     *logrus.Entry
}

type Server struct {
	opts Options
	log  *logrus.Entry
}

func New(opts Options) *Server {
	return &Server{opts: opts, log: opts.Log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/routers", s.handleRouters)
		r.Get("/routers/{id}", s.handleRouter)
		r.Get("/links", s.handleLinks)
		r.Get("/prefix-pool", s.handlePool)
		r.Get("/journal", s.handleJournal)
		if s.opts.Hub != nil {
			r.Get("/ws/events", s.opts.Hub.HandleEvents)
		}
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	return r
}

// Serve runs the API on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.WithField("addr", ln.Addr().String()).Info("status api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}
	// Shutdown leaves hijacked websocket connections alone.
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleRouters(w http.ResponseWriter, r *http.Request) {
	view, err := s.opts.Cascade.View(r.Context())
	if err != nil {
		s.fail(w, "view", err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRouter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.opts.Cascade.View(r.Context())
	if err != nil {
		s.fail(w, "view", err)
		return
	}
	router, ok := view[id]
	if !ok {
		http.Error(w, "router not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, router)
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Cascade.Status(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.opts.Pool == nil {
		http.Error(w, "prefix pool unavailable", http.StatusServiceUnavailable)
		return
	}
	pv, err := s.opts.Pool(r.Context())
	if err != nil {
		s.fail(w, "prefix pool", err)
		return
	}
	s.writeJSON(w, http.StatusOK, pv)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxJournalLimit)
	}
	entries, err := s.opts.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, "journal", err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, eventloop.ErrStopped) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.log.WithError(err).WithField("query", what).Error("api query failed")
	http.Error(w, "failed to read "+what, http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to write response")
	}
}
