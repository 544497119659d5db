package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// Server serves diagnostics over HTTP. Bind it to loopback only: /state
// exposes the session token.
type Server struct {
	bind      string
	store     *uistate.Store
	collector *Collector
	gatherer  prometheus.Gatherer
	logger    *logging.Logger
	http      *http.Server
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Bind      string
	Store     *uistate.Store
	Collector *Collector
	Gatherer  prometheus.Gatherer
	Logger    *logging.Logger
}

// NewServer builds a server; call Run to listen.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		bind:      opts.Bind,
		store:     opts.Store,
		collector: opts.Collector,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger,
	}
	if s.collector == nil {
		s.collector = NewCollector()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(noStore)
	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	router.Get("/state", s.handleState)
	router.Get("/events", s.handleEvents)
	router.Get("/dump", s.handleDump)
	return router
}

// Run listens until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategorySession, "diagnostics.listening", s.bind, nil)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

type pendingView struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	ToolName string `json:"toolName,omitempty"`
}

type stateView struct {
	Running      bool           `json:"running"`
	SessionID    string         `json:"sessionId,omitempty"`
	Pending      *pendingView   `json:"pending,omitempty"`
	HistoryItems int            `json:"historyItems"`
	Stats        map[string]any `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	view := stateView{Stats: s.collector.Stats()}
	if s.store != nil {
		run := s.store.RunState()
		view.Running = run.Running
		view.SessionID = run.SessionID
		view.HistoryItems = len(s.store.History())
		if p, ok := s.store.Pending(); ok {
			view.Pending = &pendingView{ID: p.ID, Kind: string(p.Kind), Title: p.Title, ToolName: p.ToolName}
		}
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.collector.Events(limit))
}

func (s *Server) handleDump(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.collector.Dump()))
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
