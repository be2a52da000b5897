// Package server exposes the HTTP trigger and read-only watch endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/jidegrand/travelcart/internal/service"
	"github.com/jidegrand/travelcart/internal/storage"
)

// Runner executes one price check run.
type Runner interface {
	RunOnce(ctx context.Context) (service.Report, error)
}

// WatchReader serves a single watch, typically through the cache.
type WatchReader interface {
	GetWatch(ctx context.Context, id string) (storage.Watch, error)
}

// Catalog lists stored watches and their history.
type Catalog interface {
	ListWatches(ctx context.Context, limit int) ([]storage.Watch, error)
	RecentSamples(ctx context.Context, watchID string, limit int) ([]storage.PriceSample, error)
	ListRecentNotifications(ctx context.Context, watchID string, limit int) ([]storage.Notification, error)
}

// Options configure the router.
type Options struct {
	CronSecret     string
	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	runner  Runner
	watches WatchReader
	catalog Catalog
	opts    Options
	logger  zerolog.Logger
	running sync.Mutex
	now     func() time.Time
}

// New builds a Server.
func New(runner Runner, watches WatchReader, catalog Catalog, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		runner:  runner,
		watches: watches,
		catalog: catalog,
		opts:    opts,
		logger:  logger.With().Str("component", "http").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Router wires middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := corslib.New(corslib.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	})
	r.Use(c.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.requireCronSecret).Get("/cron/check-prices", s.checkPrices)

		r.Route("/watches", func(r chi.Router) {
			r.Get("/", s.listWatches)
			r.Get("/{id}", s.getWatch)
			r.Get("/{id}/samples", s.listSamples)
			r.Get("/{id}/notifications", s.listNotifications)
		})
	})

	return r
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CronSecret != "" {
			want := "Bearer " + s.opts.CronSecret
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type checkResponse struct {
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Results   service.Report `json:"results"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) checkPrices(w http.ResponseWriter, r *http.Request) {
	if !s.running.TryLock() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "price check already running"})
		return
	}
	defer s.running.Unlock()

	report, err := s.runner.RunOnce(r.Context())
	resp := checkResponse{Results: report, Timestamp: s.now()}
	if err != nil {
		s.logger.Error().Err(err).Msg("price check failed")
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	switch {
	case report.Skipped:
		resp.Message = "Price check skipped, another instance is running"
	case report.Checked == 0:
		resp.Message = "No items to check"
	default:
		resp.Message = "Price check complete"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := s.catalog.ListWatches(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watches": watches})
}

func (s *Server) getWatch(w http.ResponseWriter, r *http.Request) {
	watch, err := s.watches.GetWatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watch)
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.watches.GetWatch(r.Context(), id); err != nil {
		s.lookupError(w, err)
		return
	}
	samples, err := s.catalog.RecentSamples(r.Context(), id, queryLimit(r, 10))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.watches.GetWatch(r.Context(), id); err != nil {
		s.lookupError(w, err)
		return
	}
	notes, err := s.catalog.ListRecentNotifications(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (s *Server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "watch not found"})
		return
	}
	s.serverError(w, err)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
