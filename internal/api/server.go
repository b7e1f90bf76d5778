package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/ratelimit"
	"sync-control-plane/internal/telemetry"
)

// Server wires HTTP handlers for the operator console.
type Server struct {
	manager *admin.Manager
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// New constructs the console server. limiter throttles mutating actions per operator.
func New(manager *admin.Manager, limiter ratelimit.Limiter, log zerolog.Logger) *Server {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Server{manager: manager, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{key}/runs", s.handleRuns)
	r.Group(func(r chi.Router) {
		r.Use(s.throttle)
		r.Post("/jobs/{key}/dispatch", s.handleDispatch)
		r.Post("/jobs/{key}/cancel", s.handleCancel)
		r.Post("/jobs/{key}/retry", s.handleRetry)
		r.Delete("/jobs/{key}/failed", s.handleClearFailed)
	})
	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type listResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Jobs    []admin.JobStatus `json:"jobs"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.manager.JobsWithStatus(r.Context())
	writeJSON(w, http.StatusOK, listResponse{Success: true, Message: fmt.Sprintf("%d jobs", len(jobs)), Jobs: jobs})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			writeJSON(w, http.StatusBadRequest, envelope{Message: "limit must be between 1 and 200"})
			return
		}
		limit = n
	}
	res := s.manager.Runs(r.Context(), key, limit)
	writeJSON(w, s.statusFor(key, res.Success), res)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	res := s.manager.Dispatch(r.Context(), key)
	writeJSON(w, s.statusFor(key, res.Success), res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	res := s.manager.Cancel(r.Context(), key)
	writeJSON(w, s.statusFor(key, res.Success), res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	res := s.manager.RetryFailed(r.Context(), key)
	writeJSON(w, s.statusFor(key, res.Success), res)
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	res := s.manager.ClearFailed(r.Context(), key)
	writeJSON(w, s.statusFor(key, res.Success), res)
}

func (s *Server) statusFor(key string, ok bool) int {
	if ok {
		return http.StatusOK
	}
	if _, known := s.manager.Catalog().Lookup(key); !known {
		return http.StatusNotFound
	}
	return http.StatusUnprocessableEntity
}

// throttle applies the action budget keyed by operator.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "console:" + operatorFromRequest(r)
		wait, err := s.limiter.Take(r.Context(), key)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("console rate limit")
			writeJSON(w, http.StatusInternalServerError, envelope{Message: "rate limit error"})
			return
		}
		if wait > 0 {
			telemetry.RateBudgetRejects.WithLabelValues("console").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)+1))
			writeJSON(w, http.StatusTooManyRequests, envelope{Message: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
