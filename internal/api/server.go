// Package api exposes the job lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/jobs"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/payment"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/telemetry"
)

// RateLimiter meters mutating requests per actor.
type RateLimiter interface {
	AllowActor(ctx context.Context, actor models.Actor) (bool, error)
}

// Server wires HTTP handlers for the job console.
type Server struct {
	jobs         *jobs.Service
	payments     *payment.Manager
	limiter      RateLimiter
	webhookToken string
	logger       *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting; an empty
// webhookToken disables the settlement webhook.
func New(svc *jobs.Service, payments *payment.Manager, limiter RateLimiter, webhookToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:         svc,
		payments:     payments,
		limiter:      limiter,
		webhookToken: webhookToken,
		logger:       logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/webhooks/settlement", s.handleSettlementWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.resolveActor)
		r.Use(s.rateLimit)

		r.Post("/jobs", s.handleCreate)
		r.Post("/requests", s.handleRequest)
		r.Put("/team/{kind}/{id}", s.handlePutMember)

		r.Route("/jobs/{kind}/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/transitions", s.handleTransition)
			r.Get("/actions", s.handleActions)
			r.Post("/notes", s.handleNote)
			r.Patch("/customer", s.handleCustomer)
			r.Get("/activity", s.handleActivity)
			r.Get("/activity.xlsx", s.handleActivityExport)

			r.Route("/payment", func(r chi.Router) {
				r.Post("/", s.handlePaymentStart)
				r.Get("/", s.handlePaymentSnapshot)
				r.Delete("/", s.handlePaymentAbandon)
				r.Post("/link", s.handlePaymentGenerate)
				r.Post("/retry", s.handlePaymentRetry)
				r.Post("/continue", s.handlePaymentContinue)
			})
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.AllowActor(r.Context(), actorFrom(r.Context()))
		if err != nil {
			s.logger.Error("ratelimit.failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// writeError maps a core error onto a status code. Anything unclassified is a 500 and is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: code, Message: err.Error(), Fields: apperr.FieldsOf(err)}
	if status == http.StatusInternalServerError {
		s.logger.Error("http.error", "path", r.URL.Path, "err", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrMissingFields):
		return http.StatusUnprocessableEntity, "missing_fields"
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrExternalService):
		return http.StatusBadGateway, "external_service"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.InvalidInput("invalid json: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
