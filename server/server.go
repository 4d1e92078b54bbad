// Package server exposes the settlement engine over HTTP: the facilitator
// verify/settle endpoints and the plan-and-send endpoint with its progress
// stream.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// Server holds the engine components behind the HTTP surface.
type Server struct {
	cfg      *crosspay.Config
	verifier crosspay.AuthorizationVerifier
	settler  crosspay.FacilitatorSettler
	orch     *crosspay.Orchestrator
	wallets  []string
	logger   *zap.Logger
}

// New wires a server. wallets are the managed source wallets the send
// endpoint plans over. logger may be nil.
func New(cfg *crosspay.Config, verifier crosspay.AuthorizationVerifier, settler crosspay.FacilitatorSettler, orch *crosspay.Orchestrator, wallets []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		settler:  settler,
		orch:     orch,
		wallets:  wallets,
		logger:   logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/supported", s.handleSupported)
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
		r.Post("/send", s.handleSend)
	})

	return r
}

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestId", requestIDFromContext(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
