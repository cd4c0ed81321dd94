package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// routes registers the API endpoints
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)          // Health check endpoint
	r.Get("/metrics", s.handleMetrics)        // Prometheus metrics endpoint
	r.Get("/status", s.handleStatus)          // Service status endpoint
	r.Get("/circuit", s.handleCircuitStatus)  // Circuit breaker status
	r.Post("/circuit", s.handleCircuitStatus) // Circuit breaker control

	r.Group(func(r chi.Router) {
		r.Use(s.limit)

		r.Post("/", s.handleRequest) // Chainlink EA endpoint
		r.Post("/premium", s.handlePremium)
		r.Post("/premium/batch", s.handlePremiumBatch)
		r.Post("/policies/decode", s.handleDecode)
		r.Post("/policies/encode", s.handleEncode)
		r.Post("/policies/calldata", s.handleCalldata)
		r.Post("/quote", s.handleQuote)
		r.Get("/rm/params", s.handleParams)
	})

	return r
}

// limit rejects requests beyond the configured rate
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimit.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and durations per route
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
