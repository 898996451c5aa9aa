package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"convorag/internal/ratelimit"
)

// NewRouter wires all routes. Streaming and metrics endpoints sit outside
// the request timeout so long generations and scrapes are not cut short.
// A nil limiter disables rate limiting.
func NewRouter(h *Handler, limiter *ratelimit.SlidingWindow) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(traceMiddleware)
	r.Use(requestLogger(h.logger))
	r.Use(metricsMiddleware(h.metrics))
	r.Use(rateLimitMiddleware(limiter))
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/ingest", h.handleIngest)
		r.Get("/search", h.handleSearchGet)
		r.Post("/search", h.handleSearchPost)
		r.Get("/conversations", h.handleListConversations)
		r.Get("/conversations/{id}", h.handleGetConversation)
		r.Delete("/conversations/{id}", h.handleDeleteConversation)
		r.Post("/rag/ask", h.handleAsk)
		r.Post("/admin/reembed", h.handleReembed)
		r.Get("/health", h.handleHealth)
	})

	r.Post("/rag/ask-stream", h.handleAskStream)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	return r
}
