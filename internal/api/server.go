// Package api exposes the HTTP surface of siftd: the chat endpoints
// (blocking and SSE), run capsule lookup, thread history, and the
// dataset catalog, plus health and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sift-analytics/sift/internal/agent"
	"github.com/sift-analytics/sift/internal/auth"
	"github.com/sift-analytics/sift/internal/executor"
	"github.com/sift-analytics/sift/internal/registry"
	"github.com/sift-analytics/sift/internal/store"
)

// ChatAgent is the agent surface the transport layer needs. Satisfied
// by *agent.Agent.
type ChatAgent interface {
	Run(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error)
	Stream(ctx context.Context, req agent.TurnRequest) (<-chan agent.Event, error)
}

// Server wires handlers to their dependencies.
type Server struct {
	agent    ChatAgent
	exec     executor.Executor
	registry *registry.Registry
	capsules store.CapsuleStore
	messages store.MessageStore
	sse      *SSELimiter
}

// Options configures the router.
type Options struct {
	Agent       ChatAgent
	Executor    executor.Executor
	Registry    *registry.Registry
	Capsules    store.CapsuleStore
	Messages    store.MessageStore
	CORSOrigins []string

	// APIKey enables static bearer-key auth when non-empty.
	APIKey string
}

// NewServer builds the handler set.
func NewServer(opts Options) *Server {
	return &Server{
		agent:    opts.Agent,
		exec:     opts.Executor,
		registry: opts.Registry,
		capsules: opts.Capsules,
		messages: opts.Messages,
		sse:      NewSSELimiter(),
	}
}

// NewRouter assembles the chi router with the full middleware chain.
// Health and metrics sit outside /api/v1 so probes and scrapers skip
// the JSON body limit.
func NewRouter(opts Options) http.Handler {
	s := NewServer(opts)

	r := chi.NewRouter()
	r.Use(cors.Handler(corsOptions(opts.CORSOrigins)))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(auth.APIKey(opts.APIKey))

	r.Get("/health", s.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)

		r.Post("/chat", s.HandleChat)
		r.Post("/chat/stream", s.HandleChatStream)

		r.Get("/runs", s.HandleListRuns)
		r.Get("/runs/{run_id}", s.HandleGetRun)
		r.Get("/runs/{run_id}/status", s.HandleGetRunStatus)
		r.Post("/runs/{run_id}/cancel", s.HandleCancelRun)

		r.Get("/threads/{thread_id}/messages", s.HandleThreadMessages)

		r.Get("/datasets", s.HandleListDatasets)
		r.Get("/datasets/{dataset_id}/schema", s.HandleDatasetSchema)
	})

	return r
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	for _, o := range origins {
		if o == "*" {
			slog.Warn("CORS configured with wildcard origin; credentials disabled for all origins")
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}
