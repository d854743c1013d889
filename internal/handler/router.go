package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/agentsync/internal/auth"
	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// ScopeOutboxAdmin is the token grant required to requeue failed outbox entries.
const ScopeOutboxAdmin = "outbox:admin"

// Handlers bundles every endpoint group served by the API.
type Handlers struct {
	Health       *HealthHandler
	Streams      *StreamHandler
	Checkpoints  *CheckpointHandler
	Outbox       *OutboxHandler
	Presence     *PresenceHandler
	Coordination *CoordinationHandler
	Snapshots    *SnapshotHandler
	Auth         *AuthHandler
	Sync         *SyncHandler
}

// RouterOptions holds cross-cutting settings for the router.
type RouterOptions struct {
	Issuer         *auth.Issuer
	Logger         *logger.Logger
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
}

// NewRouter wires the handlers into a chi router.
func NewRouter(h Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(opts.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(opts.Issuer))
		if opts.RateLimit > 0 {
			r.Use(middleware.RateLimit(opts.RateLimit, opts.RateWindow))
		}

		r.Post("/auth/refresh", h.Auth.Refresh)

		r.Route("/streams", func(r chi.Router) {
			r.Post("/", h.Streams.Create)
			r.Get("/", h.Streams.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Streams.Get)
				r.Post("/events", h.Streams.Append)
				r.Get("/events", h.Streams.Events)
				r.Get("/sync", h.Sync.Sync)
				r.Get("/assignments", h.Coordination.ListAssignments)
				r.Get("/checkpoints", h.Checkpoints.ListByStream)
			})
		})

		r.Get("/checkpoints/{client}/{stream}", h.Checkpoints.Get)
		r.Put("/checkpoints/{client}/{stream}", h.Checkpoints.Put)

		r.Route("/outbox", func(r chi.Router) {
			r.Post("/", h.Outbox.Enqueue)
			r.Get("/", h.Outbox.List)
			r.With(middleware.RequireScope(ScopeOutboxAdmin)).Post("/retry", h.Outbox.Retry)
		})

		r.Post("/presence/heartbeat", h.Presence.Heartbeat)
		r.Get("/presence", h.Presence.List)

		r.Post("/providers", h.Coordination.UpsertProvider)
		r.Post("/assignments", h.Coordination.CreateAssignment)
		r.Post("/assignments/{id}/transition", h.Coordination.Transition)

		r.Get("/snapshots/{component}", h.Snapshots.Get)
	})

	return r
}
