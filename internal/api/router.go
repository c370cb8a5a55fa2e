package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/auth"
	"github.com/blacklake-io/blacklake/internal/commit"
	"github.com/blacklake-io/blacklake/internal/eventstream"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Engine      *commit.Engine
	Hub         *eventstream.Hub
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need
	// commit-engine-level logic.
	Users         repository.UserRepository
	Repos         repository.RepoRepository
	Refs          repository.RefRepository
	Policies      repository.PolicyRepository
	ProtectedRefs repository.ProtectedRefRepository
	Quotas        repository.QuotaRepository
	Jobs          repository.JobRepository
	Webhooks      repository.WebhookRepository
	Deliveries    repository.WebhookDeliveryRepository
	OIDCProviders repository.OIDCProviderRepository

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1; no GUI or static assets are
// served by this router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	repoHandler := NewRepoHandler(cfg.Repos, cfg.Refs, cfg.Logger)
	commitHandler := NewCommitHandler(cfg.Engine, cfg.Logger)
	policyHandler := NewPolicyHandler(cfg.Policies, cfg.Logger)
	protectedRefHandler := NewProtectedRefHandler(cfg.ProtectedRefs, cfg.Logger)
	quotaHandler := NewQuotaHandler(cfg.Quotas, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Deliveries, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()
	wsHandler := NewWSHandler(cfg.Hub, jwtMgr, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)

			// Event stream authenticates itself via the ?token= query
			// parameter rather than the Authenticate middleware, since the
			// browser WebSocket API cannot set an Authorization header.
			r.Get("/events", wsHandler.ServeWS)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Repos
			r.Get("/repos", repoHandler.List)
			r.Post("/repos", repoHandler.Create)
			r.Get("/repos/{id}", repoHandler.GetByID)
			r.Patch("/repos/{id}", repoHandler.Update)
			r.Delete("/repos/{id}", repoHandler.Delete)

			// Refs
			r.Get("/repos/{id}/refs", repoHandler.ListRefs)
			r.Delete("/repos/{id}/refs/{name:.*}", repoHandler.DeleteRef)

			// Commit engine operations
			r.Post("/repos/{id}/upload-init", commitHandler.UploadInit)
			r.Post("/repos/{id}/refs/{name:.*}/commits", commitHandler.CreateCommit)
			r.Get("/repos/{id}/refs/{name:.*}/tree", commitHandler.GetTree)
			r.Get("/repos/{id}/refs/{name:.*}/blob", commitHandler.GetBlobURL)
			r.Patch("/repos/{id}/refs/{name:.*}/metadata", commitHandler.MergeMetadata)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// Webhooks
				r.Get("/repos/{id}/webhooks", webhookHandler.List)
				r.Post("/repos/{id}/webhooks", webhookHandler.Create)
				r.Get("/webhooks/{id}", webhookHandler.GetByID)
				r.Patch("/webhooks/{id}", webhookHandler.Update)
				r.Delete("/webhooks/{id}", webhookHandler.Delete)
				r.Get("/webhooks/{id}/deliveries", webhookHandler.ListDeliveries)

				// Branch protection
				r.Get("/repos/{id}/protected-refs", protectedRefHandler.List)
				r.Post("/repos/{id}/protected-refs", protectedRefHandler.Create)
				r.Get("/repos/{id}/protected-refs/{name:.*}", protectedRefHandler.GetByRef)
				r.Patch("/repos/{id}/protected-refs/{name:.*}", protectedRefHandler.Update)
				r.Delete("/protected-refs/{id}", protectedRefHandler.Delete)

				// Quotas
				r.Get("/repos/{id}/quota", quotaHandler.GetForRepo)
				r.Post("/repos/{id}/quota", quotaHandler.Create)
				r.Patch("/repos/{id}/quota", quotaHandler.Update)
				r.Get("/repos/{id}/quota/users/{user_id}", quotaHandler.GetForUser)
				r.Post("/repos/{id}/quota/users/{user_id}", quotaHandler.CreateForUser)
				r.Patch("/repos/{id}/quota/users/{user_id}", quotaHandler.UpdateForUser)
				r.Delete("/quotas/{id}", quotaHandler.Delete)

				// Jobs
				r.Get("/jobs", jobHandler.List)
				r.Get("/jobs/{id}", jobHandler.GetByID)
				r.Get("/jobs/{id}/logs", jobHandler.GetLogs)
				r.Get("/jobs/dead-letters", jobHandler.ListDeadLetters)
				r.Post("/jobs/dead-letters/{id}/retry", jobHandler.Retry)
				r.Post("/jobs/dead-letters/{id}/discard", jobHandler.Discard)

				// Policies
				r.Get("/policies", policyHandler.List)
				r.Post("/policies", policyHandler.Create)
				r.Get("/policies/{id}", policyHandler.GetByID)
				r.Patch("/policies/{id}", policyHandler.Update)
				r.Delete("/policies/{id}", policyHandler.Delete)

				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// OIDC provider configuration
				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)
			})
		})
	})

	return r
}
