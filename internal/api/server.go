package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcs-ctf/deployd/internal/auth"
	"github.com/arcs-ctf/deployd/internal/cache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// challNamesKey is the single cache key for the challenge name list.
const challNamesKey = "all"

// Server holds dependencies for all HTTP handlers.
type Server struct {
	Engine   DeployEngine
	Registry StatusRegistry

	// ServerToken authenticates every inbound request except health and the
	// GitHub receiver.
	ServerToken string

	// GitHubWebhookSecret enables the push receiver when non-empty.
	GitHubWebhookSecret string

	// OnPush re-synchronizes the repository after a push event. Nil skips
	// the sync and only invalidates caches.
	OnPush func() error

	CORSOrigins     []string         // Allowed CORS origins. Defaults to ["*"] reflection.
	RateLimit       *RateLimitConfig // Per-IP rate limiting. Nil disables it.
	RateLimiterStop func()           // Populated by NewRouter when rate limiting is enabled.

	// NameCache holds the challenge name list between git-tree walks.
	// Nil is safe; handlers fall through to the engine.
	NameCache *cache.Cache[string, []string]
}

// challNames returns the known challenge names, from cache when possible.
// Returns nil when the listing fails.
func (s *Server) challNames() []string {
	if s.NameCache != nil {
		if names, ok := s.NameCache.Get(challNamesKey); ok {
			return names
		}
	}
	names, err := s.Engine.ChallNames()
	if err != nil {
		slog.Warn("failed to list challenge names", "error", err)
		return nil
	}
	if s.NameCache != nil {
		s.NameCache.Set(challNamesKey, names)
	}
	return names
}

// invalidateChallNames drops the cached name list after a mutation.
func (s *Server) invalidateChallNames() {
	if s.NameCache != nil {
		s.NameCache.Delete(challNamesKey)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates the configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{statusTextHeader, "X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	// With AllowCredentials, Access-Control-Allow-Origin must not be the
	// literal "*"; reflect the request origin instead.
	if len(corsOrigins) == 0 || hasWildcard(corsOrigins) {
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return true }
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health (unauthenticated).
	r.Get("/health", srv.HandleHealth)

	// GitHub push receiver (HMAC-authenticated, no bearer token).
	if srv.GitHubWebhookSecret != "" {
		r.Post("/webhooks/github", srv.HandleGitHubPush)
	}

	// The dispatch endpoint.
	r.Group(func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}
		r.Use(auth.Bearer(srv.ServerToken))
		r.Post("/", srv.HandleDispatch)
	})

	return r
}

func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// HandleHealth answers liveness probes.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
