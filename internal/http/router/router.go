package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/unified-auth-sync/internal/http/handler"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/middleware"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/response"
)

type Dependencies struct {
	AuthHandler      *handler.AuthHandler
	Verifier         middleware.TokenVerifier
	AuthRateLimitRPM int
	AuthRateLimiter  AuthRateLimiterFunc
	// Relay is mounted at /api/v1/sync/ws when set.
	Relay          http.Handler
	AppID          string
	Logger         *slog.Logger
	EnableOTelHTTP bool
}

type AuthRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(1 << 20))

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	}
	requireAuth := middleware.AuthMiddleware(dep.Verifier)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok", "app_id": dep.AppID})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/signin", dep.AuthHandler.SignIn)
			r.With(requireAuth).Get("/session", dep.AuthHandler.Session)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
				r.With(requireAuth).Post("/signout", dep.AuthHandler.SignOut)
			})
		})
		if dep.Relay != nil {
			r.Handle("/sync/ws", dep.Relay)
		}
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
