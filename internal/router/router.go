package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"studyforge-backend/internal/handlers"
	"studyforge-backend/internal/middleware"
)

func New(
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	generateHandler *handlers.GenerateHandler,
	jobHandler *handlers.JobHandler,
	setHandler *handlers.SetHandler,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Auth rate limiter (10 req/min per IP)
	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	// Generation rate limiter (30 req/min per IP)
	generateLimiter := middleware.NewRateLimiter(30, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
		})

		// ──── Generation Routes ────
		// Anonymous requests are allowed; a valid token attributes the
		// request to the user for history.
		r.Group(func(r chi.Router) {
			r.Use(generateLimiter.Middleware)
			r.Use(jwtAuth.OptionalAuth)
			r.Post("/generate", generateHandler.Generate)
			r.Post("/generate/file", generateHandler.GenerateFromFile)
		})

		// ──── Job Routes ────
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{id}", jobHandler.GetJob)
		})
		r.Get("/queue-status", jobHandler.QueueStatus)

		// ──── Study Set Routes ────
		r.Route("/sets", func(r chi.Router) {
			r.Use(jwtAuth.OptionalAuth)
			r.Get("/{id}", setHandler.GetSet)
		})

		// ──── History Routes ────
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/history", setHandler.History)
		})
	})

	return r
}
