package api

import (
	"net/http"
	"time"

	"mycomanager-backend/internal/config"
	"mycomanager-backend/internal/handlers"
	"mycomanager-backend/internal/logging"
	"mycomanager-backend/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterDependencies holds all the dependencies required by the router setup,
// primarily handlers and configuration.
type RouterDependencies struct {
	AuthHandler    *handlers.AuthHandler
	ProfileHandler *handlers.ProfileHandler
	ChatHandler    *handlers.ChatHandlers
	EventsHandler  *handlers.EventsHandler
	Verifier       TokenVerifier
	Metrics        *metrics.Collector // optional
	Config         *config.Config
	Logger         *zap.Logger
}

// NewRouter creates and configures the main Chi router for the application.
func NewRouter(deps RouterDependencies) *chi.Mux {
	r := chi.NewRouter()

	// --- Base Middleware Stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	// --- Public Routes (No JWT Required) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// Sending waits on the completion endpoint; every other call is bounded.
	timeout := middleware.Timeout(60 * time.Second)

	r.Route("/v1", func(r chi.Router) {
		r.With(timeout).Post("/auth/signup", deps.AuthHandler.HandleSignup)
		r.With(timeout).Post("/auth/login", deps.AuthHandler.HandleLogin)
		r.Get("/onboarding/questions", deps.ProfileHandler.HandleQuestions)

		// --- Authenticated Routes (JWT Required) ---
		r.Group(func(r chi.Router) {
			r.Use(JwtAuthMiddleware(deps.Verifier, deps.Logger))

			// The view stream is long-lived and must not get a timeout.
			r.Get("/events", deps.EventsHandler.HandleEvents)
			r.Post("/messages", deps.ChatHandler.HandleSendMessage)
			r.Post("/messages/{messageID}/retry", deps.ChatHandler.HandleRetryMessage)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Post("/auth/logout", deps.AuthHandler.HandleLogout)
				r.Get("/me", deps.AuthHandler.HandleMe)

				r.Get("/profile", deps.ProfileHandler.HandleGetProfile)
				r.Put("/profile", deps.ProfileHandler.HandleSaveProfile)

				r.Route("/conversations", func(r chi.Router) {
					r.Get("/", deps.ChatHandler.HandleListConversations)
					r.Post("/", deps.ChatHandler.HandleNewChat)
					r.Delete("/", deps.ChatHandler.HandleClearHistory)
					r.Post("/{conversationID}/select", deps.ChatHandler.HandleSelectConversation)
					r.Get("/{conversationID}/messages", deps.ChatHandler.HandleGetMessages)
				})
			})
		})
	})

	return r
}
