package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/recoverly/recoverly/internal/api/handlers"
	appMiddleware "github.com/recoverly/recoverly/internal/api/middlewares"
	"github.com/recoverly/recoverly/internal/chat"
	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/core"
	"github.com/recoverly/recoverly/internal/ratelimit"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, store core.Store, orchestrator *chat.Orchestrator, limiter *ratelimit.Limiter) *Server {
	authHandler := handlers.NewAuthHandler(store, cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(orchestrator, limiter)
	wellnessHandler := handlers.NewWellnessHandler(store)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/signup", authHandler.Signup)
		api.Post("/login", authHandler.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

			protected.Post("/chat", chatHandler.SendMessage)
			protected.Get("/chat/history", chatHandler.GetHistory)
			protected.Delete("/chat/history", chatHandler.ClearHistory)
			protected.Get("/chat/limit", chatHandler.GetLimit)

			protected.Post("/checkins", wellnessHandler.CreateCheckIn)
			protected.Get("/checkins", wellnessHandler.GetCheckIns)
			protected.Post("/relapses", wellnessHandler.ReportRelapse)
			protected.Get("/streaks", wellnessHandler.GetStreaks)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
