package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/serverbound/syncengine/internal/config"
	"github.com/serverbound/syncengine/internal/database"
	"github.com/serverbound/syncengine/internal/handlers"
	"github.com/serverbound/syncengine/internal/hub"
	"github.com/serverbound/syncengine/internal/repositories"
	"github.com/serverbound/syncengine/internal/services"
	"github.com/serverbound/syncengine/internal/syncer"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	accountRepo := repositories.NewPostgresAccountRepository(postgresPool)
	agentRepo := repositories.NewPostgresAgentRepository(postgresPool)
	sessionRepo := repositories.NewRedisSessionRepository(redisClient)
	presenceRepo := repositories.NewRedisPresenceRepository(redisClient)
	eventLogRepo := repositories.NewPostgresEventLogRepository(postgresPool)

	// Services
	authService := services.NewAuthService(accountRepo, agentRepo, sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)
	detector := syncer.New(eventLogRepo)
	dispatchHub := hub.NewHub(detector, authService, presenceRepo, cfg.Sync.HubSendQueueDepth)

	authHandler := handlers.NewAuthHandler(authService)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Post("/auth/register", authHandler.Register)
	router.Post("/auth/login", authHandler.Login)
	router.Post("/auth/logout", authHandler.Logout)
	router.Get("/ws", dispatchHub.Handler())

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// graceful shutdown
	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-groupCtx.Done():
			return groupCtx.Err()
		}

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped gracefully")
}
