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

	"studyforge-backend/internal/breaker"
	"studyforge-backend/internal/config"
	"studyforge-backend/internal/database"
	"studyforge-backend/internal/handlers"
	"studyforge-backend/internal/middleware"
	"studyforge-backend/internal/orchestrator"
	"studyforge-backend/internal/queue"
	"studyforge-backend/internal/repository"
	"studyforge-backend/internal/router"
	"studyforge-backend/internal/services"
	"studyforge-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting StudyForge Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Client ────
	redisClient, err := database.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	userRepo := repository.NewUserRepo(pool)
	studySetRepo := repository.NewStudySetRepo(pool)
	jobRepo := repository.NewJobRepo(pool)

	// ──── Step 5: Initialize Gemini Client ────
	geminiBreaker := breaker.New("gemini")
	geminiService, err := services.NewGeminiService(cfg.GeminiAPIKey, geminiBreaker)
	if err != nil {
		log.Fatalf("✗ Gemini client initialization failed: %v", err)
	}
	defer geminiService.Close()
	log.Println("✓ Gemini Flash client initialized")

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	fileExtractService := services.NewFileExtractService()
	authService := services.NewAuthService(userRepo, jwtAuth)

	// ──── Step 6: Start Generation Queue ────
	broker := queue.NewRedisBroker(redisClient)
	processor := worker.NewProcessor(geminiService, studySetRepo)
	jobQueue := queue.New(broker, jobRepo, processor, cfg.WorkerCount)
	jobQueue.Start()
	log.Printf("✓ Generation queue started (%d workers)", cfg.WorkerCount)

	orch := orchestrator.New(studySetRepo, geminiService, jobQueue)

	// ──── Initialize Handlers ────
	authHandler := handlers.NewAuthHandler(authService)
	generateHandler := handlers.NewGenerateHandler(orch, fileExtractService)
	jobHandler := handlers.NewJobHandler(jobQueue)
	setHandler := handlers.NewSetHandler(studySetRepo)

	// ──── Step 7: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		authHandler,
		generateHandler,
		jobHandler,
		setHandler,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		jobQueue.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ StudyForge Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
