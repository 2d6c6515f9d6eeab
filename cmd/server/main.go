package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promptguard-backend/ai"
	"promptguard-backend/chunker"
	"promptguard-backend/config"
	"promptguard-backend/handlers"
	"promptguard-backend/repository"
	"promptguard-backend/service"
	"promptguard-backend/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from project root (relative to cmd/server/)
	// Try current directory first, then project root
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../../.env"); err != nil {
			log.Printf("Warning: No .env file found, using environment variables")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Initialize database connection
	db, err := initPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize Postgres:", err)
	}
	defer db.Close()

	// Initialize document storage
	docStore, err := storage.NewStorageFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Println("Storage initialized")

	// Initialize repository
	chunkRepo := repository.NewPolicyChunkRepository(db)

	// Initialize Gemini client
	aiClient, err := ai.NewClient(context.Background(), ai.Config{
		APIKey:            cfg.GeminiAPIKey,
		EmbeddingModel:    cfg.EmbeddingModel,
		JudgeModel:        cfg.JudgeModel,
		RequestsPerMinute: cfg.GeminiRPM,
	})
	if err != nil {
		log.Fatal("Failed to initialize Gemini:", err)
	}
	defer aiClient.Close()

	splitter, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	if err != nil {
		log.Fatal("Invalid chunker config:", err)
	}

	// Initialize services
	policyService := service.NewPolicyIndexService(
		service.IndexWithChunkStore(chunkRepo),
		service.IndexWithEmbedder(aiClient),
		service.IndexWithDocumentStorage(docStore),
		service.IndexWithChunker(splitter),
	)

	verificationService := service.NewVerificationService(
		service.VerifyWithPolicyIndex(policyService),
		service.VerifyWithJudge(aiClient),
		service.VerifyWithTopK(cfg.RetrievalTopK),
	)

	// Rebuild the vector index from stored documents if it is empty
	initCtx, cancelInit := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := policyService.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatal("Failed to initialize policy index:", err)
	}
	cancelInit()

	// Initialize handlers
	verifyHandler := handlers.NewVerifyHandler(verificationService)
	policyHandler := handlers.NewPolicyHandler(policyService)

	// Setup Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	if len(cfg.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.AllowOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
		r.Use(cors.New(corsConfig))
	}

	// Health check endpoints
	r.GET("/health", policyHandler.Health)

	// API routes
	api := r.Group("/api")
	{
		api.GET("/health", policyHandler.Health)

		// Verification endpoint
		api.POST("/verify", verifyHandler.VerifyPrompt)

		// Policy endpoints
		api.POST("/policies/add-text", policyHandler.AddPolicyText)
		api.POST("/policies/add-file", policyHandler.AddPolicyFile)
		api.GET("/policies/list", policyHandler.ListPolicies)
		api.DELETE("/policies/clear", policyHandler.ClearPolicies)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in a goroutine so shutdown signals can be handled
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func initPostgres(connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, err
	}

	// Enable pgvector extension
	ctx := context.Background()
	_, err = pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		log.Printf("Warning: Failed to create pgvector extension: %v", err)
		log.Println("This may be normal if extension is already installed or requires superuser privileges")
	} else {
		log.Println("pgvector extension enabled")
	}

	log.Println("Postgres connection established with pgvector support")
	return pool, nil
}
