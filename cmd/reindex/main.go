package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"promptguard-backend/ai"
	"promptguard-backend/chunker"
	"promptguard-backend/config"
	"promptguard-backend/repository"
	"promptguard-backend/service"
	"promptguard-backend/storage"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	dir := flag.String("dir", "", "directory of policy files to import into document storage before reindexing")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../../.env"); err != nil {
			log.Printf("Warning: No .env file found, using environment variables")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()

	// Verify table exists
	var tableExists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'policy_chunks')").Scan(&tableExists)
	if err != nil {
		log.Fatalf("Failed to check table existence: %v", err)
	}
	if !tableExists {
		log.Fatal("policy_chunks table does not exist. Please run: go run cmd/create-schema/main.go")
	}

	docStore, err := storage.NewStorageFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Stage new documents first so the rebuild below picks them up
	if *dir != "" {
		files, err := os.ReadDir(*dir)
		if err != nil {
			log.Fatalf("Failed to read directory: %v", err)
		}

		for _, file := range files {
			if file.IsDir() {
				continue
			}

			ext := strings.ToLower(filepath.Ext(file.Name()))
			if ext != ".txt" && ext != ".md" && ext != ".json" {
				log.Printf("⏭️  Skipping %s (unsupported extension)", file.Name())
				continue
			}

			f, err := os.Open(filepath.Join(*dir, file.Name()))
			if err != nil {
				log.Printf("❌ Error reading %s: %v", file.Name(), err)
				continue
			}

			name := storage.SanitizeName(file.Name())
			err = docStore.Save(ctx, name, f)
			f.Close()
			if err != nil {
				log.Printf("❌ Error importing %s: %v", file.Name(), err)
				continue
			}
			log.Printf("✓ Imported %s", name)
		}
	}

	aiClient, err := ai.NewClient(ctx, ai.Config{
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

	chunkRepo := repository.NewPolicyChunkRepository(pool)
	policyService := service.NewPolicyIndexService(
		service.IndexWithChunkStore(chunkRepo),
		service.IndexWithEmbedder(aiClient),
		service.IndexWithDocumentStorage(docStore),
		service.IndexWithChunker(splitter),
	)

	// Wipe the chunk index, then rebuild it in one pass from document storage
	if err := chunkRepo.Clear(ctx); err != nil {
		log.Fatalf("Failed to clear policy index: %v", err)
	}
	log.Println("✓ Cleared policy index")

	if err := policyService.Initialize(ctx); err != nil {
		log.Fatalf("Failed to rebuild policy index: %v", err)
	}

	count, err := policyService.Count(ctx)
	if err != nil {
		log.Fatalf("Failed to count chunks: %v", err)
	}

	log.Printf("\n✅ Reindex complete: %d chunks indexed", count)
}
