package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/classpoint/ragserver/internal/api"
	"github.com/classpoint/ragserver/internal/config"
	"github.com/classpoint/ragserver/internal/core"
	"github.com/classpoint/ragserver/internal/index"
	"github.com/classpoint/ragserver/internal/ingest"
	"github.com/classpoint/ragserver/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Cancelling this context on shutdown rolls back in-flight builds.
	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize credential store
	userStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer userStore.Close()

	// Initialize LLM service (embeddings + completions)
	llmService, err := core.NewLLMService(baseCtx, cfg.GeminiAPIKey, cfg.EmbedTimeout, cfg.CompletionTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	// Rebuild the registry from disk; partial builds are swept here.
	registry, err := index.LoadRegistry(cfg.DatasourcesDir)
	if err != nil {
		log.Fatalf("Failed to load datasource registry: %v", err)
	}
	log.Printf("Registry loaded with %d ready datasources", len(registry.List()))

	stagingManager, err := ingest.NewStagingManager(cfg.StagingDir)
	if err != nil {
		log.Fatalf("Failed to initialize staging manager: %v", err)
	}

	builderConfig := index.BuilderConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		EmbedTimeout: cfg.EmbedTimeout,
		Retry:        index.DefaultRetryConfig(),
	}
	builderConfig.Retry.MaxAttempts = cfg.EmbedMaxRetries

	builder := index.NewBuilder(registry, stagingManager, llmService, cfg.DatasourcesDir, builderConfig)
	retriever := index.NewRetriever(registry, llmService, cfg.DatasourcesDir)
	chatService := core.NewChatService(retriever, llmService, cfg.RetrievalTopK)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(userStore, stagingManager, registry, builder, chatService, []byte(cfg.JWTSecret), baseCtx)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Block until a termination signal is received.
	<-baseCtx.Done()
	log.Println("Shutting down server...")

	// Give active connections time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
