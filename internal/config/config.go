package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	// Filesystem roots for the ingestion pipeline.
	StagingDir     string
	DatasourcesDir string

	// Chunking parameters applied to every index build.
	ChunkSize    int
	ChunkOverlap int

	// Retrieval defaults.
	RetrievalTopK int

	// Bounds on external calls. A timeout counts as a call failure.
	EmbedTimeout      time.Duration
	CompletionTimeout time.Duration
	EmbedMaxRetries   int
}

func Load() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:       getEnv("DATABASE_URL", "ragserver_users.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		StagingDir:        getEnv("STAGING_DIR", "temp_uploads"),
		DatasourcesDir:    getEnv("DATASOURCES_DIR", "datasources"),
		ChunkSize:         getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:      getEnvAsInt("CHUNK_OVERLAP", 200),
		RetrievalTopK:     getEnvAsInt("RETRIEVAL_TOP_K", 3),
		EmbedTimeout:      time.Duration(getEnvAsInt("EMBED_TIMEOUT_SECONDS", 30)) * time.Second,
		CompletionTimeout: time.Duration(getEnvAsInt("COMPLETION_TIMEOUT_SECONDS", 120)) * time.Second,
		EmbedMaxRetries:   getEnvAsInt("EMBED_MAX_RETRIES", 3),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
