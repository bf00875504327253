package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	Debug              bool

	// Store
	StoreBackend   string // sql | dynamodb
	DatabaseDriver string // postgres | sqlite
	DatabaseURL    string
	DynamoDBTable  string

	// Redis (empty = in-process queue)
	RedisURL string

	// Asset storage
	UseRemoteStorage  bool
	LocalStorageDir   string
	LocalAssetBaseURL string
	S3Bucket          string
	StorageKeyDomain  string
	SignedURLExpiry   time.Duration

	// Video generation
	VideoProvider string // veo | xai
	GeminiKey     string
	VeoModel      string
	XAIAPIKey     string

	// OpenAI (optional scene planner)
	OpenAIKey string

	// Lip-sync service (optional)
	LipSyncURL string
	LipSyncKey string

	// Worker
	MaxConcurrentJobs int
	MaxSceneRetries   int
	TempDir           string
}

// Load reads the environment and validates everything the server needs.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the environment without validating it.
func Read() *Config {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		Debug:              getEnvBool("DEBUG", false),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", "sql")),
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		DynamoDBTable:      getEnv("DYNAMODB_TABLE", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		UseRemoteStorage:   getEnvBool("USE_REMOTE_STORAGE", false),
		LocalStorageDir:    getEnv("LOCAL_STORAGE_DIR", "data/assets"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		StorageKeyDomain:   getEnv("STORAGE_KEY_DOMAIN", "scenecast"),
		SignedURLExpiry:    time.Duration(getEnvInt("SIGNED_URL_EXPIRY_SECONDS", 3600)) * time.Second,
		VideoProvider:      strings.ToLower(getEnv("VIDEO_PROVIDER", "veo")),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:          getEnv("XAI_API_KEY", ""),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		LipSyncURL:         getEnv("LIPSYNC_API_URL", ""),
		LipSyncKey:         getEnv("LIPSYNC_API_KEY", ""),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 5),
		MaxSceneRetries:    getEnvInt("MAX_SCENE_RETRIES", 3),
		TempDir:            getEnv("TEMP_DIR", os.TempDir()),
	}
	cfg.LocalAssetBaseURL = getEnv("LOCAL_ASSET_BASE_URL", "http://localhost:"+cfg.APIPort)
	return cfg
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.UseRemoteStorage && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when USE_REMOTE_STORAGE is set")
	}

	switch c.VideoProvider {
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the veo provider")
		}
	case "xai":
		if c.XAIAPIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required for the xai provider")
		}
	default:
		return fmt.Errorf("VIDEO_PROVIDER must be veo or xai, got %q", c.VideoProvider)
	}

	if (c.LipSyncURL == "") != (c.LipSyncKey == "") {
		return fmt.Errorf("LIPSYNC_API_URL and LIPSYNC_API_KEY must be set together")
	}
	if c.MaxSceneRetries < 1 {
		return fmt.Errorf("MAX_SCENE_RETRIES must be at least 1")
	}
	return nil
}

// ValidateStore checks only the project store settings.
func (c *Config) ValidateStore() error {
	switch c.StoreBackend {
	case "sql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
			return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
		}
	case "dynamodb":
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required when STORE_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be sql or dynamodb, got %q", c.StoreBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
