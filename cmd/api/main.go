package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/scenecast/internal/api"
	"github.com/bobarin/scenecast/internal/config"
	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/logging"
	"github.com/bobarin/scenecast/internal/media"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/bobarin/scenecast/internal/services"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/bobarin/scenecast/internal/worker"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Init(false)
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.Debug)
	log.Info().Msg("Starting scenecast API...")

	ctx := context.Background()

	// Connect to the project store
	store, err := db.OpenStore(ctx, db.Options{
		Backend:     cfg.StoreBackend,
		Driver:      cfg.DatabaseDriver,
		DatabaseURL: cfg.DatabaseURL,
		TableName:   cfg.DynamoDBTable,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()
	log.Info().Str("backend", cfg.StoreBackend).Msg("Connected to store")

	// Job queue: Redis when configured, otherwise in-process
	var q queue.JobQueue
	if cfg.RedisURL != "" {
		q, err = queue.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to queue")
		}
		log.Info().Msg("Connected to Redis queue")
	} else {
		q = queue.NewMemory()
		log.Warn().Msg("No REDIS_URL set, using in-process queue (single instance only)")
	}
	defer q.Close()

	// Initialize storage
	stor, err := storage.New(ctx, storage.Options{
		Remote:       cfg.UseRemoteStorage,
		Bucket:       cfg.S3Bucket,
		LocalDir:     cfg.LocalStorageDir,
		LocalBaseURL: cfg.LocalAssetBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	// Initialize services
	generator, err := services.NewGenerator(services.GeneratorConfig{
		Provider:     cfg.VideoProvider,
		GeminiAPIKey: cfg.GeminiKey,
		VeoModel:     cfg.VeoModel,
		XAIAPIKey:    cfg.XAIAPIKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize video generator")
	}
	log.Info().Str("provider", cfg.VideoProvider).Msg("Video generation enabled")

	var planner services.Planner
	if cfg.OpenAIKey != "" {
		planner = services.NewOpenAIPlanner(cfg.OpenAIKey)
		log.Info().Msg("Scene planning enabled")
	}

	var lipsync services.LipSyncer
	if cfg.LipSyncURL != "" {
		lipsync = services.NewLipSyncClient(cfg.LipSyncURL, cfg.LipSyncKey)
		log.Info().Str("url", cfg.LipSyncURL).Msg("Lip-sync enabled")
	}

	engine := media.NewEngine(stor, services.NewFFmpegService(), cfg.TempDir)
	orch := worker.New(store, q, stor, engine, generator, planner, lipsync, worker.Options{
		MaxSceneRetries: cfg.MaxSceneRetries,
		URLExpiry:       cfg.SignedURLExpiry,
		Keys:            storage.Keys{Domain: cfg.StorageKeyDomain},
		TempDir:         cfg.TempDir,
	})

	// Create API handler
	handler := api.NewHandler(store, orch, stor, cfg.SignedURLExpiry)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	workerDone := make(chan struct{})
	workerCtx, workerCancel := context.WithCancel(ctx)
	if cfg.WorkerEnabled {
		log.Info().Int("concurrency", cfg.MaxConcurrentJobs).Msg("Worker enabled, starting background processing...")
		go func() {
			defer close(workerDone)
			orch.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Shutdown worker and wait for in-flight jobs
	workerCancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Worker did not stop before the shutdown deadline")
	}

	log.Info().Msg("Server exited")
}
