package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/robalyx/fitroom/internal/ai"
	aiClient "github.com/robalyx/fitroom/internal/ai/client"
	"github.com/robalyx/fitroom/internal/database"
	"github.com/robalyx/fitroom/internal/database/migrations"
	"github.com/robalyx/fitroom/internal/enhance"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/redis"
	"github.com/robalyx/fitroom/internal/setup/client"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/internal/setup/telemetry"
	"github.com/robalyx/fitroom/internal/storage"
	"github.com/robalyx/fitroom/internal/tryon"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// Background removal providers.
const (
	BackgroundProviderGenAI = "genai"
	BackgroundProviderHTTP  = "http"
	BackgroundProviderNone  = "none"
)

var ErrInvalidBackgroundProvider = errors.New("invalid background removal provider")

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config        // Application configuration
	Logger       *zap.Logger           // Main application logger
	DBLogger     *zap.Logger           // Database-specific logger
	DB           database.Client       // Database connection pool
	RedisManager *redis.Manager        // Redis connection manager
	GenAI        *aiClient.GenAIClient // Shared generative model client
	Codec        *imagecodec.Codec     // Image loader and normalizer
	Enhancer     *enhance.Pipeline     // Photo enhancement pipeline
	Cache        *tryon.Cache          // Try-on cache
	TryOn        *tryon.Service        // Try-on entry point
	LogManager   *telemetry.Manager    // Log management system
	debugServer  *debugServer          // Debug HTTP server for pprof and metrics

	shutdown func(context.Context) error // Flushes and stops tracing
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, component, logDir string) (*App, error) {
	// Load app configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Tracing must be configured before loggers so errors reach spans
	tracing, shutdownTracing := telemetry.SetupTracing(&cfg.Common.Telemetry, config.RepositoryVersion)

	logManager := telemetry.NewManager(component, logDir, &cfg.Common.Debug, tracing)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		DBLogger:   dbLogger.Named("database"),
		LogManager: logManager,
		shutdown:   shutdownTracing,
	}

	if err := app.initialize(ctx, tracing); err != nil {
		app.Cleanup(context.Background())
		return nil, err
	}

	// Start debug server if enabled
	if cfg.Common.Debug.EnableDebugServer {
		srv, err := startDebugServer(cfg.Common.Debug.DebugPort, logger)
		if err != nil {
			logger.Error("Failed to start debug server", zap.Error(err))
		} else {
			app.debugServer = srv

			logger.Warn("Debug endpoint enabled - this should not be used in production!")
		}
	}

	return app, nil
}

// initialize connects every subsystem. Components created before a failure
// are recorded on the app so Cleanup can release them.
func (s *App) initialize(ctx context.Context, tracing bool) error {
	cfg := s.Config

	// Redis manager provides connection pools for the redis cache backend
	s.RedisManager = redis.NewManager(&cfg.Common.Redis, s.Logger)

	// Initialize database with migration check
	db, err := checkAndRunMigrations(ctx, &cfg.Common.PostgreSQL, s.DBLogger, database.Options{
		Tracing:   tracing,
		MaxPhotos: cfg.TryOn.Photos.MaxPerUser,
	})
	if err != nil {
		return err
	}
	s.DB = db

	// One generative client is shared by every model-backed component
	genAI, err := aiClient.NewClient(ctx, &cfg.Common.Gemini, &cfg.Common.CircuitBreaker, s.Logger)
	if err != nil {
		return err
	}
	s.GenAI = genAI

	httpClient := client.NewHTTPClient(tracing)
	s.Codec = imagecodec.New(imagecodec.OptionsFromConfig(&cfg.TryOn.Codec), httpClient, s.Logger)

	s.Enhancer, err = newEnhancer(cfg, genAI, s.Codec, httpClient, s.Logger)
	if err != nil {
		return err
	}

	store, err := s.newCacheStore()
	if err != nil {
		return err
	}
	s.Cache = tryon.NewCache(store, tryon.CacheOptionsFromConfig(&cfg.TryOn.Cache), s.Logger)

	artifacts, err := newArtifactStore(ctx, &cfg.Common.Storage, s.Logger)
	if err != nil {
		return err
	}

	generator := ai.NewTryOnGenerator(
		genAI, ai.TryOnOptionsFromConfig(&cfg.Common.Gemini, &cfg.TryOn.Generation), s.Logger,
	)

	s.TryOn = tryon.NewService(tryon.ServiceDeps{
		Codec:     s.Codec,
		Generator: generator,
		Cache:     s.Cache,
		Artifacts: artifacts,
		Photos:    db.Service().Photo(),
		Enhancer:  s.Enhancer,
	}, tryon.ServiceOptions{
		PromptVersion:    cfg.TryOn.Generation.PromptVersion,
		BatchConcurrency: cfg.TryOn.Generation.BatchConcurrency,
	}, s.Logger)

	return nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	// Shutdown debug server if running
	if s.debugServer != nil {
		if err := s.debugServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown debug server", zap.Error(err))
		}

		s.debugServer.listener.Close()
	}

	// Drain pending cache bookkeeping while the stores are still open
	if s.Cache != nil {
		s.Cache.Close()
	}

	if s.GenAI != nil {
		if err := s.GenAI.Close(); err != nil {
			s.Logger.Error("Failed to close generative client", zap.Error(err))
		}
	}

	// Close database connections
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("Failed to close database connection: %v", err)
		}
	}

	// Close Redis connections last as other components might need it during cleanup
	if s.RedisManager != nil {
		s.RedisManager.Close()
	}

	// Flush spans before the loggers that mirror into them go away
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown tracing: %v", err)
	}

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}

	s.LogManager.Stop()
}

// newCacheStore returns the configured try-on cache backend.
func (s *App) newCacheStore() (tryon.Store, error) {
	if s.Config.TryOn.Cache.Backend != config.CacheBackendRedis {
		return s.DB.Model().TryOnCache(), nil
	}

	redisClient, err := s.RedisManager.GetClient(redis.TryOnCacheDBIndex)
	if err != nil {
		return nil, err
	}

	return tryon.NewRedisStore(redisClient, s.Logger), nil
}

// newEnhancer wires the enhancement stages to the shared model client and
// the configured background removal provider.
func newEnhancer(
	cfg *config.Config, genAI aiClient.ContentGenerator, codec *imagecodec.Codec,
	httpClient *http.Client, logger *zap.Logger,
) (*enhance.Pipeline, error) {
	gemini := &cfg.Common.Gemini
	enhanceCfg := &cfg.TryOn.Enhance

	deps := enhance.Dependencies{
		CropDetector: ai.NewCropDetector(genAI, gemini.VisionModel, logger),
		Outpainter:   ai.NewOutpainter(genAI, gemini.ImageModel, logger),
	}

	switch enhanceCfg.BackgroundProvider {
	case BackgroundProviderGenAI:
		deps.BackgroundRemover = ai.NewGenAIRemover(genAI, gemini.ImageModel, logger)
	case BackgroundProviderHTTP:
		deps.BackgroundRemover = enhance.NewRemoteRemover(
			enhanceCfg.BackgroundEndpoint, enhanceCfg.BackgroundAPIKey, httpClient, logger,
		)
	case BackgroundProviderNone:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackgroundProvider, enhanceCfg.BackgroundProvider)
	}

	stageTimeout := time.Duration(enhanceCfg.StageTimeout) * time.Millisecond

	return enhance.NewPipeline(codec, deps, stageTimeout, logger), nil
}

// newArtifactStore returns the S3 store when enabled, otherwise inline data URLs.
func newArtifactStore(ctx context.Context, cfg *config.Storage, logger *zap.Logger) (tryon.ArtifactStore, error) {
	if !cfg.Enabled {
		return tryon.InlineStore{}, nil
	}

	s3Client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return storage.NewS3Store(s3Client, cfg, logger)
}

// checkAndRunMigrations runs database migrations if needed.
func checkAndRunMigrations(
	ctx context.Context, cfg *config.PostgreSQL, dbLogger *zap.Logger, opts database.Options,
) (database.Client, error) {
	tempDB, err := database.NewConnection(ctx, cfg, dbLogger, opts)
	if err != nil {
		return nil, err
	}

	migrator := migrate.NewMigrator(tempDB.DB(), migrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		tempDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		tempDB.Close()
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}

	unapplied := ms.Unapplied()
	if len(unapplied) == 0 {
		return tempDB, nil
	}

	log.Println("Database migrations are pending. Would you like to run them now? (y/N)")

	var response string

	_, _ = fmt.Scanln(&response)

	if response != "y" && response != "Y" {
		tempDB.Close()
		log.Fatalf("Closing program due to incomplete migrations")
	}

	tempDB.Close()

	opts.AutoMigrate = true

	return database.NewConnection(ctx, cfg, dbLogger, opts)
}
