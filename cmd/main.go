package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pigment-org/key-service/internal/admission"
	"github.com/pigment-org/key-service/internal/config"
	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/handlers"
	"github.com/pigment-org/key-service/internal/issuer"
	"github.com/pigment-org/key-service/internal/logger"
	"github.com/pigment-org/key-service/internal/notify"
	"github.com/pigment-org/key-service/internal/ratecache"
)

func main() {
	cfg := config.Load()
	flag.Parse()

	appLogger := logger.New(cfg.DebugMode)
	defer func() {
		_ = appLogger.Sync() // Ignore sync errors on close, as per zap documentation
	}()

	if err := cfg.Finalize(); err != nil {
		appLogger.Fatal("Invalid configuration",
			"error", err,
		)
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.DebugMode {
		gin.SetMode(gin.DebugMode)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, err := initStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize credential store",
			"error", err,
		)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error("Failed to close credential store",
				"error", err,
			)
		}
	}()

	cache, err := initCache(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize rate window cache",
			"error", err,
		)
	}

	sink := initSink(ctx, cfg, appLogger)

	router := newRouter(cfg, store, cache, sink, appLogger)

	srv, err := newServer(cfg, router)
	if err != nil {
		appLogger.Fatal("Failed to configure server",
			"error", err,
		)
	}

	go func() {
		appLogger.Info("Server starting",
			"port", cfg.Port,
			"debug_mode", cfg.DebugMode,
			"storage", cfg.StorageMode,
			"cache", cfg.CacheBackend,
		)
		if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Server failed to start",
				"error", err,
			)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutdown signal received, shutting down server...")

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatal("Server forced to shutdown",
			"error", err,
		)
	}

	appLogger.Info("Server exited gracefully")
}

// initStore creates the credential store based on the configured storage mode.
//
// Storage modes:
//   - in-memory (default): Ephemeral storage, data lost on restart
//   - disk: Persistent local storage using a file (single replica only)
//   - external: External database (PostgreSQL), supports multiple replicas
//
//nolint:ireturn // Returns Store interface by design for pluggable storage backends.
func initStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (credential.Store, error) {
	switch cfg.StorageMode {
	case config.StorageModeInMemory, "":
		log.Info("Using in-memory storage (data will be lost on restart). " +
			"For persistent storage, use --storage=disk or --storage=external")
		return credential.NewSQLiteStore(ctx, log, ":memory:")

	case config.StorageModeDisk:
		dataPath := strings.TrimSpace(cfg.DataPath)
		if dataPath == "" {
			dataPath = config.DefaultDataPath
		}
		log.Info("Using persistent disk storage", "path", dataPath)
		return credential.NewSQLiteStore(ctx, log, dataPath)

	case config.StorageModeExternal:
		dbURL := strings.TrimSpace(cfg.DBConnectionURL)
		if dbURL == "" {
			return nil, errors.New("--db-connection-url is required when using --storage=external")
		}
		log.Info("Connecting to external database...")
		return credential.NewExternalStore(ctx, log, dbURL)

	default:
		return nil, fmt.Errorf("unknown storage mode: %q (valid modes: in-memory, disk, external)", cfg.StorageMode)
	}
}

// initCache creates the rate window cache based on the configured backend.
//
//nolint:ireturn // Returns Cache interface by design for pluggable cache backends.
func initCache(ctx context.Context, cfg *config.Config, log *logger.Logger) (ratecache.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemory, "":
		cache := ratecache.NewMemory()
		cache.StartJanitor(ctx)
		return cache, nil

	case config.CacheBackendRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, errors.New("--redis-url is required when using --cache=redis")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("Using shared Redis rate window cache")
		return ratecache.NewRedis(rdb), nil

	default:
		return nil, fmt.Errorf("unknown cache backend: %q (valid backends: memory, redis)", cfg.CacheBackend)
	}
}

// initSink wires the key-creation notification sink. Without a token
// notifications are disabled entirely.
//
//nolint:ireturn // Returns Sink interface by design.
func initSink(ctx context.Context, cfg *config.Config, log *logger.Logger) notify.Sink {
	if cfg.GitHubToken == "" {
		log.Info("GITHUB_TOKEN not set, key creation notifications disabled")
		return notify.Nop{}
	}

	dispatcher := notify.NewGitHubDispatcher(log, cfg.GitHubRepo, cfg.GitHubToken)
	dispatcher.Start(ctx)
	return dispatcher
}

func newRouter(cfg *config.Config, store credential.Store, cache ratecache.Cache, sink notify.Sink, appLogger *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	router.GET("/health", handlers.NewHealthHandler().HealthCheck)

	authenticator := admission.NewAuthenticator(store)
	controller := admission.NewController(appLogger, authenticator, cache, store,
		admission.WithStoreTimeout(cfg.StoreTimeout()))

	upstream := issuer.NewHTTPUpstream(cfg.UpstreamURL)
	issuerService := issuer.NewService(appLogger, upstream, store, sink, cfg.DefaultRateLimit)

	keysHandler := handlers.NewKeysHandler(appLogger, issuerService)
	verifyHandler := handlers.NewVerifyHandler(appLogger, controller)

	// Issuance is reachable from the docs site only; verification is a
	// public surface. Preflights answer 200 with no body.
	keysCORS := cors.New(cors.Config{
		AllowOrigins:              []string{cfg.DocsOrigin},
		AllowMethods:              []string{"POST", "OPTIONS"},
		AllowHeaders:              []string{"Content-Type"},
		OptionsResponseStatusCode: http.StatusOK,
		MaxAge:                    12 * time.Hour,
	})
	router.POST("/keys", keysCORS, keysHandler.GenerateKey)
	router.OPTIONS("/keys", keysCORS, func(c *gin.Context) { c.Status(http.StatusOK) })

	verifyCORS := cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{"POST", "OPTIONS"},
		AllowHeaders:              []string{"Content-Type", handlers.HeaderAPIKey},
		OptionsResponseStatusCode: http.StatusOK,
		MaxAge:                    12 * time.Hour,
	})
	router.POST("/verify", verifyCORS, verifyHandler.VerifyKey)
	router.OPTIONS("/verify", verifyCORS, func(c *gin.Context) { c.Status(http.StatusOK) })

	return router
}
