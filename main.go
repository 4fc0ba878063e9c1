// main.go
// fieldsync sidecar: offline-first evidence capture core serving the UI
// over a loopback HTTP API.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fieldsync/auth"
	"fieldsync/config"
	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/handlers"
	"fieldsync/logging"
	"fieldsync/middleware"
	"fieldsync/models"
	"fieldsync/reconcile"
	"fieldsync/repository"
	"fieldsync/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("no .env file found, using system environment variables")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sidecar stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting fieldsync sidecar",
		zap.String("environment", cfg.Server.Environment),
		zap.String("backend", cfg.Backend.Kind),
		zap.String("addr", cfg.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local store
	if err := os.MkdirAll(filepath.Dir(cfg.Local.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	localStore, err := store.Open(cfg.Local.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer localStore.Close()
	if err := localStore.InitSchema(ctx); err != nil {
		return err
	}
	stores := repository.Stores{
		Catalog: store.NewCatalogCache(localStore),
		Queue:   store.NewPendingQueue(localStore),
		Records: store.NewRecordCache(localStore),
	}

	// Remote backend and identity
	backend, verifier, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// Connectivity
	monitor := connectivity.NewMonitor(cfg.Connectivity, logger)
	go monitor.Run(ctx)

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	sessions := handlers.NewSessionManager(verifier, jwtManager, func(user models.User) (*repository.Repository, error) {
		return repository.New(user, stores, backend, monitor, repository.Options{
			Bucket: cfg.Storage.Bucket,
			Sync: reconcile.Options{
				MaxAttempts: cfg.Sync.MaxAttempts,
				Interval:    cfg.Sync.DrainInterval,
			},
		}, logger)
	}, logger)
	defer sessions.Close()

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	go rateLimiter.RunCleanup(ctx, time.Hour)
	logger.Info("rate limiter initialized",
		zap.Int("requests", cfg.RateLimit.Requests),
		zap.Duration("window", cfg.RateLimit.Window))

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Sessions:       sessions,
			JWTManager:     jwtManager,
			Monitor:        monitor,
			RateLimiter:    rateLimiter,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			Version:        version,
			Logger:         logger,
		}),
		// Request contexts end on shutdown so event streams close.
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server stopped gracefully")
	return nil
}

// openBackend returns the configured remote backend and the matching
// identity verifier.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Backend, auth.IdentityVerifier, error) {
	if !cfg.UsesFirestore() {
		logger.Warn("using in-memory backend; data is lost on exit")
		return db.NewMemoryBackend(), auth.DevVerifier{}, nil
	}

	app, err := db.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath)
	if err != nil {
		return nil, nil, err
	}
	objects, err := db.NewCloudStorage(ctx, cfg.Firebase.CredentialsPath, cfg.Storage.PublicBaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	backend, err := db.NewFirestoreDB(ctx, app, objects, logger)
	if err != nil {
		objects.Close()
		return nil, nil, err
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, app)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return backend, verifier, nil
}
