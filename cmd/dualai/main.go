package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/shaharia-lab/dualai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := dualai.LoadConfig()
	if err != nil {
		return err
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer zapLogger.Sync()
	logger := dualai.NewZapLogger(zapLogger)

	storage, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	recorder := dualai.NewInteractionRecorder(storage, logger)
	cache := dualai.NewMemoryCache()

	anthropic := dualai.NewAnthropicProvider(dualai.AnthropicProviderConfig{
		Config:   cfg,
		Recorder: recorder,
		Logger:   logger,
	})
	elevenlabs := dualai.NewElevenLabsClient(dualai.ElevenLabsClientConfig{
		Config:   cfg,
		Cache:    cache,
		Recorder: recorder,
		Logger:   logger,
	})
	reports := dualai.NewReportsEngine(storage, nil, logger)

	server, err := dualai.NewServer(dualai.ServerConfig{
		Config:     cfg,
		Anthropic:  anthropic,
		ElevenLabs: elevenlabs,
		Reports:    reports,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	scheduler := dualai.NewCleanupScheduler(elevenlabs, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup scheduler: %w", err)
	}
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.WithFields(map[string]interface{}{"signal": sig.String()}).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func buildStorage(cfg *dualai.Config, logger dualai.Logger) (dualai.InteractionStorage, error) {
	switch cfg.DatabaseDriver {
	case "sqlite3":
		return dualai.NewSQLiteInteractionStorage(cfg.DatabaseDSN, logger)
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		return dualai.NewPostgresInteractionStorage(db, logger)
	case "memory":
		return dualai.NewInMemoryInteractionStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
