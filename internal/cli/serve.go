package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"animehome/internal/api"
	"animehome/internal/config"
	"animehome/internal/redis"
	"animehome/internal/service/persona"
	"animehome/internal/storage"
	"animehome/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), load())
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if cfg.BasicConfig.Mode != "" {
		gin.SetMode(cfg.BasicConfig.Mode)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := cfg.BasicConfig.Database
	zap.L().Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	personaService := persona.NewService(db)
	personaService.StartAvatarJanitor(ctx,
		filepath.Join(cfg.BasicConfig.StaticDir, "avatars"),
		time.Duration(cfg.BasicConfig.AvatarCleanInterval)*time.Minute)

	manager := worker.NewManager(personaService, rdb, worker.Config{
		Dispatcher: worker.DispatcherConfig{
			MinWorkers:        cfg.BasicConfig.MinWorkers,
			MaxWorkers:        cfg.BasicConfig.MaxWorkers,
			QueueSize:         cfg.BasicConfig.QueueSize,
			WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		},
		Provider:       cfg.Generation.Provider,
		ProviderConfig: cfg.Providers[cfg.Generation.Provider],
		Generation:     cfg.Generation,
	})
	defer manager.Close()

	handler := api.NewHandler(personaService, manager, api.Options{
		StaticDir:      cfg.BasicConfig.StaticDir,
		PublicBaseURL:  cfg.BasicConfig.PublicBaseURL,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: api.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	zap.L().Info("server listening",
		zap.String("addr", srv.Addr),
		zap.String("provider", cfg.Generation.Provider),
		zap.String("model", cfg.Generation.Model))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	zap.L().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
