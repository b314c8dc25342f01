package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kaichat/internal/api"
	"kaichat/internal/auth"
	"kaichat/internal/cache"
	"kaichat/internal/config"
	"kaichat/internal/logger"
	"kaichat/internal/redis"
	"kaichat/internal/service/ai"
	"kaichat/internal/service/assistant"
	"kaichat/internal/service/conversation"
	"kaichat/internal/storage"
	"kaichat/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{FilePath: cfg.BasicConfig.LogFile, Production: cfg.IsProduction()})
	defer log.Sync()

	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	log.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	kv, closeCache, err := openCache(cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	generator, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}

	assistantService := assistant.NewService(store, kv, log, cfg.Chat.TitleLength)
	authService := auth.NewService(kv, cfg.Auth.Enabled, time.Duration(cfg.Auth.TokenTTL)*time.Minute)
	dispatcher := worker.NewDispatcher(worker.Options{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
		JobTimeout:  time.Duration(cfg.Chat.ExtractTimeout) * time.Second,
		Logger:      log,
	})
	chat := conversation.NewService(assistantService, generator, dispatcher, conversation.Options{
		HistoryWindow:  cfg.Chat.HistoryWindow,
		ExtractEvery:   cfg.Chat.ExtractEvery,
		TitleLength:    cfg.Chat.TitleLength,
		ExtractTimeout: time.Duration(cfg.Chat.ExtractTimeout) * time.Second,
	}, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(logger.GinMiddleware(log.Named("http")), gin.Recovery(), api.CORS(cfg.BasicConfig.CORSOrigins))
	api.NewHandler(assistantService, chat, authService, dispatcher, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.Bool("auth", cfg.Auth.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			dispatcher.Stop(context.Background())
			return fmt.Errorf("server stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("worker shutdown", zap.Error(err))
	}
	stats := dispatcher.Stats()
	log.Info("stopped",
		zap.Int64("jobs_completed", stats.Completed),
		zap.Int64("jobs_failed", stats.Failed),
		zap.Int64("jobs_canceled", stats.Canceled),
	)
	return nil
}

// openCache prefers Redis when configured and falls back to process memory.
func openCache(cfg *config.Config, log *zap.Logger) (cache.Cache, func(), error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemory(time.Hour), func() {}, nil
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis client: %w", err)
	}
	log.Info("redis cache enabled", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	return rdb, func() { rdb.Close() }, nil
}

// newGenerator builds the model client for the active provider. Without an API key the
// service still runs and answers with the offline placeholder.
func newGenerator(ctx context.Context, cfg *config.Config, log *zap.Logger) (conversation.Generator, error) {
	name, provider := cfg.ActiveProvider()
	if provider.APIKey == "" {
		log.Warn("no API key configured, replies use the offline placeholder", zap.String("provider", name))
		return ai.Fallback{}, nil
	}
	svc, err := ai.New(ctx, name, provider, log)
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", name, err)
	}
	return svc, nil
}
