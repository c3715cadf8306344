package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geminichat/internal/api"
	"geminichat/internal/auth"
	"geminichat/internal/config"
	"geminichat/internal/redis"
	"geminichat/internal/service/ai"
	"geminichat/internal/service/assistant"
	"geminichat/internal/storage"
	"geminichat/internal/telemetry"
	"geminichat/internal/worker"

	"github.com/cloudwego/eino/components/model"
	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("GEMINICHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	_, logCloser, err := telemetry.InitLogger(cfg.Telemetry)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	dbType := cfg.BasicConfig.Database
	slog.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	// Create necessary tables: users, user_tokens, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		slog.Error("migrate database", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			slog.Error("create redis client", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour,
		auth.WithMailer(auth.LogMailer{}),
		auth.WithOTP(cfg.Auth.OTPIssuer, cfg.Auth.OTPPeriod, time.Duration(cfg.Auth.ResendInterval)*time.Second),
	)
	authService.StartTokenCleaner(ctx, time.Duration(cfg.BasicConfig.TokenCleanInterval)*time.Minute)

	provider, err := ai.NewProvider(ctx, cfg)
	if err != nil {
		slog.Error("init ai provider", "provider", cfg.Chat.Provider, "error", err)
		os.Exit(1)
	}

	var titleModel model.BaseChatModel
	titleProvider := cfg.Chat.TitleProvider
	if m, err := ai.NewChatModel(ctx, titleProvider, cfg.Provider(titleProvider), cfg.Chat.TitleModel); err != nil {
		slog.Warn("title model unavailable, using fallback titles", "provider", titleProvider, "error", err)
	} else {
		titleModel = m
	}

	workerCfg := worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}
	managerOpts := []worker.Option{
		worker.WithSendTimeout(time.Duration(cfg.BasicConfig.SendTimeout) * time.Second),
	}
	if rdb != nil {
		managerOpts = append(managerOpts, worker.WithStateCache(rdb))
	}
	manager := worker.NewManager(
		assistant.NewService(db),
		provider,
		assistant.NewTitleGenerator(titleModel),
		workerCfg,
		managerOpts...,
	)
	defer manager.Close()

	handlers := api.NewHandler(authService, manager)

	router := gin.New()
	router.Use(api.RequestLogger(), api.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		slog.Info("server started", "address", srv.Addr, "provider", cfg.Chat.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
