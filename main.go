package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"thrive/internal/api"
	"thrive/internal/auth"
	"thrive/internal/config"
	"thrive/internal/logger"
	"thrive/internal/redis"
	"thrive/internal/service/account"
	"thrive/internal/service/conversation"
	"thrive/internal/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Apply(env)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	zl, err := logger.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()
	if !cfg.BasicConfig.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	zl.Info("opening database", zap.String("driver", env.DBType))
	db, err := storage.Open(env.DBType, cfg)
	if err != nil {
		zl.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	// users, profiles, messages, revoked_tokens
	if err := storage.Migrate(db); err != nil {
		zl.Fatal("migrate database", zap.Error(err))
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		zl.Fatal("create redis client", zap.Error(err))
	}
	defer rdb.Close()
	if rdb == nil {
		zl.Info("redis disabled, caches off")
	}

	accounts := account.NewService(db, zl.Named("account"))
	authService := auth.NewService(db, rdb, accounts, cfg.Auth, zl.Named("auth"))
	conversations := conversation.NewService(db, accounts, zl.Named("conversation"),
		conversation.WithSummaryCache(rdb, time.Duration(cfg.BasicConfig.SummaryCacheTTL)*time.Second),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	authService.StartRevocationCleaner(ctx, time.Duration(cfg.BasicConfig.RevocationCleanInterval)*time.Minute)

	handlers := api.NewHandler(accounts, authService, conversations, zl.Named("api"))
	router := api.NewRouter(handlers, cfg.BasicConfig, zl)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":5001"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zl.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown", zap.Error(err))
	}
	zl.Info("server stopped")
}
