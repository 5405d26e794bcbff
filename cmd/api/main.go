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

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/api"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/browser"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/oracle"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/logger"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/ratelimit"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志
// 3. 初始化 API 服务器，配置了 oracle 时启用竞争对手发现
// 4. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := srv.SeedKnownCompetitors(ctx); err != nil {
		appLogger.Error("seed competitors failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var factory *browser.Factory
	if cfg.Oracle.APIKey != "" {
		factory, err = browser.NewFactory(ctx, cfg.Browser, cfg.Scraping, appLogger)
		if err != nil {
			appLogger.Warn("browser unavailable, competitor discovery disabled", slog.String("error", err.Error()))
		} else {
			limiter := ratelimit.ForOracle(srv.Redis(), appLogger, cfg.Oracle.RequestsPerSecond, cfg.Oracle.Burst)
			srv.EnableDiscovery(factory, oracle.New(cfg.Oracle, limiter, appLogger))
		}
	} else {
		appLogger.Warn("oracle api key missing, competitor discovery disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if factory != nil {
		if err := factory.Close(); err != nil {
			appLogger.Error("close browser failed", slog.String("error", err.Error()))
		}
	}
	if err := srv.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
