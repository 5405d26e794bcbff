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

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/browser"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/oracle"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/logger"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/notify"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/ratelimit"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/redisqueue"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/retry"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是抓取 worker 的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志记录器
// 3. 连接 MySQL、Redis，启动浏览器与 oracle 客户端
// 4. 启动 worker 循环与 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics("crawler", cfg.App.Env)

	if cfg.Oracle.APIKey == "" {
		appLogger.Error("oracle api key is required (ANTHROPIC_API_KEY)")
		os.Exit(1)
	}

	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("open database failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st := store.New(db)
	defer closeQuietly(appLogger, "database", st.Close)

	opts := worker.Options{
		MaxCandidates: cfg.Scraping.MaxCandidates,
		PollInterval:  cfg.Scraping.DelayBetweenJobs,
		Retry: retry.Config{
			MaxAttempts: cfg.Scraping.MaxAttempts(),
			BaseDelay:   cfg.Scraping.RetryBaseDelay,
			Multiplier:  2,
			IsRetryable: retry.IsRateLimited,
		},
		Notifier: notify.NewEmailNotifier(&cfg.Email, appLogger),
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			appLogger.Error("connect redis failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer closeQuietly(appLogger, "redis", rdb.Close)

		queue, err := redisqueue.NewClientWithRedis(rdb)
		if err != nil {
			appLogger.Error("init wakeup queue failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		opts.Waker = queue
	}

	factory, err := browser.NewFactory(context.Background(), cfg.Browser, cfg.Scraping, appLogger)
	if err != nil {
		appLogger.Error("init browser failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeQuietly(appLogger, "browser", factory.Close)

	limiter := ratelimit.ForOracle(rdb, appLogger, cfg.Oracle.RequestsPerSecond, cfg.Oracle.Burst)
	oracleClient := oracle.New(cfg.Oracle, limiter, appLogger)
	navigator := agent.New(factory, oracleClient, agent.NewMemoryCache(), cfg.Scraping.MaxAgentStepsPerSite, appLogger)
	w := worker.New(st, factory, navigator, oracleClient, opts, appLogger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		// 添加保险丝
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in scrape worker loop", slog.Any("panic", r))
				// 让容器编排负责重启，保持状态干净
				os.Exit(1)
			}
		}()

		if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("scrape worker stopped", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))
	appLogger.Info("shutting down crawler service...")

	// 取消后当前任务保持 InProgress，不写入部分结果
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("worker did not stop before shutdown deadline")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("crawler service stopped gracefully")
}

func closeQuietly(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error("close failed", slog.String("resource", what), slog.String("error", err.Error()))
	}
}
