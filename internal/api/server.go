package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/api/middleware"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/competitor"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/dedup"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/redisqueue"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/report"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库、Redis 去重与唤醒队列、报表服务以及 Gin 路由引擎。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	store   Store
	reports Reports
	deduper Deduper
	waker   Waker

	// 竞争对手发现，未配置浏览器或 oracle 时为 nil
	searcher   Searcher
	discoverer competitor.Discoverer

	rdb     *redis.Client
	closers []func() error
}

// Store API 使用的持久化操作。
type Store interface {
	Ping(ctx context.Context) error
	Dashboard(ctx context.Context) (*store.DashboardStats, error)

	CreateProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	FindProductByName(ctx context.Context, name string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	CreateJob(ctx context.Context, productID string) (*model.ScrapeJob, error)
	CreateJobsForAll(ctx context.Context) ([]model.ScrapeJob, error)
	GetJob(ctx context.Context, id uint) (*model.ScrapeJob, error)
	RequeueFailedJob(ctx context.Context, id uint) (*model.ScrapeJob, error)

	ListCompetitors(ctx context.Context) ([]model.Competitor, error)
	CreateCompetitor(ctx context.Context, c *model.Competitor) error
	UpsertCompetitor(ctx context.Context, c *model.Competitor) (*model.Competitor, error)
	SaveSuggestions(ctx context.Context, suggestions []model.CompetitorSuggestion) error
}

// Reports 报表查询。
type Reports interface {
	Comparisons(ctx context.Context) ([]report.Comparison, error)
	History(ctx context.Context, productID string) (*report.History, error)
}

// Deduper 短时间内的重复触发拦截。
type Deduper interface {
	Claim(ctx context.Context, trigger string) (bool, error)
	Release(ctx context.Context, trigger string) error
}

// Waker 通知 worker 有新任务。
type Waker interface {
	Publish(ctx context.Context, jobID uint) error
}

// Searcher 搜索引擎结果。
type Searcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 在启用时连接 Redis（触发去重与唤醒队列）
// 3. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	st := store.New(db)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		reports: report.NewService(st),
		closers: []func() error{st.Close},
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		queue, err := redisqueue.NewClientWithRedis(rdb)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		s.rdb = rdb
		s.deduper = dedup.NewTriggerGuard(rdb, cfg.Scraping.TriggerDedupWindow)
		s.waker = queue
		s.closers = append([]func() error{rdb.Close}, s.closers...)
	} else {
		logger.Warn("redis disabled, triggers are not de-duplicated and the worker relies on polling")
	}

	metrics.InitMetrics("api", cfg.App.Env)

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(logger))
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Redis 返回共享的 Redis 客户端，未启用时为 nil。
func (s *Server) Redis() *redis.Client {
	return s.rdb
}

// EnableDiscovery 启用 POST /api/competitors/discover。
func (s *Server) EnableDiscovery(searcher Searcher, discoverer competitor.Discoverer) {
	s.searcher = searcher
	s.discoverer = discoverer
}

// Close 关闭 Redis 与数据库连接，返回第一个错误。
func (s *Server) Close() error {
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.GET("/dashboard", s.handleDashboard)

	api.GET("/products", s.handleListProducts)
	api.POST("/products", s.handleCreateProduct)
	api.POST("/products/scrape-all", s.handleScrapeAll)
	api.POST("/products/:id/scrape", s.handleScrapeProduct)
	api.GET("/products/:id/history", s.handleProductHistory)
	api.POST("/quick-search", s.handleQuickSearch)

	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/retry", s.handleRetryJob)

	api.GET("/competitors", s.handleListCompetitors)
	api.POST("/competitors", s.handleCreateCompetitor)
	api.POST("/competitors/discover", s.handleDiscoverCompetitors)

	api.GET("/reports/comparison", s.handleComparisonReport)
	api.GET("/reports/export", s.handleExportReport)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
