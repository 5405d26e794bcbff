package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/competitor"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/dedup"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/redisqueue"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/report"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// createProductRequest 创建商品的请求参数。
type createProductRequest struct {
	Name     string  `json:"name" binding:"required"`
	SKU      *string `json:"sku"`
	OwnPrice float64 `json:"own_price" binding:"gte=0"`
}

// quickSearchRequest 快速搜索：创建商品并立即排队。
type quickSearchRequest struct {
	Name     string  `json:"name" binding:"required"`
	OwnPrice float64 `json:"own_price" binding:"gte=0"`
}

type createCompetitorRequest struct {
	Name       string `json:"name" binding:"required"`
	WebsiteURL string `json:"website_url" binding:"required"`
}

type discoverRequest struct {
	ProductName string `json:"product_name" binding:"required"`
}

type jobResponse struct {
	ID           uint   `json:"id"`
	ProductID    string `json:"product_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

func toJobResponse(j *model.ScrapeJob) jobResponse {
	resp := jobResponse{
		ID:           j.ID,
		ProductID:    j.ProductID,
		Status:       string(j.Status),
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.ErrorMessage != nil {
		resp.ErrorMessage = *j.ErrorMessage
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleDashboard(c *gin.Context) {
	stats, err := s.store.Dashboard(c.Request.Context())
	if err != nil {
		s.logger.Error("load dashboard failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load dashboard failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListProducts(c *gin.Context) {
	products, err := s.store.ListProducts(c.Request.Context())
	if err != nil {
		s.logger.Error("list products failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list products failed"})
		return
	}
	c.JSON(http.StatusOK, products)
}

func (s *Server) handleCreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	p := &model.Product{Name: req.Name, SKU: req.SKU, OwnPrice: req.OwnPrice}
	if err := s.store.CreateProduct(c.Request.Context(), p); err != nil {
		s.logger.Error("create product failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create product failed"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// handleScrapeProduct 为单个商品排队一个抓取任务。
func (s *Server) handleScrapeProduct(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetProduct(ctx, id); err != nil {
		s.respondLookupError(c, err, "product")
		return
	}

	trigger := dedup.ProductTrigger(id)
	if s.isDuplicate(ctx, trigger) {
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	job, err := s.store.CreateJob(ctx, id)
	if err != nil {
		s.releaseTrigger(ctx, trigger)
		s.logger.Error("create job failed", slog.String("product_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create job failed"})
		return
	}
	metrics.JobsEnqueuedTotal.WithLabelValues("single").Inc()
	s.wakeWorker(ctx, job.ID)

	c.JSON(http.StatusAccepted, toJobResponse(job))
}

// handleScrapeAll 为每个商品排队一个抓取任务。
func (s *Server) handleScrapeAll(c *gin.Context) {
	ctx := c.Request.Context()
	const trigger = "products:all"
	if s.isDuplicate(ctx, trigger) {
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	jobs, err := s.store.CreateJobsForAll(ctx)
	if err != nil {
		s.releaseTrigger(ctx, trigger)
		s.logger.Error("create jobs failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create jobs failed"})
		return
	}
	metrics.JobsEnqueuedTotal.WithLabelValues("all").Add(float64(len(jobs)))

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	if len(jobs) > 0 {
		s.wakeWorker(ctx, jobs[0].ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": resp})
}

// handleQuickSearch 按名称查找或创建商品，并立即排队。
func (s *Server) handleQuickSearch(c *gin.Context) {
	ctx := c.Request.Context()
	var req quickSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	trigger := dedup.QuickSearchTrigger(name)
	if s.isDuplicate(ctx, trigger) {
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	product, err := s.store.FindProductByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		product = &model.Product{Name: name, OwnPrice: req.OwnPrice}
		err = s.store.CreateProduct(ctx, product)
	}
	if err != nil {
		s.releaseTrigger(ctx, trigger)
		s.logger.Error("quick search product failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create product failed"})
		return
	}

	job, err := s.store.CreateJob(ctx, product.ID)
	if err != nil {
		s.releaseTrigger(ctx, trigger)
		s.logger.Error("create job failed", slog.String("product_id", product.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create job failed"})
		return
	}
	metrics.JobsEnqueuedTotal.WithLabelValues("quick_search").Inc()
	s.wakeWorker(ctx, job.ID)

	c.JSON(http.StatusAccepted, gin.H{"product": product, "job": toJobResponse(job)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		s.respondLookupError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// handleRetryJob 把 Failed 任务重新排队，attempt_count 保留。
func (s *Server) handleRetryJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	job, err := s.store.RequeueFailedJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": "job not found or not failed"})
		return
	}
	if err != nil {
		s.logger.Error("requeue job failed", slog.Uint64("job_id", uint64(id)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue job failed"})
		return
	}
	metrics.JobsEnqueuedTotal.WithLabelValues("retry").Inc()
	s.wakeWorker(ctx, job.ID)
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleListCompetitors(c *gin.Context) {
	comps, err := s.store.ListCompetitors(c.Request.Context())
	if err != nil {
		s.logger.Error("list competitors failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list competitors failed"})
		return
	}
	c.JSON(http.StatusOK, comps)
}

func (s *Server) handleCreateCompetitor(c *gin.Context) {
	var req createCompetitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	website := strings.TrimSpace(req.WebsiteURL)
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	host, err := competitor.NormalizeHost(website)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid website_url"})
		return
	}

	comp := &model.Competitor{
		Name:        strings.TrimSpace(req.Name),
		WebsiteURL:  website,
		WebsiteHost: host,
	}
	err = s.store.CreateCompetitor(c.Request.Context(), comp)
	if errors.Is(err, store.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": "competitor already exists", "host": host})
		return
	}
	if err != nil {
		s.logger.Error("create competitor failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create competitor failed"})
		return
	}
	c.JSON(http.StatusCreated, comp)
}

// handleDiscoverCompetitors 搜索商品并让 oracle 推荐竞争对手，未知 host 会被创建。
func (s *Server) handleDiscoverCompetitors(c *gin.Context) {
	if s.searcher == nil || s.discoverer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "competitor discovery is not configured"})
		return
	}
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	name := strings.TrimSpace(req.ProductName)

	results, err := s.searcher.Search(ctx, name)
	if err != nil {
		s.logger.Error("discovery search failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "search failed"})
		return
	}
	suggestions, err := s.discoverer.DiscoverCompetitors(ctx, name, results)
	if err != nil {
		s.logger.Error("discover competitors failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "discovery failed"})
		return
	}

	var productID string
	if p, err := s.store.FindProductByName(ctx, name); err == nil {
		productID = p.ID
	}

	saved := make([]*model.Competitor, 0, len(suggestions))
	var rows []model.CompetitorSuggestion
	for _, sg := range suggestions {
		host, err := competitor.NormalizeHost(sg.WebsiteURL)
		if err != nil {
			s.logger.Debug("skip suggestion without host", slog.String("website_url", sg.WebsiteURL))
			continue
		}
		compName := strings.TrimSpace(sg.CompetitorName)
		if compName == "" {
			compName = competitor.DisplayName(host)
		}
		comp, err := s.store.UpsertCompetitor(ctx, &model.Competitor{
			Name:             compName,
			WebsiteURL:       sg.WebsiteURL,
			WebsiteHost:      host,
			IsAutoDiscovered: true,
		})
		if err != nil {
			s.logger.Error("save discovered competitor failed", slog.String("host", host), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save competitor failed"})
			return
		}
		saved = append(saved, comp)
		if productID != "" {
			rows = append(rows, model.CompetitorSuggestion{
				ProductID:        productID,
				CompetitorID:     comp.ID,
				SuggestedRank:    sg.SuggestedRank,
				Reason:           sg.Reason,
				CredibilityScore: sg.CredibilityScore,
			})
		}
	}
	if err := s.store.SaveSuggestions(ctx, rows); err != nil {
		s.logger.Warn("save suggestions failed", slog.String("error", err.Error()))
	}

	c.JSON(http.StatusOK, gin.H{"competitors": saved, "suggestions": suggestions})
}

func (s *Server) handleComparisonReport(c *gin.Context) {
	comparisons, err := s.reports.Comparisons(c.Request.Context())
	if err != nil {
		s.logger.Error("build comparison failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build report failed"})
		return
	}
	c.JSON(http.StatusOK, comparisons)
}

func (s *Server) handleExportReport(c *gin.Context) {
	comparisons, err := s.reports.Comparisons(c.Request.Context())
	if err != nil {
		s.logger.Error("build comparison failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "build report failed"})
		return
	}
	data, err := report.ExportComparisons(comparisons)
	if err != nil {
		s.logger.Error("export xlsx failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="price-report.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (s *Server) handleProductHistory(c *gin.Context) {
	h, err := s.reports.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondLookupError(c, err, "product")
		return
	}
	c.JSON(http.StatusOK, h)
}

// isDuplicate 认领触发，Redis 出错时放行。
func (s *Server) isDuplicate(ctx context.Context, trigger string) bool {
	if s.deduper == nil {
		return false
	}
	dup, err := s.deduper.Claim(ctx, trigger)
	if err != nil {
		s.logger.Error("dedup check failed", slog.String("error", err.Error()), slog.String("trigger", trigger))
		return false
	}
	if dup {
		s.logger.Info("trigger deduplicated", slog.String("trigger", trigger))
		metrics.TriggerDuplicatePreventedTotal.Inc()
	}
	return dup
}

func (s *Server) releaseTrigger(ctx context.Context, trigger string) {
	if s.deduper == nil {
		return
	}
	if err := s.deduper.Release(ctx, trigger); err != nil {
		s.logger.Warn("dedup release failed", slog.String("error", err.Error()), slog.String("trigger", trigger))
	}
}

// wakeWorker 尽力唤醒 worker；失败时 worker 仍会按轮询间隔拿到任务。
func (s *Server) wakeWorker(ctx context.Context, jobID uint) {
	if s.waker == nil {
		return
	}
	err := s.waker.Publish(ctx, jobID)
	if err != nil && !errors.Is(err, redisqueue.ErrSignalExists) {
		s.logger.Warn("publish wakeup failed", slog.Uint64("job_id", uint64(jobID)), slog.String("error", err.Error()))
	}
}

func (s *Server) respondLookupError(c *gin.Context, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	s.logger.Error("lookup failed", slog.String("kind", what), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup " + what + " failed"})
}

func parseJobID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return uint(id), true
}
