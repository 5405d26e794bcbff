// Package store 基于 gorm 的持久化层。
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrNoPendingJob 没有可认领的 Pending 任务。
	ErrNoPendingJob = errors.New("no pending scrape job")
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一键冲突（例如同一 host 的竞争对手）。
	ErrDuplicate = errors.New("duplicate record")
)

const claimAttempts = 3

// Store 封装所有数据库访问。
type Store struct {
	db *gorm.DB
}

// Open 连接 MySQL 并执行自动迁移。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 自动迁移全部模型。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 暴露底层连接，供关闭与健康检查使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping 检查数据库连接。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ClaimNextPending 认领最早创建的 Pending 任务并立即写为 InProgress。
//
// 返回值:
//   - *model.ScrapeJob: 已认领任务（预加载 Product）
//   - error: 没有任务时为 ErrNoPendingJob
func (s *Store) ClaimNextPending(ctx context.Context) (*model.ScrapeJob, error) {
	for i := 0; i < claimAttempts; i++ {
		var job model.ScrapeJob
		claimed := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("status = ?", model.JobPending).
				Order("created_at ASC").Order("id ASC").
				First(&job).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoPendingJob
			}
			if err != nil {
				return err
			}
			res := tx.Model(&model.ScrapeJob{}).
				Where("id = ? AND status = ?", job.ID, model.JobPending).
				Update("status", model.JobInProgress)
			if res.Error != nil {
				return res.Error
			}
			claimed = res.RowsAffected == 1
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrNoPendingJob) {
				return nil, err
			}
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if !claimed {
			continue
		}

		if err := s.db.WithContext(ctx).Preload("Product").First(&job, job.ID).Error; err != nil {
			return nil, fmt.Errorf("load claimed job %d: %w", job.ID, err)
		}
		return &job, nil
	}
	return nil, ErrNoPendingJob
}

// FindCompetitorByHost 按规范化 host 查找竞争对手，不存在时返回 ErrNotFound。
func (s *Store) FindCompetitorByHost(ctx context.Context, host string) (*model.Competitor, error) {
	var c model.Competitor
	err := s.db.WithContext(ctx).Where("website_host = ?", host).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find competitor: %w", err)
	}
	return &c, nil
}

// Cycle 一个任务周期需要原子落库的全部变更。
type Cycle struct {
	Job            *model.ScrapeJob
	NewCompetitors []*model.Competitor
	Records        []model.PriceRecord
}

// SaveCycle 在一个事务中写入新竞争对手、价格记录、任务状态与商品均价。
//
// 新竞争对手按 host FirstOrCreate，已存在时记录的 CompetitorID 会被重映射到已有行。
func (s *Store) SaveCycle(ctx context.Context, c Cycle) error {
	if c.Job == nil {
		return errors.New("save cycle: nil job")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		remap := make(map[string]string, len(c.NewCompetitors))
		for _, comp := range c.NewCompetitors {
			var saved model.Competitor
			if err := tx.Where("website_host = ?", comp.WebsiteHost).Attrs(*comp).FirstOrCreate(&saved).Error; err != nil {
				return fmt.Errorf("save competitor %s: %w", comp.WebsiteHost, err)
			}
			remap[comp.ID] = saved.ID
		}

		if len(c.Records) > 0 {
			records := make([]model.PriceRecord, len(c.Records))
			for i, r := range c.Records {
				if id, ok := remap[r.CompetitorID]; ok {
					r.CompetitorID = id
				}
				if r.ID == "" {
					r.ID = uuid.NewString()
				}
				if r.Currency == "" {
					r.Currency = model.DefaultCurrency
				}
				r.Product, r.Competitor = nil, nil
				records[i] = r
			}
			if err := tx.Create(&records).Error; err != nil {
				return fmt.Errorf("insert price records: %w", err)
			}
		}

		job := c.Job
		if err := tx.Model(&model.ScrapeJob{}).Where("id = ?", job.ID).Updates(map[string]any{
			"status":        job.Status,
			"attempt_count": job.AttemptCount,
			"error_message": job.ErrorMessage,
			"completed_at":  job.CompletedAt,
		}).Error; err != nil {
			return fmt.Errorf("update job %d: %w", job.ID, err)
		}

		if job.Status != model.JobCompleted {
			return nil
		}
		var prices []float64
		if err := tx.Model(&model.PriceRecord{}).Where("product_id = ?", job.ProductID).Pluck("price", &prices).Error; err != nil {
			return fmt.Errorf("load prices: %w", err)
		}
		avg, ok := model.AveragePrice(prices)
		if !ok {
			return nil
		}
		if err := tx.Model(&model.Product{}).Where("id = ?", job.ProductID).Update("average_market_price", avg).Error; err != nil {
			return fmt.Errorf("update average price: %w", err)
		}
		return nil
	})
}

// CreateProduct 创建商品。
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Name = strings.TrimSpace(p.Name)
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// GetProduct 按 ID 查找商品。
func (s *Store) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// FindProductByName 按名称（忽略首尾空白）查找商品。
func (s *Store) FindProductByName(ctx context.Context, name string) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).Order("created_at ASC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &p, nil
}

// ListProducts 按创建时间倒序列出商品。
func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// ListCompetitors 按名称列出竞争对手。
func (s *Store) ListCompetitors(ctx context.Context) ([]model.Competitor, error) {
	var out []model.Competitor
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	return out, nil
}

// CreateCompetitor 手动添加竞争对手，host 已存在时返回 ErrDuplicate。
func (s *Store) CreateCompetitor(ctx context.Context, c *model.Competitor) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Competitor{}).Where("website_host = ?", c.WebsiteHost).Count(&count).Error; err != nil {
		return fmt.Errorf("check competitor: %w", err)
	}
	if count > 0 {
		return ErrDuplicate
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create competitor: %w", err)
	}
	return nil
}

// UpsertCompetitor 按 host 获取或创建竞争对手。
func (s *Store) UpsertCompetitor(ctx context.Context, c *model.Competitor) (*model.Competitor, error) {
	var saved model.Competitor
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Where("website_host = ?", c.WebsiteHost).Attrs(*c).FirstOrCreate(&saved).Error; err != nil {
		return nil, fmt.Errorf("upsert competitor: %w", err)
	}
	return &saved, nil
}

// SaveSuggestions 保存竞争对手发现接口给出的排名建议。
func (s *Store) SaveSuggestions(ctx context.Context, suggestions []model.CompetitorSuggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	for i := range suggestions {
		if suggestions[i].ID == "" {
			suggestions[i].ID = uuid.NewString()
		}
	}
	if err := s.db.WithContext(ctx).Create(&suggestions).Error; err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	return nil
}

// CreateJob 为商品创建一个 Pending 任务。
func (s *Store) CreateJob(ctx context.Context, productID string) (*model.ScrapeJob, error) {
	job := &model.ScrapeJob{ProductID: productID, Status: model.JobPending}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// CreateJobsForAll 为每个商品各创建一个 Pending 任务。
func (s *Store) CreateJobsForAll(ctx context.Context) ([]model.ScrapeJob, error) {
	var jobs []model.ScrapeJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.Product{}).Order("created_at ASC").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		jobs = make([]model.ScrapeJob, 0, len(ids))
		for _, id := range ids {
			jobs = append(jobs, model.ScrapeJob{ProductID: id, Status: model.JobPending})
		}
		return tx.Create(&jobs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}
	return jobs, nil
}

// GetJob 按 ID 查找任务。
func (s *Store) GetJob(ctx context.Context, id uint) (*model.ScrapeJob, error) {
	var job model.ScrapeJob
	err := s.db.WithContext(ctx).Preload("Product").First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// RequeueFailedJob 把 Failed 任务重新置为 Pending，保留 attempt_count。
func (s *Store) RequeueFailedJob(ctx context.Context, id uint) (*model.ScrapeJob, error) {
	res := s.db.WithContext(ctx).Model(&model.ScrapeJob{}).
		Where("id = ? AND status = ?", id, model.JobFailed).
		Updates(map[string]any{"status": model.JobPending, "error_message": nil})
	if res.Error != nil {
		return nil, fmt.Errorf("requeue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

// PriceRecordsForProduct 商品的全部价格记录（预加载竞争对手），按价格升序。
func (s *Store) PriceRecordsForProduct(ctx context.Context, productID string) ([]model.PriceRecord, error) {
	var out []model.PriceRecord
	err := s.db.WithContext(ctx).Preload("Competitor").
		Where("product_id = ?", productID).
		Order("price ASC").Order("captured_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list price records: %w", err)
	}
	return out, nil
}

// DashboardStats 仪表盘汇总。
type DashboardStats struct {
	Products       int64      `json:"products"`
	Competitors    int64      `json:"competitors"`
	PriceRecords   int64      `json:"price_records"`
	PendingJobs    int64      `json:"pending_jobs"`
	FailedJobs     int64      `json:"failed_jobs"`
	AverageMatch   float64    `json:"average_match_percentage"`
	LastCapturedAt *time.Time `json:"last_captured_at,omitempty"`
}

// Dashboard 汇总计数与平均匹配度。
func (s *Store) Dashboard(ctx context.Context) (*DashboardStats, error) {
	db := s.db.WithContext(ctx)
	var st DashboardStats
	counts := []struct {
		model any
		where string
		args  []any
		dst   *int64
	}{
		{&model.Product{}, "", nil, &st.Products},
		{&model.Competitor{}, "", nil, &st.Competitors},
		{&model.PriceRecord{}, "", nil, &st.PriceRecords},
		{&model.ScrapeJob{}, "status = ?", []any{model.JobPending}, &st.PendingJobs},
		{&model.ScrapeJob{}, "status = ?", []any{model.JobFailed}, &st.FailedJobs},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("dashboard count: %w", err)
		}
	}

	if st.PriceRecords > 0 {
		var agg struct {
			Avg float64
		}
		if err := db.Model(&model.PriceRecord{}).Select("COALESCE(AVG(match_percentage), 0) AS avg").Scan(&agg).Error; err != nil {
			return nil, fmt.Errorf("dashboard average: %w", err)
		}
		st.AverageMatch = agg.Avg

		var last model.PriceRecord
		if err := db.Order("captured_at DESC").First(&last).Error; err == nil {
			st.LastCapturedAt = &last.CapturedAt
		}
	}
	return &st, nil
}
