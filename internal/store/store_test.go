package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func seedProduct(t *testing.T, s *Store, name string) *model.Product {
	t.Helper()
	p := &model.Product{Name: name, OwnPrice: 1000}
	require.NoError(t, s.CreateProduct(context.Background(), p))
	return p
}

func TestClaimNextPending_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1 := seedProduct(t, s, "گوشی A")
	p2 := seedProduct(t, s, "گوشی B")

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	older := &model.ScrapeJob{ProductID: p2.ID, Status: model.JobPending, CreatedAt: base}
	newer := &model.ScrapeJob{ProductID: p1.ID, Status: model.JobPending, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, s.db.Create(newer).Error)
	require.NoError(t, s.db.Create(older).Error)

	job, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, older.ID, job.ID)
	require.Equal(t, model.JobInProgress, job.Status)
	require.NotNil(t, job.Product)
	require.Equal(t, "گوشی B", job.Product.Name)

	job, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, newer.ID, job.ID)

	_, err = s.ClaimNextPending(ctx)
	require.ErrorIs(t, err, ErrNoPendingJob)
}

func TestClaimNextPending_TieBrokenByID(t *testing.T) {
	s := newTestStore(t)
	p := seedProduct(t, s, "x")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := &model.ScrapeJob{ProductID: p.ID, Status: model.JobPending, CreatedAt: at}
	second := &model.ScrapeJob{ProductID: p.ID, Status: model.JobPending, CreatedAt: at}
	require.NoError(t, s.db.Create(first).Error)
	require.NoError(t, s.db.Create(second).Error)

	job, err := s.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.ID, job.ID)
}

func TestClaimNextPending_SkipsNonPending(t *testing.T) {
	s := newTestStore(t)
	p := seedProduct(t, s, "x")
	for _, st := range []model.JobStatus{model.JobInProgress, model.JobCompleted, model.JobFailed} {
		require.NoError(t, s.db.Create(&model.ScrapeJob{ProductID: p.ID, Status: st}).Error)
	}
	_, err := s.ClaimNextPending(context.Background())
	require.ErrorIs(t, err, ErrNoPendingJob)
}

func TestSaveCycle_CompletedUpdatesAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, "لپ تاپ")

	existing, err := s.UpsertCompetitor(ctx, &model.Competitor{Name: "Digikala", WebsiteURL: "https://digikala.com", WebsiteHost: "digikala.com"})
	require.NoError(t, err)

	job, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)

	fresh := &model.Competitor{ID: "11111111-1111-1111-1111-111111111111", Name: "Torob", WebsiteURL: "https://torob.com", WebsiteHost: "torob.com", IsAutoDiscovered: true}
	// 同一 host 已存在，应映射到已有行
	dupe := &model.Competitor{ID: "22222222-2222-2222-2222-222222222222", Name: "DK", WebsiteURL: "https://www.digikala.com", WebsiteHost: "digikala.com", IsAutoDiscovered: true}

	now := time.Now().UTC()
	job.Status = model.JobCompleted
	job.AttemptCount = 1
	job.CompletedAt = &now
	err = s.SaveCycle(ctx, Cycle{
		Job:            job,
		NewCompetitors: []*model.Competitor{fresh, dupe},
		Records: []model.PriceRecord{
			{ProductID: p.ID, CompetitorID: fresh.ID, Price: 100, CapturedAt: now},
			{ProductID: p.ID, CompetitorID: dupe.ID, Price: 300, CapturedAt: now},
			{ProductID: p.ID, CompetitorID: fresh.ID, Price: model.PriceOutOfStock, CapturedAt: now},
		},
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.CompletedAt)

	product, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, product.AverageMarketPrice)
	require.InDelta(t, 200, *product.AverageMarketPrice, 0.001)

	comps, err := s.ListCompetitors(ctx)
	require.NoError(t, err)
	require.Len(t, comps, 2)

	records, err := s.PriceRecordsForProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		require.Equal(t, model.DefaultCurrency, r.Currency)
		require.NotEmpty(t, r.ID)
		require.NotNil(t, r.Competitor)
		if r.Price == 300 {
			require.Equal(t, existing.ID, r.CompetitorID)
		}
	}
}

func TestSaveCycle_FailedKeepsAverage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, "x")
	job, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)

	msg := "no search results"
	job.Status = model.JobFailed
	job.AttemptCount = 1
	job.ErrorMessage = &msg
	require.NoError(t, s.SaveCycle(ctx, Cycle{Job: job}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, msg, *got.ErrorMessage)
	require.Nil(t, got.CompletedAt)

	product, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Nil(t, product.AverageMarketPrice)
}

func TestSaveCycle_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, "x")
	job, err := s.CreateJob(ctx, p.ID)
	require.NoError(t, err)

	job.Status = model.JobCompleted
	rec := model.PriceRecord{ID: "dup-id", ProductID: p.ID, CompetitorID: "c", Price: 10}
	err = s.SaveCycle(ctx, Cycle{Job: job, Records: []model.PriceRecord{rec, rec}})
	require.Error(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	records, err := s.PriceRecordsForProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFindCompetitorByHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindCompetitorByHost(ctx, "nope.ir")
	require.True(t, errors.Is(err, ErrNotFound))

	c := &model.Competitor{Name: "Torob", WebsiteHost: "torob.com"}
	require.NoError(t, s.CreateCompetitor(ctx, c))
	require.ErrorIs(t, s.CreateCompetitor(ctx, &model.Competitor{Name: "T", WebsiteHost: "torob.com"}), ErrDuplicate)

	got, err := s.FindCompetitorByHost(ctx, "torob.com")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestRequeueFailedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, "x")
	msg := "boom"
	job := &model.ScrapeJob{ProductID: p.ID, Status: model.JobFailed, AttemptCount: 4, ErrorMessage: &msg}
	require.NoError(t, s.db.Create(job).Error)

	got, err := s.RequeueFailedJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	require.Equal(t, 4, got.AttemptCount)
	require.Nil(t, got.ErrorMessage)

	_, err = s.RequeueFailedJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateJobsForAllAndDashboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobs, err := s.CreateJobsForAll(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	seedProduct(t, s, "a")
	seedProduct(t, s, "b")
	jobs, err = s.CreateJobsForAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.NotZero(t, j.ID)
	}

	stats, err := s.Dashboard(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Products)
	require.EqualValues(t, 2, stats.PendingJobs)
	require.EqualValues(t, 0, stats.PriceRecords)
	require.Nil(t, stats.LastCapturedAt)
}
