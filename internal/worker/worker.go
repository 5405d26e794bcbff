// Package worker 实现单循环的抓取任务调度。
//
// 每个周期认领一个最早的 Pending 任务，搜索候选链接，依次对候选运行 agent，
// 解析竞争对手，并在一个事务中保存价格记录与任务最终状态。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/competitor"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/notify"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/redisqueue"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/retry"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"
)

// ErrNoValidCandidate 所有候选都没有产出可用结果。
var ErrNoValidCandidate = errors.New("agent could not extract any valid product from candidates")

const (
	defaultPollInterval = 5 * time.Second
	notifyTimeout       = 10 * time.Second
)

// Store worker 需要的持久化操作。
type Store interface {
	competitor.Lookup
	ClaimNextPending(ctx context.Context) (*model.ScrapeJob, error)
	SaveCycle(ctx context.Context, c store.Cycle) error
}

// SearchProvider 返回 "标题 | 链接" 形式的搜索结果。
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Runner 对单个候选运行导航 agent。
type Runner interface {
	Run(ctx context.Context, productName, candidateURL string) (*agent.Result, error)
}

// Waker 在轮询间隔内等待 API 发来的唤醒信号。
type Waker interface {
	Wait(ctx context.Context, timeout time.Duration) (uint, error)
}

// Options 可选参数，零值使用默认配置。
type Options struct {
	MaxCandidates int
	PollInterval  time.Duration
	Retry         retry.Config
	Waker         Waker
	Notifier      notify.Notifier
	Now           func() time.Time
}

// Worker 顺序处理抓取任务，同一时刻只运行一个周期。
type Worker struct {
	store      Store
	search     SearchProvider
	agent      Runner
	discoverer competitor.Discoverer
	logger     *slog.Logger

	maxCandidates int
	pollInterval  time.Duration
	retry         retry.Config
	waker         Waker
	notifier      notify.Notifier
	now           func() time.Time
}

// New 创建 Worker。
//
// 参数:
//
//	st: 任务与价格的持久化
//	search: 搜索候选链接
//	runner: 导航 agent
//	discoverer: 竞争对手发现，可为 nil
//	opts: 可选参数
//	logger: 日志记录器
func New(st Store, search SearchProvider, runner Runner, discoverer competitor.Discoverer, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		store:         st,
		search:        search,
		agent:         runner,
		discoverer:    discoverer,
		logger:        logger,
		maxCandidates: opts.MaxCandidates,
		pollInterval:  opts.PollInterval,
		retry:         opts.Retry,
		waker:         opts.Waker,
		notifier:      opts.Notifier,
		now:           opts.Now,
	}
}

// Run 运行主循环直到 ctx 结束，返回 ctx.Err()。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("scrape worker started",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("max_candidates", w.maxCandidates),
		slog.Bool("wakeup", w.waker != nil))

	for {
		if _, err := w.ProcessNext(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				w.logger.Info("scrape worker stopped")
				return ctxErr
			}
			w.logger.Error("process job failed", slog.String("error", err.Error()))
		}

		if err := w.wait(ctx); err != nil {
			w.logger.Info("scrape worker stopped")
			return err
		}
	}
}

// wait 等待一个轮询间隔，收到唤醒信号时提前返回。
func (w *Worker) wait(ctx context.Context) error {
	if w.waker != nil {
		jobID, err := w.waker.Wait(ctx, w.pollInterval)
		switch {
		case err == nil:
			w.logger.Debug("woken by trigger", slog.Uint64("job_id", uint64(jobID)))
			return nil
		case errors.Is(err, redisqueue.ErrNoSignal):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			w.logger.Warn("wait wakeup signal failed, falling back to timer",
				slog.String("error", err.Error()))
		}
	}

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessNext 处理一个任务周期。
//
// 返回值:
//
//	bool: 是否认领到任务
//	error: 认领失败、失败状态也无法保存，或 ctx 被取消（此时不保存，任务保持 InProgress）
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextPending(ctx)
	if errors.Is(err, store.ErrNoPendingJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}

	start := time.Now()
	metrics.ActiveJobs.Inc()
	defer func() {
		metrics.ActiveJobs.Dec()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	productName := ""
	if job.Product != nil {
		productName = job.Product.Name
	}
	log := w.logger.With(
		slog.Uint64("job_id", uint64(job.ID)),
		slog.String("product_id", job.ProductID))
	log.Info("job claimed", slog.String("product", productName))
	claimedAttempts := job.AttemptCount

	cycle, err := w.runCycle(ctx, job, productName, log)
	if err != nil && isCancellation(ctx, err) {
		log.Warn("job cycle cancelled, leaving job in progress", slog.String("error", err.Error()))
		return true, err
	}

	if err != nil {
		markFailed(job, claimedAttempts, err)
		cycle = store.Cycle{Job: job}
	} else {
		completedAt := w.now().UTC()
		job.Status = model.JobCompleted
		job.ErrorMessage = nil
		job.CompletedAt = &completedAt
		cycle.Job = job
	}

	if saveErr := w.store.SaveCycle(ctx, cycle); saveErr != nil {
		if ctx.Err() != nil {
			return true, fmt.Errorf("save job %d: %w", job.ID, saveErr)
		}
		// 周期写入失败时改为只保存失败状态。
		log.Error("save cycle failed, recording job failure", slog.String("error", saveErr.Error()))
		markFailed(job, claimedAttempts, fmt.Errorf("save cycle: %w", saveErr))
		cycle = store.Cycle{Job: job}
		if err := w.store.SaveCycle(ctx, cycle); err != nil {
			return true, fmt.Errorf("save job %d: %w", job.ID, errors.Join(saveErr, err))
		}
	}
	metrics.JobsProcessedTotal.WithLabelValues(statusLabel(job.Status)).Inc()

	if job.Status == model.JobFailed {
		log.Warn("job failed",
			slog.Int("attempt_count", job.AttemptCount),
			slog.String("error", *job.ErrorMessage),
			slog.Duration("duration", time.Since(start)))
		w.notifyFailure(ctx, job, productName, log)
		return true, nil
	}

	log.Info("job completed",
		slog.Int("records", len(cycle.Records)),
		slog.Int("new_competitors", len(cycle.NewCompetitors)),
		slog.Duration("duration", time.Since(start)))
	return true, nil
}

// runCycle 搜索、运行候选并构造待保存的变更；不写数据库。
func (w *Worker) runCycle(ctx context.Context, job *model.ScrapeJob, productName string, log *slog.Logger) (store.Cycle, error) {
	if productName == "" {
		return store.Cycle{}, fmt.Errorf("product %s not found for job", job.ProductID)
	}

	results, err := w.search.Search(ctx, productName)
	if err != nil {
		return store.Cycle{}, fmt.Errorf("search %q: %w", productName, err)
	}
	candidates := ParseCandidates(results, w.maxCandidates)
	log.Info("candidates found",
		slog.Int("search_results", len(results)),
		slog.Int("candidates", len(candidates)))

	var found []agent.Result
	for i, candidate := range candidates {
		log.Debug("running candidate",
			slog.Int("index", i+1),
			slog.String("url", candidate))
		res, err := w.runCandidate(ctx, job.ID, productName, candidate)
		if err != nil {
			return store.Cycle{}, err
		}
		if res == nil {
			continue
		}
		if !model.IsAcceptedPrice(res.Price) {
			log.Warn("candidate result without usable price",
				slog.String("url", candidate),
				slog.Float64("price", res.Price))
			continue
		}
		found = append(found, *res)
	}
	if len(found) == 0 {
		return store.Cycle{}, ErrNoValidCandidate
	}

	resolver := competitor.NewResolver(w.store, w.discoverer, log)
	capturedAt := w.now().UTC()
	records := make([]model.PriceRecord, 0, len(found))
	for _, res := range found {
		comp, err := resolver.Resolve(ctx, competitor.Request{
			ProductName:   productName,
			SearchResults: results,
			ProductURL:    res.ProductURL,
		})
		if errors.Is(err, competitor.ErrInvalidURL) {
			log.Warn("skipping result with unusable url",
				slog.String("url", res.ProductURL),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return store.Cycle{}, fmt.Errorf("resolve competitor for %s: %w", res.ProductURL, err)
		}
		records = append(records, model.PriceRecord{
			ProductID:       job.ProductID,
			CompetitorID:    comp.ID,
			ProductTitle:    model.Truncate(res.ProductTitle, model.MaxTitleLength),
			ProductURL:      model.Truncate(res.ProductURL, model.MaxURLLength),
			Price:           res.Price,
			Currency:        model.DefaultCurrency,
			MatchPercentage: res.MatchPercentage,
			ConfidenceScore: res.ConfidenceScore,
			CapturedAt:      capturedAt,
		})
	}

	if len(records) == 0 {
		return store.Cycle{}, ErrNoValidCandidate
	}

	return store.Cycle{
		NewCompetitors: resolver.Pending(),
		Records:        records,
	}, nil
}

// markFailed 以认领时的尝试次数为基准记录失败，重复调用不会重复累加。
func markFailed(job *model.ScrapeJob, claimedAttempts int, err error) {
	msg := err.Error()
	job.Status = model.JobFailed
	job.AttemptCount = claimedAttempts + 1
	job.ErrorMessage = &msg
	job.CompletedAt = nil
}

// notifyFailure 尽力通知，失败只记录日志。
func (w *Worker) notifyFailure(ctx context.Context, job *model.ScrapeJob, productName string, log *slog.Logger) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := w.notifier.JobFailed(notifyCtx, job, productName); err != nil {
		log.Warn("job failure notification failed", slog.String("error", err.Error()))
	}
}

// isCancellation 仅当循环自身的 ctx 已结束时才视为取消。
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func statusLabel(s model.JobStatus) string {
	if s == model.JobCompleted {
		return "completed"
	}
	return "failed"
}
