package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/retry"
)

// DefaultMaxCandidates 每个任务最多尝试的候选链接数。
const DefaultMaxCandidates = 10

// ParseCandidates 从 "标题 | 链接" 形式的搜索结果中提取候选链接。
//
// 取每行按 "|" 切分后的最后一个非空段；非 http(s) 链接被跳过，
// 按首次出现顺序去重，最多保留 max 个（max <= 0 时使用 DefaultMaxCandidates）。
func ParseCandidates(results []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxCandidates
	}
	seen := make(map[string]struct{}, len(results))
	out := make([]string, 0, len(results))
	for _, line := range results {
		token := lastSegment(line)
		if !isHTTPURL(token) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		if len(out) == max {
			break
		}
	}
	return out
}

// lastSegment 按 "|" 切分后最后一个非空段，"标题 | 链接 |" 仍取到链接。
func lastSegment(line string) string {
	parts := strings.Split(line, "|")
	for i := len(parts) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(parts[i]); seg != "" {
			return seg
		}
	}
	return ""
}

func isHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// runCandidate 在重试包装下对单个候选运行 agent。
//
// 返回值:
//
//	*agent.Result: 有效结果，候选被放弃时为 nil
//	error: 仅在 ctx 取消时非 nil，其余错误都在候选级别被吸收
func (w *Worker) runCandidate(ctx context.Context, jobID uint, productName, candidate string) (*agent.Result, error) {
	cfg := w.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.CandidateRetriesTotal.Inc()
		w.logger.Warn("candidate rate limited, backing off",
			slog.Uint64("job_id", uint64(jobID)),
			slog.String("url", candidate),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	res, attempts, err := retry.Do(ctx, cfg, func(ctx context.Context) (*agent.Result, error) {
		return w.agent.Run(ctx, productName, candidate)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		outcome := "error"
		switch {
		case errors.Is(err, retry.ErrExhausted):
			outcome = "rate_limited"
		case errors.Is(err, agent.ErrCycleDetected):
			outcome = "cycle"
		case errors.Is(err, agent.ErrStepBudgetExhausted):
			outcome = "budget"
		}
		metrics.CandidatesTotal.WithLabelValues(outcome).Inc()
		w.logger.Warn("candidate abandoned",
			slog.Uint64("job_id", uint64(jobID)),
			slog.String("url", candidate),
			slog.Int("attempts", attempts),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if res == nil {
		metrics.CandidatesTotal.WithLabelValues("empty").Inc()
		w.logger.Info("candidate yielded no product",
			slog.Uint64("job_id", uint64(jobID)),
			slog.String("url", candidate))
		return nil, nil
	}
	metrics.CandidatesTotal.WithLabelValues("extracted").Inc()
	return res, nil
}
