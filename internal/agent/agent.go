package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
)

var (
	// ErrCycleDetected 同一次运行中再次看到相同的页面指纹。
	ErrCycleDetected = errors.New("agent loop detected")
	// ErrStepBudgetExhausted 步数用完仍未到达商品页。
	ErrStepBudgetExhausted = errors.New("agent step budget exhausted")
)

// DefaultMaxSteps 每个候选站点的默认最大决策步数。
const DefaultMaxSteps = 8

// Session 一个独占的浏览器会话，Close 必须在任何路径上被调用。
type Session interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	CaptureSnapshot(ctx context.Context) (*PageSnapshot, error)
	Close() error
}

// SessionFactory 为每次 agent 运行创建新的会话。
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Oracle 返回原始文本，调用方负责宽松解析。
type Oracle interface {
	DecideNextAction(ctx context.Context, productName string, snap *PageSnapshot, step int) (string, error)
	ExtractProduct(ctx context.Context, productName string, snap *PageSnapshot) (string, error)
}

// Agent 针对单个候选 URL 执行有界的决策循环。
type Agent struct {
	sessions SessionFactory
	oracle   Oracle
	cache    Cache
	maxSteps int
	logger   *slog.Logger
}

// New 创建 Agent。cache 为 nil 时使用新的 MemoryCache，maxSteps <= 0 时使用 DefaultMaxSteps。
func New(sessions SessionFactory, oracle Oracle, cache Cache, maxSteps int, logger *slog.Logger) *Agent {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		sessions: sessions,
		oracle:   oracle,
		cache:    cache,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

// Run 对一个候选链接运行 agent。
//
// 参数:
//
//	ctx: 上下文，取消会立即中止
//	productName: 目标商品名
//	candidateURL: 搜索结果中的候选链接
//
// 返回值:
//
//	*Result: 提取结果；Stop 或提取无效时为 nil
//	error: ErrCycleDetected / ErrStepBudgetExhausted，或浏览器、oracle 的错误
func (a *Agent) Run(ctx context.Context, productName, candidateURL string) (*Result, error) {
	if cached, ok := a.cache.Get(candidateURL); ok {
		metrics.AgentCacheTotal.WithLabelValues("hit").Inc()
		a.logger.Debug("agent cache hit", slog.String("url", candidateURL))
		return &cached, nil
	}
	metrics.AgentCacheTotal.WithLabelValues("miss").Inc()

	session, err := a.sessions.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			a.logger.Warn("close browser session failed", slog.String("error", cerr.Error()))
		}
	}()

	if err := session.Navigate(ctx, candidateURL); err != nil {
		return nil, fmt.Errorf("navigate to candidate: %w", err)
	}

	seen := make(map[string]struct{}, a.maxSteps)
	for step := 1; step <= a.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := session.CaptureSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture snapshot (step %d): %w", step, err)
		}

		fp := Fingerprint(snap)
		if _, dup := seen[fp]; dup {
			a.logger.Warn("agent loop detected, stopping",
				slog.String("url", snap.URL),
				slog.Int("step", step))
			return nil, ErrCycleDetected
		}
		seen[fp] = struct{}{}

		raw, err := a.oracle.DecideNextAction(ctx, productName, snap, step)
		if err != nil {
			return nil, fmt.Errorf("decide next action (step %d): %w", step, err)
		}
		action := ParseAction(raw)
		metrics.AgentStepsTotal.WithLabelValues(string(action.Type)).Inc()
		a.logger.Debug("agent step",
			slog.Int("step", step),
			slog.String("action", string(action.Type)),
			slog.String("reason", action.Reason),
			slog.String("url", snap.URL))

		switch action.Type {
		case ActionNavigate:
			target := resolveURL(snap.URL, action.URL)
			if err := session.Navigate(ctx, target); err != nil {
				return nil, fmt.Errorf("navigate (step %d): %w", step, err)
			}
		case ActionClick:
			if err := session.Click(ctx, action.Selector); err != nil {
				return nil, fmt.Errorf("click %q (step %d): %w", action.Selector, step, err)
			}
		case ActionExtractProduct:
			res, err := a.extract(ctx, productName, snap)
			if err != nil {
				return nil, err
			}
			if res != nil {
				a.cache.Set(candidateURL, *res)
			}
			return res, nil
		default:
			return nil, nil
		}
	}

	return nil, ErrStepBudgetExhausted
}

// resolveURL 把相对链接解析为基于当前页面的绝对地址。
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
