// Package oracle 把导航决策、商品提取与竞争对手发现交给 Anthropic Messages API。
//
// 所有方法返回模型的原始文本，解析统一由调用方通过 lenientjson 完成。
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/lenientjson"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/ratelimit"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// PriceShortcutAction 可见文本含价格时直接返回的决策。
const PriceShortcutAction = `{"type":"ExtractProduct","reason":"price detected"}`

// StatusError 携带 HTTP 状态码，retry.IsRateLimited 通过 HTTPStatus() 识别 429。
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Suggestion 竞争对手发现结果中的一项。
type Suggestion struct {
	CompetitorName   string  `json:"competitorName"`
	WebsiteURL       string  `json:"websiteUrl"`
	CredibilityScore float64 `json:"credibilityScore"`
	SuggestedRank    int     `json:"suggestedRank"`
	Reason           string  `json:"reason"`
}

// Client Decision Oracle 的 Anthropic 实现。
type Client struct {
	api             anthropic.Client
	limiter         ratelimit.Limiter
	decisionModel   string
	extractionModel string
	maxTokens       int64
	logger          *slog.Logger
}

// New 创建 oracle 客户端。SDK 自带的重试被关闭，限流重试由 worker 的退避包装负责。
//
// 参数:
//
//	cfg: oracle 配置
//	limiter: 每次请求前获取令牌，nil 表示不限速
//	logger: 日志
//	opts: 额外的 SDK 选项（测试中用于替换 BaseURL）
func New(cfg config.OracleConfig, limiter ratelimit.Limiter, logger *slog.Logger, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		api:             anthropic.NewClient(append(base, opts...)...),
		limiter:         limiter,
		decisionModel:   cfg.DecisionModel,
		extractionModel: cfg.ExtractionModel,
		maxTokens:       maxTokens,
		logger:          logger,
	}
}

// DecideNextAction 返回下一步动作的原始 JSON 文本。
func (c *Client) DecideNextAction(ctx context.Context, productName string, snap *agent.PageSnapshot, step int) (string, error) {
	if snap == nil {
		return "", errors.New("nil snapshot")
	}
	if hasPriceText(snap) {
		metrics.OracleRequestsTotal.WithLabelValues("decide", "shortcut").Inc()
		return PriceShortcutAction, nil
	}
	return c.complete(ctx, "decide", c.decisionModel, buildDecisionPrompt(productName, snap, step))
}

// ExtractProduct 返回商品提取的原始 JSON 文本。
func (c *Client) ExtractProduct(ctx context.Context, productName string, snap *agent.PageSnapshot) (string, error) {
	if snap == nil {
		return "", errors.New("nil snapshot")
	}
	return c.complete(ctx, "extract", c.extractionModel, buildExtractionPrompt(productName, snap))
}

// DiscoverCompetitors 根据搜索结果行推断竞争对手列表。响应无法解析时返回空列表而不是错误。
func (c *Client) DiscoverCompetitors(ctx context.Context, productName string, searchResults []string) ([]Suggestion, error) {
	if len(searchResults) == 0 {
		return nil, nil
	}
	raw, err := c.complete(ctx, "discover", c.extractionModel, buildDiscoveryPrompt(productName, searchResults))
	if err != nil {
		return nil, err
	}
	var out []Suggestion
	if !lenientjson.DecodeArray(raw, &out) {
		c.logger.Warn("competitor discovery response not decodable", slog.Int("len", len(raw)))
		return nil, nil
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, call, model, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return "", err
		}
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	metrics.OracleRequestDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues(call, "error").Inc()
		return "", convertError(ctx, err)
	}
	metrics.OracleRequestsTotal.WithLabelValues(call, "ok").Inc()

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func convertError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		status := &StatusError{StatusCode: apierr.StatusCode, Message: http.StatusText(apierr.StatusCode)}
		return fmt.Errorf("oracle request: %w", status)
	}
	return fmt.Errorf("oracle request: %w", err)
}
