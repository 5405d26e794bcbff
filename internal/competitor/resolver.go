// Package competitor 把商品链接映射到竞争对手记录。
package competitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/oracle"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"

	"github.com/google/uuid"
)

// knownNames 常见伊朗电商站点的展示名称。
var knownNames = map[string]string{
	"digikala.com":   "دیجی کالا",
	"torob.com":      "توروب",
	"technolife.com": "تکنولایف",
	"snappshop.ir":   "اسنپ شاپ",
	"divar.ir":       "دیوار",
}

// Lookup 查询已持久化的竞争对手。
type Lookup interface {
	FindCompetitorByHost(ctx context.Context, host string) (*model.Competitor, error)
}

// Discoverer 根据搜索结果推断竞争对手。
type Discoverer interface {
	DiscoverCompetitors(ctx context.Context, productName string, searchResults []string) ([]oracle.Suggestion, error)
}

// Request 一次解析请求。
type Request struct {
	ProductName   string
	SearchResults []string
	ProductURL    string
}

// Resolver 单个任务周期内使用，不可跨周期复用。
type Resolver struct {
	lookup     Lookup
	discoverer Discoverer
	logger     *slog.Logger

	pending     map[string]*model.Competitor
	order       []string
	discovered  bool
	suggestions []oracle.Suggestion
}

// NewResolver discoverer 为 nil 时直接使用名称表。
func NewResolver(lookup Lookup, discoverer Discoverer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		lookup:     lookup,
		discoverer: discoverer,
		logger:     logger,
		pending:    make(map[string]*model.Competitor),
	}
}

// ErrInvalidURL 链接无法解析或没有 host。
var ErrInvalidURL = errors.New("invalid competitor url")

// NormalizeHost 小写、去端口、去 www. 前缀。
func NormalizeHost(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, rawURL)
	}
	return strings.TrimPrefix(host, "www."), nil
}

// KnownHosts 名称表中的全部 host，按字母序。
func KnownHosts() []string {
	hosts := make([]string, 0, len(knownNames))
	for h := range knownNames {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// DisplayName 名称表中的站点名，未知站点返回 host 本身。
func DisplayName(host string) string {
	if name, ok := knownNames[host]; ok {
		return name
	}
	return host
}

// Resolve 返回链接所属的竞争对手，必要时创建一条待保存的新记录。
func (r *Resolver) Resolve(ctx context.Context, req Request) (*model.Competitor, error) {
	host, err := NormalizeHost(req.ProductURL)
	if err != nil {
		return nil, err
	}

	if c, ok := r.pending[host]; ok {
		return c, nil
	}

	if r.lookup != nil {
		existing, err := r.lookup.FindCompetitorByHost(ctx, host)
		switch {
		case err == nil && existing != nil:
			return existing, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("find competitor %s: %w", host, err)
		}
	}

	c := &model.Competitor{
		ID:               uuid.NewString(),
		Name:             DisplayName(host),
		WebsiteURL:       "https://" + host,
		WebsiteHost:      host,
		IsAutoDiscovered: true,
	}
	source := "table"

	match, err := r.discover(ctx, req, host)
	if err != nil {
		return nil, err
	}
	if match != nil {
		if name := strings.TrimSpace(match.CompetitorName); name != "" {
			c.Name = model.Truncate(name, model.MaxNameLength)
			source = "oracle"
		}
		if strings.TrimSpace(match.WebsiteURL) != "" {
			c.WebsiteURL = strings.TrimSpace(match.WebsiteURL)
		}
	}

	r.pending[host] = c
	r.order = append(r.order, host)
	metrics.CompetitorsCreatedTotal.WithLabelValues(source).Inc()
	r.logger.Info("new competitor discovered",
		slog.String("host", host),
		slog.String("name", c.Name),
		slog.String("source", source))
	return c, nil
}

// discover 每个周期最多调用一次 oracle，之后复用解码结果。
func (r *Resolver) discover(ctx context.Context, req Request, host string) (*oracle.Suggestion, error) {
	if r.discoverer == nil {
		return nil, nil
	}
	if !r.discovered {
		r.discovered = true
		suggestions, err := r.discoverer.DiscoverCompetitors(ctx, req.ProductName, req.SearchResults)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Warn("competitor discovery failed, using name table",
				slog.String("error", err.Error()))
		}
		r.suggestions = suggestions
	}

	for i := range r.suggestions {
		h, err := NormalizeHost(r.suggestions[i].WebsiteURL)
		if err == nil && h == host {
			return &r.suggestions[i], nil
		}
	}
	return nil, nil
}

// Pending 本周期新建、尚未持久化的竞争对手，按创建顺序。
func (r *Resolver) Pending() []*model.Competitor {
	out := make([]*model.Competitor, 0, len(r.order))
	for _, host := range r.order {
		out = append(out, r.pending[host])
	}
	return out
}
