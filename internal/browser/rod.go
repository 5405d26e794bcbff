// Package browser 提供基于 go-rod 的浏览器会话与搜索实现。
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/config"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout = 30 * time.Second       // 浏览器启动超时
	searchSettleDelay  = 2 * time.Second        // 搜索结果页渲染等待
	clickSettleDelay   = 500 * time.Millisecond // 点击后等待
)

// 图片、字体与媒体对 DOM 摘要没有价值。
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*", "*googletagmanager*", "*doubleclick*",
}

// Factory 持有一个浏览器进程，为每次 agent 运行创建独立页面。
type Factory struct {
	mu          sync.Mutex
	browser     *rod.Browser
	userAgent   string
	pageTimeout time.Duration
	searchURL   string
	logger      *slog.Logger
}

// NewFactory 启动浏览器。
//
// 参数:
//
//	ctx: 仅用于启动阶段
//	bcfg: 浏览器配置（二进制路径、代理、headless）
//	scfg: 抓取配置（页面超时、搜索地址）
//	logger: 日志记录器
//
// 返回值:
//
//	*Factory: 可并发使用的会话工厂
//	error: 浏览器下载或启动失败
func NewFactory(ctx context.Context, bcfg config.BrowserConfig, scfg config.ScrapingConfig, logger *slog.Logger) (*Factory, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, bcfg, logger)
	if err != nil {
		return nil, err
	}
	pageTimeout := scfg.PageLoadTimeout
	if pageTimeout <= 0 {
		pageTimeout = 20 * time.Second
	}
	return &Factory{
		browser:     browser,
		userAgent:   bcfg.UserAgent,
		pageTimeout: pageTimeout,
		searchURL:   scfg.SearchURL,
		logger:      logger,
	}, nil
}

func startBrowser(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-blink-features", "AutomationControlled").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", cfg.ProxyURL)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
		logger.Info("using http proxy", slog.String("server", parsed.Host))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 启动用的 ctx 结束后浏览器仍需可用。
	browser = browser.Context(context.Background())
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", cfg.Headless))
	return browser, nil
}

// NewSession 创建带 stealth 脚本的新页面。
func (f *Factory) NewSession(ctx context.Context) (agent.Session, error) {
	page, err := f.newPage(ctx)
	if err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("session").Inc()
		return nil, err
	}
	metrics.BrowserSessionsActive.Inc()
	return &rodSession{page: page, timeout: f.pageTimeout, logger: f.logger}, nil
}

func (f *Factory) newPage(ctx context.Context) (*rod.Page, error) {
	f.mu.Lock()
	browser := f.browser
	f.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		f.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if f.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.userAgent}); err != nil {
			f.logger.Warn("set user agent failed", slog.String("error", err.Error()))
		}
	}
	return page, nil
}

// Search 打开搜索引擎结果页并返回 "标题 | 链接" 行。
func (f *Factory) Search(ctx context.Context, query string) ([]string, error) {
	session, err := f.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			f.logger.Warn("close search session failed", slog.String("error", cerr.Error()))
		}
	}()
	s := session.(*rodSession)

	target := SearchURL(f.searchURL, query)
	if err := s.Navigate(ctx, target); err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("search").Inc()
		return nil, fmt.Errorf("open search page: %w", err)
	}
	if err := sleepCtx(ctx, searchSettleDelay); err != nil {
		return nil, err
	}

	html, pageURL, _, err := s.content(ctx)
	if err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("search").Inc()
		return nil, err
	}
	lines, err := ParseSearchResults(html, pageURL)
	if err != nil {
		return nil, err
	}
	f.logger.Info("search completed", slog.String("query", query), slog.Int("results", len(lines)))
	return lines, nil
}

// Close 关闭浏览器进程。
func (f *Factory) Close() error {
	f.mu.Lock()
	browser := f.browser
	f.browser = nil
	f.mu.Unlock()
	if browser == nil {
		return nil
	}
	if err := browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type rodSession struct {
	page    *rod.Page
	timeout time.Duration
	logger  *slog.Logger
	once    sync.Once
}

func (s *rodSession) scoped(ctx context.Context) (*rod.Page, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.page.Context(opCtx), cancel
}

func (s *rodSession) Navigate(ctx context.Context, target string) error {
	page, cancel := s.scoped(ctx)
	defer cancel()

	if err := page.Navigate(target); err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("navigate").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Debug("WaitLoad failed, continuing anyway",
			slog.String("url", target),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	page, cancel := s.scoped(ctx)
	defer cancel()

	el, err := page.Element(selector)
	if err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("click").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("find element: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("click").Inc()
		return fmt.Errorf("click element: %w", err)
	}
	if err := sleepCtx(ctx, clickSettleDelay); err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil && ctx.Err() == nil {
		s.logger.Debug("WaitLoad after click failed", slog.String("error", err.Error()))
	}
	return ctx.Err()
}

func (s *rodSession) CaptureSnapshot(ctx context.Context) (*agent.PageSnapshot, error) {
	html, pageURL, title, err := s.content(ctx)
	if err != nil {
		metrics.BrowserErrorsTotal.WithLabelValues("snapshot").Inc()
		return nil, err
	}
	return BuildSnapshot(pageURL, title, html)
}

func (s *rodSession) content(ctx context.Context) (html, pageURL, title string, err error) {
	page, cancel := s.scoped(ctx)
	defer cancel()

	info, err := page.Info()
	if err != nil {
		return "", "", "", fmt.Errorf("page info: %w", err)
	}
	html, err = page.HTML()
	if err != nil {
		return "", "", "", fmt.Errorf("page html: %w", err)
	}
	return html, info.URL, info.Title, nil
}

func (s *rodSession) Close() error {
	var err error
	s.once.Do(func() {
		metrics.BrowserSessionsActive.Dec()
		err = s.page.Close()
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
