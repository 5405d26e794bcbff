package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Scraping ScrapingConfig `json:"scraping"`
	Oracle   OracleConfig   `json:"oracle"`
	Email    EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string `json:"env"`          // 运行环境: local / prod
	LogLevel    string `json:"log_level"`    // 日志级别: debug / info / warn / error
	HTTPAddr    string `json:"http_addr"`    // API 服务监听地址
	MetricsAddr string `json:"metrics_addr"` // worker 进程的 /metrics 监听地址
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。Enabled=false 时限流退化为进程内，唤醒与去重关闭。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	Enabled  bool   `json:"enabled"`
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	BinPath   string `json:"bin_path"`   // 浏览器可执行文件路径
	ProxyURL  string `json:"proxy_url"`  // 代理服务器 URL
	Headless  bool   `json:"headless"`   // 是否使用无头模式
	UserAgent string `json:"user_agent"` // 为空时使用 stealth 默认值
}

// ScrapingConfig worker 行为配置。
type ScrapingConfig struct {
	PageLoadTimeout      time.Duration `json:"page_load_timeout"`        // 单页加载超时
	MaxRetryAttempts     *int          `json:"max_retry_attempts"`       // 首次之后的重试次数，0 表示不重试
	DelayBetweenJobs     time.Duration `json:"delay_between_jobs"`       // 两次轮询之间的等待
	MaxAgentStepsPerSite int           `json:"max_agent_steps_per_site"` // 每个候选链接的最大决策步数
	MaxCandidates        int           `json:"max_candidates"`           // 每个任务最多尝试的候选链接数
	SearchURL            string        `json:"search_url"`               // 搜索引擎地址模板，%s 为转义后的关键词
	RetryBaseDelay       time.Duration `json:"retry_base_delay"`         // 限流重试的初始等待
	TriggerDedupWindow   time.Duration `json:"trigger_dedup_window"`     // 相同抓取触发的去重窗口
}

// OracleConfig 决策模型配置。
type OracleConfig struct {
	APIKey            string  `json:"api_key"`
	DecisionModel     string  `json:"decision_model"`      // 导航决策使用的模型
	ExtractionModel   string  `json:"extraction_model"`    // 商品提取与竞争对手发现使用的模型
	MaxTokens         int64   `json:"max_tokens"`
	RequestsPerSecond float64 `json:"requests_per_second"` // 令牌桶速率
	Burst             float64 `json:"burst"`               // 令牌桶容量
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	NotifyTo  string `json:"notify_to"` // 任务失败告警收件人，为空则不发送
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// defaultMaxRetryAttempts 未配置 max_retry_attempts 时的重试次数。
const defaultMaxRetryAttempts = 3

// MaxAttempts 每个候选链接的总尝试次数（首次 + 重试）。
func (s ScrapingConfig) MaxAttempts() int {
	if s.MaxRetryAttempts == nil {
		return defaultMaxRetryAttempts + 1
	}
	if *s.MaxRetryAttempts <= 0 {
		return 1
	}
	return *s.MaxRetryAttempts + 1
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			HTTPAddr:    ":8080",
			MetricsAddr: ":2112",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/productscrapper?parseTime=true&loc=UTC&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Enabled: true,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Scraping: ScrapingConfig{
			PageLoadTimeout:      20 * time.Second,
			MaxRetryAttempts:     intPtr(defaultMaxRetryAttempts),
			DelayBetweenJobs:     5 * time.Second,
			MaxAgentStepsPerSite: 8,
			MaxCandidates:        10,
			SearchURL:            "https://www.google.com/search?q=%s&hl=fa",
			RetryBaseDelay:       time.Second,
			TriggerDedupWindow:   time.Minute,
		},
		Oracle: OracleConfig{
			DecisionModel:     "claude-3-5-haiku-latest",
			ExtractionModel:   "claude-sonnet-4-5",
			MaxTokens:         1024,
			RequestsPerSecond: 1,
			Burst:             3,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}

	s := &cfg.Scraping
	if s.PageLoadTimeout == 0 {
		s.PageLoadTimeout = defaults.Scraping.PageLoadTimeout
	}
	if s.MaxRetryAttempts == nil {
		s.MaxRetryAttempts = defaults.Scraping.MaxRetryAttempts
	}
	if s.DelayBetweenJobs == 0 {
		s.DelayBetweenJobs = defaults.Scraping.DelayBetweenJobs
	}
	if s.MaxAgentStepsPerSite == 0 {
		s.MaxAgentStepsPerSite = defaults.Scraping.MaxAgentStepsPerSite
	}
	if s.MaxCandidates == 0 {
		s.MaxCandidates = defaults.Scraping.MaxCandidates
	}
	if s.SearchURL == "" {
		s.SearchURL = defaults.Scraping.SearchURL
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = defaults.Scraping.RetryBaseDelay
	}
	if s.TriggerDedupWindow == 0 {
		s.TriggerDedupWindow = defaults.Scraping.TriggerDedupWindow
	}

	o := &cfg.Oracle
	if o.DecisionModel == "" {
		o.DecisionModel = defaults.Oracle.DecisionModel
	}
	if o.ExtractionModel == "" {
		o.ExtractionModel = defaults.Oracle.ExtractionModel
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = defaults.Oracle.MaxTokens
	}
	if o.RequestsPerSecond == 0 {
		o.RequestsPerSecond = defaults.Oracle.RequestsPerSecond
	}
	if o.Burst == 0 {
		o.Burst = defaults.Oracle.Burst
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("oracle_api_key", "ANTHROPIC_API_KEY", "ORACLE_API_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}

	if v := os.Getenv("SCRAPING_PAGE_LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraping.PageLoadTimeout = d
		}
	}
	if v := os.Getenv("SCRAPING_MAX_RETRY_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraping.MaxRetryAttempts = intPtr(i)
		}
	}
	if v := os.Getenv("SCRAPING_DELAY_BETWEEN_JOBS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraping.DelayBetweenJobs = d
		}
	}
	if v := os.Getenv("SCRAPING_MAX_AGENT_STEPS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraping.MaxAgentStepsPerSite = i
		}
	}
	if v := os.Getenv("SCRAPING_MAX_CANDIDATES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraping.MaxCandidates = i
		}
	}
	if v := os.Getenv("SCRAPING_SEARCH_URL"); v != "" {
		cfg.Scraping.SearchURL = v
	}

	if v := viper.GetString("oracle_api_key"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("ORACLE_DECISION_MODEL"); v != "" {
		cfg.Oracle.DecisionModel = v
	}
	if v := os.Getenv("ORACLE_EXTRACTION_MODEL"); v != "" {
		cfg.Oracle.ExtractionModel = v
	}
	if v := os.Getenv("ORACLE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Oracle.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("ORACLE_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Oracle.Burst = f
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL_TO"); v != "" {
		cfg.Email.NotifyTo = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "productscrapper",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
			"charset":   "utf8mb4",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 支持 "20s" 形式的 Duration 字符串。
func (s *ScrapingConfig) UnmarshalJSON(data []byte) error {
	type Alias ScrapingConfig
	aux := &struct {
		PageLoadTimeout    string `json:"page_load_timeout"`
		DelayBetweenJobs   string `json:"delay_between_jobs"`
		RetryBaseDelay     string `json:"retry_base_delay"`
		TriggerDedupWindow string `json:"trigger_dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"page_load_timeout", aux.PageLoadTimeout, &s.PageLoadTimeout},
		{"delay_between_jobs", aux.DelayBetweenJobs, &s.DelayBetweenJobs},
		{"retry_base_delay", aux.RetryBaseDelay, &s.RetryBaseDelay},
		{"trigger_dedup_window", aux.TriggerDedupWindow, &s.TriggerDedupWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON 将 Duration 转为字符串。
func (s ScrapingConfig) MarshalJSON() ([]byte, error) {
	type Alias ScrapingConfig
	return json.Marshal(&struct {
		PageLoadTimeout    string `json:"page_load_timeout"`
		DelayBetweenJobs   string `json:"delay_between_jobs"`
		RetryBaseDelay     string `json:"retry_base_delay"`
		TriggerDedupWindow string `json:"trigger_dedup_window"`
		*Alias
	}{
		PageLoadTimeout:    s.PageLoadTimeout.String(),
		DelayBetweenJobs:   s.DelayBetweenJobs.String(),
		RetryBaseDelay:     s.RetryBaseDelay.String(),
		TriggerDedupWindow: s.TriggerDedupWindow.String(),
		Alias:              (*Alias)(&s),
	})
}

func intPtr(v int) *int {
	return &v
}
