package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "productscrapper"

var (
	// JobsProcessedTotal 按最终状态统计处理过的任务 (completed / failed)。
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Scrape jobs processed by the worker loop, by final status.",
	}, []string{"status"})

	// JobDuration 单个任务周期耗时。
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time of one job processing cycle.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// ActiveJobs 当前正在处理的任务数（单循环下为 0 或 1）。
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "active_jobs",
		Help:      "Jobs currently in progress in this process.",
	})

	// CandidatesTotal 按结果统计候选链接 (extracted / empty / cycle / budget / error / rate_limited)。
	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "candidates_total",
		Help:      "Candidate URLs attempted, by outcome.",
	}, []string{"outcome"})

	// CandidateRetriesTotal 因限流而重试的次数。
	CandidateRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "candidate_retries_total",
		Help:      "Retries of a candidate after a rate limit signal.",
	})

	// AgentStepsTotal 按动作类型统计 agent 决策步。
	AgentStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Navigation agent steps, by decided action.",
	}, []string{"action"})

	// AgentCacheTotal 结果缓存命中情况 (hit / miss)。
	AgentCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "cache_total",
		Help:      "Result cache lookups, by result.",
	}, []string{"result"})

	// ExtractionsTotal 按来源统计提取结果 (heuristic / oracle / rejected)。
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "extractions_total",
		Help:      "Product extractions, by source.",
	}, []string{"source"})

	// OracleRequestsTotal 按调用类型与状态统计 oracle 请求。
	OracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "requests_total",
		Help:      "Decision oracle requests, by call and status.",
	}, []string{"call", "status"})

	// OracleRequestDuration oracle 请求耗时。
	OracleRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "request_duration_seconds",
		Help:      "Decision oracle request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"call"})

	// BrowserSessionsActive 当前打开的浏览器会话数。
	BrowserSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "browser",
		Name:      "sessions_active",
		Help:      "Open browser sessions.",
	})

	// BrowserErrorsTotal 浏览器操作错误 (navigate / click / snapshot / search)。
	BrowserErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "browser",
		Name:      "errors_total",
		Help:      "Browser operation errors, by operation.",
	}, []string{"op"})

	// CompetitorsCreatedTotal 自动发现的竞争对手数，按名称来源 (oracle / table)。
	CompetitorsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "competitor",
		Name:      "created_total",
		Help:      "Auto-discovered competitors, by naming source.",
	}, []string{"source"})

	// RateLimitWaitDuration 等待 oracle 令牌的耗时。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting for an oracle token.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// RateLimitTimeoutTotal 等待令牌被取消的次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "timeout_total",
		Help:      "Token waits aborted by context.",
	})

	// TriggerDuplicatePreventedTotal 被去重拦截的抓取触发。
	TriggerDuplicatePreventedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "trigger_duplicate_prevented_total",
		Help:      "Scrape triggers skipped because one was issued recently.",
	})

	// JobsEnqueuedTotal API 创建的任务数，按来源 (single / all / quick_search / retry)。
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "jobs_enqueued_total",
		Help:      "Scrape jobs created through the API, by trigger.",
	}, []string{"trigger"})

	// WakeupSignalsTotal 唤醒信号 (in: 发布 / out: 被 worker 消费 / skipped: 已在队列中)。
	WakeupSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "wakeup_signals_total",
		Help:      "Worker wake-up signals, by direction.",
	}, []string{"direction"})

	// BuildInfo 进程静态信息。
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Static process information.",
	}, []string{"role", "env"})
)

var initOnce sync.Once

// InitMetrics 设置静态指标并预热常用标签，让面板在首个事件前也能看到 0 值。
func InitMetrics(role, env string) {
	initOnce.Do(func() {
		for _, s := range []string{"completed", "failed"} {
			JobsProcessedTotal.WithLabelValues(s)
		}
		for _, o := range []string{"extracted", "empty", "cycle", "error", "budget", "rate_limited"} {
			CandidatesTotal.WithLabelValues(o)
		}
		for _, r := range []string{"hit", "miss"} {
			AgentCacheTotal.WithLabelValues(r)
		}
	})
	BuildInfo.WithLabelValues(role, env).Set(1)
}
