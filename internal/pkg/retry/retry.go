// Package retry 提供针对限流信号的指数退避重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrExhausted 重试次数用尽，原始错误通过 errors.Unwrap 链保留。
var ErrExhausted = errors.New("retry attempts exhausted")

// Config 重试参数。
type Config struct {
	MaxAttempts int           // 总尝试次数（含第一次）
	BaseDelay   time.Duration // 第一次重试前的等待
	MaxDelay    time.Duration // 单次等待上限，0 表示不限
	Multiplier  float64       // 退避倍数，默认 2

	// IsRetryable 判断错误是否值得重试，默认 IsRateLimited。
	IsRetryable func(error) bool
	// OnRetry 在每次等待前调用，attempt 为刚失败的尝试序号。
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep 可替换的等待函数，测试中用于记录退避时长。
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig 4 次尝试，退避 1s、2s、4s。
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Multiplier:  2,
		IsRetryable: IsRateLimited,
	}
}

// Delay 返回第 attempt 次失败后的等待时长: BaseDelay * Multiplier^(attempt-1)。
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do 执行 fn，遇到可重试错误时按退避策略重试。
//
// 返回值:
//
//	T: 成功时 fn 的返回值
//	int: 实际尝试次数
//	error: ctx 被取消时返回 ctx.Err()（不重试）；不可重试错误原样返回；
//	       次数用尽时返回包裹了 ErrExhausted 与最后一次错误的错误
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsRateLimited
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempt, ctxErr
		}
		if !cfg.IsRetryable(err) {
			return zero, attempt, err
		}
		if attempt >= cfg.MaxAttempts {
			return zero, attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// statusCoder 携带 HTTP 状态码的错误。
type statusCoder interface {
	HTTPStatus() int
}

// statusInMessage 匹配独立出现的 429，链接或编号中的数字片段不算。
var statusInMessage = regexp.MustCompile(`(?:^|[^\w/.\-])429(?:$|[^\w/.\-])`)

// IsRateLimited 沿错误链（含 errors.Join 产生的多重错误）查找限流信号:
// 状态码 429，或消息中出现独立的 429、"too many requests"、"rate_limit_error"。
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if sc, ok := err.(statusCoder); ok && sc.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	if statusInMessage.MatchString(msg) || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate_limit_error") {
		return true
	}

	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsRateLimited(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if IsRateLimited(inner) {
				return true
			}
		}
	}
	return false
}
