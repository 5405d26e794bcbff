// Package redisqueue 基于 Redis List 的 worker 唤醒通道。
//
// 数据库中的 Pending 任务才是唯一事实来源；这里的信号只用来缩短 worker 的轮询等待，
// 丢失信号不会丢任务。
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeyWakeupQueue      = "productscrapper:queue:wakeup"
	KeyWakeupPendingSet = "productscrapper:queue:wakeup:pending" // 去重集合
)

var (
	ErrNoSignal     = errors.New("no wake-up signal")
	ErrSignalExists = errors.New("job already signalled")
)

// Client 封装唤醒队列的 Redis 操作。
type Client struct {
	rdb *redis.Client
}

// NewClientWithRedis 从已有 redis.Client 创建。
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// publishScript 原子执行 SADD + LPUSH。
// KEYS[1] = pending set, KEYS[2] = wake-up queue
// ARGV[1] = job id
// 返回: 1 = 已推送, 0 = 该任务已有信号
var publishScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
`)

// Publish 为新建的任务发布唤醒信号。同一任务重复发布返回 ErrSignalExists。
func (c *Client) Publish(ctx context.Context, jobID uint) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if jobID == 0 {
		return errors.New("job id is empty")
	}

	id := strconv.FormatUint(uint64(jobID), 10)
	result, err := publishScript.Run(ctx, c.rdb, []string{KeyWakeupPendingSet, KeyWakeupQueue}, id).Int()
	if err != nil {
		return fmt.Errorf("publish wakeup script: %w", err)
	}
	if result == 0 {
		metrics.WakeupSignalsTotal.WithLabelValues("skipped").Inc()
		return ErrSignalExists
	}
	metrics.WakeupSignalsTotal.WithLabelValues("in").Inc()
	return nil
}

// Wait 阻塞等待一个信号，超时返回 ErrNoSignal。
//
// 返回值:
//   - uint: 信号对应的任务 ID（仅用于日志，worker 仍按创建顺序认领）
//   - error: ErrNoSignal 或 Redis 错误
func (c *Client) Wait(ctx context.Context, timeout time.Duration) (uint, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPop(ctx, timeout, KeyWakeupQueue).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoSignal
	}
	if err != nil {
		return 0, fmt.Errorf("brpop wakeup: %w", err)
	}
	if len(result) < 2 {
		return 0, fmt.Errorf("invalid brpop response: %v", result)
	}

	c.rdb.SRem(ctx, KeyWakeupPendingSet, result[1])
	metrics.WakeupSignalsTotal.WithLabelValues("out").Inc()

	id, err := strconv.ParseUint(result[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse job id %q: %w", result[1], err)
	}
	return uint(id), nil
}

// Depth 返回尚未被消费的信号数。
func (c *Client) Depth(ctx context.Context) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	n, err := c.rdb.LLen(ctx, KeyWakeupQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen wakeup: %w", err)
	}
	return n, nil
}
