// Package dedup 防止同一个抓取触发在短时间内被重复提交。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "productscrapper:dedup:trigger:"

// TriggerGuard 基于 SETNX 的触发去重。rdb 为 nil 时所有触发都放行。
type TriggerGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTriggerGuard(rdb *redis.Client, ttl time.Duration) *TriggerGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TriggerGuard{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim 占用触发键。
//
// 返回值:
//   - bool: true 表示窗口内已有相同触发，本次应被忽略
//   - error: Redis 故障
func (g *TriggerGuard) Claim(ctx context.Context, trigger string) (bool, error) {
	if g == nil || g.rdb == nil || strings.TrimSpace(trigger) == "" {
		return false, nil
	}
	ok, err := g.rdb.SetNX(ctx, keyFor(trigger), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Release 提前释放触发键，入队失败时调用。
func (g *TriggerGuard) Release(ctx context.Context, trigger string) error {
	if g == nil || g.rdb == nil || strings.TrimSpace(trigger) == "" {
		return nil
	}
	if err := g.rdb.Del(ctx, keyFor(trigger)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// ProductTrigger 单个商品的触发键。
func ProductTrigger(productID string) string {
	return "product:" + productID
}

// QuickSearchTrigger 快速搜索按规范化后的商品名去重。
func QuickSearchTrigger(name string) string {
	return "quick:" + strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func keyFor(trigger string) string {
	sum := sha256.Sum256([]byte(trigger))
	return keyPrefix + hex.EncodeToString(sum[:])
}
