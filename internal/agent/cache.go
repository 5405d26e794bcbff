package agent

import (
	"strings"
	"sync"
)

// Cache 以候选 URL 为键缓存成功的提取结果。
type Cache interface {
	Get(url string) (Result, bool)
	Set(url string, r Result)
}

// MemoryCache 进程内缓存，不持久化，也不在多个实例间共享。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Result
}

// NewMemoryCache 创建空缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Result)}
}

// NormalizeCacheKey 去掉首尾空白并转为小写。
func NormalizeCacheKey(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

func (c *MemoryCache) Get(url string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[NormalizeCacheKey(url)]
	return r, ok
}

func (c *MemoryCache) Set(url string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[NormalizeCacheKey(url)] = r
}

// Len 当前条目数。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
