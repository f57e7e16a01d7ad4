package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 本地内存缓存（L1 缓存）
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 后台定期清理过期条目
// - 超过容量时拒绝写入新键
type LocalCache struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int
	ttl     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，0 表示不限制
//   - ttl: 默认过期时间
//   - cleanupInterval: 清理周期，0 表示不启动后台清理
func NewLocalCache(maxSize int, ttl, cleanupInterval time.Duration) *LocalCache {
	cache := &LocalCache{
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go cache.cleanupLoop(cleanupInterval)
	}

	return cache
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)

	// 检查是否过期
	if time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) bool {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	if _, loaded := c.data.Load(key); !loaded && c.maxSize > 0 && c.size.Load() >= int64(c.maxSize) {
		return false
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
	return true
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 返回当前条目数
func (c *LocalCache) Len() int {
	return int(c.size.Load())
}

// Stop 停止后台清理
func (c *LocalCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

func (c *LocalCache) removeExpired(now time.Time) {
	c.data.Range(func(key, value interface{}) bool {
		entry := value.(*cacheEntry)
		if now.After(entry.expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}
