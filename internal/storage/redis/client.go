package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailrelay/backend/internal/config"
)

// Client 持有邮箱缓存使用的 Redis 连接
type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

// New 连接 Redis 并确认可用，失败时不保留连接
func New(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis %s: %w", opts.Addr, err)
	}

	log = log.Named("redis")
	log.Info("connected to Redis", zap.String("address", opts.Addr), zap.Int("db", opts.DB))

	return &Client{rdb: rdb, log: log}, nil
}

// clientOptions 支持 host:port 和 redis:// 两种写法
//
// URL 中未给出密码或库号时使用配置项。
func clientOptions(cfg config.RedisConfig) (*goredis.Options, error) {
	var opts *goredis.Options
	if strings.HasPrefix(cfg.Address, "redis://") || strings.HasPrefix(cfg.Address, "rediss://") {
		parsed, err := goredis.ParseURL(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid redis address: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{Addr: cfg.Address}
	}

	if opts.Password == "" {
		opts.Password = cfg.Password
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	return opts, nil
}

// Client 返回底层客户端
func (c *Client) Client() *goredis.Client {
	return c.rdb
}

// Ping 供健康检查使用
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	return nil
}
