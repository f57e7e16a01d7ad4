package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mailrelay/backend/internal/config"
)

// ErrDSNRequired 未配置连接串
var ErrDSNRequired = errors.New("database DSN is required")

// Client 事务日志批量写入使用的 pgx 连接池
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewClient 建立连接池并确认数据库可达
func NewClient(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log = log.Named("pgx")
	log.Info("pgx pool ready",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)

	return &Client{pool: pool, log: log}, nil
}

// PoolConfig 把数据库配置转换为 pgx 连接池配置
//
// 清扫任务是唯一的写入方，连接数上限取配置值的一半，至少 2 个。
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	poolConfig.MinConns = 0
	poolConfig.MaxConns = 2
	if half := int32(cfg.MaxOpenConns / 2); half > poolConfig.MaxConns {
		poolConfig.MaxConns = half
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = "mailrelay-txlog"
	}
	return poolConfig, nil
}

// Ping 供健康检查使用
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close 关闭连接池
func (c *Client) Close() {
	c.pool.Close()
	c.log.Debug("pgx pool closed")
}
