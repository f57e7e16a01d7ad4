package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailrelay/backend/internal/cache"
	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/storage"
	"mailrelay/backend/internal/storage/postgres"
	"mailrelay/backend/internal/storage/redis"
)

const (
	userCacheSize    = 10000
	userCacheTTL     = time.Minute
	userCacheCleanup = 5 * time.Minute
)

// Store 混合存储实现，结合关系数据库、pgx 批量写入和 Redis 缓存
//
// 邮箱查询先查 Redis，账户查询先查本地缓存；批量事务写入在 PostgreSQL
// 上走 pgx COPY，其余操作都落到 GORM。
type Store struct {
	db        *postgres.Store
	txlog     storage.TransactionLog
	pgx       *postgres.Client
	redis     *redis.Client
	mailboxes *redis.MailboxCache
	users     *cache.LocalCache
	log       *zap.Logger
}

// Options 混合存储的组成部分，PGX 和 Redis 可为空
type Options struct {
	DB         *postgres.Store
	PGX        *postgres.Client
	Redis      *redis.Client
	MailboxTTL time.Duration
}

// NewStore 组装混合存储
func NewStore(opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		db:    opts.DB,
		txlog: opts.DB,
		pgx:   opts.PGX,
		redis: opts.Redis,
		users: cache.NewLocalCache(userCacheSize, userCacheTTL, userCacheCleanup),
		log:   log.Named("hybrid"),
	}
	if opts.PGX != nil {
		s.txlog = postgres.NewTransactionLog(opts.PGX)
	}
	if opts.Redis != nil {
		s.mailboxes = redis.NewMailboxCache(opts.Redis, opts.MailboxTTL)
	}
	return s
}

// Open 按配置连接数据库和 Redis 并组装混合存储
func Open(ctx context.Context, dbCfg config.DatabaseConfig, redisCfg config.RedisConfig, log *zap.Logger) (*Store, error) {
	db, err := postgres.NewStore(dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	opts := Options{DB: db, MailboxTTL: redisCfg.MailboxTTL}

	if dbCfg.Type == "postgres" || dbCfg.Type == "postgresql" {
		client, err := postgres.NewClient(ctx, dbCfg, log)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize pgx pool: %w", err)
		}
		opts.PGX = client
	}

	if redisCfg.Address != "" {
		client, err := redis.New(ctx, redisCfg, log)
		if err != nil {
			if opts.PGX != nil {
				opts.PGX.Close()
			}
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		opts.Redis = client
	}

	return NewStore(opts, log), nil
}

// ========== MailboxDirectory ==========

// ExistsByAddress 判断地址对应的邮箱是否存在
func (s *Store) ExistsByAddress(ctx context.Context, local, domainName string) (bool, error) {
	if s.mailboxes != nil {
		if _, ok, err := s.mailboxes.Get(ctx, local, domainName); err == nil && ok {
			return true, nil
		}
	}
	return s.db.ExistsByAddress(ctx, local, domainName)
}

// FindByAddress 根据地址查找邮箱，优先读取 Redis
func (s *Store) FindByAddress(ctx context.Context, local, domainName string) (*domain.Mailbox, error) {
	if s.mailboxes != nil {
		mailbox, ok, err := s.mailboxes.Get(ctx, local, domainName)
		if err != nil {
			// 缓存不可用时直接查库
			s.log.Warn("mailbox cache read failed", zap.Error(err))
		} else if ok {
			return mailbox, nil
		}
	}

	mailbox, err := s.db.FindByAddress(ctx, local, domainName)
	if err != nil {
		return nil, err
	}

	if s.mailboxes != nil {
		if err := s.mailboxes.Set(ctx, mailbox); err != nil {
			s.log.Warn("mailbox cache write failed", zap.Error(err))
		}
	}
	return mailbox, nil
}

// ForwardTargetFor 返回邮箱所有者的真实地址
func (s *Store) ForwardTargetFor(ctx context.Context, local, domainName string) (string, error) {
	return s.db.ForwardTargetFor(ctx, local, domainName)
}

// GetUser 根据 ID 获取账户，优先读取本地缓存
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if v, ok := s.users.Get(id); ok {
		user := *v.(*domain.User)
		return &user, nil
	}

	user, err := s.db.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	cached := *user
	s.users.Set(id, &cached, 0)
	return user, nil
}

// IncreaseForwards 原子递增转发计数
func (s *Store) IncreaseForwards(ctx context.Context, mb *domain.Mailbox) error {
	if err := s.db.IncreaseForwards(ctx, mb); err != nil {
		return err
	}
	s.invalidate(ctx, mb)
	return nil
}

// IncreaseSuppressions 原子递增拦截计数
func (s *Store) IncreaseSuppressions(ctx context.Context, mb *domain.Mailbox) error {
	if err := s.db.IncreaseSuppressions(ctx, mb); err != nil {
		return err
	}
	s.invalidate(ctx, mb)
	return nil
}

// ExpireDue 列出已到期但仍激活的邮箱
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]domain.Mailbox, error) {
	return s.db.ExpireDue(ctx, now)
}

// ToggleActive 翻转邮箱激活状态，并使缓存失效
func (s *Store) ToggleActive(ctx context.Context, mb *domain.Mailbox) (bool, error) {
	active, err := s.db.ToggleActive(ctx, mb)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, mb)
	return active, nil
}

func (s *Store) invalidate(ctx context.Context, mb *domain.Mailbox) {
	if s.mailboxes == nil {
		return
	}
	if err := s.mailboxes.Invalidate(ctx, mb.LocalPart, mb.Domain); err != nil {
		s.log.Warn("mailbox cache invalidation failed",
			zap.String("mailbox", mb.Address()),
			zap.Error(err),
		)
	}
}

// ========== TransactionLog ==========

// SaveBatch 整批写入事务
func (s *Store) SaveBatch(ctx context.Context, txs []domain.MailTransaction) error {
	return s.txlog.SaveBatch(ctx, txs)
}

// DeleteOlderThan 删除早于 before 的事务
func (s *Store) DeleteOlderThan(ctx context.Context, before *time.Time, limit int) (int64, error) {
	return s.txlog.DeleteOlderThan(ctx, before, limit)
}

// StatusSummary 按结果码统计事务数量
func (s *Store) StatusSummary(ctx context.Context) ([]domain.StatusCount, error) {
	return s.txlog.StatusSummary(ctx)
}

// ========== StatisticsRepository ==========

// UpsertStatistics 累加统计行
func (s *Store) UpsertStatistics(ctx context.Context, entries []domain.MailStatistics) error {
	return s.db.UpsertStatistics(ctx, entries)
}

// DeleteStatisticsBefore 删除早于指定日期的统计
func (s *Store) DeleteStatisticsBefore(ctx context.Context, day time.Time) (int64, error) {
	return s.db.DeleteStatisticsBefore(ctx, day)
}

// ========== 生命周期 ==========

// DB 返回 GORM 存储，供健康检查使用
func (s *Store) DB() *postgres.Store {
	return s.db
}

// Redis 返回 Redis 客户端，未启用时为 nil
func (s *Store) Redis() *redis.Client {
	return s.redis
}

// Health 检查所有后端连接
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.pgx != nil {
		if err := s.pgx.Ping(ctx); err != nil {
			return fmt.Errorf("pgx: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close 释放所有连接
func (s *Store) Close() error {
	s.users.Stop()

	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.pgx != nil {
		s.pgx.Close()
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

var _ storage.Store = (*Store)(nil)
