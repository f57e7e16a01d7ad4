package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/domain"
)

// Store 基于 GORM 的存储实现，支持 PostgreSQL 和 MySQL
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Dialector 根据数据库类型选择 GORM dialector
func Dialector(dbType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbType)
	}
}

// NewStore 按配置连接数据库并迁移表结构
func NewStore(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	dialector, err := Dialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	store, err := NewStoreWithDialector(dialector, log)
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("database storage initialized", zap.String("type", cfg.Type))
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例，不做迁移
func NewStoreWithDialector(dialector gorm.Dialector, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, log: log.Named("gorm")}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Models 返回需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{
		&domain.User{},
		&domain.Mailbox{},
		&domain.MailTransaction{},
		&domain.MailStatistics{},
	}
}

// DB 返回底层 GORM 连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ========== 数据准备 ==========

// SaveMailbox 保存邮箱信息
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	return s.db.WithContext(ctx).Save(mailbox).Error
}

// SaveUser 保存账户信息
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// ========== MailboxDirectory ==========

// ExistsByAddress 判断地址对应的邮箱是否存在
func (s *Store) ExistsByAddress(ctx context.Context, local, domainName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("local_part = ? AND domain = ?", local, domainName).
		Count(&count).Error
	return count > 0, err
}

// FindByAddress 根据地址查找邮箱
func (s *Store) FindByAddress(ctx context.Context, local, domainName string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("local_part = ? AND domain = ?", local, domainName).
		First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ForwardTargetFor 返回邮箱所有者的真实地址
func (s *Store) ForwardTargetFor(ctx context.Context, local, domainName string) (string, error) {
	var emails []string
	err := s.db.WithContext(ctx).Table("mailboxes").
		Joins("JOIN users ON users.id = mailboxes.user_id").
		Where("mailboxes.local_part = ? AND mailboxes.domain = ?", local, domainName).
		Limit(1).
		Pluck("users.email", &emails).Error
	if err != nil {
		return "", err
	}
	if len(emails) == 0 {
		return "", domain.ErrMailboxNotFound
	}
	return emails[0], nil
}

// GetUser 根据 ID 获取账户
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// IncreaseForwards 原子递增转发计数
func (s *Store) IncreaseForwards(ctx context.Context, mb *domain.Mailbox) error {
	return s.increase(ctx, mb, "forwards", &mb.Forwards)
}

// IncreaseSuppressions 原子递增拦截计数
func (s *Store) IncreaseSuppressions(ctx context.Context, mb *domain.Mailbox) error {
	return s.increase(ctx, mb, "suppressions", &mb.Suppressions)
}

func (s *Store) increase(ctx context.Context, mb *domain.Mailbox, column string, local *int64) error {
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", mb.ID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	*local++
	return nil
}

// ExpireDue 列出已到期但仍激活的邮箱
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("expired = ? AND valid_until <> 0 AND valid_until < ?", false, now.UnixMilli()).
		Find(&mailboxes).Error
	return mailboxes, err
}

// ToggleActive 翻转邮箱激活状态，返回新状态
func (s *Store) ToggleActive(ctx context.Context, mb *domain.Mailbox) (bool, error) {
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Mailbox{}).
			Where("id = ?", mb.ID).
			UpdateColumn("expired", gorm.Expr("NOT expired"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrMailboxNotFound
		}

		var flags []bool
		if err := tx.Model(&domain.Mailbox{}).Where("id = ?", mb.ID).Pluck("expired", &flags).Error; err != nil {
			return err
		}
		if len(flags) == 0 {
			return domain.ErrMailboxNotFound
		}
		expired = flags[0]
		return nil
	})
	if err != nil {
		return false, err
	}
	mb.Expired = expired
	return !expired, nil
}

// ========== TransactionLog ==========

// SaveBatch 在一个数据库事务中写入整批记录
func (s *Store) SaveBatch(ctx context.Context, txs []domain.MailTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(txs, 500).Error
	})
}

// DeleteOlderThan 删除早于 before 的事务，before 为 nil 时删除全部
func (s *Store) DeleteOlderThan(ctx context.Context, before *time.Time, limit int) (int64, error) {
	db := s.db.WithContext(ctx)

	where := "1 = 1"
	args := []interface{}{}
	if before != nil {
		where = "ts < ?"
		args = append(args, before.UnixMilli())
	}

	if limit <= 0 {
		result := db.Where(where, args...).Delete(&domain.MailTransaction{})
		return result.RowsAffected, result.Error
	}

	var result *gorm.DB
	if db.Dialector.Name() == "mysql" {
		result = db.Exec("DELETE FROM mail_transactions WHERE "+where+" ORDER BY id LIMIT ?", append(args, limit)...)
	} else {
		result = db.Exec("DELETE FROM mail_transactions WHERE id IN (SELECT id FROM mail_transactions WHERE "+where+" ORDER BY id LIMIT ?)", append(args, limit)...)
	}
	return result.RowsAffected, result.Error
}

// StatusSummary 按结果码统计事务数量
func (s *Store) StatusSummary(ctx context.Context) ([]domain.StatusCount, error) {
	var rows []domain.StatusCount
	err := s.db.WithContext(ctx).Model(&domain.MailTransaction{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Name = rows[i].Status.String()
	}
	return rows, nil
}

// ========== StatisticsRepository ==========

// UpsertStatistics 累加统计行，键冲突时在原值上相加
func (s *Store) UpsertStatistics(ctx context.Context, entries []domain.MailStatistics) error {
	if len(entries) == 0 {
		return nil
	}

	updates := clause.Assignments(map[string]interface{}{
		"drop_count":    gorm.Expr("mail_statistics.drop_count + excluded.drop_count"),
		"forward_count": gorm.Expr("mail_statistics.forward_count + excluded.forward_count"),
	})
	if s.db.Dialector.Name() == "mysql" {
		updates = clause.Assignments(map[string]interface{}{
			"drop_count":    gorm.Expr("drop_count + VALUES(drop_count)"),
			"forward_count": gorm.Expr("forward_count + VALUES(forward_count)"),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "day"}, {Name: "quarter_hour"}, {Name: "from_domain"}, {Name: "target_domain"},
			},
			DoUpdates: updates,
		}).Create(&entries).Error
	})
}

// DeleteStatisticsBefore 删除早于指定日期的统计
func (s *Store) DeleteStatisticsBefore(ctx context.Context, day time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("day < ?", day).Delete(&domain.MailStatistics{})
	return result.RowsAffected, result.Error
}

// ========== 生命周期 ==========

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
