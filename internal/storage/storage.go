package storage

import (
	"context"
	"time"

	"mailrelay/backend/internal/domain"
)

// MailboxDirectory 定义转发核心对虚拟邮箱的读取和计数操作。
//
// 查找不到邮箱时返回 domain.ErrMailboxNotFound，查找不到账户时返回
// domain.ErrUserNotFound。计数器必须原子递增。
type MailboxDirectory interface {
	ExistsByAddress(ctx context.Context, local, domainName string) (bool, error)
	FindByAddress(ctx context.Context, local, domainName string) (*domain.Mailbox, error)
	ForwardTargetFor(ctx context.Context, local, domainName string) (string, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	IncreaseForwards(ctx context.Context, mb *domain.Mailbox) error
	IncreaseSuppressions(ctx context.Context, mb *domain.Mailbox) error
	ExpireDue(ctx context.Context, now time.Time) ([]domain.Mailbox, error)
	ToggleActive(ctx context.Context, mb *domain.Mailbox) (bool, error) // 返回翻转后的激活状态
}

// TransactionLog 定义邮件事务的批量写入和保留期清理。
type TransactionLog interface {
	// SaveBatch 在一个存储事务中写入整批记录。
	SaveBatch(ctx context.Context, txs []domain.MailTransaction) error
	// DeleteOlderThan 删除早于 before 的记录，before 为 nil 时删除全部；
	// limit 大于 0 时单次最多删除 limit 行。
	DeleteOlderThan(ctx context.Context, before *time.Time, limit int) (int64, error)
	StatusSummary(ctx context.Context) ([]domain.StatusCount, error)
}

// StatisticsRepository 定义投递统计的累加写入与清理。
type StatisticsRepository interface {
	UpsertStatistics(ctx context.Context, entries []domain.MailStatistics) error
	DeleteStatisticsBefore(ctx context.Context, day time.Time) (int64, error)
}

// Store 聚合所有存储接口。
type Store interface {
	MailboxDirectory
	TransactionLog
	StatisticsRepository

	// Health 检查存储连接。
	Health(ctx context.Context) error
	// Close 释放连接。
	Close() error
}
