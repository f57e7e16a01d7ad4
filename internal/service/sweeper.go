package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/monitoring"
	"mailrelay/backend/internal/storage"
)

// SweeperConfig 定时清扫配置
type SweeperConfig struct {
	Interval          time.Duration
	BatchSize         int
	DropNotFound      bool // 不持久化结果码 100
	MaxAge            int  // 事务保留小时数：-1 永久保留，0 全部删除
	DeleteChunkSize   int
	DeleteMaxRounds   int
	StatisticsMaxDays int // 0 表示不清理统计数据
	FinalTimeout      time.Duration
}

// SweepResult 一轮清扫的结果
type SweepResult struct {
	Expired   int
	Persisted int
	Dropped   int
	Failed    int
	Deleted   int64
}

// Sweeper 定时让到期邮箱失效、把事务队列写入存储并执行保留期清理
type Sweeper struct {
	directory storage.MailboxDirectory
	txlog     storage.TransactionLog
	stats     storage.StatisticsRepository
	queue     *TransactionQueue
	cfg       SweeperConfig
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	now       func() time.Time
}

// NewSweeper 创建清扫任务
func NewSweeper(directory storage.MailboxDirectory, txlog storage.TransactionLog, stats storage.StatisticsRepository, queue *TransactionQueue, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.DeleteChunkSize <= 0 {
		cfg.DeleteChunkSize = 1000
	}
	if cfg.DeleteMaxRounds <= 0 {
		cfg.DeleteMaxRounds = 100
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		directory: directory,
		txlog:     txlog,
		stats:     stats,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics 设置监控指标
func (s *Sweeper) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// Run 启动时执行一次，之后按周期执行，ctx 结束后再执行最后一轮
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("starting sweeper", zap.Duration("interval", s.cfg.Interval))
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalTimeout)
			result := s.RunOnce(finalCtx)
			cancel()
			s.logger.Info("sweeper stopped", zap.Int("persisted", result.Persisted))
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清扫
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	now := s.now()

	var result SweepResult
	result.Expired = s.expire(ctx, now)

	aggregator := newStatisticsAggregator()
	s.drain(ctx, aggregator, &result)

	if entries := aggregator.Entries(); len(entries) > 0 {
		if err := s.stats.UpsertStatistics(ctx, entries); err != nil {
			s.logger.Error("failed to upsert mail statistics", zap.Int("entries", len(entries)), zap.Error(err))
		}
	}

	result.Deleted = s.purgeTransactions(ctx, now)
	s.purgeStatistics(ctx, now)

	s.metrics.UpdateQueueDepth(s.queue.Len())
	s.metrics.RecordSweep(time.Since(start))

	if result.Expired > 0 || result.Persisted > 0 || result.Failed > 0 || result.Deleted > 0 {
		s.logger.Info("sweep completed",
			zap.Int("expired", result.Expired),
			zap.Int("persisted", result.Persisted),
			zap.Int("dropped", result.Dropped),
			zap.Int("failed", result.Failed),
			zap.Int64("deleted", result.Deleted),
			zap.Duration("duration", time.Since(start)))
	}
	return result
}

// expire 让超过有效期的邮箱失效
func (s *Sweeper) expire(ctx context.Context, now time.Time) int {
	due, err := s.directory.ExpireDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list expired mailboxes", zap.Error(err))
		return 0
	}

	expired := 0
	for i := range due {
		mailbox := &due[i]
		if _, err := s.directory.ToggleActive(ctx, mailbox); err != nil {
			s.logger.Error("failed to deactivate mailbox",
				zap.String("mailbox", mailbox.Address()),
				zap.Error(err))
			continue
		}
		expired++
		s.metrics.RecordMailboxExpired()
	}
	return expired
}

// drain 分批写入本轮开始时已在队列中的事务，写入失败的批次直接丢弃
func (s *Sweeper) drain(ctx context.Context, aggregator *statisticsAggregator, result *SweepResult) {
	remaining := s.queue.Len()
	for remaining > 0 {
		batch := s.queue.Drain(min(remaining, s.cfg.BatchSize))
		if len(batch) == 0 {
			return
		}
		remaining -= len(batch)

		toSave := make([]domain.MailTransaction, 0, len(batch))
		for _, tx := range batch {
			aggregator.Add(tx)
			if s.cfg.DropNotFound && tx.Status == domain.StatusMailboxNotFound {
				result.Dropped++
				continue
			}
			toSave = append(toSave, tx)
		}
		if len(toSave) == 0 {
			continue
		}

		if err := s.txlog.SaveBatch(ctx, toSave); err != nil {
			s.logger.Error("failed to persist transaction batch, batch discarded",
				zap.Int("size", len(toSave)),
				zap.Error(err))
			result.Failed += len(toSave)
			s.metrics.RecordPersistError()
			continue
		}
		result.Persisted += len(toSave)
	}
	s.metrics.RecordPersisted(result.Persisted, result.Dropped+result.Failed)
}

// purgeTransactions 按保留期分轮删除事务
func (s *Sweeper) purgeTransactions(ctx context.Context, now time.Time) int64 {
	if s.cfg.MaxAge < 0 {
		return 0
	}

	var before *time.Time
	if s.cfg.MaxAge > 0 {
		cutoff := now.Add(-time.Duration(s.cfg.MaxAge) * time.Hour)
		before = &cutoff
	}

	var total int64
	for round := 0; round < s.cfg.DeleteMaxRounds; round++ {
		deleted, err := s.txlog.DeleteOlderThan(ctx, before, s.cfg.DeleteChunkSize)
		if err != nil {
			s.logger.Error("failed to delete old transactions", zap.Error(err))
			break
		}
		total += deleted
		if deleted < int64(s.cfg.DeleteChunkSize) {
			break
		}
	}

	s.metrics.RecordTransactionsDeleted(total)
	return total
}

// purgeStatistics 删除超过保留天数的统计数据
func (s *Sweeper) purgeStatistics(ctx context.Context, now time.Time) {
	if s.cfg.StatisticsMaxDays <= 0 {
		return
	}
	day, _ := domain.StatisticsSlot(now)
	cutoff := day.AddDate(0, 0, -s.cfg.StatisticsMaxDays)
	if _, err := s.stats.DeleteStatisticsBefore(ctx, cutoff); err != nil {
		s.logger.Error("failed to delete old mail statistics", zap.Error(err))
	}
}
