package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
)

var transactionColumns = []string{"ts", "status", "source_address", "relay_address", "target_address"}

// TransactionLog 基于 pgx 的事务日志，批量写入走 COPY 协议
type TransactionLog struct {
	client *Client
}

// NewTransactionLog 创建事务日志
func NewTransactionLog(client *Client) *TransactionLog {
	return &TransactionLog{client: client}
}

// SaveBatch 在一个数据库事务中用 COPY 写入整批记录
func (l *TransactionLog) SaveBatch(ctx context.Context, txs []domain.MailTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := l.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]any, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, []any{t.Timestamp, int(t.Status), t.SourceAddress, t.RelayAddress, t.TargetAddress})
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"mail_transactions"}, transactionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy transactions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transactions: %w", err)
	}

	l.client.log.Debug("transactions persisted", zap.Int64("rows", copied))
	return nil
}

// DeleteOlderThan 删除早于 before 的事务，before 为 nil 时删除全部
func (l *TransactionLog) DeleteOlderThan(ctx context.Context, before *time.Time, limit int) (int64, error) {
	where := "TRUE"
	args := []any{}
	if before != nil {
		args = append(args, before.UnixMilli())
		where = "ts < $1"
	}

	query := "DELETE FROM mail_transactions WHERE " + where
	if limit > 0 {
		args = append(args, limit)
		query = fmt.Sprintf(
			"DELETE FROM mail_transactions WHERE id IN (SELECT id FROM mail_transactions WHERE %s ORDER BY id LIMIT $%d)",
			where, len(args))
	}

	tag, err := l.client.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StatusSummary 按结果码统计事务数量
func (l *TransactionLog) StatusSummary(ctx context.Context) ([]domain.StatusCount, error) {
	rows, err := l.client.pool.Query(ctx,
		"SELECT status, COUNT(*) FROM mail_transactions GROUP BY status ORDER BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to summarize transactions: %w", err)
	}
	defer rows.Close()

	var summary []domain.StatusCount
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		code := domain.StatusCode(status)
		summary = append(summary, domain.StatusCount{Status: code, Name: code.String(), Count: count})
	}
	return summary, rows.Err()
}
