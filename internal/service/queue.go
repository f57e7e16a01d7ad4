package service

import (
	"sync"

	"mailrelay/backend/internal/domain"
)

// TransactionQueue 待持久化的事务队列
//
// 多个会话并发 Add，清扫协程单独 Drain。
type TransactionQueue struct {
	mu       sync.Mutex
	items    []domain.MailTransaction
	disabled bool
}

// NewTransactionQueue 创建事务队列，enabled 为 false 时不记录任何事务
func NewTransactionQueue(enabled bool) *TransactionQueue {
	return &TransactionQueue{disabled: !enabled}
}

// Add 追加一条事务
func (q *TransactionQueue) Add(tx domain.MailTransaction) {
	if q.disabled {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, tx)
	q.mu.Unlock()
}

// Drain 取出最多 max 条事务，max 为 0 时取出全部
func (q *TransactionQueue) Drain(max int) []domain.MailTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	if max <= 0 || max >= len(q.items) {
		batch := q.items
		q.items = nil
		return batch
	}

	batch := make([]domain.MailTransaction, max)
	copy(batch, q.items[:max])
	rest := make([]domain.MailTransaction, len(q.items)-max)
	copy(rest, q.items[max:])
	q.items = rest
	return batch
}

// Len 返回队列长度
func (q *TransactionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
