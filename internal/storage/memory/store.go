package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailrelay/backend/internal/domain"
)

// Store 使用内存保存邮箱、账户、事务和统计，主要用于开发验证和测试。
type Store struct {
	mu           sync.RWMutex
	mailboxes    map[string]*domain.Mailbox // mailboxID -> mailbox
	byAddress    map[string]string          // local@domain -> mailboxID
	users        map[string]*domain.User    // userID -> user
	transactions []domain.MailTransaction
	statistics   map[string]*domain.MailStatistics // 聚合键 -> 统计行
	nextTxID     uint64
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.Mailbox),
		byAddress:  make(map[string]string),
		users:      make(map[string]*domain.User),
		statistics: make(map[string]*domain.MailStatistics),
	}
}

// ========== 数据准备 ==========

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *mailbox
	if old, ok := s.mailboxes[cp.ID]; ok {
		delete(s.byAddress, old.Address())
	}
	s.mailboxes[cp.ID] = &cp
	s.byAddress[cp.Address()] = cp.ID
	return nil
}

// SaveUser 保存账户信息。
func (s *Store) SaveUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[cp.ID] = &cp
	return nil
}

// GetMailbox 根据 ID 获取邮箱快照。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	cp := *mb
	return &cp, nil
}

// Transactions 返回已持久化事务的快照。
func (s *Store) Transactions() []domain.MailTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.MailTransaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

// Statistics 返回统计行快照。
func (s *Store) Statistics() []domain.MailStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.MailStatistics, 0, len(s.statistics))
	for _, st := range s.statistics {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ========== MailboxDirectory ==========

// ExistsByAddress 判断虚拟地址是否存在。
func (s *Store) ExistsByAddress(_ context.Context, local, domainName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byAddress[local+"@"+domainName]
	return ok, nil
}

// FindByAddress 根据地址查找邮箱。
func (s *Store) FindByAddress(_ context.Context, local, domainName string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[local+"@"+domainName]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	cp := *s.mailboxes[id]
	return &cp, nil
}

// ForwardTargetFor 返回邮箱所属账户的真实地址。
func (s *Store) ForwardTargetFor(_ context.Context, local, domainName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[local+"@"+domainName]
	if !ok {
		return "", domain.ErrMailboxNotFound
	}
	user, ok := s.users[s.mailboxes[id].UserID]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	return user.Email, nil
}

// GetUser 根据 ID 获取账户。
func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// IncreaseForwards 转发计数加一。
func (s *Store) IncreaseForwards(_ context.Context, mb *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mailboxes[mb.ID]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	stored.Forwards++
	mb.Forwards = stored.Forwards
	return nil
}

// IncreaseSuppressions 拦截计数加一。
func (s *Store) IncreaseSuppressions(_ context.Context, mb *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mailboxes[mb.ID]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	stored.Suppressions++
	mb.Suppressions = stored.Suppressions
	return nil
}

// ExpireDue 列出已到期但仍激活的邮箱。
func (s *Store) ExpireDue(_ context.Context, now time.Time) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.IsDue(now) {
			result = append(result, *mb)
		}
	}
	return result, nil
}

// ToggleActive 翻转邮箱激活状态，返回新状态。
func (s *Store) ToggleActive(_ context.Context, mb *domain.Mailbox) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mailboxes[mb.ID]
	if !ok {
		return false, domain.ErrMailboxNotFound
	}
	stored.Expired = !stored.Expired
	mb.Expired = stored.Expired
	return stored.Active(), nil
}

// ========== TransactionLog ==========

// SaveBatch 追加一批事务记录。
func (s *Store) SaveBatch(_ context.Context, txs []domain.MailTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		s.nextTxID++
		tx.ID = s.nextTxID
		s.transactions = append(s.transactions, tx)
	}
	return nil
}

// DeleteOlderThan 删除早于 before 的事务，按写入顺序最多删除 limit 条。
func (s *Store) DeleteOlderThan(_ context.Context, before *time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.transactions[:0]
	for _, tx := range s.transactions {
		match := before == nil || tx.Timestamp < before.UnixMilli()
		if match && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, tx)
	}
	s.transactions = kept
	return deleted, nil
}

// StatusSummary 按结果码统计事务数量。
func (s *Store) StatusSummary(_ context.Context) ([]domain.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.StatusCode]int64)
	for _, tx := range s.transactions {
		counts[tx.Status]++
	}

	result := make([]domain.StatusCount, 0, len(counts))
	for status, count := range counts {
		result = append(result, domain.StatusCount{Status: status, Name: status.String(), Count: count})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Status < result[j].Status })
	return result, nil
}

// ========== StatisticsRepository ==========

// UpsertStatistics 按聚合键累加统计。
func (s *Store) UpsertStatistics(_ context.Context, entries []domain.MailStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		key := e.Key()
		if existing, ok := s.statistics[key]; ok {
			existing.DropCount += e.DropCount
			existing.ForwardCount += e.ForwardCount
			continue
		}
		cp := e
		s.statistics[key] = &cp
	}
	return nil
}

// DeleteStatisticsBefore 删除早于指定日期的统计行。
func (s *Store) DeleteStatisticsBefore(_ context.Context, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, st := range s.statistics {
		if st.Day.Before(day) {
			delete(s.statistics, key)
			deleted++
		}
	}
	return deleted, nil
}

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}
