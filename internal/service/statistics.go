package service

import (
	"sort"

	"mailrelay/backend/internal/domain"
)

// statisticsAggregator 把一轮清扫中的 100/300 事务按刻钟和域名对累加
type statisticsAggregator struct {
	entries map[string]*domain.MailStatistics
}

func newStatisticsAggregator() *statisticsAggregator {
	return &statisticsAggregator{entries: make(map[string]*domain.MailStatistics)}
}

// Add 累加一条事务，其他结果码忽略
func (a *statisticsAggregator) Add(tx domain.MailTransaction) {
	if tx.Status != domain.StatusMailboxNotFound && tx.Status != domain.StatusForwarded {
		return
	}

	day, quarter := domain.StatisticsSlot(tx.Time())
	entry := domain.MailStatistics{
		Day:          day,
		QuarterHour:  quarter,
		FromDomain:   domain.DomainOf(tx.SourceAddress),
		TargetDomain: domain.DomainOf(tx.RelayAddress),
	}

	key := entry.Key()
	existing, ok := a.entries[key]
	if !ok {
		existing = &entry
		a.entries[key] = existing
	}
	if tx.Status == domain.StatusMailboxNotFound {
		existing.DropCount++
	} else {
		existing.ForwardCount++
	}
}

// Entries 返回按键排序的统计行
func (a *statisticsAggregator) Entries() []domain.MailStatistics {
	keys := make([]string, 0, len(a.entries))
	for key := range a.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]domain.MailStatistics, 0, len(keys))
	for _, key := range keys {
		out = append(out, *a.entries[key])
	}
	return out
}
