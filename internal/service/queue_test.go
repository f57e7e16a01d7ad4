package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/backend/internal/domain"
)

func TestTransactionQueue(t *testing.T) {
	t.Run("全部取出后再次取出为空", func(t *testing.T) {
		q := NewTransactionQueue(true)
		q.Add(domain.NewMailTransaction(domain.StatusForwarded, "a", "b", "c"))
		q.Add(domain.NewMailTransaction(domain.StatusMailboxNotFound, "a", "b", ""))

		batch := q.Drain(0)
		assert.Len(t, batch, 2)
		assert.Empty(t, q.Drain(0))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("按批次取出保持顺序", func(t *testing.T) {
		q := NewTransactionQueue(true)
		for i := 0; i < 5; i++ {
			q.Add(domain.MailTransaction{Timestamp: int64(i)})
		}

		first := q.Drain(2)
		require.Len(t, first, 2)
		assert.Equal(t, int64(0), first[0].Timestamp)
		assert.Equal(t, int64(1), first[1].Timestamp)

		rest := q.Drain(10)
		require.Len(t, rest, 3)
		assert.Equal(t, int64(2), rest[0].Timestamp)
	})

	t.Run("禁用时不记录", func(t *testing.T) {
		q := NewTransactionQueue(false)
		q.Add(domain.NewMailTransaction(domain.StatusForwarded, "a", "b", "c"))
		assert.Equal(t, 0, q.Len())
		assert.Empty(t, q.Drain(0))
	})

	t.Run("并发写入与取出不丢不重", func(t *testing.T) {
		q := NewTransactionQueue(true)
		const producers, perProducer = 20, 100

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					q.Add(domain.MailTransaction{ID: uint64(p*perProducer + i)})
				}
			}(p)
		}

		seen := make(map[uint64]int)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

	loop:
		for {
			for _, tx := range q.Drain(7) {
				seen[tx.ID]++
			}
			select {
			case <-done:
				break loop
			default:
			}
		}
		for _, tx := range q.Drain(0) {
			seen[tx.ID]++
		}

		assert.Len(t, seen, producers*perProducer)
		for id, count := range seen {
			assert.Equal(t, 1, count, "transaction %d", id)
		}
	})
}
