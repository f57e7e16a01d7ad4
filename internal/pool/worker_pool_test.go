package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool(t *testing.T) {
	t.Run("停止前执行完所有已入队任务", func(t *testing.T) {
		p := NewWorkerPool(4, 100, zap.NewNop())
		p.Start()

		var count atomic.Int64
		for i := 0; i < 50; i++ {
			require.True(t, p.TrySubmit(func() { count.Add(1) }))
		}

		require.NoError(t, p.Stop(5*time.Second))
		assert.Equal(t, int64(50), count.Load())
	})

	t.Run("队列已满时 TrySubmit 返回 false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		p.Start()

		release := make(chan struct{})
		started := make(chan struct{})
		require.True(t, p.TrySubmit(func() {
			close(started)
			<-release
		}))
		<-started

		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))

		close(release)
		require.NoError(t, p.Stop(5*time.Second))
	})

	t.Run("停止后拒绝新任务", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		p.Start()
		require.NoError(t, p.Stop(time.Second))

		assert.False(t, p.TrySubmit(func() {}))
		assert.NoError(t, p.Stop(time.Second))
	})

	t.Run("任务 panic 不影响其他任务", func(t *testing.T) {
		p := NewWorkerPool(1, 10, zap.NewNop())
		p.Start()

		var ran atomic.Bool
		require.True(t, p.TrySubmit(func() { panic("boom") }))
		require.True(t, p.TrySubmit(func() { ran.Store(true) }))

		require.NoError(t, p.Stop(5*time.Second))
		assert.True(t, ran.Load())
	})

	t.Run("超过宽限期返回超时错误", func(t *testing.T) {
		p := NewWorkerPool(1, 1, zap.NewNop())
		p.Start()

		release := make(chan struct{})
		defer close(release)
		require.True(t, p.TrySubmit(func() { <-release }))

		assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
	})
}
