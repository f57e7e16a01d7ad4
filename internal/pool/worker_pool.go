package pool

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailrelay/backend/internal/monitoring"
)

// ErrStopTimeout 在宽限期内未能完成在途任务
var ErrStopTimeout = errors.New("worker pool stop timed out")

// WorkerPool 协程池
//
// 用于限制外发并发数量；队列已满时由调用方决定如何处理
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	logger     *zap.Logger
	metrics    *monitoring.Metrics

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		logger:     logger,
	}
}

// SetMetrics 设置监控指标
func (p *WorkerPool) SetMetrics(metrics *monitoring.Metrics) {
	p.metrics = metrics
}

// Start 启动协程池
//
// 工作协程只在 Stop 关闭队列后退出，保证已入队的任务都会执行
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending 返回排队中的任务数
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

// Stop 停止协程池，最多等待 grace 让在途任务完成
func (p *WorkerPool) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		p.logger.Warn("worker pool stop timed out", zap.Int("pending", len(p.taskQueue)))
		return ErrStopTimeout
	}
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordPanic()
			p.logger.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
