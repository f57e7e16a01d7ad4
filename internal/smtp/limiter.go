package smtp

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailrelay/backend/internal/monitoring"
)

// 拒绝原因，同时作为指标标签
const (
	rejectMaxConnections = "max_connections"
	rejectRate           = "rate"
)

// ConnectionLimiter SMTP 连接限流器
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	limiter  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，0 表示不限制
//   - maxRate: 每秒最大新建连接数，0 表示不限制
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	limit := rate.Inf
	burst := 0
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
		burst = maxRate
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Acquire 获取连接许可
//
// 返回值:
//   - bool: 是否获取成功
//   - string: 失败原因
func (l *ConnectionLimiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 检查连接数限制
	if l.maxConns > 0 && l.current >= l.maxConns {
		return false, rejectMaxConnections
	}

	// 检查速率限制
	if !l.limiter.Allow() {
		return false, rejectRate
	}

	l.current++
	return true, ""
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Wrap 返回受限流器保护的 Listener，超限的连接收到 421 后立即关闭
func (l *ConnectionLimiter) Wrap(inner net.Listener, logger *zap.Logger, metrics *monitoring.Metrics) net.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &limitedListener{Listener: inner, limiter: l, logger: logger, metrics: metrics}
}

type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ok, reason := l.limiter.Acquire()
		if ok {
			return &limitedConn{Conn: conn, release: l.limiter.Release}, nil
		}

		l.metrics.RecordConnectionRejected(reason)
		l.logger.Warn("connection rejected",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("reason", reason))
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write([]byte("421 4.7.0 Too many connections, try again later\r\n"))
		_ = conn.Close()
	}
}

type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}
