package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Pinger 可检查连接的组件
type Pinger interface {
	Health(ctx context.Context) error
}

// PingFunc 适配函数形式的连接检查
type PingFunc func(ctx context.Context) error

// Health 实现 Pinger
func (f PingFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// Options 健康检查配置
type Options struct {
	Store         Pinger                // 存储聚合检查，必填
	SQL           *sql.DB               // 关系数据库，可选
	Redis         Pinger                // Redis，可选
	Registerer    prometheus.Registerer // 非空时把检查结果导出为指标
	MaxGoroutines int
	Timeout       time.Duration
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	checks map[string]healthcheck.Check
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(opts Options, logger *zap.Logger) *HealthChecker {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = 10000
	}

	handler := healthcheck.NewHandler()
	if opts.Registerer != nil {
		handler = healthcheck.NewMetricsHandler(opts.Registerer, "mailrelay")
	}

	hc := &HealthChecker{
		health: handler,
		checks: make(map[string]healthcheck.Check),
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))

	hc.addReadiness("storage", pingCheck(opts.Store, opts.Timeout))
	if opts.SQL != nil {
		hc.addReadiness("database", healthcheck.DatabasePingCheck(opts.SQL, opts.Timeout))
	}
	if opts.Redis != nil {
		hc.addReadiness("redis", pingCheck(opts.Redis, opts.Timeout))
	}

	return hc
}

func (hc *HealthChecker) addReadiness(name string, check healthcheck.Check) {
	hc.checks[name] = check
	hc.health.AddReadinessCheck(name, check)
}

func pingCheck(p Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Health(ctx)
	}
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部就绪检查并返回每项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names)+1)
	for _, name := range names {
		if err := hc.checks[name](); err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
