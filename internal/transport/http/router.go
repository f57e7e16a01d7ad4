package httptransport

import (
	"context"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/health"
	"mailrelay/backend/internal/middleware"
	"mailrelay/backend/internal/monitoring"
)

// TransactionSummarizer 提供事务按结果码的统计
type TransactionSummarizer interface {
	StatusSummary(ctx context.Context) ([]domain.StatusCount, error)
}

// Depth 返回当前积压量的组件
type Depth interface {
	Len() int
}

// DepthFunc 适配函数形式的积压量
type DepthFunc func() int

// Len 实现 Depth
func (f DepthFunc) Len() int {
	return f()
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Transactions TransactionSummarizer
	Queue        Depth // 待持久化的事务队列
	Forwards     Depth // 待发送的转发任务
	Health       *health.HealthChecker
	Alerts       *monitoring.AlertManager // 可选
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// Handler 聚合运维接口处理逻辑
type Handler struct {
	transactions TransactionSummarizer
	queue        Depth
	forwards     Depth
	health       *health.HealthChecker
	alerts       *monitoring.AlertManager
	timeout      time.Duration
	logger       *zap.Logger
}

// QueueStatus 队列积压情况
type QueueStatus struct {
	Transactions int `json:"transactions"`
	Forwards     int `json:"forwards"`
}

// NewRouter 创建并返回运维接口的 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))

	h := &Handler{
		transactions: deps.Transactions,
		queue:        deps.Queue,
		forwards:     deps.Forwards,
		health:       deps.Health,
		alerts:       deps.Alerts,
		timeout:      5 * time.Second,
		logger:       deps.Logger,
	}

	// 健康检查
	router.GET("/health", h.healthReport)
	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))

	// Prometheus 指标
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/transactions/summary", h.transactionSummary)
		v1.GET("/queue", h.queueStatus)
		v1.GET("/alerts", h.listAlerts)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, MsgNotFound)
	})

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}

// healthReport 返回每项就绪检查的结果
func (h *Handler) healthReport(c *gin.Context) {
	results := h.health.CheckHealth()
	for name, result := range results {
		if name != "timestamp" && result != "OK" {
			ServiceUnavailable(c, MsgStorageUnavailable, results)
			return
		}
	}
	Success(c, results)
}

// transactionSummary 按结果码统计已持久化的事务
func (h *Handler) transactionSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	summary, err := h.transactions.StatusSummary(ctx)
	if err != nil {
		h.logger.Error("failed to summarize transactions", zap.Error(err))
		InternalError(c, MsgStorageUnavailable)
		return
	}
	if summary == nil {
		summary = []domain.StatusCount{}
	}
	Success(c, summary)
}

// queueStatus 返回事务队列和转发工作池的积压
func (h *Handler) queueStatus(c *gin.Context) {
	status := QueueStatus{}
	if h.queue != nil {
		status.Transactions = h.queue.Len()
	}
	if h.forwards != nil {
		status.Forwards = h.forwards.Len()
	}
	Success(c, status)
}

// listAlerts 返回未解决的告警
func (h *Handler) listAlerts(c *gin.Context) {
	if h.alerts == nil {
		ServiceUnavailable(c, MsgAlertsDisabled, nil)
		return
	}
	Success(c, h.alerts.GetActiveAlerts())
}
