package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法都允许在 nil 接收者上调用，未启用监控时直接忽略。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标（运维接口）
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 指标
	SMTPConnections         prometheus.Gauge
	SMTPConnectionsRejected *prometheus.CounterVec
	RecipientsTotal         *prometheus.CounterVec
	MessagesReceived        prometheus.Counter
	MessageSize             prometheus.Histogram

	// 转发指标
	TransactionsTotal *prometheus.CounterVec
	ForwardDuration   *prometheus.HistogramVec
	LoopsDetected     prometheus.Counter
	ForwardRejected   prometheus.Counter

	// 清扫指标
	QueueDepth            prometheus.Gauge
	TransactionsPersisted prometheus.Counter
	TransactionsDropped   prometheus.Counter
	PersistErrors         prometheus.Counter
	MailboxesExpired      prometheus.Counter
	TransactionsDeleted   prometheus.Counter
	SweepDuration         prometheus.Histogram

	PanicsTotal prometheus.Counter
}

// NewMetrics 在独立的注册表上创建监控指标，并附带 Go 运行时与进程指标。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SMTPConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrelay_smtp_connections",
				Help: "Number of open SMTP connections",
			},
		),

		SMTPConnectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrelay_smtp_connections_rejected_total",
				Help: "SMTP connections rejected by the connection limiter",
			},
			[]string{"reason"},
		),

		RecipientsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrelay_smtp_recipients_total",
				Help: "RCPT commands by gate decision",
			},
			[]string{"result"},
		),

		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_messages_received_total",
				Help: "Total number of messages received via DATA",
			},
		),

		MessageSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailrelay_message_size_bytes",
				Help:    "Size of received messages in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrelay_transactions_total",
				Help: "Mail transactions recorded by status",
			},
			[]string{"status"},
		),

		ForwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailrelay_forward_duration_seconds",
				Help:    "Outbound forward duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sender", "result"},
		),

		LoopsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_loops_detected_total",
				Help: "Forwards suppressed by loop detection",
			},
		),

		ForwardRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_forward_rejected_total",
				Help: "Forwards not attempted because the worker queue was full",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrelay_transaction_queue_depth",
				Help: "Transactions waiting in the in-memory queue",
			},
		),

		TransactionsPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_transactions_persisted_total",
				Help: "Transactions written to the transaction log",
			},
		),

		TransactionsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_transactions_dropped_total",
				Help: "Transactions discarded during sweep",
			},
		),

		PersistErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_persist_errors_total",
				Help: "Failed transaction batch writes",
			},
		),

		MailboxesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_mailboxes_expired_total",
				Help: "Mailboxes deactivated by the expiry sweep",
			},
		),

		TransactionsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_transactions_deleted_total",
				Help: "Transactions removed by the retention sweep",
			},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailrelay_sweep_duration_seconds",
				Help:    "Duration of one sweep cycle",
				Buckets: prometheus.DefBuckets,
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrelay_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ConnectionOpened 记录新建 SMTP 连接
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.SMTPConnections.Inc()
}

// ConnectionClosed 记录 SMTP 连接关闭
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.SMTPConnections.Dec()
}

// RecordConnectionRejected 记录被限流拒绝的连接
func (m *Metrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.SMTPConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordRecipient 记录收件人准入结果
func (m *Metrics) RecordRecipient(accepted bool) {
	if m == nil {
		return
	}
	result := "denied"
	if accepted {
		result = "accepted"
	}
	m.RecipientsTotal.WithLabelValues(result).Inc()
}

// RecordMessageReceived 记录收到的邮件及其大小
func (m *Metrics) RecordMessageReceived(size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.MessageSize.Observe(float64(size))
}

// RecordTransaction 记录事务结果
func (m *Metrics) RecordTransaction(status string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(status).Inc()
}

// RecordForward 记录一次外发耗时
func (m *Metrics) RecordForward(sender string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.ForwardDuration.WithLabelValues(sender, result).Observe(duration.Seconds())
}

// RecordLoop 记录检测到的环路
func (m *Metrics) RecordLoop() {
	if m == nil {
		return
	}
	m.LoopsDetected.Inc()
}

// RecordForwardRejected 记录因队列已满未执行的转发
func (m *Metrics) RecordForwardRejected() {
	if m == nil {
		return
	}
	m.ForwardRejected.Inc()
}

// UpdateQueueDepth 更新事务队列长度
func (m *Metrics) UpdateQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordPersisted 记录持久化和丢弃的事务数
func (m *Metrics) RecordPersisted(persisted, dropped int) {
	if m == nil {
		return
	}
	m.TransactionsPersisted.Add(float64(persisted))
	m.TransactionsDropped.Add(float64(dropped))
}

// RecordPersistError 记录批量写入失败
func (m *Metrics) RecordPersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

// RecordMailboxExpired 记录邮箱过期
func (m *Metrics) RecordMailboxExpired() {
	if m == nil {
		return
	}
	m.MailboxesExpired.Inc()
}

// RecordTransactionsDeleted 记录保留期清理删除的事务数
func (m *Metrics) RecordTransactionsDeleted(count int64) {
	if m == nil {
		return
	}
	m.TransactionsDeleted.Add(float64(count))
}

// RecordSweep 记录清扫耗时
func (m *Metrics) RecordSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
