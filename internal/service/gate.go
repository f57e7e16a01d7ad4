package service

import (
	"strings"

	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/monitoring"
)

// RecipientGate 在 RCPT 阶段决定是否接收某个收件人
type RecipientGate struct {
	domains map[string]struct{}
	queue   *TransactionQueue
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewRecipientGate 创建收件人准入检查
func NewRecipientGate(allowedDomains []string, queue *TransactionQueue, logger *zap.Logger) *RecipientGate {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = struct{}{}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecipientGate{
		domains: domains,
		queue:   queue,
		logger:  logger,
	}
}

// SetMetrics 设置监控指标
func (g *RecipientGate) SetMetrics(metrics *monitoring.Metrics) {
	g.metrics = metrics
}

// Serves 判断域名是否由本系统管理
func (g *RecipientGate) Serves(domainName string) bool {
	_, ok := g.domains[strings.ToLower(domainName)]
	return ok
}

// Accept 判断是否接收发往 recipient 的邮件
//
// 地址格式错误或域名不受管理时拒绝，并记录一条 500 事务；发件人不做检查。
func (g *RecipientGate) Accept(from, recipient string) bool {
	addr, err := domain.ParseAddress(recipient)
	if err == nil && g.Serves(addr.Domain) {
		g.metrics.RecordRecipient(true)
		return true
	}

	g.logger.Debug("relay denied",
		zap.String("from", from),
		zap.String("recipient", recipient))
	g.queue.Add(domain.NewMailTransaction(domain.StatusRelayDenied, from, recipient, ""))
	g.metrics.RecordRecipient(false)
	g.metrics.RecordTransaction(domain.StatusRelayDenied.String())
	return false
}
