package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailrelay/backend/internal/monitoring"
)

// Gate 在 RCPT 阶段决定是否接收收件人
type Gate interface {
	Accept(from, recipient string) bool
}

// Deliverer 处理已接收的邮件
type Deliverer interface {
	Deliver(ctx context.Context, from, recipient string, raw io.Reader)
}

// errRelayDenied 拒绝非本系统域名的收件人
var errRelayDenied = &gosmtp.SMTPError{
	Code:         550,
	EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
	Message:      "relay access denied",
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本系统域名的邮件，收到后逐个收件人交给转发器处理，
// 不对外提供中继。
type Backend struct {
	gate      Gate
	deliverer Deliverer
	ctx       context.Context
	logger    *zap.Logger
	metrics   *monitoring.Metrics
}

// NewBackend 创建 SMTP Backend。
//
// ctx 作为所有投递的父 context，服务关闭时取消。
func NewBackend(ctx context.Context, gate Gate, deliverer Deliverer, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		gate:      gate,
		deliverer: deliverer,
		ctx:       ctx,
		logger:    logger,
	}
}

// SetMetrics 设置监控指标
func (b *Backend) SetMetrics(metrics *monitoring.Metrics) {
	b.metrics = metrics
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}

	b.metrics.ConnectionOpened()
	return &session{
		backend: b,
		logger: b.logger.With(
			zap.String("session", uuid.NewString()),
			zap.String("remote", remote),
		),
	}, nil
}

type session struct {
	backend    *Backend
	logger     *zap.Logger
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令，发件人不做校验。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 不受管理的域名在此阶段返回 550，不会进入 DATA。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.backend.gate.Accept(s.from, to) {
		s.logger.Info("recipient rejected", zap.String("from", s.from), zap.String("recipient", to))
		return errRelayDenied
	}
	s.recipients = append(s.recipients, to)
	return nil
}

// Data 读取邮件内容并逐个收件人投递。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			s.logger.Warn("message exceeds size limit", zap.String("from", s.from))
		}
		return err
	}
	s.backend.metrics.RecordMessageReceived(len(raw))

	for _, rcpt := range s.recipients {
		s.backend.deliverer.Deliver(s.backend.ctx, s.from, rcpt, bytes.NewReader(raw))
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.backend.metrics.ConnectionClosed()
	return nil
}
