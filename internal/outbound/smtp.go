package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// TLSMode 外发连接的加密方式
type TLSMode string

const (
	TLSModeNone     TLSMode = "none"
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeImplicit TLSMode = "tls"
)

// SMTPSenderConfig SMTP 外发配置
type SMTPSenderConfig struct {
	Addr      string
	HeloName  string
	Username  string // 为空时不认证
	Password  string
	TLSMode   TLSMode
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// SMTPSender 通过上游 SMTP 服务器投递
type SMTPSender struct {
	cfg SMTPSenderConfig
}

// NewSMTPSender 创建 SMTP 外发通道
func NewSMTPSender(cfg SMTPSenderConfig) *SMTPSender {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeNone
	}
	return &SMTPSender{cfg: cfg}
}

// Name 实现 Sender
func (s *SMTPSender) Name() string {
	return "smtp"
}

// Send 建立一次 SMTP 会话投递邮件，不做重试
func (s *SMTPSender) Send(ctx context.Context, env Envelope, msg []byte) error {
	if len(env.To) == 0 {
		return fmt.Errorf("smtp send: no recipients")
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := s.newClient(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	client.CommandTimeout = s.cfg.Timeout
	client.SubmissionTimeout = s.cfg.Timeout
	defer client.Close()

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.SendMail(env.From, env.To, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	return client.Quit()
}

// newClient 完成问候，STARTTLS 模式下同时升级连接
//
// STARTTLS 由 go-smtp 在建连时完成，此时 HELO 名称使用其默认值 localhost。
func (s *SMTPSender) newClient(conn net.Conn) (*gosmtp.Client, error) {
	if s.cfg.TLSMode == TLSModeStartTLS {
		client, err := gosmtp.NewClientStartTLS(conn, s.cfg.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return client, nil
	}

	client := gosmtp.NewClient(conn)
	if err := client.Hello(s.cfg.HeloName); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	return client, nil
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	if s.cfg.TLSMode == TLSModeImplicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.cfg.TLSConfig}
		return tlsDialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	return dialer.DialContext(ctx, "tcp", s.cfg.Addr)
}
