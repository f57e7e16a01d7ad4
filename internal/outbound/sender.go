package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"mailrelay/backend/internal/config"
)

// Envelope SMTP 信封
type Envelope struct {
	From string
	To   []string
}

// Sender 外发通道
type Sender interface {
	// Send 投递一封已改写的原始邮件
	Send(ctx context.Context, env Envelope, msg []byte) error
	// Name 返回通道名称，用于日志和指标
	Name() string
}

// New 根据配置创建外发通道
func New(ctx context.Context, cfg config.OutboundConfig, logger *zap.Logger) (Sender, error) {
	switch cfg.Transport {
	case "smtp", "":
		return NewSMTPSender(SMTPSenderConfig{
			Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			HeloName: cfg.HeloName,
			Username: cfg.Username,
			Password: cfg.Password,
			TLSMode:  TLSMode(cfg.TLSMode),
			TLSConfig: &tls.Config{
				ServerName:         cfg.Host,
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // 由配置显式开启
			},
			Timeout: cfg.Timeout,
		}), nil
	case "ses":
		return NewSESSender(ctx, SESSenderConfig{
			Region:           cfg.SESRegion,
			AccessKeyID:      cfg.SESAccessKeyID,
			SecretAccessKey:  cfg.SESSecretAccessKey,
			ConfigurationSet: cfg.SESConfigurationSet,
		})
	case "stdout":
		logger.Warn("outbound transport is stdout, mail will not leave this host")
		return NewStdoutSender(), nil
	default:
		return nil, fmt.Errorf("unsupported outbound transport: %s", cfg.Transport)
	}
}
