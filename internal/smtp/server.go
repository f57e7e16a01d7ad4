package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/monitoring"
)

// Server 在主地址和可选的备用地址上提供 SMTP 服务
type Server struct {
	smtp    *gosmtp.Server
	limiter *ConnectionLimiter
	addrs   []string
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewServer 创建 SMTP 服务器，配置了证书时启用 STARTTLS
func NewServer(backend *Backend, cfg config.SMTPConfig, logger *zap.Logger, metrics *monitoring.Metrics) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = cfg.ReadTimeout
	server.WriteTimeout = cfg.WriteTimeout
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = cfg.MaxRecipients

	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load smtp tls certificate: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	addrs := []string{cfg.BindAddr}
	if cfg.AltBindAddr != "" {
		addrs = append(addrs, cfg.AltBindAddr)
	}

	return &Server{
		smtp:    server,
		limiter: NewConnectionLimiter(cfg.MaxConnections, cfg.MaxConnectionRate),
		addrs:   addrs,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// ListenAndServe 监听所有配置的地址，直到 Shutdown
func (s *Server) ListenAndServe() error {
	listeners := make([]net.Listener, 0, len(s.addrs))
	for _, addr := range s.addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}

	var group errgroup.Group
	for _, l := range listeners {
		group.Go(func() error {
			return s.Serve(l)
		})
	}
	return group.Wait()
}

// Serve 在给定 Listener 上提供服务
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening",
		zap.String("address", l.Addr().String()),
		zap.String("domain", s.smtp.Domain),
		zap.Bool("starttls", s.smtp.TLSConfig != nil))

	err := s.smtp.Serve(s.limiter.Wrap(l, s.logger, s.metrics))
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 停止接收新连接并等待现有会话结束
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.smtp.Shutdown(ctx)
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}
