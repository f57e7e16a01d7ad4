package outbound

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// StdoutSender 把邮件打印到标准输出，用于开发环境
type StdoutSender struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStdoutSender 创建写到 os.Stdout 的外发通道
func NewStdoutSender() *StdoutSender {
	return &StdoutSender{writer: os.Stdout}
}

// NewStdoutSenderWithWriter 写到指定 writer
func NewStdoutSenderWithWriter(w io.Writer) *StdoutSender {
	return &StdoutSender{writer: w}
}

// Name 实现 Sender
func (s *StdoutSender) Name() string {
	return "stdout"
}

// Send 打印信封和原始邮件
func (s *StdoutSender) Send(_ context.Context, env Envelope, msg []byte) error {
	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "MAIL FROM: %s\n", env.From)
	fmt.Fprintf(&b, "RCPT TO: %s\n", strings.Join(env.To, ", "))
	b.WriteString("----------------------------------------\n")
	b.Write(msg)
	if len(msg) > 0 && msg[len(msg)-1] != '\n' {
		b.WriteString("\n")
	}
	b.WriteString("========================================\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.writer, b.String())
	return err
}
