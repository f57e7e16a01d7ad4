package smtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/outbound"
	"mailrelay/backend/internal/pool"
	"mailrelay/backend/internal/service"
	"mailrelay/backend/internal/storage/memory"
)

type sentMail struct {
	env outbound.Envelope
	msg string
}

// chanSender 把外发的邮件写入 channel
type chanSender struct {
	sent chan sentMail
}

func (s *chanSender) Send(_ context.Context, env outbound.Envelope, msg []byte) error {
	s.sent <- sentMail{env: env, msg: string(msg)}
	return nil
}

func (s *chanSender) Name() string {
	return "chan"
}

type testRelay struct {
	addr   string
	queue  *service.TransactionQueue
	sender *chanSender
}

func startRelay(t *testing.T, smtpCfg config.SMTPConfig) *testRelay {
	t.Helper()

	store := memory.NewStore()
	require.NoError(t, store.SaveUser(&domain.User{ID: "user-1", Email: "real@example.com", Active: true}))
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:            "mb-1",
		LocalPart:     "abox",
		Domain:        "xcmailr.test",
		UserID:        "user-1",
		ForwardEmails: true,
	}))

	queue := service.NewTransactionQueue(true)
	sender := &chanSender{sent: make(chan sentMail, 10)}
	workers := pool.NewWorkerPool(2, 10, zap.NewNop())
	workers.Start()
	t.Cleanup(func() { _ = workers.Stop(time.Second) })

	gate := service.NewRecipientGate([]string{"xcmailr.test"}, queue, zap.NewNop())
	dispatcher := service.NewDispatcher(store, queue, sender, workers, service.DispatcherConfig{
		Loop:        service.LoopMarker{Header: "X-Loop", Prefix: "loopbreaker"},
		SendTimeout: 5 * time.Second,
	}, zap.NewNop())

	backend := NewBackend(context.Background(), gate, dispatcher, zap.NewNop())
	if smtpCfg.Domain == "" {
		smtpCfg.Domain = "relay.test"
	}
	if smtpCfg.ReadTimeout == 0 {
		smtpCfg.ReadTimeout = 5 * time.Second
		smtpCfg.WriteTimeout = 5 * time.Second
	}
	server, err := NewServer(backend, smtpCfg, zap.NewNop(), nil)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &testRelay{addr: listener.Addr().String(), queue: queue, sender: sender}
}

func TestSession(t *testing.T) {
	relay := startRelay(t, config.SMTPConfig{MaxMessageBytes: 1 << 20, MaxRecipients: 10})

	client, err := gosmtp.Dial(relay.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Hello("client.test"))
	require.NoError(t, client.Mail("sender@external.com", nil))

	t.Run("外部域名在 RCPT 阶段被拒绝", func(t *testing.T) {
		err := client.Rcpt("victim@elsewhere.org", nil)
		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 550, smtpErr.Code)
		assert.Equal(t, gosmtp.EnhancedCode{5, 7, 1}, smtpErr.EnhancedCode)
	})

	require.NoError(t, client.Rcpt("abox@xcmailr.test", nil))

	w, err := client.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("From: sender@external.com\r\nTo: abox@xcmailr.test\r\nCc: other@external.com\r\nSubject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, client.Quit())

	select {
	case mail := <-relay.sender.sent:
		assert.Equal(t, []string{"real@example.com"}, mail.env.To)
		assert.Contains(t, mail.msg, "X-Loop: loopbreakerabox@xcmailr.test")
		assert.NotContains(t, mail.msg, "other@external.com")
	case <-time.After(5 * time.Second):
		t.Fatal("message was not forwarded")
	}

	require.Eventually(t, func() bool { return relay.queue.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	statuses := make([]domain.StatusCode, 0, 2)
	for _, tx := range relay.queue.Drain(0) {
		statuses = append(statuses, tx.Status)
	}
	assert.ElementsMatch(t, []domain.StatusCode{domain.StatusRelayDenied, domain.StatusForwarded}, statuses)
}

func TestSessionMultipleRecipients(t *testing.T) {
	relay := startRelay(t, config.SMTPConfig{MaxMessageBytes: 1 << 20, MaxRecipients: 10})

	client, err := gosmtp.Dial(relay.addr)
	require.NoError(t, err)
	defer client.Close()

	err = client.SendMail("sender@external.com",
		[]string{"abox@xcmailr.test", "nobody@xcmailr.test"},
		strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return relay.queue.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	statuses := make([]domain.StatusCode, 0, 2)
	for _, tx := range relay.queue.Drain(0) {
		statuses = append(statuses, tx.Status)
	}
	assert.ElementsMatch(t, []domain.StatusCode{domain.StatusMailboxNotFound, domain.StatusForwarded}, statuses)
}

func TestConnectionLimiter(t *testing.T) {
	t.Run("超过并发数时拒绝", func(t *testing.T) {
		l := NewConnectionLimiter(1, 0)
		ok, _ := l.Acquire()
		require.True(t, ok)

		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, rejectMaxConnections, reason)

		l.Release()
		ok, _ = l.Acquire()
		assert.True(t, ok)
		assert.Equal(t, 1, l.Current())
	})

	t.Run("超过速率时拒绝", func(t *testing.T) {
		l := NewConnectionLimiter(0, 1)
		ok, _ := l.Acquire()
		require.True(t, ok)

		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, rejectRate, reason)
	})

	t.Run("被拒绝的连接收到 421", func(t *testing.T) {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listener := NewConnectionLimiter(1, 0).Wrap(raw, zap.NewNop(), nil)
		defer listener.Close()

		accepted := make(chan net.Conn, 2)
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				accepted <- conn
			}
		}()

		first, err := net.Dial("tcp", raw.Addr().String())
		require.NoError(t, err)
		defer first.Close()
		held := <-accepted
		defer held.Close()

		second, err := net.Dial("tcp", raw.Addr().String())
		require.NoError(t, err)
		defer second.Close()
		_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))

		line, err := bufio.NewReader(second).ReadString('\n')
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(line, "421"))
	})
}
