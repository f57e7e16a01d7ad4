package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/outbound"
	"mailrelay/backend/internal/storage/memory"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, env outbound.Envelope, msg []byte) error {
	args := m.Called(ctx, env, msg)
	return args.Error(0)
}

func (m *mockSender) Name() string {
	return "mock"
}

// syncExecutor 在调用方协程中直接执行任务
type syncExecutor struct{}

func (syncExecutor) TrySubmit(task func()) bool {
	task()
	return true
}

// fullExecutor 模拟队列已满
type fullExecutor struct{}

func (fullExecutor) TrySubmit(func()) bool {
	return false
}

const inboundMail = "Return-Path: <sender@external.com>\r\n" +
	"From: Sender <sender@external.com>\r\n" +
	"To: abox@xcmailr.test\r\n" +
	"Cc: friend@external.com\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <42@external.com>\r\n" +
	"\r\n" +
	"hi there\r\n"

type dispatcherFixture struct {
	store      *memory.Store
	queue      *TransactionQueue
	sender     *mockSender
	dispatcher *Dispatcher
	mailbox    *domain.Mailbox
	user       *domain.User
}

func newDispatcherFixture(t *testing.T, executor Executor) *dispatcherFixture {
	t.Helper()

	store := memory.NewStore()
	user := &domain.User{ID: "user-1", Email: "real@example.com", Active: true}
	require.NoError(t, store.SaveUser(user))
	mailbox := &domain.Mailbox{
		ID:            "mb-1",
		LocalPart:     "abox",
		Domain:        "xcmailr.test",
		UserID:        user.ID,
		ForwardEmails: true,
		ValidUntil:    time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.SaveMailbox(mailbox))

	queue := NewTransactionQueue(true)
	sender := new(mockSender)
	dispatcher := NewDispatcher(store, queue, sender, executor, DispatcherConfig{
		Loop:            testMarker,
		MaxMessageBytes: 1024 * 1024,
		SendTimeout:     5 * time.Second,
	}, zap.NewNop())

	return &dispatcherFixture{
		store:      store,
		queue:      queue,
		sender:     sender,
		dispatcher: dispatcher,
		mailbox:    mailbox,
		user:       user,
	}
}

func (f *dispatcherFixture) deliver(recipient, raw string) []domain.MailTransaction {
	f.dispatcher.Deliver(context.Background(), "sender@external.com", recipient, strings.NewReader(raw))
	return f.queue.Drain(0)
}

func TestDispatcher_Forward(t *testing.T) {
	f := newDispatcherFixture(t, syncExecutor{})

	var sent []byte
	f.sender.On("Send", mock.Anything, outbound.Envelope{From: "abox@xcmailr.test", To: []string{"real@example.com"}}, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(2).([]byte) }).
		Return(nil).Once()

	txs := f.deliver("abox@xcmailr.test", inboundMail)

	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusForwarded, txs[0].Status)
	assert.Equal(t, "sender@external.com", txs[0].SourceAddress)
	assert.Equal(t, "abox@xcmailr.test", txs[0].RelayAddress)
	assert.Equal(t, "real@example.com", txs[0].TargetAddress)
	f.sender.AssertExpectations(t)

	out := string(sent)
	assert.Contains(t, out, "To: real@example.com")
	assert.Contains(t, out, "X-Loop: loopbreakerabox@xcmailr.test")
	assert.Contains(t, out, "Reply-To: Sender <sender@external.com>")
	assert.NotContains(t, out, "friend@external.com")

	stored, err := f.store.GetMailbox("mb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Forwards)
	assert.Equal(t, int64(0), stored.Suppressions)
}

func TestDispatcher_Preconditions(t *testing.T) {
	t.Run("收件地址格式错误记录 0", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		txs := f.deliver("not-an-address", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusMalformedAddress, txs[0].Status)
		assert.Equal(t, "not-an-address", txs[0].TargetAddress)
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("邮箱不存在记录 100", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		txs := f.deliver("nobody@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusMailboxNotFound, txs[0].Status)
		assert.Equal(t, "nobody@xcmailr.test", txs[0].RelayAddress)
	})

	t.Run("本地部分为空或超长时按邮箱不存在记录 100", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		long := strings.Repeat("x", 70) + "@xcmailr.test"

		txs := f.deliver("@xcmailr.test", inboundMail)
		txs = append(txs, f.deliver(long, inboundMail)...)

		require.Len(t, txs, 2)
		assert.Equal(t, domain.StatusMailboxNotFound, txs[0].Status)
		assert.Equal(t, "@xcmailr.test", txs[0].RelayAddress)
		assert.Equal(t, domain.StatusMailboxNotFound, txs[1].Status)
		assert.Equal(t, long, txs[1].RelayAddress)
	})

	t.Run("邮箱未激活记录 200 并累加拦截数", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		_, err := f.store.ToggleActive(context.Background(), f.mailbox)
		require.NoError(t, err)

		txs := f.deliver("abox@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusMailboxInactive, txs[0].Status)
		assert.Equal(t, "real@example.com", txs[0].TargetAddress)

		stored, err := f.store.GetMailbox("mb-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Suppressions)
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("账户停用记录 600", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.user.Active = false
		require.NoError(t, f.store.SaveUser(f.user))

		txs := f.deliver("abox@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusAccountDisabled, txs[0].Status)

		stored, err := f.store.GetMailbox("mb-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Suppressions)
	})

	t.Run("账户不存在记录 600", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.mailbox.UserID = "ghost"
		require.NoError(t, f.store.SaveMailbox(f.mailbox))

		txs := f.deliver("abox@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusAccountDisabled, txs[0].Status)
		assert.Empty(t, txs[0].TargetAddress)
	})

	t.Run("关闭转发时静默结束", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.mailbox.ForwardEmails = false
		require.NoError(t, f.store.SaveMailbox(f.mailbox))

		assert.Empty(t, f.deliver("abox@xcmailr.test", inboundMail))
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("无法解析的邮件不记录事务", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		assert.Empty(t, f.deliver("abox@xcmailr.test", "garbage without header\r\n\r\n"))
	})

	t.Run("超过大小限制的邮件被丢弃", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.dispatcher.cfg.MaxMessageBytes = 16
		assert.Empty(t, f.deliver("abox@xcmailr.test", inboundMail))
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDispatcher_Loop(t *testing.T) {
	f := newDispatcherFixture(t, syncExecutor{})
	raw := "X-Loop: loopbreakerabox@xcmailr.test\r\n" + inboundMail

	txs := f.deliver("abox@xcmailr.test", raw)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusLoopSuppressed, txs[0].Status)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	stored, err := f.store.GetMailbox("mb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Forwards)
}

func TestDispatcher_SendFailures(t *testing.T) {
	t.Run("外发失败记录 400", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

		txs := f.deliver("abox@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusForwardFailed, txs[0].Status)
		assert.Equal(t, "real@example.com", txs[0].TargetAddress)

		stored, err := f.store.GetMailbox("mb-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stored.Forwards)
	})

	t.Run("队列已满时不外发并记录 400", func(t *testing.T) {
		f := newDispatcherFixture(t, fullExecutor{})

		txs := f.deliver("abox@xcmailr.test", inboundMail)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusForwardFailed, txs[0].Status)
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("外发不受会话 ctx 取消影响", func(t *testing.T) {
		f := newDispatcherFixture(t, syncExecutor{})
		f.sender.On("Send", mock.MatchedBy(func(ctx context.Context) bool {
			return ctx.Err() == nil
		}), mock.Anything, mock.Anything).Return(nil).Once()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f.dispatcher.Deliver(ctx, "sender@external.com", "abox@xcmailr.test", strings.NewReader(inboundMail))

		txs := f.queue.Drain(0)
		require.Len(t, txs, 1)
		assert.Equal(t, domain.StatusForwarded, txs[0].Status)
		f.sender.AssertExpectations(t)
	})
}

func TestDispatcher_RewriteMessage(t *testing.T) {
	f := newDispatcherFixture(t, syncExecutor{})
	f.dispatcher.cfg.Rewrite = true

	var sent []byte
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(2).([]byte) }).
		Return(nil).Once()

	txs := f.deliver("abox@xcmailr.test", inboundMail)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusForwarded, txs[0].Status)
	assert.Contains(t, string(sent), "Content-Transfer-Encoding: quoted-printable")
	assert.Contains(t, string(sent), "> hi there")
}
