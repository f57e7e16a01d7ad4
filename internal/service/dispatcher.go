package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
	"mailrelay/backend/internal/mailmsg"
	"mailrelay/backend/internal/monitoring"
	"mailrelay/backend/internal/outbound"
	"mailrelay/backend/internal/storage"
)

// ErrMessageTooLarge 邮件超过大小限制
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Executor 执行异步外发任务，队列已满时返回 false
type Executor interface {
	TrySubmit(task func()) bool
}

// DispatcherConfig 转发配置
type DispatcherConfig struct {
	Loop            LoopMarker
	Rewrite         bool          // 是否把正文改写为引用格式
	MaxMessageBytes int64         // 0 表示不限制
	SendTimeout     time.Duration // 单次外发超时
}

// Dispatcher 把收到的邮件转发给虚拟邮箱的所有者
type Dispatcher struct {
	directory storage.MailboxDirectory
	queue     *TransactionQueue
	sender    outbound.Sender
	executor  Executor
	cfg       DispatcherConfig
	logger    *zap.Logger
	metrics   *monitoring.Metrics
}

// NewDispatcher 创建转发器
func NewDispatcher(directory storage.MailboxDirectory, queue *TransactionQueue, sender outbound.Sender, executor Executor, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		directory: directory,
		queue:     queue,
		sender:    sender,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetMetrics 设置监控指标
func (d *Dispatcher) SetMetrics(metrics *monitoring.Metrics) {
	d.metrics = metrics
}

// Deliver 处理发往一个收件人的邮件
//
// 结果只通过事务队列和日志体现；外发在协程池中异步执行，调用方不等待。
func (d *Dispatcher) Deliver(ctx context.Context, from, recipient string, raw io.Reader) {
	logger := d.logger.With(zap.String("from", from), zap.String("recipient", recipient))

	data, err := d.readLimited(raw)
	if err != nil {
		logger.Error("failed to read message", zap.Error(err))
		return
	}

	msg, err := mailmsg.Parse(bytes.NewReader(data))
	if err != nil {
		logger.Warn("failed to parse message", zap.Error(err))
		return
	}

	addr, err := domain.ParseAddress(recipient)
	if err != nil {
		d.record(domain.NewMailTransaction(domain.StatusMalformedAddress, from, "", recipient))
		return
	}

	mailbox, err := d.directory.FindByAddress(ctx, addr.Local, addr.Domain)
	if errors.Is(err, domain.ErrMailboxNotFound) {
		d.record(domain.NewMailTransaction(domain.StatusMailboxNotFound, from, recipient, ""))
		return
	}
	if err != nil {
		logger.Error("failed to look up mailbox", zap.Error(err))
		return
	}

	user, err := d.directory.GetUser(ctx, mailbox.UserID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		logger.Error("failed to look up mailbox owner", zap.Error(err))
		return
	}

	if !mailbox.Active() {
		d.record(domain.NewMailTransaction(domain.StatusMailboxInactive, from, recipient, ownerEmail(user)))
		d.suppress(ctx, logger, mailbox)
		return
	}

	if user == nil || !user.Active {
		d.record(domain.NewMailTransaction(domain.StatusAccountDisabled, from, recipient, ownerEmail(user)))
		d.suppress(ctx, logger, mailbox)
		return
	}

	if !mailbox.ForwardEmails {
		logger.Debug("forwarding disabled for mailbox")
		return
	}

	if reason, loop := CheckForLoop(msg, addr.String(), d.cfg.Loop); loop {
		logger.Info("forwarding loop detected", zap.String("reason", reason))
		d.metrics.RecordLoop()
		d.record(domain.NewMailTransaction(domain.StatusLoopSuppressed, from, recipient, user.Email))
		return
	}

	target, err := d.directory.ForwardTargetFor(ctx, addr.Local, addr.Domain)
	if err != nil {
		logger.Error("failed to resolve forward target", zap.Error(err))
		d.record(domain.NewMailTransaction(domain.StatusForwardFailed, from, recipient, user.Email))
		return
	}

	err = msg.ApplyForward(mailmsg.Forward{
		Sender:         from,
		VirtualAddress: mailbox.Address(),
		Target:         target,
		LoopHeader:     d.cfg.Loop.Header,
		LoopValue:      d.cfg.Loop.Value(addr.String()),
		Quote:          d.cfg.Rewrite,
	})
	if err != nil {
		logger.Error("failed to rewrite message", zap.Error(err))
		d.record(domain.NewMailTransaction(domain.StatusForwardFailed, from, recipient, target))
		return
	}

	rewritten, err := msg.Bytes()
	if err != nil {
		logger.Error("failed to serialize message", zap.Error(err))
		d.record(domain.NewMailTransaction(domain.StatusForwardFailed, from, recipient, target))
		return
	}

	env := outbound.Envelope{From: mailbox.Address(), To: []string{target}}
	sendCtx := context.WithoutCancel(ctx)
	submitted := d.executor.TrySubmit(func() {
		d.send(sendCtx, logger, mailbox, env, rewritten, from, recipient)
	})
	if !submitted {
		logger.Warn("forward queue is full, message not forwarded", zap.String("target", target))
		d.metrics.RecordForwardRejected()
		d.record(domain.NewMailTransaction(domain.StatusForwardFailed, from, recipient, target))
	}
}

// send 在协程池中执行外发
func (d *Dispatcher) send(ctx context.Context, logger *zap.Logger, mailbox *domain.Mailbox, env outbound.Envelope, msg []byte, from, recipient string) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	target := env.To[0]
	start := time.Now()
	err := d.sender.Send(ctx, env, msg)
	d.metrics.RecordForward(d.sender.Name(), err == nil, time.Since(start))

	if err != nil {
		logger.Error("failed to forward message",
			zap.String("target", target),
			zap.String("sender", d.sender.Name()),
			zap.Error(err))
		d.record(domain.NewMailTransaction(domain.StatusForwardFailed, from, recipient, target))
		return
	}

	logger.Info("message forwarded", zap.String("target", target))
	d.record(domain.NewMailTransaction(domain.StatusForwarded, from, recipient, target))
	if err := d.directory.IncreaseForwards(ctx, mailbox); err != nil {
		logger.Error("failed to increase forward counter", zap.Error(err))
	}
}

func (d *Dispatcher) suppress(ctx context.Context, logger *zap.Logger, mailbox *domain.Mailbox) {
	if err := d.directory.IncreaseSuppressions(ctx, mailbox); err != nil {
		logger.Error("failed to increase suppression counter", zap.Error(err))
	}
}

func (d *Dispatcher) record(tx domain.MailTransaction) {
	d.queue.Add(tx)
	d.metrics.RecordTransaction(tx.Status.String())
}

// readLimited 读取整封邮件，超过 MaxMessageBytes 时报错
func (d *Dispatcher) readLimited(raw io.Reader) ([]byte, error) {
	if d.cfg.MaxMessageBytes <= 0 {
		return io.ReadAll(raw)
	}
	data, err := io.ReadAll(io.LimitReader(raw, d.cfg.MaxMessageBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > d.cfg.MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

func ownerEmail(user *domain.User) string {
	if user == nil {
		return ""
	}
	return user.Email
}
