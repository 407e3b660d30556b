package outbox

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "ChatLink/internal/errors"
	"ChatLink/pkg/logger"
)

// SendFunc 将一条外发消息投递到实时通道。
type SendFunc func(ctx context.Context, msg *Message) error

// Drainer 消费外发队列并把消息补投到实时通道。
// 它在创建后处于暂停状态，订阅确认后由恢复流程通过 Resume 放行。
type Drainer struct {
	archive  Archive
	consumer Consumer
	producer Producer
	send     SendFunc
	workers  int
	log      *slog.Logger

	mu      sync.Mutex
	resumed bool
	gate    chan struct{}
}

// DrainerOption 定义可选配置。
type DrainerOption func(*Drainer)

// WithDrainWorkers 设置消费协程数量。
func WithDrainWorkers(workers int) DrainerOption {
	return func(d *Drainer) {
		if workers > 0 {
			d.workers = workers
		}
	}
}

// NewDrainer 构造 Drainer。
func NewDrainer(archive Archive, consumer Consumer, producer Producer, send SendFunc, opts ...DrainerOption) *Drainer {
	d := &Drainer{
		archive:  archive,
		consumer: consumer,
		producer: producer,
		send:     send,
		workers:  1,
		log:      logger.Named("outbox"),
		gate:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run 启动消费循环，直到上下文取消。
func (d *Drainer) Run(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置外发消息消费者")
	}
	return d.consumer.Consume(ctx, d.workers, d.handle)
}

// Resume 放行消费循环，并把归档中尚未投递的消息重新入队。
// 该方法只应在订阅确认之后调用。
func (d *Drainer) Resume(ctx context.Context) error {
	d.mu.Lock()
	if !d.resumed {
		d.resumed = true
		close(d.gate)
	}
	d.mu.Unlock()

	if d.archive == nil || d.producer == nil {
		return nil
	}
	pending, err := d.archive.Pending(ctx, 0)
	if err != nil {
		return xerrors.Wrap(CodeDrainFailed, err, "读取待投递消息失败")
	}
	var errs []error
	for _, msg := range pending {
		if err := d.producer.Publish(ctx, msg.ID); err != nil {
			errs = append(errs, err)
		}
	}
	d.log.Info("外发队列已放行", slog.Int("pending", len(pending)))
	if len(errs) > 0 {
		return xerrors.Wrap(CodeDrainFailed, stdErrors.Join(errs...), "部分消息重新入队失败")
	}
	return nil
}

// Pause 暂停消费循环，传输断开时调用。
func (d *Drainer) Pause() {
	d.mu.Lock()
	if d.resumed {
		d.resumed = false
		d.gate = make(chan struct{})
	}
	d.mu.Unlock()
}

// handle 投递单条消息，失败时交由队列实现重新入队。
func (d *Drainer) handle(ctx context.Context, messageID string) error {
	if err := d.awaitResumed(ctx); err != nil {
		return err
	}
	if d.archive == nil || d.send == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "Drainer 未初始化")
	}

	msg, err := d.archive.Get(ctx, messageID)
	if err != nil {
		if stdErrors.Is(err, ErrMessageNotFound) {
			d.log.Debug("跳过未知消息", slog.String("message_id", messageID))
			return nil
		}
		return err
	}
	if msg.SentAt != nil {
		return nil
	}

	if err := d.send(ctx, msg); err != nil {
		d.log.Warn("消息补投失败",
			slog.Any("error", err),
			slog.String("message_id", msg.ID),
			slog.String("group_id", msg.GroupID),
		)
		return xerrors.Wrap(CodeDrainFailed, err, "投递消息失败")
	}
	if err := d.archive.MarkSent(ctx, msg.ID, time.Now()); err != nil {
		d.log.Error("记录投递时间失败", slog.Any("error", err), slog.String("message_id", msg.ID))
	}
	logger.Audit().Info("消息已投递",
		slog.String("message_id", msg.ID),
		slog.String("group_id", msg.GroupID),
	)
	return nil
}

// awaitResumed 阻塞到 Resume 被调用或上下文取消。
func (d *Drainer) awaitResumed(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.resumed {
			d.mu.Unlock()
			return nil
		}
		gate := d.gate
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
}
