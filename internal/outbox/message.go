package outbox

import (
	"context"
	"time"

	xerrors "ChatLink/internal/errors"
)

// Message 描述一条待投递的外发消息。
type Message struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"group_id"`
	Body      []byte     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// 外发队列相关错误码。
const (
	CodeMessageNotFound xerrors.Code = "OUTBOX_MESSAGE_NOT_FOUND"
	CodePublishFailed   xerrors.Code = "OUTBOX_PUBLISH_FAILED"
	CodeDrainFailed     xerrors.Code = "OUTBOX_DRAIN_FAILED"
)

var (
	// ErrMessageNotFound 表示指定的外发消息不存在。
	ErrMessageNotFound = xerrors.New(CodeMessageNotFound, "outbox message not found")
)

func init() {
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{
		Message:   "outbox message not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "failed to publish outbox message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDrainFailed, xerrors.Attributes{
		Message:   "outbox drain failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Archive 抽象外发消息的本地归档，恢复流程的加密校验同样由其实现承担。
type Archive interface {
	// SaveOutbound 写入一条新的外发消息。
	SaveOutbound(ctx context.Context, msg *Message) error
	// Get 返回指定消息。
	Get(ctx context.Context, id string) (*Message, error)
	// MarkSent 记录消息的投递时间。
	MarkSent(ctx context.Context, id string, at time.Time) error
	// Pending 返回尚未投递的消息，按创建时间排序。
	Pending(ctx context.Context, limit int) ([]*Message, error)
	// Close 释放资源。
	Close() error
}
