package outbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChatLink/internal/errors"
	"ChatLink/pkg/logger"
)

// Service 负责外发消息的创建：先写归档，再入队。
type Service struct {
	archive  Archive
	producer Producer
}

// NewService 构造外发消息服务。
func NewService(archive Archive, producer Producer) *Service {
	return &Service{archive: archive, producer: producer}
}

// Enqueue 创建一条外发消息并推送到队列。
func (s *Service) Enqueue(ctx context.Context, groupID string, body []byte) (*Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话组不能为空")
	}
	if len(body) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	if s.archive == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "外发服务未初始化")
	}

	msg := &Message{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := s.archive.SaveOutbound(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, msg.ID); err != nil {
		logger.L().Error("消息入队失败", slog.Any("error", err), slog.String("message_id", msg.ID))
		return nil, xerrors.Wrap(CodePublishFailed, err, "发布消息到队列失败")
	}
	logger.Audit().Info("消息入队成功",
		slog.String("message_id", msg.ID),
		slog.String("group_id", msg.GroupID),
		slog.Int("bytes", len(msg.Body)),
	)
	return msg, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
