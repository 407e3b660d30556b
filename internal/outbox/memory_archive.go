package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChatLink/internal/errors"
)

// MemoryArchive 是 Archive 的进程内实现，主要用于测试与单机模式。
type MemoryArchive struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryArchive 创建内存归档。
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{messages: make(map[string]*Message)}
}

// SaveOutbound 写入一条新的外发消息。
func (a *MemoryArchive) SaveOutbound(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	clone := *msg
	a.messages[msg.ID] = &clone
	return nil
}

// Get 返回指定消息。
func (a *MemoryArchive) Get(ctx context.Context, id string) (*Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	msg, ok := a.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	clone := *msg
	return &clone, nil
}

// MarkSent 记录消息的投递时间。
func (a *MemoryArchive) MarkSent(ctx context.Context, id string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.SentAt = &at
	return nil
}

// Pending 返回尚未投递的消息。
func (a *MemoryArchive) Pending(ctx context.Context, limit int) ([]*Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var pending []*Message
	for _, msg := range a.messages {
		if msg.SentAt == nil {
			clone := *msg
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ValidateEncryptionAfterUnlock 内存归档不落盘，校验恒为通过。
func (a *MemoryArchive) ValidateEncryptionAfterUnlock(ctx context.Context) (bool, error) {
	return true, nil
}

// Close 释放资源。
func (a *MemoryArchive) Close() error {
	return nil
}
