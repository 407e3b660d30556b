package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "ChatLink/internal/errors"
	"ChatLink/pkg/logger"
)

// MemoryStore 是 Store 的进程内实现，同时作为传输回调的接收方。
// 它是连接状态的唯一写入方。
type MemoryStore struct {
	mu           sync.RWMutex
	status       Status
	channel      *Channel
	subscribedAt *time.Time
	online       *bool
	activeGroup  string

	transport Transport
	presets   *ChannelDefinitions
	log       *slog.Logger
}

// StoreOption 定义可选配置。
type StoreOption func(*MemoryStore)

// WithPresets 指定会话组到通道主题的映射。
func WithPresets(presets *ChannelDefinitions) StoreOption {
	return func(s *MemoryStore) {
		s.presets = presets
	}
}

// WithStoreLogger 指定日志输出。
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *MemoryStore) {
		s.log = log
	}
}

// NewMemoryStore 创建状态存储。transport 可以为 nil，此时 cleanup 退化为本地清理。
func NewMemoryStore(transport Transport, opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		status:    StatusIdle,
		transport: transport,
		log:       logger.Named("realtime"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ConnectionStatus 返回当前连接状态。
func (s *MemoryStore) ConnectionStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Channel 返回当前订阅通道句柄。
func (s *MemoryStore) Channel() *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.channel == nil {
		return nil
	}
	clone := *s.channel
	return &clone
}

// SubscribedAt 返回订阅确认时间戳。
func (s *MemoryStore) SubscribedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.subscribedAt == nil {
		return nil
	}
	at := *s.subscribedAt
	return &at
}

// IsOnline 返回网络在线状态。
func (s *MemoryStore) IsOnline() (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.online == nil {
		return false, false
	}
	return *s.online, true
}

// ActiveGroup 返回当前活跃会话组。
func (s *MemoryStore) ActiveGroup() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeGroup
}

// SetOnline 记录平台上报的网络在线状态。
func (s *MemoryStore) SetOnline(online bool) {
	s.mu.Lock()
	s.online = &online
	s.mu.Unlock()
}

// SetActiveGroup 切换当前活跃会话组。
func (s *MemoryStore) SetActiveGroup(groupID string) {
	s.mu.Lock()
	s.activeGroup = groupID
	s.mu.Unlock()
}

// ApplyAccessToken 将访问令牌绑定到底层传输。
func (s *MemoryStore) ApplyAccessToken(ctx context.Context, token string) error {
	if s.transport == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "实时传输未配置")
	}
	return s.transport.ApplyToken(ctx, token)
}

// CleanupSubscription 拆除现有订阅并复位本地状态。
func (s *MemoryStore) CleanupSubscription(ctx context.Context) error {
	var err error
	if s.transport != nil {
		err = s.transport.Unsubscribe(ctx)
	}
	s.mu.Lock()
	s.channel = nil
	s.subscribedAt = nil
	s.status = StatusIdle
	s.mu.Unlock()
	return err
}

// SetupSubscription 为指定会话组重新发起订阅，确认由 HandleSubscribed 回调完成。
func (s *MemoryStore) SetupSubscription(ctx context.Context, groupID string) error {
	if s.transport == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "实时传输未配置")
	}
	topic := s.topicFor(groupID)

	s.mu.Lock()
	s.status = StatusConnecting
	s.channel = nil
	s.subscribedAt = nil
	s.mu.Unlock()

	if err := s.transport.Subscribe(ctx, topic); err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		return err
	}
	return nil
}

// HandleSubscribed 在服务端确认订阅后记录确认标记。
func (s *MemoryStore) HandleSubscribed(topic string, at time.Time) {
	s.mu.Lock()
	s.status = StatusConnected
	s.channel = &Channel{Topic: topic, GroupID: s.activeGroup, JoinedAt: at}
	s.subscribedAt = &at
	s.mu.Unlock()
	s.log.Info("订阅已确认", slog.String("topic", topic))
}

// HandleDisconnect 在传输断开时复位连接状态。
func (s *MemoryStore) HandleDisconnect(err error) {
	s.mu.Lock()
	s.status = StatusDisconnected
	s.channel = nil
	s.subscribedAt = nil
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("实时连接断开", slog.Any("error", err))
	}
}

// topicFor 将会话组映射到通道主题，优先使用预设文件。
func (s *MemoryStore) topicFor(groupID string) string {
	if s.presets != nil {
		if def, ok := s.presets.Channels[groupID]; ok && def.Topic != "" {
			return def.Topic
		}
	}
	return "group:" + groupID
}
