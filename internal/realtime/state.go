package realtime

import (
	"context"
	"time"
)

// Status 表示实时连接所处的状态。
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Channel 表示一条已建立的订阅通道句柄。
type Channel struct {
	Topic    string
	GroupID  string
	JoinedAt time.Time
}

// Store 是恢复编排器观察连接状态的只读视图，外加 cleanup/setup/token 三个动作。
// 连接状态只能由 Store 的实现自身修改。
type Store interface {
	// ConnectionStatus 返回当前连接状态。
	ConnectionStatus() Status
	// Channel 返回当前订阅通道句柄，未订阅时为 nil。
	Channel() *Channel
	// SubscribedAt 返回订阅确认时间戳，未确认时为 nil。
	SubscribedAt() *time.Time
	// IsOnline 返回网络在线状态；known 为 false 表示尚无数据。
	IsOnline() (online bool, known bool)
	// ActiveGroup 返回当前活跃会话组，为空表示没有需要订阅的上下文。
	ActiveGroup() string

	// ApplyAccessToken 将新的访问令牌绑定到底层传输。
	ApplyAccessToken(ctx context.Context, token string) error
	// CleanupSubscription 拆除现有订阅与传输层的令牌绑定。
	CleanupSubscription(ctx context.Context) error
	// SetupSubscription 为指定会话组重新发起订阅。
	SetupSubscription(ctx context.Context, groupID string) error
}

// Transport 定义状态存储驱动的底层实时传输能力。
type Transport interface {
	ApplyToken(ctx context.Context, token string) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context) error
	Close() error
}

// Events 由传输实现回调，是状态存储修改连接状态的唯一入口。
type Events interface {
	// HandleSubscribed 在服务端确认订阅后触发。
	HandleSubscribed(topic string, at time.Time)
	// HandleDisconnect 在传输断开时触发。
	HandleDisconnect(err error)
}
