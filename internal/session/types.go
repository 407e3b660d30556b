package session

import (
	"context"
	"time"
)

// Session 表示一份可用的工作会话。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired 判断会话在给定的宽限时间内是否已经失效。
func (s *Session) Expired(slack time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(slack).After(s.ExpiresAt)
}

// Pipeline 是恢复编排器依赖的会话管线能力。
type Pipeline interface {
	// RefreshSession 刷新工作会话，返回是否得到有效会话。
	RefreshSession(ctx context.Context) (bool, error)
	// WorkingSession 返回当前工作会话，不存在时为 nil。该调用不会长时间阻塞。
	WorkingSession(ctx context.Context) (*Session, error)
	// OnAppResume 在应用回到前台时触发。
	OnAppResume(ctx context.Context)
	// OnNetworkReconnect 在网络恢复（订阅确认）后触发外发队列补投。
	OnNetworkReconnect(ctx context.Context) error
}
