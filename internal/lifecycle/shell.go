// Package lifecycle 维护应用外壳的就绪信号，供恢复流程在触发网络操作前等待。
package lifecycle

import (
	"context"
	"sync"
	"time"
)

// Shell 描述应用外壳的就绪探测能力。
type Shell interface {
	// WaitForReady 在超时时间内等待外壳进入可交互状态，超时返回 false。
	WaitForReady(ctx context.Context, timeout time.Duration) bool
}

// Gate 是 Shell 的默认实现：守护进程完成装配后点亮就绪信号。
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

// NewGate 创建未就绪的 Gate。
func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// MarkReady 点亮就绪信号，可安全地重复调用。
func (g *Gate) MarkReady() {
	g.once.Do(func() {
		close(g.ready)
	})
}

// WaitForReady 实现 Shell 接口。
func (g *Gate) WaitForReady(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-g.ready:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.ready:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
