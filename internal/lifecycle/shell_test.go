package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestWaitForReadyAfterMark(t *testing.T) {
	gate := NewGate()
	gate.MarkReady()
	gate.MarkReady() // 重复调用应安全

	if !gate.WaitForReady(context.Background(), 10*time.Millisecond) {
		t.Fatal("已就绪的 Gate 应立即返回 true")
	}
	if !gate.WaitForReady(context.Background(), 0) {
		t.Fatal("timeout 为零时已就绪的 Gate 应返回 true")
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	gate := NewGate()
	started := time.Now()
	if gate.WaitForReady(context.Background(), 20*time.Millisecond) {
		t.Fatal("未就绪的 Gate 应超时返回 false")
	}
	if time.Since(started) < 20*time.Millisecond {
		t.Error("应等满超时时间再返回")
	}
}

func TestWaitForReadyHonorsContext(t *testing.T) {
	gate := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if gate.WaitForReady(ctx, time.Second) {
		t.Fatal("上下文取消后应返回 false")
	}
}

func TestWaitForReadyWakesOnMark(t *testing.T) {
	gate := NewGate()
	go func() {
		time.Sleep(10 * time.Millisecond)
		gate.MarkReady()
	}()
	if !gate.WaitForReady(context.Background(), time.Second) {
		t.Fatal("MarkReady 后等待方应被唤醒")
	}
}
