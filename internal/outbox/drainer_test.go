package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChatLink/internal/errors"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("等待超时: %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServiceEnqueueValidation(t *testing.T) {
	service := NewService(NewMemoryArchive(), NewMemoryQueue(4))
	ctx := context.Background()

	if _, err := service.Enqueue(ctx, "", []byte("hi")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("空会话组应返回参数错误, got %v", err)
	}
	if _, err := service.Enqueue(ctx, "general", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("空消息体应返回参数错误, got %v", err)
	}
}

func TestDrainerGatesUntilResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := NewMemoryArchive()
	queue := NewMemoryQueue(16)
	var sent atomic.Int32
	send := func(ctx context.Context, msg *Message) error {
		sent.Add(1)
		return nil
	}
	drainer := NewDrainer(archive, queue, queue, send)
	go func() { _ = drainer.Run(ctx) }()

	service := NewService(archive, queue)
	for i := 0; i < 3; i++ {
		if _, err := service.Enqueue(ctx, "general", []byte(fmt.Sprintf("hello-%d", i))); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}

	// 放行前消息只能停留在队列里。
	time.Sleep(50 * time.Millisecond)
	if got := sent.Load(); got != 0 {
		t.Fatalf("放行前不应投递, 已投 %d", got)
	}

	if err := drainer.Resume(ctx); err != nil {
		t.Fatalf("放行失败: %v", err)
	}
	waitFor(t, "全部消息投递完成", func() bool { return sent.Load() == 3 })

	waitFor(t, "归档中无待投递消息", func() bool {
		pending, err := archive.Pending(ctx, 0)
		return err == nil && len(pending) == 0
	})
}

func TestDrainerResumeRepublishesArchivedPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := NewMemoryArchive()
	queue := NewMemoryQueue(16)
	var sent atomic.Int32
	drainer := NewDrainer(archive, queue, queue, func(ctx context.Context, msg *Message) error {
		sent.Add(1)
		return nil
	})
	go func() { _ = drainer.Run(ctx) }()

	// 模拟上次会话遗留的归档消息：只在归档里，不在队列里。
	leftover := &Message{ID: "leftover-1", GroupID: "general", Body: []byte("old"), CreatedAt: time.Now()}
	if err := archive.SaveOutbound(ctx, leftover); err != nil {
		t.Fatalf("写入归档失败: %v", err)
	}

	if err := drainer.Resume(ctx); err != nil {
		t.Fatalf("放行失败: %v", err)
	}
	waitFor(t, "遗留消息被补投", func() bool { return sent.Load() == 1 })
}

func TestDrainerPauseBlocksFollowingMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := NewMemoryArchive()
	queue := NewMemoryQueue(16)
	var sent atomic.Int32
	drainer := NewDrainer(archive, queue, queue, func(ctx context.Context, msg *Message) error {
		sent.Add(1)
		return nil
	})
	go func() { _ = drainer.Run(ctx) }()
	service := NewService(archive, queue)

	if err := drainer.Resume(ctx); err != nil {
		t.Fatalf("放行失败: %v", err)
	}
	if _, err := service.Enqueue(ctx, "general", []byte("first")); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	waitFor(t, "第一条消息投递", func() bool { return sent.Load() == 1 })

	drainer.Pause()
	if _, err := service.Enqueue(ctx, "general", []byte("second")); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sent.Load(); got != 1 {
		t.Fatalf("暂停后不应继续投递, 已投 %d", got)
	}

	if err := drainer.Resume(ctx); err != nil {
		t.Fatalf("再次放行失败: %v", err)
	}
	waitFor(t, "第二条消息投递", func() bool { return sent.Load() >= 2 })
}

func TestDrainerSkipsAlreadySentMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := NewMemoryArchive()
	queue := NewMemoryQueue(16)
	var sent atomic.Int32
	drainer := NewDrainer(archive, queue, queue, func(ctx context.Context, msg *Message) error {
		sent.Add(1)
		return nil
	})
	go func() { _ = drainer.Run(ctx) }()

	msg := &Message{ID: "dup-1", GroupID: "general", Body: []byte("x"), CreatedAt: time.Now()}
	if err := archive.SaveOutbound(ctx, msg); err != nil {
		t.Fatalf("写入归档失败: %v", err)
	}
	if err := archive.MarkSent(ctx, msg.ID, time.Now()); err != nil {
		t.Fatalf("标记投递失败: %v", err)
	}
	if err := drainer.Resume(ctx); err != nil {
		t.Fatalf("放行失败: %v", err)
	}
	if err := queue.Publish(ctx, msg.ID); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := sent.Load(); got != 0 {
		t.Fatalf("已投递的消息不应重复补投, 投了 %d 次", got)
	}
}

func TestMemoryArchiveNotFound(t *testing.T) {
	archive := NewMemoryArchive()
	if _, err := archive.Get(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("未知消息应返回 ErrMessageNotFound, got %v", err)
	}
}
