package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChatLink/internal/observability/alerting"
)

func TestPreconditionOfflineFailsBeforeTouchingConnection(t *testing.T) {
	h := newHarness(testConfig())
	h.store.setOnline(false)

	err := h.orch.Recover(context.Background(), ReasonNetworkRestored)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("离线时应返回前置检查失败, got %v", err)
	}
	if got := h.store.cleanupCalls.Load(); got != 0 {
		t.Errorf("前置检查失败后不应执行连接重置, cleanup 调用 %d 次", got)
	}
	if got := h.pipe.refreshCalls.Load(); got != 0 {
		t.Errorf("前置检查失败后不应刷新会话, refresh 调用 %d 次", got)
	}
}

func TestPreconditionShellNotReady(t *testing.T) {
	h := newHarness(testConfig())
	h.shell.ready.Store(false)

	err := h.orch.Recover(context.Background(), ReasonAppResume)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("外壳未就绪时应返回前置检查失败, got %v", err)
	}
}

func TestPreconditionEncryptionUnavailable(t *testing.T) {
	h := newHarness(testConfig())
	h.guard.ok = false

	err := h.orch.Recover(context.Background(), ReasonAppResume)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("加密存储不可用时应返回前置检查失败, got %v", err)
	}
	if got := h.guard.calls.Load(); got != 1 {
		t.Errorf("加密校验调用 %d 次, 期望 1", got)
	}
}

func TestPreconditionUnknownOnlineProceedsOptimistically(t *testing.T) {
	h := newHarness(testConfig())
	h.store.setOnlineUnknown()

	if err := h.orch.Recover(context.Background(), ReasonNetworkRestored); err != nil {
		t.Fatalf("网络状态未知时应乐观继续, got %v", err)
	}
	if got := h.pipe.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh 调用 %d 次, 期望 1", got)
	}
}

func TestResetFailureDoesNotAbortAttempt(t *testing.T) {
	h := newHarness(testConfig())
	h.store.cleanupErr = errors.New("socket already gone")

	if err := h.orch.Recover(context.Background(), ReasonNetworkRestored); err != nil {
		t.Fatalf("连接重置失败不应中断恢复, got %v", err)
	}
	if got := h.pipe.drainCalls.Load(); got != 1 {
		t.Errorf("补投放行次数 = %d, 期望 1", got)
	}
}

func TestRefreshRetriesWithBackoff(t *testing.T) {
	h := newHarness(testConfig())
	h.pipe.refreshFn = func(call int) (bool, error) {
		if call < 3 {
			return false, errors.New("token endpoint 503")
		}
		return true, nil
	}

	started := time.Now()
	if err := h.orch.Recover(context.Background(), ReasonTokenExpired); err != nil {
		t.Fatalf("第三次刷新成功后整体应成功, got %v", err)
	}
	elapsed := time.Since(started)

	if got := h.pipe.refreshCalls.Load(); got != 3 {
		t.Errorf("refresh 调用 %d 次, 期望 3", got)
	}
	// 两次重试之间分别退避 10ms 与 20ms。
	if elapsed < 30*time.Millisecond {
		t.Errorf("耗时 %v, 应至少包含两次退避等待", elapsed)
	}
}

func TestRefreshExhaustedAfterMaxAttempts(t *testing.T) {
	h := newHarness(testConfig())
	h.pipe.refreshFn = func(call int) (bool, error) {
		return false, errors.New("token endpoint 503")
	}

	err := h.orch.Recover(context.Background(), ReasonTokenExpired)
	if !errors.Is(err, ErrRefreshExhausted) {
		t.Fatalf("重试耗尽后应返回 ErrRefreshExhausted, got %v", err)
	}
	if got := h.pipe.refreshCalls.Load(); got != 3 {
		t.Errorf("refresh 调用 %d 次, 期望 3", got)
	}
	if got := h.pipe.drainCalls.Load(); got != 0 {
		t.Errorf("刷新失败后不应放行补投, drain 调用 %d 次", got)
	}
}

func TestRefreshAttemptHasOwnDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshTimeout = 20 * time.Millisecond
	cfg.RefreshAttempts = 2
	cfg.RefreshBackoffInitial = 5 * time.Millisecond
	cfg.RefreshBackoffCap = 5 * time.Millisecond
	h := newHarness(cfg)
	h.pipe.refreshCtxFn = func(ctx context.Context, call int) (bool, error) {
		// 模拟挂起的请求，只能被单次截止时间打断。
		<-ctx.Done()
		return false, ctx.Err()
	}

	started := time.Now()
	err := h.orch.Recover(context.Background(), ReasonTokenExpired)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrRefreshExhausted) {
		t.Fatalf("挂起的刷新应被截止时间打断并最终耗尽, got %v", err)
	}
	if got := h.pipe.refreshCalls.Load(); got != 2 {
		t.Errorf("refresh 调用 %d 次, 期望 2", got)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("耗时 %v, 单次截止时间未生效", elapsed)
	}
}

func TestResubscribeFailsWithoutWorkingSession(t *testing.T) {
	h := newHarness(testConfig())
	h.pipe.noSession = true

	err := h.orch.Recover(context.Background(), ReasonNetworkRestored)
	if !errors.Is(err, ErrTokenBinding) {
		t.Fatalf("缺少访问令牌时应返回 ErrTokenBinding, got %v", err)
	}
}

func TestResubscribeTimesOutWithoutConfirmation(t *testing.T) {
	h := newHarness(testConfig())
	// 订阅发起后服务端一直不确认。
	h.store.onSetup = nil

	err := h.orch.Recover(context.Background(), ReasonNetworkRestored)
	if !errors.Is(err, ErrSubscribeTimeout) {
		t.Fatalf("确认缺席时应返回 ErrSubscribeTimeout, got %v", err)
	}
	if got := h.pipe.drainCalls.Load(); got != 0 {
		t.Errorf("订阅未确认不应放行补投, drain 调用 %d 次", got)
	}
}

func TestResubscribeFailsImmediatelyOnDisconnect(t *testing.T) {
	h := newHarness(testConfig())
	h.store.onSetup = func(s *fakeStore) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.drop()
		}()
	}

	started := time.Now()
	err := h.orch.Recover(context.Background(), ReasonNetworkRestored)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrSubscribeDisconnected) {
		t.Fatalf("轮询期间断开应返回 ErrSubscribeDisconnected, got %v", err)
	}
	// 断开应当在下一个轮询周期被发现，而不是等到截止时间。
	if elapsed >= testConfig().PollDeadline {
		t.Errorf("耗时 %v, 断开未被及时发现", elapsed)
	}
}

func TestNoActiveGroupSkipsResubscription(t *testing.T) {
	h := newHarness(testConfig())
	h.store.group = ""

	if err := h.orch.Recover(context.Background(), ReasonNetworkRestored); err != nil {
		t.Fatalf("无活跃会话组时恢复应成功, got %v", err)
	}
	if got := h.store.setupCalls.Load(); got != 0 {
		t.Errorf("无活跃会话组不应发起订阅, setup 调用 %d 次", got)
	}
	if token, _ := h.store.appliedToken.Load().(string); token == "" {
		t.Error("即使没有会话组也应完成令牌绑定")
	}
}

type fakeDispatcher struct {
	mu  sync.Mutex
	got []alerting.Event
}

func (d *fakeDispatcher) Notify(ctx context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.got = append(d.got, event)
	d.mu.Unlock()
	return nil
}

func TestAlertDispatchedOnRefreshExhaustion(t *testing.T) {
	h := newHarness(testConfig())
	dispatcher := &fakeDispatcher{}
	h.orch.alerts = dispatcher
	h.pipe.refreshFn = func(call int) (bool, error) {
		return false, errors.New("token endpoint 503")
	}

	if err := h.orch.Recover(context.Background(), ReasonTokenExpired); err == nil {
		t.Fatal("刷新耗尽应失败")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.got) != 1 {
		t.Fatalf("告警事件 %d 条, 期望 1", len(dispatcher.got))
	}
	event := dispatcher.got[0]
	if event.Code != CodeRefreshExhausted {
		t.Errorf("告警错误码 = %s", event.Code)
	}
	if event.Stage != "refresh_session" || event.Reason != ReasonTokenExpired {
		t.Errorf("告警上下文不符: %+v", event)
	}
	if event.AttemptID == "" {
		t.Error("告警应携带尝试标识")
	}
}

func TestNoAlertForPreconditionFailure(t *testing.T) {
	h := newHarness(testConfig())
	dispatcher := &fakeDispatcher{}
	h.orch.alerts = dispatcher
	h.store.setOnline(false)

	if err := h.orch.Recover(context.Background(), ReasonNetworkRestored); err == nil {
		t.Fatal("离线时应失败")
	}
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.got) != 0 {
		t.Errorf("前置检查失败不应触发告警, 收到 %d 条", len(dispatcher.got))
	}
}

func TestOutboundDrainFailureIsBestEffort(t *testing.T) {
	h := newHarness(testConfig())
	h.pipe.drainErr = errors.New("queue briefly unavailable")

	if err := h.orch.Recover(context.Background(), ReasonNetworkRestored); err != nil {
		t.Fatalf("补投失败不应影响恢复结果, got %v", err)
	}
}
