package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChatLink/internal/realtime"
	"ChatLink/internal/session"
)

type fakeShell struct {
	ready atomic.Bool
}

func (s *fakeShell) WaitForReady(ctx context.Context, timeout time.Duration) bool {
	return s.ready.Load()
}

type fakeGuard struct {
	ok    bool
	err   error
	calls atomic.Int32
}

func (g *fakeGuard) ValidateEncryptionAfterUnlock(ctx context.Context) (bool, error) {
	g.calls.Add(1)
	return g.ok, g.err
}

type fakePipeline struct {
	refreshFn    func(call int) (bool, error)
	refreshCtxFn func(ctx context.Context, call int) (bool, error)
	refreshCalls atomic.Int32
	noSession    bool
	drainCalls   atomic.Int32
	drainErr     error
}

func (p *fakePipeline) RefreshSession(ctx context.Context) (bool, error) {
	call := int(p.refreshCalls.Add(1))
	if p.refreshCtxFn != nil {
		return p.refreshCtxFn(ctx, call)
	}
	if p.refreshFn != nil {
		return p.refreshFn(call)
	}
	return true, nil
}

func (p *fakePipeline) WorkingSession(ctx context.Context) (*session.Session, error) {
	if p.noSession {
		return nil, nil
	}
	return &session.Session{AccessToken: "token-1"}, nil
}

func (p *fakePipeline) OnAppResume(ctx context.Context) {}

func (p *fakePipeline) OnNetworkReconnect(ctx context.Context) error {
	p.drainCalls.Add(1)
	return p.drainErr
}

// fakeStore 模拟连接状态存储。onSetup 在订阅发起后被调用，
// 默认立即确认订阅，测试可以替换成超时或断开剧本。
type fakeStore struct {
	mu           sync.Mutex
	status       realtime.Status
	channel      *realtime.Channel
	subscribedAt *time.Time
	online       *bool
	group        string

	cleanupCalls atomic.Int32
	cleanupErr   error
	setupCalls   atomic.Int32
	appliedToken atomic.Value

	onSetup func(s *fakeStore)
}

func newFakeStore(group string) *fakeStore {
	online := true
	s := &fakeStore{status: realtime.StatusIdle, online: &online, group: group}
	s.onSetup = func(s *fakeStore) { s.confirm() }
	return s
}

func (s *fakeStore) ConnectionStatus() realtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeStore) Channel() *realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *fakeStore) SubscribedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedAt
}

func (s *fakeStore) IsOnline() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		return false, false
	}
	return *s.online, true
}

func (s *fakeStore) ActiveGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

func (s *fakeStore) ApplyAccessToken(ctx context.Context, token string) error {
	s.appliedToken.Store(token)
	return nil
}

func (s *fakeStore) CleanupSubscription(ctx context.Context) error {
	s.cleanupCalls.Add(1)
	s.mu.Lock()
	s.status = realtime.StatusIdle
	s.channel = nil
	s.subscribedAt = nil
	s.mu.Unlock()
	return s.cleanupErr
}

func (s *fakeStore) SetupSubscription(ctx context.Context, groupID string) error {
	s.setupCalls.Add(1)
	s.mu.Lock()
	s.status = realtime.StatusConnecting
	s.mu.Unlock()
	if s.onSetup != nil {
		s.onSetup(s)
	}
	return nil
}

func (s *fakeStore) confirm() {
	now := time.Now()
	s.mu.Lock()
	s.status = realtime.StatusConnected
	s.channel = &realtime.Channel{Topic: "group:" + s.group, GroupID: s.group, JoinedAt: now}
	s.subscribedAt = &now
	s.mu.Unlock()
}

func (s *fakeStore) drop() {
	s.mu.Lock()
	s.status = realtime.StatusDisconnected
	s.channel = nil
	s.subscribedAt = nil
	s.mu.Unlock()
}

func (s *fakeStore) setOnline(online bool) {
	s.mu.Lock()
	s.online = &online
	s.mu.Unlock()
}

func (s *fakeStore) setOnlineUnknown() {
	s.mu.Lock()
	s.online = nil
	s.mu.Unlock()
}

// testConfig 返回压缩过的时间参数，让测试在毫秒级完成。
func testConfig() Config {
	return Config{
		Debounce:              10 * time.Second,
		Stabilization:         time.Millisecond,
		ShellReadyTimeout:     50 * time.Millisecond,
		Settle:                time.Millisecond,
		RefreshAttempts:       3,
		RefreshTimeout:        200 * time.Millisecond,
		RefreshBackoffInitial: 10 * time.Millisecond,
		RefreshBackoffCap:     20 * time.Millisecond,
		TokenGrace:            time.Millisecond,
		PollInterval:          5 * time.Millisecond,
		PollDeadline:          100 * time.Millisecond,
	}
}

type harness struct {
	shell *fakeShell
	guard *fakeGuard
	pipe  *fakePipeline
	store *fakeStore
	orch  *Orchestrator
}

func newHarness(cfg Config) *harness {
	h := &harness{
		shell: &fakeShell{},
		guard: &fakeGuard{ok: true},
		pipe:  &fakePipeline{},
		store: newFakeStore("general"),
	}
	h.shell.ready.Store(true)
	h.orch = NewOrchestrator(h.shell, h.guard, h.pipe, h.store, WithConfig(cfg))
	return h
}

func TestRecoverHappyPath(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	if err := h.orch.Recover(ctx, ReasonNetworkRestored); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}

	if got := h.store.cleanupCalls.Load(); got != 1 {
		t.Errorf("cleanup 调用次数 = %d, 期望 1", got)
	}
	if got := h.pipe.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh 调用次数 = %d, 期望 1", got)
	}
	if token, _ := h.store.appliedToken.Load().(string); token != "token-1" {
		t.Errorf("绑定的令牌 = %q, 期望 token-1", token)
	}
	if got := h.pipe.drainCalls.Load(); got != 1 {
		t.Errorf("补投放行次数 = %d, 期望 1", got)
	}
	if h.store.ConnectionStatus() != realtime.StatusConnected {
		t.Errorf("最终状态 = %s, 期望 connected", h.store.ConnectionStatus())
	}
	if h.orch.IsRecovering() {
		t.Error("恢复结束后 IsRecovering 应为 false")
	}
	if _, ok := h.orch.LastAttemptAt(); !ok {
		t.Error("LastAttemptAt 应返回有效时间")
	}
}

func TestRecoverDebounceAbsorbsRapidTriggers(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	if err := h.orch.Recover(ctx, ReasonNetworkRestored); err != nil {
		t.Fatalf("首次恢复失败: %v", err)
	}
	// 防抖窗口内的第二次触发应当是成功的空操作。
	if err := h.orch.Recover(ctx, ReasonNetworkRestored); err != nil {
		t.Fatalf("防抖触发不应返回错误: %v", err)
	}
	if got := h.pipe.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh 调用次数 = %d, 期望 1（第二次被防抖吸收）", got)
	}
}

func TestRecoverSingleFlightSharesResult(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg)
	h.pipe.refreshFn = func(call int) (bool, error) {
		time.Sleep(80 * time.Millisecond)
		return true, nil
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.orch.Recover(ctx, ReasonNetworkRestored)
	}()
	time.Sleep(20 * time.Millisecond)
	if !h.orch.IsRecovering() {
		t.Fatal("首次尝试应当仍在进行")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = h.orch.Recover(ctx, ReasonAppResume)
	}()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("并发恢复应共享成功结果: %v / %v", errs[0], errs[1])
	}
	if got := h.pipe.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh 调用次数 = %d, 期望 1（单飞）", got)
	}
}

func TestRecoverJoinerRetriesOnceAfterSharedFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = time.Millisecond
	cfg.RefreshAttempts = 1
	h := newHarness(cfg)

	var failures atomic.Int32
	h.pipe.refreshFn = func(call int) (bool, error) {
		time.Sleep(40 * time.Millisecond)
		failures.Add(1)
		return false, errors.New("refresh endpoint down")
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.orch.Recover(ctx, ReasonNetworkRestored)
	}()
	time.Sleep(15 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = h.orch.Recover(ctx, ReasonAppResume)
	}()
	wg.Wait()

	if errs[0] == nil {
		t.Fatal("发起方应拿到失败结果")
	}
	if errs[1] == nil {
		t.Fatal("加入方共享失败后的补发尝试也应失败")
	}
	// 发起方一次，加入方补发一次，不再级联。
	attempts := failures.Load()
	if attempts != 2 {
		t.Errorf("恢复尝试次数 = %d, 期望 2（加入方最多补发一次）", attempts)
	}
}

func TestRecoverContextCanceledWhileWaiting(t *testing.T) {
	h := newHarness(testConfig())
	h.pipe.refreshFn = func(call int) (bool, error) {
		time.Sleep(100 * time.Millisecond)
		return true, nil
	}

	go func() {
		_ = h.orch.Recover(context.Background(), ReasonNetworkRestored)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.orch.Recover(ctx, ReasonAppResume)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("等待方取消后应返回上下文错误, got %v", err)
	}
}
