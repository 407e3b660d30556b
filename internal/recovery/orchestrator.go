package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	xerrors "ChatLink/internal/errors"
	"ChatLink/internal/lifecycle"
	"ChatLink/internal/observability/alerting"
	"ChatLink/internal/observability/metrics"
	"ChatLink/internal/realtime"
	"ChatLink/internal/session"
	"ChatLink/pkg/logger"
)

// 触发恢复的原因，仅用于日志与告警标注。
const (
	ReasonNetworkRestored = "network_restored"
	ReasonAppResume       = "app_resume"
	ReasonTokenExpired    = "token_expired"
	ReasonConnectionLost  = "connection_lost"
	ReasonStartup         = "startup"
	ReasonManual          = "manual"
)

// attempt 表示一次进行中的恢复尝试。done 关闭后 err 字段不再变化。
type attempt struct {
	id        string
	reason    string
	stage     string
	startedAt time.Time
	done      chan struct{}
	err       error
}

// Orchestrator 是恢复流程的单飞编排器。
// 任意时刻最多只有一次尝试在执行，并发触发方共享同一结果；
// 与上一次尝试间隔不足防抖窗口的触发会被直接吸收。
type Orchestrator struct {
	cfg      Config
	clock    clock.Clock
	shell    lifecycle.Shell
	guard    StorageGuard
	sessions session.Pipeline
	store    realtime.Store
	alerts   alerting.Dispatcher
	log      *slog.Logger

	mu          sync.Mutex
	current     *attempt
	lastStarted time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithConfig 覆盖默认时间参数，未填写的字段仍取默认值。
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		cfg.applyDefaults()
		o.cfg = cfg
	}
}

// WithClock 注入时钟，测试时可替换。
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// NewOrchestrator 构造恢复编排器。
func NewOrchestrator(shell lifecycle.Shell, guard StorageGuard, sessions session.Pipeline, store realtime.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      DefaultConfig(),
		clock:    clock.New(),
		shell:    shell,
		guard:    guard,
		sessions: sessions,
		store:    store,
		log:      logger.Named("recovery"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// IsRecovering 返回当前是否有恢复尝试在执行。
func (o *Orchestrator) IsRecovering() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// LastAttemptAt 返回最近一次尝试的开始时间，从未尝试过时 ok 为 false。
func (o *Orchestrator) LastAttemptAt() (at time.Time, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStarted, !o.lastStarted.IsZero()
}

// Recover 触发一次恢复。
//
// 行为约定：
//   - 已有尝试在执行时加入等待并共享其结果；若共享到的是失败结果，
//     调用方会再发起最多一次自己的尝试。
//   - 距上一次尝试开始不足防抖窗口时直接返回 nil，视作成功的空操作。
//   - 其余情况在调用方的 goroutine 上同步执行完整恢复流程。
func (o *Orchestrator) Recover(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonManual
	}
	joined := false
	for {
		o.mu.Lock()
		if att := o.current; att != nil {
			o.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-att.done:
			}
			if att.err == nil {
				return nil
			}
			if joined {
				return att.err
			}
			// 共享到失败结果后补发一次自己的尝试，之后不再补发。
			joined = true
			continue
		}
		now := o.clock.Now()
		if !o.lastStarted.IsZero() && now.Sub(o.lastStarted) < o.cfg.Debounce {
			o.mu.Unlock()
			o.log.Debug("恢复触发被防抖吸收",
				slog.String("code", string(CodeDebounced)),
				slog.String("reason", reason),
				slog.Duration("window", o.cfg.Debounce),
			)
			metrics.ObserveAttempt("debounced", 0)
			return nil
		}
		att := &attempt{
			id:        uuid.NewString(),
			reason:    reason,
			startedAt: now,
			done:      make(chan struct{}),
		}
		o.current = att
		o.lastStarted = now
		o.mu.Unlock()
		return o.run(ctx, att)
	}
}

// run 执行一次完整尝试。状态清理与等待方唤醒放在 defer 中，
// 无论阶段如何退出都保证执行。
func (o *Orchestrator) run(ctx context.Context, att *attempt) (err error) {
	log := o.log.With(
		slog.String("attempt_id", att.id),
		slog.String("reason", att.reason),
	)
	log.Info("恢复尝试开始", slog.Time("started_at", att.startedAt))

	defer func() {
		elapsed := o.clock.Now().Sub(att.startedAt)
		att.err = err
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		close(att.done)

		if err != nil {
			metrics.ObserveAttempt("failure", elapsed)
			log.Warn("恢复尝试失败",
				slog.Any("error", err),
				slog.String("stage", att.stage),
				slog.Duration("elapsed", elapsed),
			)
			o.dispatchAlert(ctx, att, err)
			return
		}
		metrics.ObserveAttempt("success", elapsed)
		logger.Audit().Info("恢复尝试成功",
			slog.String("attempt_id", att.id),
			slog.String("reason", att.reason),
			slog.Duration("elapsed", elapsed),
		)
	}()

	return o.runStages(ctx, att, log)
}

// dispatchAlert 按错误属性决定是否发送告警。
func (o *Orchestrator) dispatchAlert(ctx context.Context, att *attempt, err error) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Reason:     att.reason,
		AttemptID:  att.id,
		Stage:      att.stage,
		OccurredAt: o.clock.Now(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
		o.log.Warn("告警发送失败", slog.Any("error", notifyErr), slog.String("attempt_id", att.id))
	}
}

// sleep 按注入时钟等待固定时长，上下文取消时提前返回。
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := o.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
