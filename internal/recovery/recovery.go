package recovery

import (
	"context"
	"time"

	xerrors "ChatLink/internal/errors"
)

// 恢复流程错误码。CodeDebounced 只用于日志与指标标注，不会作为错误返回。
const (
	CodeDebounced              xerrors.Code = "RECOVERY_DEBOUNCED"
	CodePrecondition           xerrors.Code = "RECOVERY_PRECONDITION"
	CodeRefreshExhausted       xerrors.Code = "RECOVERY_REFRESH_EXHAUSTED"
	CodeTokenBinding           xerrors.Code = "RECOVERY_TOKEN_BINDING"
	CodeSubscribeFailed        xerrors.Code = "RECOVERY_SUBSCRIBE_FAILED"
	CodeSubscribeTimeout       xerrors.Code = "RECOVERY_SUBSCRIBE_TIMEOUT"
	CodeSubscribeDisconnected  xerrors.Code = "RECOVERY_SUBSCRIBE_DISCONNECTED"
)

var (
	// ErrPrecondition 表示前置检查未通过，恢复在触碰连接前即被放弃。
	ErrPrecondition = xerrors.New(CodePrecondition, "recovery precondition failed")
	// ErrRefreshExhausted 表示会话刷新重试次数耗尽。
	ErrRefreshExhausted = xerrors.New(CodeRefreshExhausted, "session refresh attempts exhausted")
	// ErrTokenBinding 表示刷新成功后依然没有可绑定的访问令牌。
	ErrTokenBinding = xerrors.New(CodeTokenBinding, "no access token after refresh")
	// ErrSubscribeFailed 表示重订阅动作本身失败。
	ErrSubscribeFailed = xerrors.New(CodeSubscribeFailed, "resubscription failed")
	// ErrSubscribeTimeout 表示订阅确认在截止时间内未出现。
	ErrSubscribeTimeout = xerrors.New(CodeSubscribeTimeout, "subscription not confirmed before deadline")
	// ErrSubscribeDisconnected 表示轮询期间连接状态翻转为断开。
	ErrSubscribeDisconnected = xerrors.New(CodeSubscribeDisconnected, "connection dropped while awaiting confirmation")
)

func init() {
	xerrors.Register(CodeDebounced, xerrors.Attributes{
		Message:   "recovery trigger debounced",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePrecondition, xerrors.Attributes{
		Message:   "recovery precondition failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRefreshExhausted, xerrors.Attributes{
		Message:   "session refresh attempts exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTokenBinding, xerrors.Attributes{
		Message:   "no access token after refresh",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSubscribeFailed, xerrors.Attributes{
		Message:   "resubscription failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSubscribeTimeout, xerrors.Attributes{
		Message:   "subscription not confirmed before deadline",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSubscribeDisconnected, xerrors.Attributes{
		Message:   "connection dropped while awaiting confirmation",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// StorageGuard 描述本地加密存储的可用性校验能力。
type StorageGuard interface {
	// ValidateEncryptionAfterUnlock 返回本地加密存储是否可用。
	ValidateEncryptionAfterUnlock(ctx context.Context) (bool, error)
}

// Config 控制恢复流程各阶段的时间参数。
type Config struct {
	// Debounce 是两次恢复尝试之间的最小间隔。
	Debounce time.Duration
	// Stabilization 是尝试开始前的固定稳定等待，用于吸收瞬时网络抖动。
	Stabilization time.Duration
	// ShellReadyTimeout 是等待应用外壳就绪的截止时间。
	ShellReadyTimeout time.Duration
	// Settle 是拆除旧订阅后的固定静置时间，让在途回调排空。
	Settle time.Duration
	// RefreshAttempts 是会话刷新的最大尝试次数。
	RefreshAttempts uint
	// RefreshTimeout 是单次刷新尝试的截止时间。
	RefreshTimeout time.Duration
	// RefreshBackoffInitial 与 RefreshBackoffCap 控制刷新尝试之间的指数退避。
	RefreshBackoffInitial time.Duration
	RefreshBackoffCap     time.Duration
	// TokenGrace 是令牌绑定后留给传输层内化令牌的固定等待。
	TokenGrace time.Duration
	// PollInterval 与 PollDeadline 控制订阅确认的轮询节奏与截止时间。
	PollInterval time.Duration
	PollDeadline time.Duration
}

// DefaultConfig 返回生产默认参数。
func DefaultConfig() Config {
	return Config{
		Debounce:              2000 * time.Millisecond,
		Stabilization:         200 * time.Millisecond,
		ShellReadyTimeout:     5000 * time.Millisecond,
		Settle:                500 * time.Millisecond,
		RefreshAttempts:       3,
		RefreshTimeout:        8000 * time.Millisecond,
		RefreshBackoffInitial: 1000 * time.Millisecond,
		RefreshBackoffCap:     5000 * time.Millisecond,
		TokenGrace:            200 * time.Millisecond,
		PollInterval:          100 * time.Millisecond,
		PollDeadline:          3000 * time.Millisecond,
	}
}

// applyDefaults 在调用方未填写部分字段时补齐默认值。
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.Stabilization <= 0 {
		c.Stabilization = def.Stabilization
	}
	if c.ShellReadyTimeout <= 0 {
		c.ShellReadyTimeout = def.ShellReadyTimeout
	}
	if c.Settle <= 0 {
		c.Settle = def.Settle
	}
	if c.RefreshAttempts == 0 {
		c.RefreshAttempts = def.RefreshAttempts
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = def.RefreshTimeout
	}
	if c.RefreshBackoffInitial <= 0 {
		c.RefreshBackoffInitial = def.RefreshBackoffInitial
	}
	if c.RefreshBackoffCap <= 0 {
		c.RefreshBackoffCap = def.RefreshBackoffCap
	}
	if c.TokenGrace <= 0 {
		c.TokenGrace = def.TokenGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = def.PollDeadline
	}
}
