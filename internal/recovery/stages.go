package recovery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "ChatLink/internal/errors"
	"ChatLink/internal/observability/metrics"
	"ChatLink/internal/realtime"
)

// 阶段名称，用于日志、指标与告警定位。
const (
	stagePreconditions = "preconditions"
	stageReset         = "reset_connection"
	stageRefresh       = "refresh_session"
	stageResubscribe   = "resubscribe"
	stageOutbound      = "resume_outbound"
)

// runStages 依次执行恢复流程的五个阶段。
// 前置检查、会话刷新、重订阅任一失败则整次尝试失败；
// 连接重置与外发补投是尽力而为的，失败只记录不中断。
func (o *Orchestrator) runStages(ctx context.Context, att *attempt, log *slog.Logger) error {
	if err := o.stage(ctx, att, log, stagePreconditions, o.checkPreconditions); err != nil {
		return err
	}
	_ = o.stage(ctx, att, log, stageReset, o.resetConnection)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.stage(ctx, att, log, stageRefresh, o.refreshSession); err != nil {
		return err
	}
	if err := o.stage(ctx, att, log, stageResubscribe, o.resubscribe); err != nil {
		return err
	}
	_ = o.stage(ctx, att, log, stageOutbound, o.resumeOutbound)
	return nil
}

// stage 执行单个阶段并记录耗时与结果。
func (o *Orchestrator) stage(ctx context.Context, att *attempt, log *slog.Logger, name string, fn func(context.Context, *slog.Logger) error) error {
	att.stage = name
	stageLog := log.With(slog.String("stage", name))
	started := o.clock.Now()
	stageLog.Info("阶段开始", slog.Time("at", started))

	err := fn(ctx, stageLog)

	elapsed := o.clock.Now().Sub(started)
	if err != nil {
		metrics.ObserveStage(name, "failure", elapsed)
		stageLog.Warn("阶段失败", slog.Any("error", err), slog.Duration("elapsed", elapsed))
		return err
	}
	metrics.ObserveStage(name, "success", elapsed)
	stageLog.Info("阶段完成", slog.Duration("elapsed", elapsed))
	return nil
}

// checkPreconditions 在触碰连接前确认环境具备恢复条件：
// 先等待固定的稳定窗口吸收瞬时抖动，再确认外壳就绪、本地加密存储可用、
// 网络未被明确标记为离线。网络状态未知时乐观放行，交给后续阶段验证。
func (o *Orchestrator) checkPreconditions(ctx context.Context, log *slog.Logger) error {
	if err := o.sleep(ctx, o.cfg.Stabilization); err != nil {
		return err
	}
	if !o.shell.WaitForReady(ctx, o.cfg.ShellReadyTimeout) {
		return xerrors.New(CodePrecondition, "应用外壳未在截止时间内就绪",
			xerrors.WithMetadata("timeout", o.cfg.ShellReadyTimeout.String()))
	}
	ok, err := o.guard.ValidateEncryptionAfterUnlock(ctx)
	if err != nil {
		return xerrors.Wrap(CodePrecondition, err, "本地加密存储校验失败")
	}
	if !ok {
		return xerrors.New(CodePrecondition, "本地加密存储不可用")
	}
	if online, known := o.store.IsOnline(); known && !online {
		return xerrors.New(CodePrecondition, "网络处于离线状态")
	} else if !known {
		log.Debug("网络状态未知，乐观继续")
	}
	return nil
}

// resetConnection 拆除旧订阅并静置，让底层在途回调排空。
// 拆除失败不阻断流程，重订阅阶段会重建全部状态。
func (o *Orchestrator) resetConnection(ctx context.Context, log *slog.Logger) error {
	if err := o.store.CleanupSubscription(ctx); err != nil {
		log.Warn("拆除旧订阅失败，继续执行", slog.Any("error", err))
	}
	return o.sleep(ctx, o.cfg.Settle)
}

// refreshSession 在退避重试下刷新工作会话。
// 每次尝试有独立的截止时间，尝试之间按指数退避等待。
func (o *Orchestrator) refreshSession(ctx context.Context, log *slog.Logger) error {
	operation := func() (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.RefreshTimeout)
		defer cancel()
		ok, err := o.sessions.RefreshSession(attemptCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, xerrors.New(xerrors.CodeNetworkFailure, "会话刷新未返回有效会话")
		}
		return true, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.RefreshBackoffInitial
	bo.MaxInterval = o.cfg.RefreshBackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(o.cfg.RefreshAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("会话刷新失败，准备重试",
				slog.Any("error", err),
				slog.Duration("backoff", next),
			)
		}),
	)
	if err != nil {
		return xerrors.Wrap(CodeRefreshExhausted, err, "",
			xerrors.WithMetadata("max_attempts", strconv.FormatUint(uint64(o.cfg.RefreshAttempts), 10)))
	}
	return nil
}

// resubscribe 把新令牌绑定到传输层并为活跃会话组重建订阅，
// 随后轮询等待服务端的订阅确认。没有活跃会话组时令牌绑定即视为完成。
func (o *Orchestrator) resubscribe(ctx context.Context, log *slog.Logger) error {
	sess, err := o.sessions.WorkingSession(ctx)
	if err != nil {
		return xerrors.Wrap(CodeTokenBinding, err, "")
	}
	if sess == nil || sess.AccessToken == "" {
		return xerrors.New(CodeTokenBinding, "")
	}
	if err := o.store.ApplyAccessToken(ctx, sess.AccessToken); err != nil {
		return xerrors.Wrap(CodeTokenBinding, err, "令牌绑定到传输层失败")
	}
	if err := o.sleep(ctx, o.cfg.TokenGrace); err != nil {
		return err
	}

	group := o.store.ActiveGroup()
	if group == "" {
		log.Info("无活跃会话组，跳过重订阅")
		return nil
	}
	if err := o.store.SetupSubscription(ctx, group); err != nil {
		return xerrors.Wrap(CodeSubscribeFailed, err, "",
			xerrors.WithMetadata("group_id", group))
	}
	return o.awaitConfirmation(ctx, log, group)
}

// awaitConfirmation 轮询连接状态直到订阅确认、连接断开或截止时间到达。
// 确认标准是三元组同时满足：状态为已连接、通道句柄非空、确认时间戳非空。
func (o *Orchestrator) awaitConfirmation(ctx context.Context, log *slog.Logger, group string) error {
	deadline := o.clock.Timer(o.cfg.PollDeadline)
	defer deadline.Stop()
	ticker := o.clock.Ticker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.store.ConnectionStatus() == realtime.StatusConnected &&
			o.store.Channel() != nil && o.store.SubscribedAt() != nil {
			log.Info("订阅已确认", slog.String("group_id", group))
			return nil
		}
		if o.store.ConnectionStatus() == realtime.StatusDisconnected {
			return xerrors.New(CodeSubscribeDisconnected, "",
				xerrors.WithMetadata("group_id", group))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return xerrors.New(CodeSubscribeTimeout, "",
				xerrors.WithMetadata("group_id", group),
				xerrors.WithMetadata("last_status", string(o.store.ConnectionStatus())),
				xerrors.WithMetadata("deadline", o.cfg.PollDeadline.String()))
		case <-ticker.C:
		}
	}
}

// resumeOutbound 在订阅确认后放行外发队列补投，失败只记录。
func (o *Orchestrator) resumeOutbound(ctx context.Context, log *slog.Logger) error {
	if err := o.sessions.OnNetworkReconnect(ctx); err != nil {
		log.Warn("外发队列补投放行失败", slog.Any("error", err))
		return err
	}
	return nil
}
