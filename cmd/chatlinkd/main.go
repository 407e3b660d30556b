package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ChatLink/internal/api"
	"ChatLink/internal/config"
	"ChatLink/internal/lifecycle"
	"ChatLink/internal/outbox"
	"ChatLink/internal/realtime"
	"ChatLink/internal/recovery"
	"ChatLink/internal/session"
	"ChatLink/internal/storage/mysql"
	"ChatLink/pkg/logger"
)

// main 是 ChatLink 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chatlinkd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHATLINK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chatlink.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 本地消息归档，同时承担恢复流程的加密可用性校验。
	var archive outbox.Archive
	var guard recovery.StorageGuard
	switch cfg.Archive.Driver {
	case "", "memory":
		mem := outbox.NewMemoryArchive()
		archive, guard = mem, mem
	case "mysql":
		sqlArchive, err := mysql.NewArchive(ctx, mysql.Config{
			DSN:           cfg.Archive.DSN,
			EncryptionKey: cfg.Archive.EncryptionKey,
			MaxOpenConns:  cfg.Archive.MaxOpenConns,
			MaxIdleConns:  cfg.Archive.MaxIdleConns,
		})
		if err != nil {
			return err
		}
		archive, guard = sqlArchive, sqlArchive
	default:
		return fmt.Errorf("未知的归档驱动: %s", cfg.Archive.Driver)
	}
	defer archive.Close()

	// 外发消息队列。
	var queue outbox.Queue
	switch cfg.Outbox.Driver {
	case "", "memory":
		queue = outbox.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := outbox.NewRedisQueue(outbox.RedisQueueConfig{
			Address:   cfg.Outbox.Redis.Address,
			Password:  cfg.Outbox.Redis.Password,
			DB:        cfg.Outbox.Redis.DB,
			Queue:     cfg.Outbox.Redis.Queue,
			BlockWait: time.Duration(cfg.Outbox.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		mqQueue, err := outbox.NewRabbitMQQueue(outbox.RabbitMQConfig{
			URL:        cfg.Outbox.RabbitMQ.URL,
			Queue:      cfg.Outbox.RabbitMQ.Queue,
			Prefetch:   cfg.Outbox.RabbitMQ.Prefetch,
			Durable:    cfg.Outbox.RabbitMQ.Durable,
			AutoDelete: cfg.Outbox.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = mqQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Outbox.Driver)
	}
	defer queue.Close()

	// 实时传输与连接状态存储，互相引用，装配后再绑定事件。
	transport, err := realtime.NewWSTransport(realtime.WSConfig{URL: cfg.Realtime.URL}, nil)
	if err != nil {
		return err
	}
	defer transport.Close()

	storeOpts := []realtime.StoreOption{}
	if cfg.Realtime.PresetsPath != "" {
		presets, err := realtime.LoadChannelPresets(cfg.Realtime.PresetsPath)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, realtime.WithPresets(presets))
	}
	store := realtime.NewMemoryStore(transport, storeOpts...)
	if cfg.Realtime.ActiveGroup != "" {
		store.SetActiveGroup(cfg.Realtime.ActiveGroup)
	}

	// 会话管线。引导刷新令牌从环境变量注入，避免落盘。
	sessions, err := session.NewClient(session.Config{
		TokenURL:     cfg.Session.TokenURL,
		ClientID:     cfg.Session.ClientID,
		ClientSecret: cfg.Session.ClientSecret,
		Timeout:      time.Duration(cfg.Session.TimeoutSeconds) * time.Second,
		ExpirySlack:  time.Duration(cfg.Session.ExpirySlack) * time.Second,
	})
	if err != nil {
		return err
	}
	if refreshToken := os.Getenv("CHATLINK_REFRESH_TOKEN"); refreshToken != "" {
		sessions.SetSession(&session.Session{RefreshToken: refreshToken})
	}

	// 外发补投。消息发布到当前已确认的订阅主题上。
	drainer := outbox.NewDrainer(archive, queue, queue,
		func(ctx context.Context, msg *outbox.Message) error {
			ch := store.Channel()
			if ch == nil {
				return fmt.Errorf("订阅尚未确认，消息 %s 暂缓投递", msg.ID)
			}
			return transport.Publish(ctx, ch.Topic, msg.Body)
		},
		outbox.WithDrainWorkers(cfg.Outbox.Workers),
	)

	gate := lifecycle.NewGate()
	orchestrator := recovery.NewOrchestrator(gate, guard, sessions, store,
		recovery.WithConfig(recoveryConfig(cfg.Recovery)),
	)

	// 生命周期钩子：回到前台触发恢复，订阅确认后放行补投。
	sessions.SetResumeHook(func(ctx context.Context) error {
		return orchestrator.Recover(ctx, recovery.ReasonAppResume)
	})
	sessions.SetDrainHook(func(ctx context.Context) error {
		return drainer.Resume(ctx)
	})

	// 传输断开时暂停补投并在后台发起恢复。
	transport.BindEvents(&disconnectWatcher{
		MemoryStore: store,
		drainer:     drainer,
		recover: func() {
			go func() {
				if err := orchestrator.Recover(ctx, recovery.ReasonConnectionLost); err != nil {
					logger.L().Warn("断线恢复失败", "error", err)
				}
			}()
		},
	})

	go func() {
		if err := drainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("外发补投循环退出", "error", err)
		}
	}()

	gate.MarkReady()

	// 启动时发起一次恢复，建立初始订阅。
	go func() {
		if err := orchestrator.Recover(ctx, recovery.ReasonStartup); err != nil {
			logger.L().Warn("启动恢复失败", "error", err)
		}
	}()

	sender := outbox.NewService(archive, queue)
	server := api.NewServer(cfg.Server.Address, orchestrator, store, sender)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// disconnectWatcher 在状态存储的断开处理之外追加补投暂停与自动恢复。
type disconnectWatcher struct {
	*realtime.MemoryStore
	drainer *outbox.Drainer
	recover func()
}

func (w *disconnectWatcher) HandleDisconnect(err error) {
	w.MemoryStore.HandleDisconnect(err)
	w.drainer.Pause()
	w.recover()
}

// recoveryConfig 把毫秒配置转换成恢复流程的时间参数，零值交由默认值填充。
func recoveryConfig(cfg config.RecoveryConfig) recovery.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return recovery.Config{
		Debounce:              ms(cfg.DebounceMS),
		Stabilization:         ms(cfg.StabilizationMS),
		ShellReadyTimeout:     ms(cfg.ShellReadyTimeoutMS),
		Settle:                ms(cfg.SettleMS),
		RefreshAttempts:       uint(max(cfg.RefreshAttempts, 0)),
		RefreshTimeout:        ms(cfg.RefreshTimeoutMS),
		RefreshBackoffInitial: ms(cfg.RefreshBackoffMS),
		RefreshBackoffCap:     ms(cfg.RefreshBackoffCapMS),
		TokenGrace:            ms(cfg.TokenGraceMS),
		PollInterval:          ms(cfg.PollIntervalMS),
		PollDeadline:          ms(cfg.PollDeadlineMS),
	}
}
