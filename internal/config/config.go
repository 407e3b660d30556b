package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 ChatLink 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Session  SessionConfig  `json:"session"`
	Realtime RealtimeConfig `json:"realtime"`
	Recovery RecoveryConfig `json:"recovery"`
	Outbox   OutboxConfig   `json:"outbox"`
	Archive  ArchiveConfig  `json:"archive"`
}

// ServerConfig 控制本地诊断接口的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制日志输出方式。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// SessionConfig 描述会话刷新端点的访问方式。
type SessionConfig struct {
	TokenURL       string `json:"token_url"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ExpirySlack    int    `json:"expiry_slack_seconds"`
}

// RealtimeConfig 描述实时通道的连接信息。
type RealtimeConfig struct {
	URL         string `json:"url"`
	PresetsPath string `json:"presets_path"`
	ActiveGroup string `json:"active_group"`
}

// RecoveryConfig 控制重连编排器的各阶段参数，时间均以毫秒为单位。
// 未填写的字段使用恢复流程内置的默认值。
type RecoveryConfig struct {
	DebounceMS          int `json:"debounce_ms"`
	StabilizationMS     int `json:"stabilization_ms"`
	ShellReadyTimeoutMS int `json:"shell_ready_timeout_ms"`
	SettleMS            int `json:"settle_ms"`
	RefreshAttempts     int `json:"refresh_attempts"`
	RefreshTimeoutMS    int `json:"refresh_timeout_ms"`
	RefreshBackoffMS    int `json:"refresh_backoff_initial_ms"`
	RefreshBackoffCapMS int `json:"refresh_backoff_cap_ms"`
	TokenGraceMS        int `json:"token_grace_ms"`
	PollIntervalMS      int `json:"poll_interval_ms"`
	PollDeadlineMS      int `json:"poll_deadline_ms"`
}

// OutboxConfig 描述外发队列的驱动与连接参数。
type OutboxConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ArchiveConfig 描述本地消息归档的驱动与加密密钥。
type ArchiveConfig struct {
	Driver        string `json:"driver"`
	DSN           string `json:"dsn"`
	EncryptionKey string `json:"encryption_key"`
	MaxOpenConns  int    `json:"max_open_conns"`
	MaxIdleConns  int    `json:"max_idle_conns"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:7410"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Session.TimeoutSeconds <= 0 {
		c.Session.TimeoutSeconds = 15
	}
	if c.Session.ExpirySlack <= 0 {
		c.Session.ExpirySlack = 30
	}

	if c.Realtime.PresetsPath != "" && !filepath.IsAbs(c.Realtime.PresetsPath) {
		c.Realtime.PresetsPath = filepath.Join(baseDir, c.Realtime.PresetsPath)
	}

	if c.Outbox.Driver == "" {
		c.Outbox.Driver = "memory"
	}
	if c.Outbox.Workers <= 0 {
		c.Outbox.Workers = 1
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "memory"
	}
}
