package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xerrors "ChatLink/internal/errors"
	"ChatLink/pkg/logger"
)

// 会话相关错误码。
const (
	CodeRefreshFailed xerrors.Code = "SESSION_REFRESH_FAILED"
)

func init() {
	xerrors.Register(CodeRefreshFailed, xerrors.Attributes{
		Message:   "session refresh failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Config 配置会话客户端。
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	ExpirySlack  time.Duration
}

// Hook 是生命周期钩子的统一签名。
type Hook func(ctx context.Context) error

// Client 通过令牌端点维护工作会话，实现 Pipeline。
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	current *Session

	resumeHook Hook
	drainHook  Hook
}

// tokenResponse 定义令牌端点的响应结构。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// NewClient 创建会话客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("token_url 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ExpirySlack <= 0 {
		cfg.ExpirySlack = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.Named("session"),
	}, nil
}

// SetSession 写入引导会话（例如启动时从本地安全存储恢复的刷新令牌）。
func (c *Client) SetSession(sess *Session) {
	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
}

// SetResumeHook 绑定应用回到前台时要触发的恢复动作。
func (c *Client) SetResumeHook(hook Hook) {
	c.mu.Lock()
	c.resumeHook = hook
	c.mu.Unlock()
}

// SetDrainHook 绑定网络恢复后要触发的外发队列补投动作。
func (c *Client) SetDrainHook(hook Hook) {
	c.mu.Lock()
	c.drainHook = hook
	c.mu.Unlock()
}

// RefreshSession 使用刷新令牌换取新的工作会话。
// 返回 false 表示端点响应中没有可用的访问令牌。
func (c *Client) RefreshSession(ctx context.Context) (bool, error) {
	c.mu.Lock()
	refreshToken := ""
	if c.current != nil {
		refreshToken = c.current.RefreshToken
	}
	c.mu.Unlock()
	if refreshToken == "" {
		return false, xerrors.New(CodeRefreshFailed, "没有可用的刷新令牌")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientID != "" {
		httpReq.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, xerrors.Wrap(CodeRefreshFailed, err, "请求令牌端点失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, xerrors.New(CodeRefreshFailed, fmt.Sprintf("令牌端点返回 %s", resp.Status))
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return false, xerrors.Wrap(CodeRefreshFailed, err, "解析令牌响应失败")
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return false, nil
	}

	sess := &Session{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
	c.log.Info("会话已刷新", slog.Time("expires_at", sess.ExpiresAt))
	return true, nil
}

// WorkingSession 返回当前工作会话的副本。
func (c *Client) WorkingSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, nil
	}
	clone := *c.current
	return &clone, nil
}

// OnAppResume 在应用回到前台时触发恢复流程。
func (c *Client) OnAppResume(ctx context.Context) {
	c.mu.Lock()
	hook := c.resumeHook
	c.mu.Unlock()
	if hook == nil {
		return
	}
	if err := hook(ctx); err != nil {
		c.log.Warn("前台恢复触发失败", slog.Any("error", err))
	}
}

// OnNetworkReconnect 在订阅确认后补投外发队列。
func (c *Client) OnNetworkReconnect(ctx context.Context) error {
	c.mu.Lock()
	hook := c.drainHook
	c.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx)
}
