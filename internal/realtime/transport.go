package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ChatLink/pkg/logger"
)

// 帧类型常量，与服务端实时网关约定。
const (
	frameAuth        = "auth"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameSubscribed  = "subscribed"
	frameError       = "error"
)

// frame 是实时通道上的统一消息结构。
type frame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSConfig 描述 WebSocket 传输的连接参数。
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WSTransport 基于 gorilla/websocket 实现 Transport。
// 订阅确认与断开事件通过 Events 回调交还状态存储。
type WSTransport struct {
	cfg    WSConfig
	events Events
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSTransport 创建 WebSocket 传输。events 在连接建立后由读取循环回调。
func NewWSTransport(cfg WSConfig, events Events) (*WSTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("WebSocket URL 不能为空")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WSTransport{
		cfg:    cfg,
		events: events,
		log:    logger.Named("transport"),
	}, nil
}

// BindEvents 绑定事件接收方。状态存储与传输互相引用，装配阶段后绑定。
func (t *WSTransport) BindEvents(events Events) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
}

// ApplyToken 在当前连接上发送鉴权帧，必要时先建立连接。
func (t *WSTransport) ApplyToken(ctx context.Context, token string) error {
	return t.write(ctx, frame{Type: frameAuth, Token: token})
}

// Subscribe 发送订阅帧；确认由读取循环上报。
func (t *WSTransport) Subscribe(ctx context.Context, topic string) error {
	return t.write(ctx, frame{Type: frameSubscribe, Topic: topic})
}

// Unsubscribe 发送退订帧并断开连接，让后续订阅在全新连接上进行。
func (t *WSTransport) Unsubscribe(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(frame{Type: frameUnsubscribe})
	return conn.Close()
}

// Publish 在当前订阅主题上发布一条外发消息。
func (t *WSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.write(ctx, frame{Type: framePublish, Topic: topic, Payload: payload})
}

// Close 关闭传输。
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// write 确保连接存在后发送一帧。
func (t *WSTransport) write(ctx context.Context, f frame) error {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return errors.New("连接在写入前已断开")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		t.conn = nil
		_ = conn.Close()
		return err
	}
	return nil
}

// ensureConn 建立连接并启动读取循环。
func (t *WSTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("传输已关闭")
	}
	if t.conn != nil {
		return t.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	go t.readLoop(conn)
	t.log.Info("实时连接已建立", slog.String("url", t.cfg.URL))
	return conn, nil
}

// readLoop 持续读取服务端帧并回调状态存储。
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			stale := t.conn != conn
			if !stale {
				t.conn = nil
			}
			events := t.events
			t.mu.Unlock()
			// 被 Unsubscribe/Close 主动替换的连接不再上报断开。
			if !stale && events != nil {
				events.HandleDisconnect(err)
			}
			return
		}

		switch f.Type {
		case frameSubscribed:
			at := time.Now()
			if f.TS > 0 {
				at = time.UnixMilli(f.TS)
			}
			t.mu.Lock()
			events := t.events
			t.mu.Unlock()
			if events != nil {
				events.HandleSubscribed(f.Topic, at)
			}
		case frameError:
			t.log.Warn("实时网关返回错误", slog.String("message", f.Message))
		}
	}
}
