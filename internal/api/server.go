package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ChatLink/internal/observability/metrics"
	"ChatLink/internal/outbox"
	"ChatLink/internal/realtime"
)

// Recoverer 是接口层依赖的恢复编排能力。
type Recoverer interface {
	Recover(ctx context.Context, reason string) error
	IsRecovering() bool
	LastAttemptAt() (time.Time, bool)
}

// Sender 是接口层依赖的外发消息能力。
type Sender interface {
	Enqueue(ctx context.Context, groupID string, body []byte) (*outbox.Message, error)
}

// Server 负责暴露 REST 接口，供外部观察连接状态、发送消息并触发恢复。
type Server struct {
	addr      string
	recoverer Recoverer
	store     realtime.Store
	sender    Sender
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, recoverer Recoverer, store realtime.Store, sender Sender) *Server {
	return &Server{addr: addr, recoverer: recoverer, store: store, sender: sender}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/recover", s.handleRecover)
	mux.HandleFunc("/api/v1/messages", s.handleSend)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusResponse 描述连接与恢复编排器的当前快照。
type statusResponse struct {
	ConnectionStatus string `json:"connection_status"`
	ActiveGroup      string `json:"active_group,omitempty"`
	Topic            string `json:"topic,omitempty"`
	SubscribedAt     string `json:"subscribed_at,omitempty"`
	IsRecovering     bool   `json:"is_recovering"`
	LastAttemptAt    string `json:"last_attempt_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil || s.recoverer == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	resp := statusResponse{
		ConnectionStatus: string(s.store.ConnectionStatus()),
		ActiveGroup:      s.store.ActiveGroup(),
		IsRecovering:     s.recoverer.IsRecovering(),
	}
	if ch := s.store.Channel(); ch != nil {
		resp.Topic = ch.Topic
	}
	if at := s.store.SubscribedAt(); at != nil {
		resp.SubscribedAt = at.Format(time.RFC3339)
	}
	if at, ok := s.recoverer.LastAttemptAt(); ok {
		resp.LastAttemptAt = at.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// recoverRequest 允许调用方标注触发原因。
type recoverRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.recoverer == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req recoverRequest
	if r.Body != nil {
		// 请求体可为空，解析失败按空处理。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := s.recoverer.Recover(r.Context(), req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sendRequest 描述外发消息的请求体。
type sendRequest struct {
	GroupID string `json:"group_id"`
	Body    string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.sender == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	msg, err := s.sender.Enqueue(r.Context(), req.GroupID, []byte(req.Body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(msg)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
