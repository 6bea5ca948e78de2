// Package admin 提供只读的管理接口：健康检查、Prometheus 指标、
// 流量排名以及通过 WebSocket 定时推送的排名。
package admin

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blksocks/internal/stats"
	"blksocks/internal/supervisor"
	plog "blksocks/pkg/log"
	"blksocks/pkg/metrics"
)

const (
	DefaultPushInterval = 5 * time.Second
	writeTimeout        = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type Config struct {
	Listen       string
	Token        string
	PushInterval time.Duration
	TopN         int
	Version      string
}

// SessionSource 提供会话计数，*supervisor.Server 实现了该接口
type SessionSource interface {
	Stats() supervisor.ServerStats
}

type Server struct {
	cfg       Config
	ledger    *stats.Ledger
	sessions  SessionSource
	upgrader  websocket.Upgrader
	startTime time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, ledger *stats.Ledger, sessions SessionSource) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.TopN <= 0 {
		cfg.TopN = stats.DefaultTopN
	}

	return &Server{
		cfg:       cfg,
		ledger:    ledger,
		sessions:  sessions,
		startTime: time.Now(),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4 * 1024,
			WriteBufferSize:   16 * 1024,
			EnableCompression: false,
			CheckOrigin:       func(r *http.Request) bool { return true },
			Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
				http.Error(w, http.StatusText(status), status)
			},
		},
	}
}

// Handler 返回带认证的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/top", s.handleTop)
	mux.HandleFunc("/ws/top", s.handleTopStream)
	return s.authenticate(mux)
}

// Serve 在 ln 上提供 HTTP 服务，直到 ctx 结束
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		s.stopOnce.Do(func() { close(s.done) })

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			plog.Error("[Admin] Shutdown error: %v", err)
		}
	})
	defer stop()

	plog.Info("[Admin] Listening on %s", ln.Addr())

	if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==================== 认证 ====================

// authenticate 配置了 token 时要求 Authorization: Bearer <token>，
// WebSocket 客户端也可以使用 ?token= 参数
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if !hmac.Equal([]byte(got), want) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==================== 处理函数 ====================

type healthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version,omitempty"`
	Uptime   string                 `json:"uptime"`
	Sessions supervisor.ServerStats `json:"sessions"`
	Traffic  metrics.Stats          `json:"traffic"`
	Ledger   int                    `json:"ledger_entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.cfg.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Traffic: metrics.GetStats(),
		Ledger:  s.ledger.Len(),
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}

// topEntry 排名条目的 JSON 形式
type topEntry struct {
	IP          string    `json:"ip"`
	Bytes       uint64    `json:"bytes"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *Server) ranking(n int) []topEntry {
	entries := s.ledger.Top(n)
	out := make([]topEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, topEntry{IP: e.IP.String(), Bytes: e.Bytes, LastUpdated: e.LastUpdated})
	}
	return out
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	n, err := s.parseN(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ranking(n))
}

func (s *Server) parseN(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return s.cfg.TopN, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("n must be a positive integer")
	}
	return n, nil
}

// handleTopStream 连接建立后立即推送一次排名，之后每个周期推送一次
func (s *Server) handleTopStream(w http.ResponseWriter, r *http.Request) {
	n, err := s.parseN(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	plog.Debug("[Admin] Ranking subscriber connected: %s", r.RemoteAddr)

	// 读循环只用于感知对端关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(s.ranking(n)); err != nil {
			plog.Debug("[Admin] Push to %s failed: %v", r.RemoteAddr, err)
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			plog.Debug("[Admin] Ranking subscriber gone: %s", r.RemoteAddr)
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
