// Package supervisor 接受被透明重定向的连接，并为每条连接执行
// 还原目标 → SOCKS5 握手 → 双向转发 → 流量记账。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"blksocks/internal/origdst"
	"blksocks/internal/relay"
	"blksocks/internal/socks5"
	"blksocks/internal/stats"
	plog "blksocks/pkg/log"
	"blksocks/pkg/metrics"
)

// ==================== 阶段与错误 ====================

type Stage uint8

const (
	StageResolve Stage = iota + 1
	StageHandshake
	StageRelay
)

func (s Stage) String() string {
	switch s {
	case StageResolve:
		return "resolve"
	case StageHandshake:
		return "handshake"
	case StageRelay:
		return "relay"
	default:
		return "unknown"
	}
}

var ErrAccept = errors.New("accept failed")

// StageError 记录会话在哪个阶段失败
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ==================== 配置 ====================

const (
	StatsKeyDestination = "destination"
	StatsKeySource      = "source"
)

type Config struct {
	// ProxyAddr 上游 SOCKS5 代理地址
	ProxyAddr string

	// MaxConnections 同时处理的连接上限，0 不限制
	MaxConnections int64

	// StatsKey 按目标 IP 还是来源 IP 记账
	StatsKey string

	IdleTimeout time.Duration
}

// Dialer 经上游代理建立到目标的连接，*socks5.Dialer 实现了该接口
type Dialer interface {
	Dial(ctx context.Context, proxyAddr, dest string) (net.Conn, error)
}

type Option func(*Server)

func WithResolver(r origdst.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithErrorHook 会话失败时回调，在日志记录之后调用
func WithErrorHook(fn func(id string, err *StageError)) Option {
	return func(s *Server) { s.onError = fn }
}

// ==================== 服务器统计 ====================

type ServerStats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	FailedSessions      int64 `json:"failed_sessions"`
}

// ==================== 服务器 ====================

type Server struct {
	cfg      Config
	ledger   *stats.Ledger
	resolver origdst.Resolver
	dialer   Dialer
	onError  func(id string, err *StageError)
	log      *plog.PrefixLogger

	// 统计
	activeConns    int64
	totalConns     int64
	rejectedConns  int64
	failedSessions int64

	// 生命周期控制
	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	stopped  int32
}

// New 创建服务器，未指定时使用内核 SO_ORIGINAL_DST 和默认 SOCKS5 拨号器
func New(cfg Config, ledger *stats.Ledger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.StatsKey == "" {
		cfg.StatsKey = StatsKeyDestination
	}

	s := &Server{
		cfg:      cfg,
		ledger:   ledger,
		resolver: origdst.Kernel{},
		dialer:   socks5.NewDialer(),
		log:      plog.NewPrefixLogger("[Relay] "),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats 返回服务器统计信息
func (s *Server) Stats() ServerStats {
	return ServerStats{
		ActiveConnections:   atomic.LoadInt64(&s.activeConns),
		TotalConnections:    atomic.LoadInt64(&s.totalConns),
		RejectedConnections: atomic.LoadInt64(&s.rejectedConns),
		FailedSessions:      atomic.LoadInt64(&s.failedSessions),
	}
}

// Serve 在 ln 上循环接受连接。Accept 出错时返回包装了 ErrAccept 的错误；
// 因 Stop 或 ctx 结束而退出时返回 nil。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.IsStopped() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	s.log.Info("Listening on %s, upstream SOCKS5 %s", ln.Addr(), s.cfg.ProxyAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.IsStopped() || ctx.Err() != nil {
				return nil
			}
			s.log.Error("Accept error: %v", err)
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}

		if s.IsStopped() {
			conn.Close()
			return nil
		}

		// 检查连接限制
		if !s.acquireConnection() {
			conn.Close()
			atomic.AddInt64(&s.rejectedConns, 1)
			metrics.IncrRejectedConnections()
			s.log.Debug("Connection limit reached, rejecting %s", conn.RemoteAddr())
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				s.releaseConnection()
				s.wg.Done()
			}()
			s.handleConnection(c)
		}(conn)
	}
}

// Stop 关闭监听、中断进行中的会话并等待其退出
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		atomic.StoreInt32(&s.stopped, 1)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		s.log.Info("Server stopped (%d sessions served)", atomic.LoadInt64(&s.totalConns))
	})
}

// IsStopped 检查服务器是否已停止
func (s *Server) IsStopped() bool {
	return atomic.LoadInt32(&s.stopped) == 1
}

// acquireConnection 获取连接槽位
func (s *Server) acquireConnection() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if s.cfg.MaxConnections > 0 && current >= s.cfg.MaxConnections {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			atomic.AddInt64(&s.totalConns, 1)
			metrics.IncrTotalConnections()
			metrics.IncrActiveConnections()
			return true
		}
	}
}

// releaseConnection 释放连接槽位
func (s *Server) releaseConnection() {
	atomic.AddInt64(&s.activeConns, -1)
	metrics.DecrActiveConnections()
}

// ==================== 会话处理 ====================

// handleConnection 处理单个连接，所有错误都止步于此
func (s *Server) handleConnection(conn net.Conn) {
	id := uuid.NewString()[:8]
	log := s.log.With("[" + id + "] ")

	dest, err := s.resolver.Resolve(conn)
	if err != nil {
		conn.Close()
		s.fail(id, log, &StageError{Stage: StageResolve, Err: err})
		return
	}

	log.Info("connecting to %s", dest)

	upstream, err := s.dialer.Dial(s.ctx, s.cfg.ProxyAddr, dest)
	if err != nil {
		conn.Close()
		s.fail(id, log, &StageError{Stage: StageHandshake, Err: err})
		return
	}

	// 停止时强制中断转发
	release := context.AfterFunc(s.ctx, func() {
		conn.Close()
		upstream.Close()
	})
	defer release()

	key, keyed := s.statsKey(conn, dest)
	start := time.Now()

	res := relay.Pipe(conn, upstream,
		relay.WithIdleTimeout(s.cfg.IdleTimeout),
		relay.WithObserver(func(dir relay.Direction, n int64, err error) {
			if keyed {
				s.ledger.Update(key, uint64(n))
			}
			if err != nil {
				log.Debug("%s direction ended after %d bytes: %v", dir, n, err)
			}
		}),
	)

	if err := res.Err(); err != nil && s.ctx.Err() == nil {
		s.fail(id, log, &StageError{Stage: StageRelay, Err: err})
		return
	}

	log.Debug("Closed %s: up=%d down=%d in %v", dest, res.Up, res.Down, time.Since(start).Round(time.Millisecond))
}

// statsKey 选出记账用的 IP，地址不是 ip:port 形式时不记账
func (s *Server) statsKey(conn net.Conn, dest string) (netip.Addr, bool) {
	addr := dest
	if s.cfg.StatsKey == StatsKeySource {
		addr = conn.RemoteAddr().String()
	}

	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}

func (s *Server) fail(id string, log *plog.PrefixLogger, err *StageError) {
	atomic.AddInt64(&s.failedSessions, 1)

	switch err.Stage {
	case StageResolve:
		metrics.IncrResolveError()
		log.Error("%v", err)
	case StageHandshake:
		metrics.IncrHandshakeError()
		log.Error("%v", err)
	case StageRelay:
		metrics.IncrRelayError()
		log.Warn("%v", err)
	}

	if s.onError != nil {
		s.onError(id, err)
	}
}
