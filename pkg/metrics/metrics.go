package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blksocks"

// 全局指标
var (
	bytesUp           int64
	bytesDown         int64
	activeConnections int64
	totalConnections  int64
	rejectedConns     int64
	resolveErrors     int64
	handshakeErrors   int64
	relayErrors       int64
	ledgerEntries     int64
	startTime         = time.Now()
)

func AddBytesUp(n int64)       { atomic.AddInt64(&bytesUp, n) }
func AddBytesDown(n int64)     { atomic.AddInt64(&bytesDown, n) }
func IncrActiveConnections()   { atomic.AddInt64(&activeConnections, 1) }
func DecrActiveConnections()   { atomic.AddInt64(&activeConnections, -1) }
func IncrTotalConnections()    { atomic.AddInt64(&totalConnections, 1) }
func IncrRejectedConnections() { atomic.AddInt64(&rejectedConns, 1) }
func IncrResolveError()        { atomic.AddInt64(&resolveErrors, 1) }
func IncrHandshakeError()      { atomic.AddInt64(&handshakeErrors, 1) }
func IncrRelayError()          { atomic.AddInt64(&relayErrors, 1) }
func SetLedgerEntries(n int)   { atomic.StoreInt64(&ledgerEntries, int64(n)) }

// Stats 获取统计信息
type Stats struct {
	Uptime              time.Duration `json:"-"`
	BytesUp             int64         `json:"bytes_up"`
	BytesDown           int64         `json:"bytes_down"`
	ActiveConnections   int64         `json:"active_connections"`
	TotalConnections    int64         `json:"total_connections"`
	RejectedConnections int64         `json:"rejected_connections"`
	ResolveErrors       int64         `json:"resolve_errors"`
	HandshakeErrors     int64         `json:"handshake_errors"`
	RelayErrors         int64         `json:"relay_errors"`
	LedgerEntries       int64         `json:"ledger_entries"`
}

func GetStats() Stats {
	return Stats{
		Uptime:              time.Since(startTime),
		BytesUp:             atomic.LoadInt64(&bytesUp),
		BytesDown:           atomic.LoadInt64(&bytesDown),
		ActiveConnections:   atomic.LoadInt64(&activeConnections),
		TotalConnections:    atomic.LoadInt64(&totalConnections),
		RejectedConnections: atomic.LoadInt64(&rejectedConns),
		ResolveErrors:       atomic.LoadInt64(&resolveErrors),
		HandshakeErrors:     atomic.LoadInt64(&handshakeErrors),
		RelayErrors:         atomic.LoadInt64(&relayErrors),
		LedgerEntries:       atomic.LoadInt64(&ledgerEntries),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"Uptime: %v | Conns: %d/%d (rejected %d) | Up: %s | Down: %s | Errors: resolve=%d handshake=%d relay=%d | Ledger: %d",
		s.Uptime.Round(time.Second),
		s.ActiveConnections, s.TotalConnections, s.RejectedConnections,
		formatBytes(s.BytesUp), formatBytes(s.BytesDown),
		s.ResolveErrors, s.HandshakeErrors, s.RelayErrors,
		s.LedgerEntries,
	)
}

// ==================== Prometheus 导出 ====================

// Registry 进程级指标注册表，计数器直接读取上面的原子变量
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	load := func(p *int64) func() float64 {
		return func() float64 { return float64(atomic.LoadInt64(p)) }
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds", Help: "Process uptime in seconds",
		}, func() float64 { return time.Since(startTime).Seconds() }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_bytes_total", Help: "Bytes relayed per direction",
			ConstLabels: prometheus.Labels{"direction": "up"},
		}, load(&bytesUp)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_bytes_total", Help: "Bytes relayed per direction",
			ConstLabels: prometheus.Labels{"direction": "down"},
		}, load(&bytesDown)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections", Help: "Connections currently being relayed",
		}, load(&activeConnections)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Accepted connections",
		}, load(&totalConnections)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_connections_total", Help: "Connections dropped by the connection limit",
		}, load(&rejectedConns)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_failures_total", Help: "Failed sessions by stage",
			ConstLabels: prometheus.Labels{"stage": "resolve"},
		}, load(&resolveErrors)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_failures_total", Help: "Failed sessions by stage",
			ConstLabels: prometheus.Labels{"stage": "handshake"},
		}, load(&handshakeErrors)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_failures_total", Help: "Failed sessions by stage",
			ConstLabels: prometheus.Labels{"stage": "relay"},
		}, load(&relayErrors)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ledger_entries", Help: "IPs currently tracked by the traffic ledger",
		}, load(&ledgerEntries)),
	)
	return reg
}

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Reset 重置所有指标（用于测试）
func Reset() {
	atomic.StoreInt64(&bytesUp, 0)
	atomic.StoreInt64(&bytesDown, 0)
	atomic.StoreInt64(&activeConnections, 0)
	atomic.StoreInt64(&totalConnections, 0)
	atomic.StoreInt64(&rejectedConns, 0)
	atomic.StoreInt64(&resolveErrors, 0)
	atomic.StoreInt64(&handshakeErrors, 0)
	atomic.StoreInt64(&relayErrors, 0)
	atomic.StoreInt64(&ledgerEntries, 0)
}
