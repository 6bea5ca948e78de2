package stats

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	plog "blksocks/pkg/log"
	"blksocks/pkg/metrics"
)

// ==================== 常量定义 ====================

const (
	DefaultMaxAge         = 7 * 24 * time.Hour
	DefaultExpireInterval = 24 * time.Hour
	DefaultTopN           = 80
)

// ==================== 条目 ====================

// Entry 单个 IP 的累计流量
type Entry struct {
	IP          netip.Addr `json:"ip"`
	Bytes       uint64     `json:"bytes"`
	LastUpdated time.Time  `json:"last_updated"`

	seq uint64
}

// ==================== 流量账本 ====================

// Ledger 按 IP 累计字节数，整张表由一把互斥锁保护。
type Ledger struct {
	mu      sync.Mutex
	entries map[netip.Addr]*Entry
	nextSeq uint64
	maxAge  time.Duration
	now     func() time.Time
}

type Option func(*Ledger)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxAge 设置过期阈值
func WithMaxAge(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[netip.Addr]*Entry),
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Update 为 ip 累加 bytes，并刷新最后活动时间。
// 0 字节的更新同样创建条目并刷新时间。
func (l *Ledger) Update(ip netip.Addr, bytes uint64) {
	ip = ip.Unmap()

	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		l.nextSeq++
		e = &Entry{IP: ip, seq: l.nextSeq}
		l.entries[ip] = e
	}
	e.Bytes += bytes
	e.LastUpdated = l.now()
	n := len(l.entries)
	l.mu.Unlock()

	metrics.SetLedgerEntries(n)
}

// Expire 删除 LastUpdated 早于 now-maxAge 的条目，返回删除数量
func (l *Ledger) Expire(now time.Time) int {
	threshold := now.Add(-l.maxAge)

	l.mu.Lock()
	removed := 0
	for ip, e := range l.entries {
		if e.LastUpdated.Before(threshold) {
			delete(l.entries, ip)
			removed++
		}
	}
	n := len(l.entries)
	l.mu.Unlock()

	metrics.SetLedgerEntries(n)
	return removed
}

// Top 按字节数降序返回前 n 个条目，字节数相同按首次出现顺序排列。
// n <= 0 返回全部。
func (l *Ledger) Top(n int) []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].seq < out[j].seq
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Snapshot 返回全部条目，顺序同 Top
func (l *Ledger) Snapshot() []Entry {
	return l.Top(0)
}

// Get 查询单个 IP
func (l *Ledger) Get(ip netip.Addr) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip.Unmap()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len 返回条目数量
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ==================== 后台任务 ====================

// Janitor 按固定间隔清理过期条目，直到 ctx 结束
func Janitor(ctx context.Context, l *Ledger, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultExpireInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if removed := l.Expire(now); removed > 0 {
				plog.Info("[Stats] Expired %d stale entries, %d remaining", removed, l.Len())
			}
		}
	}
}

// FormatReport 生成排名报告的各行
func FormatReport(entries []Entry) []string {
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "Top IPs by byte count:")
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("- %s: %d bytes", e.IP, e.Bytes))
	}
	return lines
}

// Report 把前 n 名写入日志
func Report(l *Ledger, n int) {
	for _, line := range FormatReport(l.Top(n)) {
		plog.Info("%s", line)
	}
}

// String 便于调试输出
func (e Entry) String() string {
	return fmt.Sprintf("%s=%d@%s", e.IP, e.Bytes, e.LastUpdated.Format(time.RFC3339))
}
