package stats

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func ip(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestUpdateAccumulates(t *testing.T) {
	clock := newClock()
	l := NewLedger(WithClock(clock.Now))

	l.Update(ip("10.0.0.5"), 100)
	clock.Advance(time.Minute)
	l.Update(ip("10.0.0.5"), 250)
	clock.Advance(time.Minute)
	l.Update(ip("10.0.0.5"), 650)

	e, ok := l.Get(ip("10.0.0.5"))
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Bytes != 1000 {
		t.Errorf("Bytes = %d, want 1000", e.Bytes)
	}
	if !e.LastUpdated.Equal(clock.Now()) {
		t.Errorf("LastUpdated = %v, want %v", e.LastUpdated, clock.Now())
	}
}

func TestUpdateZeroCreatesEntry(t *testing.T) {
	l := NewLedger()
	l.Update(ip("192.0.2.1"), 0)
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestUpdateUnmapsIPv4(t *testing.T) {
	l := NewLedger()
	l.Update(ip("::ffff:10.0.0.5"), 10)
	l.Update(ip("10.0.0.5"), 5)

	if l.Len() != 1 {
		t.Fatalf("mapped and plain IPv4 should share an entry, Len = %d", l.Len())
	}
	if e, _ := l.Get(ip("10.0.0.5")); e.Bytes != 15 {
		t.Errorf("Bytes = %d, want 15", e.Bytes)
	}
}

func TestConcurrentUpdatesDifferentIPs(t *testing.T) {
	l := NewLedger()

	const ips = 32
	const perIP = 200

	var wg sync.WaitGroup
	for i := 0; i < ips; i++ {
		addr := ip(fmt.Sprintf("10.1.0.%d", i+1))
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < perIP/4; k++ {
					l.Update(addr, 3)
				}
			}()
		}
	}
	wg.Wait()

	if l.Len() != ips {
		t.Fatalf("Len = %d, want %d", l.Len(), ips)
	}
	for _, e := range l.Snapshot() {
		if e.Bytes != perIP*3 {
			t.Errorf("%s: Bytes = %d, want %d", e.IP, e.Bytes, perIP*3)
		}
	}
}

func TestExpireExact(t *testing.T) {
	clock := newClock()
	l := NewLedger(WithClock(clock.Now))

	l.Update(ip("10.0.0.1"), 1) // t0
	clock.Advance(24 * time.Hour)
	l.Update(ip("10.0.0.2"), 2) // t0+1d
	clock.Advance(6 * 24 * time.Hour)
	l.Update(ip("10.0.0.3"), 3) // t0+7d

	now := clock.Now() // t0+7d: threshold is exactly t0
	if removed := l.Expire(now); removed != 0 {
		t.Fatalf("entry at exactly the threshold must survive, removed %d", removed)
	}

	before, _ := l.Get(ip("10.0.0.2"))
	if removed := l.Expire(now.Add(time.Second)); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, ok := l.Get(ip("10.0.0.1")); ok {
		t.Error("10.0.0.1 should be expired")
	}
	after, ok := l.Get(ip("10.0.0.2"))
	if !ok || after != before {
		t.Errorf("surviving entry changed: %v -> %v", before, after)
	}

	// 幂等
	if removed := l.Expire(now.Add(time.Second)); removed != 0 {
		t.Errorf("second Expire removed %d", removed)
	}
}

func TestExpireCustomMaxAge(t *testing.T) {
	clock := newClock()
	l := NewLedger(WithClock(clock.Now), WithMaxAge(time.Hour))

	l.Update(ip("10.0.0.1"), 1)
	if removed := l.Expire(clock.Now().Add(2 * time.Hour)); removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}
}

func TestTopOrdering(t *testing.T) {
	l := NewLedger()
	l.Update(ip("10.0.0.1"), 50)
	l.Update(ip("10.0.0.2"), 500)
	l.Update(ip("10.0.0.3"), 200)
	l.Update(ip("10.0.0.4"), 200)
	l.Update(ip("10.0.0.5"), 10)

	top := l.Top(4)
	want := []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.1"}
	if len(top) != len(want) {
		t.Fatalf("len = %d, want %d", len(top), len(want))
	}
	for i, w := range want {
		if top[i].IP.String() != w {
			t.Errorf("top[%d] = %s, want %s", i, top[i].IP, w)
		}
	}

	// 相同字节数的顺序稳定
	for i := 0; i < 10; i++ {
		again := l.Top(4)
		if again[1].IP != top[1].IP || again[2].IP != top[2].IP {
			t.Fatal("tie order not deterministic")
		}
	}
}

func TestTopDoesNotTouchTimestamps(t *testing.T) {
	clock := newClock()
	l := NewLedger(WithClock(clock.Now))
	l.Update(ip("10.0.0.1"), 1)
	stamp, _ := l.Get(ip("10.0.0.1"))

	clock.Advance(time.Hour)
	_ = l.Top(DefaultTopN)

	after, _ := l.Get(ip("10.0.0.1"))
	if !after.LastUpdated.Equal(stamp.LastUpdated) {
		t.Error("Top must not modify LastUpdated")
	}
}

func TestTopTruncatesToDefault(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 100; i++ {
		l.Update(ip(fmt.Sprintf("10.2.0.%d", i+1)), uint64(i))
	}
	top := l.Top(DefaultTopN)
	if len(top) != DefaultTopN {
		t.Fatalf("len = %d, want %d", len(top), DefaultTopN)
	}
	if top[0].Bytes != 99 {
		t.Errorf("first = %d, want 99", top[0].Bytes)
	}
	if len(l.Snapshot()) != 100 {
		t.Error("Snapshot should return every entry")
	}
}

func TestFormatReport(t *testing.T) {
	l := NewLedger()
	l.Update(ip("93.184.216.34"), 3000)
	l.Update(ip("10.0.0.5"), 42)

	lines := FormatReport(l.Top(DefaultTopN))
	want := []string{
		"Top IPs by byte count:",
		"- 93.184.216.34: 3000 bytes",
		"- 10.0.0.5: 42 bytes",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	l := NewLedger()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Janitor(ctx, l, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Janitor returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Janitor did not stop")
	}
}

func TestJanitorExpires(t *testing.T) {
	l := NewLedger(WithMaxAge(time.Millisecond))
	l.Update(ip("10.0.0.1"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Janitor(ctx, l, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never expired the entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
