package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"blksocks/internal/origdst"
	"blksocks/internal/socks5"
	"blksocks/internal/stats"
)

// echoProxy 模拟上游 SOCKS5：完成握手后回显收到的数据
func echoProxy(t *testing.T, method byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := io.ReadFull(c, make([]byte, 3)); err != nil {
					return
				}
				c.Write([]byte{socks5.Version5, method})
				if method != socks5.AuthNone {
					return
				}

				head := make([]byte, 4)
				if _, err := io.ReadFull(c, head); err != nil {
					return
				}
				var rest int
				switch head[3] {
				case socks5.AtypIPv4:
					rest = 4 + 2
				case socks5.AtypDomain:
					l := make([]byte, 1)
					io.ReadFull(c, l)
					rest = int(l[0]) + 2
				}
				if _, err := io.ReadFull(c, make([]byte, rest)); err != nil {
					return
				}
				c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

				io.Copy(struct{ io.Writer }{c}, c)
				c.(*net.TCPConn).CloseWrite()
			}(c)
		}
	}()
	return ln.Addr().String()
}

type hookRecorder struct {
	mu   sync.Mutex
	errs []*StageError
}

func (h *hookRecorder) record(id string, err *StageError) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *hookRecorder) list() []*StageError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*StageError(nil), h.errs...)
}

func startServer(t *testing.T, cfg Config, ledger *stats.Ledger, opts ...Option) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := New(cfg, ledger, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		srv.Stop()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return srv, ln.Addr().String()
}

// roundTrip 发送 msg，半关闭后读回全部数据
func roundTrip(t *testing.T, addr, msg string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	c.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(got)
}

// expectClosed 连接应被服务端直接关闭，不返回任何数据
func expectClosed(t *testing.T, addr string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))

	n, err := c.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("expected closed connection, read %d bytes, err %v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed by the server")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEnd(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)
	ledger := stats.NewLedger()

	srv, addr := startServer(t, Config{ProxyAddr: proxyAddr}, ledger,
		WithResolver(origdst.Static("93.184.216.34:443")))

	if got := roundTrip(t, addr, "hello"); got != "hello" {
		t.Fatalf("echo = %q", got)
	}

	dest := netip.MustParseAddr("93.184.216.34")
	waitFor(t, "ledger update", func() bool {
		e, ok := ledger.Get(dest)
		return ok && e.Bytes == 10
	})

	waitFor(t, "session end", func() bool { return srv.Stats().ActiveConnections == 0 })
	st := srv.Stats()
	if st.TotalConnections != 1 || st.FailedSessions != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStatsKeySource(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)
	ledger := stats.NewLedger()

	_, addr := startServer(t, Config{ProxyAddr: proxyAddr, StatsKey: StatsKeySource}, ledger,
		WithResolver(origdst.Static("93.184.216.34:443")))

	roundTrip(t, addr, "abc")

	waitFor(t, "ledger update", func() bool {
		e, ok := ledger.Get(netip.MustParseAddr("127.0.0.1"))
		return ok && e.Bytes == 6
	})
	if _, ok := ledger.Get(netip.MustParseAddr("93.184.216.34")); ok {
		t.Error("destination should not be recorded in source mode")
	}
}

func TestDomainDestinationNotRecorded(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)
	ledger := stats.NewLedger()

	srv, addr := startServer(t, Config{ProxyAddr: proxyAddr}, ledger,
		WithResolver(origdst.Static("example.com:80")))

	if got := roundTrip(t, addr, "hi"); got != "hi" {
		t.Fatalf("echo = %q", got)
	}
	waitFor(t, "session end", func() bool { return srv.Stats().ActiveConnections == 0 })
	if ledger.Len() != 0 {
		t.Errorf("ledger has %d entries, want 0", ledger.Len())
	}
}

// 还原目标失败只影响当前连接
func TestResolveFailureIsolated(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)
	hook := &hookRecorder{}

	var mu sync.Mutex
	calls := 0
	resolver := origdst.ResolverFunc(func(net.Conn) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", origdst.ErrUnsupported
		}
		return "10.0.0.5:8443", nil
	})

	srv, addr := startServer(t, Config{ProxyAddr: proxyAddr}, stats.NewLedger(),
		WithResolver(resolver), WithErrorHook(hook.record))

	expectClosed(t, addr)
	if got := roundTrip(t, addr, "second"); got != "second" {
		t.Errorf("second session echo = %q", got)
	}

	waitFor(t, "error hook", func() bool { return len(hook.list()) == 1 })
	se := hook.list()[0]
	if se.Stage != StageResolve || !errors.Is(se, origdst.ErrResolution) {
		t.Errorf("stage error = %v", se)
	}
	if srv.Stats().FailedSessions != 1 {
		t.Errorf("FailedSessions = %d", srv.Stats().FailedSessions)
	}
}

func TestHandshakeRejected(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNoAccept)
	hook := &hookRecorder{}

	_, addr := startServer(t, Config{ProxyAddr: proxyAddr}, stats.NewLedger(),
		WithResolver(origdst.Static("10.0.0.5:8443")), WithErrorHook(hook.record))

	expectClosed(t, addr)

	waitFor(t, "error hook", func() bool { return len(hook.list()) == 1 })
	se := hook.list()[0]
	if se.Stage != StageHandshake || !errors.Is(se, socks5.ErrHandshakeRejected) {
		t.Errorf("stage error = %v", se)
	}
}

func TestConnectionLimit(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)

	srv, addr := startServer(t, Config{ProxyAddr: proxyAddr, MaxConnections: 1}, stats.NewLedger(),
		WithResolver(origdst.Static("10.0.0.5:8443")))

	held, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()
	waitFor(t, "first session", func() bool { return srv.Stats().ActiveConnections == 1 })

	expectClosed(t, addr)
	waitFor(t, "rejection", func() bool { return srv.Stats().RejectedConnections == 1 })
}

type failingListener struct {
	net.Listener
}

func (failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("too many open files")
}

func TestServeAcceptError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := New(Config{ProxyAddr: "127.0.0.1:1"}, stats.NewLedger())
	defer srv.Stop()

	err = srv.Serve(context.Background(), failingListener{ln})
	if !errors.Is(err, ErrAccept) {
		t.Fatalf("Serve = %v, want ErrAccept", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := New(Config{ProxyAddr: "127.0.0.1:1"}, stats.NewLedger())
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if !srv.IsStopped() {
		t.Error("server should be stopped")
	}
}

func TestStopInterruptsSessions(t *testing.T) {
	proxyAddr := echoProxy(t, socks5.AuthNone)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Config{ProxyAddr: proxyAddr}, stats.NewLedger(),
		WithResolver(origdst.Static("10.0.0.5:8443")))
	go srv.Serve(context.Background(), ln)

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, "session", func() bool { return srv.Stats().ActiveConnections == 1 })

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle session")
	}
	if srv.Stats().ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d after Stop", srv.Stats().ActiveConnections)
	}
}

func TestStageString(t *testing.T) {
	err := &StageError{Stage: StageHandshake, Err: socks5.ErrShortReply}
	if err.Error() != "handshake: socks5 short reply" {
		t.Errorf("Error() = %q", err.Error())
	}
}
