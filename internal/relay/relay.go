// Package relay 在客户端连接与上游连接之间双向转发原始字节。
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"blksocks/pkg/metrics"
)

const DefaultBufferSize = 32 * 1024

// ==================== 缓冲区池 ====================

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultBufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	if b == nil || cap(*b) != DefaultBufferSize {
		return
	}
	bufPool.Put(b)
}

// ==================== 方向与结果 ====================

type Direction uint8

const (
	Up   Direction = iota // client → upstream
	Down                  // upstream → client
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

var ErrRelayIO = errors.New("relay io error")

// DirectionError 单个方向的读写失败
type DirectionError struct {
	Dir Direction
	Err error
}

func (e *DirectionError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Dir, e.Err)
}

func (e *DirectionError) Unwrap() error {
	return e.Err
}

func (e *DirectionError) Is(target error) bool {
	return target == ErrRelayIO
}

// Result 两个方向各自的字节数与错误，出错时字节数为已转发的部分
type Result struct {
	Up      int64
	Down    int64
	UpErr   error
	DownErr error
}

func (r Result) Total() int64 {
	return r.Up + r.Down
}

func (r Result) Err() error {
	return errors.Join(r.UpErr, r.DownErr)
}

// ==================== 选项 ====================

// Observer 每个方向结束时调用一次
type Observer func(dir Direction, n int64, err error)

type options struct {
	observer    Observer
	idleTimeout time.Duration
}

type Option func(*options)

func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithIdleTimeout 每次读取前设置读超时，0 表示不限制
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// ==================== 转发 ====================

// Pipe 启动两个方向的拷贝，等待二者都结束后关闭两条连接。
// 一个方向结束时只关闭其目标的写半部，另一方向继续运行。
func Pipe(client, upstream net.Conn, opts ...Option) Result {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var (
		res Result
		wg  sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Up, res.UpErr = o.copy(upstream, client, Up)
	}()
	go func() {
		defer wg.Done()
		res.Down, res.DownErr = o.copy(client, upstream, Down)
	}()
	wg.Wait()

	client.Close()
	upstream.Close()
	return res
}

func (o *options) copy(dst, src net.Conn, dir Direction) (int64, error) {
	bufPtr := getBuffer()
	defer putBuffer(bufPtr)

	var r io.Reader = src
	if o.idleTimeout > 0 {
		r = &idleReader{conn: src, timeout: o.idleTimeout}
	}

	n, err := io.CopyBuffer(dst, r, *bufPtr)
	if err != nil {
		err = &DirectionError{Dir: dir, Err: err}
	}
	closeWrite(dst)

	if dir == Up {
		metrics.AddBytesUp(n)
	} else {
		metrics.AddBytesDown(n)
	}
	if o.observer != nil {
		o.observer(dir, n, err)
	}
	return n, err
}

// closeWrite 半关闭，让对端读到 EOF
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// idleReader 每次读取前刷新读超时
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return r.conn.Read(p)
}
