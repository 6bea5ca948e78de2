//go:build linux

package origdst

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// originalDst 对 socket 执行 getsockopt(SOL_IP, SO_ORIGINAL_DST)。
// 通过 RawConn.Control 访问 fd，不会复制 fd，也不会把它切换成阻塞模式。
func originalDst(conn net.Conn) (string, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return "", ErrNotTCP
	}
	if _, ok := conn.LocalAddr().(*net.TCPAddr); !ok {
		return "", ErrNotTCP
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolution, err)
	}

	var (
		mreq    *unix.IPv6Mreq
		sockErr error
	)
	err = raw.Control(func(fd uintptr) {
		// sockaddr_in 恰好能放进 IPv6Mreq 的 16 字节 Multiaddr
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolution, err)
	}
	if sockErr != nil {
		return "", fmt.Errorf("%w: getsockopt SO_ORIGINAL_DST: %v", ErrResolution, sockErr)
	}

	return decodeSockaddr(mreq.Multiaddr[:])
}
