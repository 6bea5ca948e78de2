// Package origdst 恢复被 iptables REDIRECT 重定向之前的目标地址。
package origdst

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	// ErrResolution 所有无法恢复原始目标的情况都匹配该错误
	ErrResolution = errors.New("original destination unavailable")
	// ErrUnsupported 当前平台没有 SO_ORIGINAL_DST
	ErrUnsupported = fmt.Errorf("%w: unsupported platform", ErrResolution)
	// ErrNotTCP 连接不是 TCP socket
	ErrNotTCP = fmt.Errorf("%w: not a TCP connection", ErrResolution)
)

// Resolver 返回连接的原始目标，格式 "a.b.c.d:port"
type Resolver interface {
	Resolve(conn net.Conn) (string, error)
}

// Kernel 通过内核连接跟踪查询原始目标
type Kernel struct{}

func (Kernel) Resolve(conn net.Conn) (string, error) {
	return originalDst(conn)
}

// Static 对所有连接返回同一个目标
type Static string

func (s Static) Resolve(net.Conn) (string, error) {
	return string(s), nil
}

// ResolverFunc 函数适配器
type ResolverFunc func(conn net.Conn) (string, error)

func (f ResolverFunc) Resolve(conn net.Conn) (string, error) {
	return f(conn)
}

// decodeSockaddr 解析 getsockopt 返回的 sockaddr_in：
// [0:2] family（主机字节序），[2:4] 端口（网络字节序），[4:8] IPv4 地址。
func decodeSockaddr(b []byte) (string, error) {
	if len(b) < 8 {
		return "", fmt.Errorf("%w: sockaddr too short (%d bytes)", ErrResolution, len(b))
	}
	port := binary.BigEndian.Uint16(b[2:4])
	addr := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
	return netip.AddrPortFrom(addr, port).String(), nil
}
