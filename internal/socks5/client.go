// Package socks5 实现 SOCKS5 客户端的 CONNECT 握手（无认证，仅 IPv4 应答）。
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/proxy"
)

// ==================== SOCKS5 常量 ====================

const (
	Version5       = 0x05
	AuthNone       = 0x00
	AuthNoAccept   = 0xFF
	CmdConnect     = 0x01
	AtypIPv4       = 0x01
	AtypDomain     = 0x03
	AtypIPv6       = 0x04
	RepSuccess     = 0x00
	RepServerFail  = 0x01
	RepNotAllowed  = 0x02
	RepNetUnreach  = 0x03
	RepHostUnreach = 0x04
	RepConnRefused = 0x05
	RepTTLExpired  = 0x06
	RepCmdNotSupp  = 0x07
	RepAtypNotSupp = 0x08
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	// 固定的 IPv4 应答长度：VER REP RSV ATYP BND.ADDR(4) BND.PORT(2)
	replyLen = 10
)

// ==================== 错误定义 ====================

var (
	ErrUpstreamUnreachable = errors.New("socks5 upstream unreachable")
	ErrHandshakeRejected   = errors.New("socks5 handshake rejected")
	ErrShortReply          = errors.New("socks5 short reply")
	ErrAddressTooLong      = errors.New("destination name exceeds 255 bytes")
	ErrInvalidDestination  = errors.New("invalid destination")
)

// ReplyError 上游返回了非零应答码
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 connect failed: %s (0x%02x)", ReplyCodeText(e.Code), e.Code)
}

func (e *ReplyError) Is(target error) bool {
	return target == ErrHandshakeRejected
}

var replyText = map[byte]string{
	RepSuccess:     "succeeded",
	RepServerFail:  "general SOCKS server failure",
	RepNotAllowed:  "connection not allowed by ruleset",
	RepNetUnreach:  "network unreachable",
	RepHostUnreach: "host unreachable",
	RepConnRefused: "connection refused",
	RepTTLExpired:  "TTL expired",
	RepCmdNotSupp:  "command not supported",
	RepAtypNotSupp: "address type not supported",
}

// ReplyCodeText 返回 RFC 1928 应答码的说明
func ReplyCodeText(code byte) string {
	if s, ok := replyText[code]; ok {
		return s
	}
	return "unassigned"
}

// ==================== 请求编码 ====================

// BuildConnectRequest 构建 CONNECT 请求：
// VER CMD RSV ATYP DST.ADDR DST.PORT
func BuildConnectRequest(dest string) ([]byte, error) {
	host, port, err := SplitDestination(dest)
	if err != nil {
		return nil, err
	}

	var req []byte
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Is4() {
			return nil, fmt.Errorf("%w: only IPv4 literals are supported: %s", ErrInvalidDestination, host)
		}
		a := ip.As4()
		req = make([]byte, 0, 4+4+2)
		req = append(req, Version5, CmdConnect, 0x00, AtypIPv4)
		req = append(req, a[:]...)
	} else {
		if len(host) > MaxDomainLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrAddressTooLong, len(host))
		}
		if err := validateDomain(host); err != nil {
			return nil, err
		}
		req = make([]byte, 0, 4+1+len(host)+2)
		req = append(req, Version5, CmdConnect, 0x00, AtypDomain, byte(len(host)))
		req = append(req, host...)
	}

	return binary.BigEndian.AppendUint16(req, port), nil
}

// ==================== 拨号器 ====================

// Dialer 通过上游 SOCKS5 代理建立到目标的连接
type Dialer struct {
	// Forward 用于连接代理本身，nil 时直连
	Forward proxy.ContextDialer

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// StrictReply 为 true 时非零应答码视为失败
	StrictReply bool
}

// NewDialer 返回带默认超时、校验应答码的拨号器
func NewDialer() *Dialer {
	return &Dialer{
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		StrictReply:      true,
	}
}

// Dial 使用默认拨号器
func Dial(ctx context.Context, proxyAddr, dest string) (net.Conn, error) {
	return NewDialer().Dial(ctx, proxyAddr, dest)
}

// Dial 连接 proxyAddr 并完成到 dest 的 CONNECT 协商，
// 返回的连接可直接用于原始字节转发。
func (d *Dialer) Dial(ctx context.Context, proxyAddr, dest string) (net.Conn, error) {
	req, err := BuildConnectRequest(dest)
	if err != nil {
		return nil, err
	}

	forward := d.Forward
	if forward == nil {
		forward = proxy.Direct
	}

	dialCtx := ctx
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	conn, err := forward.DialContext(dialCtx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, proxyAddr, err)
	}

	if err := d.handshake(ctx, conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake 方法协商 + CONNECT，期间的超时只作用于协商阶段
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, req []byte) error {
	if d.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(d.HandshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	if _, err := conn.Write([]byte{Version5, 1, AuthNone}); err != nil {
		return fmt.Errorf("%w: write greeting: %v", ErrUpstreamUnreachable, err)
	}

	var method [2]byte
	if _, err := io.ReadFull(conn, method[:]); err != nil {
		return fmt.Errorf("%w: method selection: %v", ErrShortReply, err)
	}
	if method[0] != Version5 || method[1] != AuthNone {
		return fmt.Errorf("%w: version 0x%02x, method 0x%02x", ErrHandshakeRejected, method[0], method[1])
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("%w: write request: %v", ErrUpstreamUnreachable, err)
	}

	var reply [replyLen]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("%w: connect reply: %v", ErrShortReply, err)
	}
	if d.StrictReply {
		if reply[0] != Version5 {
			return fmt.Errorf("%w: reply version 0x%02x", ErrHandshakeRejected, reply[0])
		}
		if reply[1] != RepSuccess {
			return &ReplyError{Code: reply[1]}
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, ctx.Err())
	}
	return nil
}
