//go:build !linux

package origdst

import "net"

func originalDst(net.Conn) (string, error) {
	return "", ErrUnsupported
}
