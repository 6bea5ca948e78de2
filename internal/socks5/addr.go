package socks5

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// MaxDomainLen 长度前缀只有一个字节
const MaxDomainLen = 255

// SplitDestination 拆分 "host:port"
func SplitDestination(dest string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(dest)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if h == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrInvalidDestination)
	}

	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrInvalidDestination, p)
	}
	return h, uint16(portNum), nil
}

// validateDomain 检查域名格式，只接受 ASCII
func validateDomain(domain string) error {
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("%w: invalid dot placement", ErrInvalidDestination)
	}

	for i, label := range strings.Split(domain, ".") {
		if len(label) == 0 {
			return fmt.Errorf("%w: empty label", ErrInvalidDestination)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label %d too long", ErrInvalidDestination, i)
		}

		for j, r := range label {
			if r > unicode.MaxASCII {
				return fmt.Errorf("%w: non-ASCII name", ErrInvalidDestination)
			}
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return fmt.Errorf("%w: invalid character %q", ErrInvalidDestination, r)
			}
			if r == '-' && (j == 0 || j == len(label)-1) {
				return fmt.Errorf("%w: hyphen at label boundary", ErrInvalidDestination)
			}
		}
	}

	return nil
}
