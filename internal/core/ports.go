package core

import (
	"fmt"
	"net"
	"strconv"
)

// Default port assignments
const (
	DefaultAPIPort  = 8080
	DefaultNATSPort = 4222
)

// resolvePort returns preferred if it can be bound on host, otherwise a
// free port chosen by the kernel
func resolvePort(host string, preferred int) (int, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(preferred)))
		if err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("no free port on %s: %w", host, err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
