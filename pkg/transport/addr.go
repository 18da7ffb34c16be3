package transport

import (
	"net"
	"strings"
)

// DefaultPort is the mesh health port every node listens on.
const DefaultPort = "8051"

// NormalizeHostPort cuts the http:// https:// prefixes from the input
// address and adds a default port when none is present.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

func hasScheme(addr string) bool {
	return strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://")
}
