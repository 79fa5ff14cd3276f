//go:build !unix

package keepalive

import "net"

// peekLiveness has no portable non-destructive-read primitive on
// non-Unix platforms; checked=false tells the caller to skip the
// liveness check rather than risk consuming a byte of real data.
func peekLiveness(conn net.Conn) (closed bool, checked bool) {
	return false, false
}
