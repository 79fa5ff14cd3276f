//go:build unix

package keepalive

import (
	"net"
	"syscall"
)

// peekLiveness performs the MSG_PEEK liveness check: a
// non-destructive read that tells us whether the peer has closed the
// connection without consuming any bytes, so a live connection's next
// real read is unaffected.
func peekLiveness(conn net.Conn) (closed bool, checked bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, false
	}
	buf := make([]byte, 1)
	var n int
	var recvErr error
	err = raw.Read(func(fd uintptr) bool {
		n, _, recvErr = syscall.Recvfrom(int(fd), buf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return false, false
	}
	if recvErr == syscall.EAGAIN || recvErr == syscall.EWOULDBLOCK {
		return false, true // no data pending, peer still open
	}
	if recvErr != nil {
		return true, true
	}
	return n == 0, true
}
