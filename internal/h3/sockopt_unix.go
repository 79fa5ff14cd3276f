//go:build unix

package h3

import (
	"net"

	"golang.org/x/sys/unix"
)

// setRecvBuffer applies recvbufsize to the listener's UDP socket via
// a raw SO_RCVBUF setsockopt on the socket's file descriptor.
func setRecvBuffer(udp *net.UDPConn, size int) error {
	sc, err := udp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = sc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	if err != nil {
		return err
	}
	return sockErr
}
