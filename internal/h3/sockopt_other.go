//go:build !unix

package h3

import "net"

func setRecvBuffer(udp *net.UDPConn, size int) error {
	return udp.SetReadBuffer(size)
}
