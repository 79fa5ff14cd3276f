package httpclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/taskqueue"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// connectResult is what the connect phase hands to the send phase.
type connectResult struct {
	conn     net.Conn
	tlsState *tls.ConnectionState
	reused   bool
	cachePos int // 1-based keep-alive slot, 0 when fresh
}

// connect establishes the transport: keep-alive reuse when available,
// otherwise a fresh dial (TCP, Unix socket, or through a proxy),
// followed by the TLS handshake when the scheme demands it. deadline
// is the task's effective hard deadline.
func (t *httpTask) connect(deadline time.Time) (*connectResult, error) {
	p := t.parsed

	if entry, ok := t.client.cache.Lookup(p.host, p.port); ok {
		return &connectResult{
			conn:     entry.Conn,
			tlsState: entry.TLSState,
			reused:   true,
			cachePos: entry.Position(),
		}, nil
	}

	conn, err := t.dial(deadline)
	if err != nil {
		return nil, err
	}

	if p.useTLS {
		tlsConn, state, err := t.handshake(conn, deadline)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &connectResult{conn: tlsConn, tlsState: state}, nil
	}
	return &connectResult{conn: conn}, nil
}

// dial opens the raw transport. With a tunneling proxy the TCP
// connection goes to the proxy and a CONNECT exchange runs over it
// before the caller layers TLS on top.
func (t *httpTask) dial(deadline time.Time) (net.Conn, error) {
	p := t.parsed
	req := t.req

	var network, address string
	switch {
	case p.dialMode == DialUnix:
		network, address = "unix", req.UnixSocketPath
	case req.Proxy != nil:
		network = "tcp"
		address = net.JoinHostPort(req.Proxy.Host, strconv.Itoa(req.Proxy.Port))
	default:
		network = "tcp"
		address = net.JoinHostPort(p.host, strconv.Itoa(p.port))
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.Dial(network, address)
	if err != nil {
		if isTimeout(err) {
			return nil, errkind.TimeoutError(errkind.PhaseConnect, "connect timed out", err)
		}
		return nil, errkind.TransportError("connect failed", err)
	}

	if req.Proxy != nil && (req.Proxy.Tunnel || p.useTLS) {
		if err := t.tunnel(conn, deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// tunnel drives the CONNECT exchange through the proxy as a dedicated
// sub-task on a local one-slot queue, expecting a 2xx status before
// the caller proceeds to the TLS handshake.
func (t *httpTask) tunnel(conn net.Conn, deadline time.Time) error {
	p := t.parsed
	var tunnelErr error

	sub := taskqueue.NewTask(func(task *taskqueue.Task, s taskqueue.State) (taskqueue.State, time.Time) {
		switch s {
		case taskqueue.StateInit:
			return taskqueue.StateWrite, time.Time{}
		case taskqueue.StateWrite:
			conn.SetDeadline(deadline)
			if _, err := conn.Write(connectPreamble(p.host, p.port)); err != nil {
				tunnelErr = errkind.TransportError("proxy CONNECT write failed", err)
				task.SetError(tunnelErr)
				return taskqueue.StateDone, time.Time{}
			}
			return taskqueue.StateRead, time.Time{}
		case taskqueue.StateRead:
			br := bufio.NewReader(conn)
			line, err := br.ReadString('\n')
			if err != nil {
				tunnelErr = errkind.TransportError("proxy CONNECT read failed", err)
				task.SetError(tunnelErr)
				return taskqueue.StateDone, time.Time{}
			}
			status, err := urlutil.ParseStatusLine(trimCRLF(line))
			if err != nil {
				tunnelErr = errkind.ProtocolError("malformed proxy CONNECT response", err)
				task.SetError(tunnelErr)
				return taskqueue.StateDone, time.Time{}
			}
			if status.Status < 200 || status.Status > 299 {
				tunnelErr = errkind.ProtocolError(
					fmt.Sprintf("proxy CONNECT refused with status %d", status.Status), nil)
				task.SetError(tunnelErr)
				return taskqueue.StateDone, time.Time{}
			}
			// Drain the CONNECT response's header block.
			if _, err := urlutil.ParseHeaderBlock(br); err != nil {
				tunnelErr = errkind.ProtocolError("malformed proxy CONNECT headers", err)
				task.SetError(tunnelErr)
			}
			return taskqueue.StateDone, time.Time{}
		default:
			return taskqueue.StateDone, time.Time{}
		}
	}, nil)

	q := taskqueue.NewQueue("connect-tunnel")
	q.Enqueue(sub)
	if sub.Wait(deadline) == taskqueue.WaitTimeout {
		return errkind.TimeoutError(errkind.PhaseConnect, "proxy CONNECT timed out", nil)
	}
	return tunnelErr
}

// handshake layers TLS over conn. The handshake's own deadline is the
// time remaining against the task's hard deadline; a non-positive
// remainder is already a TLS-setup timeout.
func (t *httpTask) handshake(conn net.Conn, deadline time.Time) (net.Conn, *tls.ConnectionState, error) {
	remaining := time.Until(deadline)
	if !deadline.IsZero() && remaining <= 0 {
		return nil, nil, errkind.TimeoutError(errkind.PhaseTLSSetup, "no time left for TLS setup", nil)
	}

	var peerIP net.IP
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peerIP = addr.IP
	}
	cfg := t.client.tls.clientConfig(t.parsed.host, peerIP)

	tlsConn := tls.Client(conn, cfg)
	tlsConn.SetDeadline(deadline)
	if err := tlsConn.Handshake(); err != nil {
		if isTimeout(err) {
			return nil, nil, errkind.TimeoutError(errkind.PhaseTLSHandshake, "TLS handshake timed out", err)
		}
		return nil, nil, errkind.ProtocolError("TLS handshake failed", err)
	}
	tlsConn.SetDeadline(time.Time{})
	state := tlsConn.ConnectionState()
	return tlsConn, &state, nil
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
