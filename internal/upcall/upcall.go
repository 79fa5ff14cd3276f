// Package upcall defines the boundary between the protocol engines and
// the application request pipeline: the accepted-connection object the
// HTTP/3 driver hands to the application (dispatch), and the Send/Close
// entry points the application uses to produce the response from its
// own goroutines.
package upcall

import (
	"fmt"
	"os"
	"sync"

	"github.com/naviserver/httpengine/internal/urlutil"
)

// Request is a fully received request: parsed request line, ordered
// headers, and the body either in memory or spooled to a temp file.
type Request struct {
	Line    urlutil.RequestLine
	Headers *urlutil.Headers

	// Body holds small request bodies in memory. Nil when spooled or absent.
	Body []byte
	// SpoolFile/SpoolPath carry large or unknown-size bodies. The
	// application owns the descriptor after dispatch.
	SpoolFile *os.File
	SpoolPath string

	ContentLength int64 // -1 when unknown
}

// SendFlags modify a Send call.
type SendFlags int

const (
	// SendEOF marks the stream closed by the application; no further
	// body bytes follow.
	SendEOF SendFlags = 1 << iota
)

// Sock is the accepted server-side connection object passed to the
// dispatch upcall. The application produces the response through Send
// and finishes with Close; both are safe to call from any goroutine.
type Sock struct {
	Req  *Request
	Peer string // remote address, diagnostic
	ID   string // connection correlation ID

	sendFn  func(status int, hdrs *urlutil.Headers, iov [][]byte, flags SendFlags) (int, error)
	closeFn func() error

	mu        sync.Mutex
	status    int
	hdrs      *urlutil.Headers
	closeOnce sync.Once
	closeErr  error
}

// NewSock wires a Sock to the driver's send/close hooks. The driver
// calls this; applications only ever receive the result.
func NewSock(req *Request, peer, id string,
	sendFn func(status int, hdrs *urlutil.Headers, iov [][]byte, flags SendFlags) (int, error),
	closeFn func() error) *Sock {
	return &Sock{
		Req:     req,
		Peer:    peer,
		ID:      id,
		status:  200,
		hdrs:    urlutil.NewHeaders(),
		sendFn:  sendFn,
		closeFn: closeFn,
	}
}

// SetStatus stages the response status. Must precede the first Send.
func (s *Sock) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Header returns the staged response header set for mutation before
// the first Send.
func (s *Sock) Header() *urlutil.Headers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdrs
}

// Send delivers response bytes. The first call stages the response
// headers; subsequent calls enqueue body bytes only. Returns bytes
// accepted. SendEOF marks the stream closed by the application.
func (s *Sock) Send(iov [][]byte, flags SendFlags) (int, error) {
	s.mu.Lock()
	status, hdrs := s.status, s.hdrs
	s.mu.Unlock()
	if s.sendFn == nil {
		return 0, fmt.Errorf("upcall: send on detached sock")
	}
	return s.sendFn(status, hdrs, iov, flags)
}

// Close finishes the response: marks the stream closed by the
// application and requests a final flush. Idempotent.
func (s *Sock) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
	})
	return s.closeErr
}

// ReleaseSpool removes the request's spool file, if any. Called by the
// application (or the driver's reaper as a backstop) once the body has
// been consumed.
func (s *Sock) ReleaseSpool() {
	if s.Req == nil || s.Req.SpoolFile == nil {
		return
	}
	s.Req.SpoolFile.Close()
	if s.Req.SpoolPath != "" {
		os.Remove(s.Req.SpoolPath)
	}
	s.Req.SpoolFile = nil
	s.Req.SpoolPath = ""
}

// Dispatcher is the application request pipeline. Dispatch returns
// synchronously; a nil error means the application has taken ownership
// of producing the response through the Sock.
type Dispatcher interface {
	Dispatch(sock *Sock) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(sock *Sock) error

func (f DispatcherFunc) Dispatch(sock *Sock) error { return f(sock) }
