// Package h3 implements the HTTP/3 over QUIC server driver: listener
// accept, per-connection control/QPACK stream setup, per-stream
// request receive and response transmit with flow-controlled body
// streaming, graceful shutdown, and connection/stream reaping.
//
// A single driver goroutine owns every state machine transition,
// frame-layer call, and pollset mutation; blocking QUIC I/O waits are
// delegated to small relay goroutines (accept pumps and read pumps)
// that communicate with the driver exclusively through lock-guarded
// mailboxes and the edge-triggered wake channel.
package h3

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/metrics"
	"github.com/naviserver/httpengine/internal/upcall"
)

// maxIncomingBidiStreams is the client-bidi credit advertised at the
// QUIC layer.
const maxIncomingBidiStreams = 100

// resumeDrainBatch bounds how many resume-ring entries one writer pass
// services before re-checking for new work.
const resumeDrainBatch = 64

// Server is one HTTP/3 listener instance and its driver goroutine.
type Server struct {
	cfg        config.H3Config
	dispatcher upcall.Dispatcher

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	accepted []*quic.Conn // accept-pump mailbox
	deadConn map[*Conn]bool

	// Driver-goroutine-owned state.
	conns   map[*Conn]struct{}
	pollset *Pollset

	pacer *Pacer
}

// NewServer binds the UDP socket (applying recvbufsize), builds the
// QUIC listener, and prepares — but does not start — the driver.
func NewServer(addr string, tlsConf *tls.Config, cfg config.H3Config, dispatcher upcall.Dispatcher, pacer *Pacer) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if cfg.RecvBufSize > 0 {
		if err := setRecvBuffer(udp, cfg.RecvBufSize); err != nil {
			logging.Warn("cannot set UDP receive buffer",
				zap.Int("size", cfg.RecvBufSize), zap.Error(err))
		}
	}

	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{"h3"}

	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, &quic.Config{
		MaxIncomingStreams:    maxIncomingBidiStreams,
		MaxIncomingUniStreams: 16,
		MaxIdleTimeout:        30 * time.Second,
	})
	if err != nil {
		udp.Close()
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		udp:        udp,
		tr:         tr,
		ln:         ln,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		deadConn:   make(map[*Conn]bool),
		conns:      make(map[*Conn]struct{}),
		pollset:    NewPollset(),
		pacer:      pacer,
	}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr { return s.udp.LocalAddr() }

// Serve runs the accept pump and the driver loop until Close. It
// blocks; callers usually run it on its own goroutine.
func (s *Server) Serve() error {
	go s.acceptPump()
	s.drive()
	return nil
}

// wakeUp is the edge-triggered, idempotent driver wake: publish state
// first, then wake; a full channel means a wake is already pending.
func (s *Server) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// acceptPump accepts QUIC connections (the TLS handshake completes
// inside Accept) and delivers them to the driver.
func (s *Server) acceptPump() {
	ctx := context.Background()
	for {
		qc, err := s.ln.Accept(ctx)
		if err != nil {
			select {
			case <-s.stop:
			default:
				logging.Error("listener accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		s.accepted = append(s.accepted, qc)
		s.mu.Unlock()
		s.wakeUp()
	}
}

// noteConnError is called from a connection's pumps when its QUIC
// side failed or went away; the driver handles the teardown.
func (s *Server) noteConnError(c *Conn, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	s.deadConn[c] = true
	s.mu.Unlock()
	s.wakeUp()
}

// drive is the driver loop: one pass services accepted connections,
// staged receive data, the writer step, and the sweep; the poll
// timeout adapts between the idle and drain cadence.
func (s *Server) drive() {
	defer close(s.done)
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		timeout := s.cfg.IdleTimeout
		if s.anyPendingWork() {
			timeout = s.cfg.DrainTimeout
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case <-s.stop:
			s.shutdownAll()
			return
		case <-s.wake:
		case <-timer.C:
		}

		s.admitConnections()
		s.registerStreams()
		s.serviceReads()
		s.writeStep()
		s.sweep()
		s.pollset.Consolidate()
	}
}

// anyPendingWork reports whether any connection advertised pending
// write work or pending resumes, selecting the drain cadence.
func (s *Server) anyPendingWork() bool {
	for c := range s.conns {
		if c.wantsWrite {
			return true
		}
		for _, st := range c.streams {
			if st.wantsWriteFlagged() || st.shared.HasData() || st.hasStaged() {
				return true
			}
		}
	}
	return false
}

// admitConnections drains the accept mailbox and sets each connection
// up (uni streams, pumps, pollset registration).
func (s *Server) admitConnections() {
	s.mu.Lock()
	pending := s.accepted
	s.accepted = nil
	s.mu.Unlock()

	for _, qc := range pending {
		c, err := s.newConn(qc)
		if err != nil {
			logging.Error("connection setup failed", zap.Error(err))
			continue
		}
		s.conns[c] = struct{}{}
		s.pollset.Add(c, EventRead|EventConnErr)
	}
}

// registerStreams pulls classified streams out of each connection's
// arrival mailbox into the stream table and the pollset.
func (s *Server) registerStreams() {
	for c := range s.conns {
		for _, st := range c.takeArrived() {
			if c.state != ConnActive && st.kind == KindBidiReq {
				// Late request stream on a closing connection.
				st.qs.CancelRead(applicationErrNoError)
				st.qs.CancelWrite(applicationErrNoError)
				continue
			}
			c.streams[st.id] = st
			mask := EventRead
			if st.kind == KindBidiReq {
				mask |= EventWrite
				metrics.H3StreamsActive.Inc()
			}
			s.pollset.Add(st, mask)
			logging.Debug("stream registered",
				zap.String("conn", c.id), zap.Int64("stream", st.id),
				zap.String("kind", st.kind.String()))
		}
	}
}

// serviceReads feeds staged receive bytes through each readable
// stream's frame parser. Protocol errors reset the stream; control
// stream errors tear the connection down.
func (s *Server) serviceReads() {
	for c := range s.conns {
		if c.state == ConnClosed {
			continue
		}
		for _, st := range c.streams {
			if s.pollset.Events(st)&EventRead == 0 {
				continue
			}
			if err := st.drainStaged(); err != nil {
				s.streamError(c, st, err)
			}
		}
	}
}

// streamError handles a per-stream protocol failure: request streams
// are reset, control-stream failures are connection-fatal.
func (s *Server) streamError(c *Conn, st *Stream, err error) {
	logging.Warn("stream protocol error",
		zap.String("conn", c.id), zap.Int64("stream", st.id), zap.Error(err))
	if st.kind == KindControl {
		c.beginShutdown(true)
		return
	}
	if st.qs != nil {
		st.qs.CancelRead(applicationErrNoError)
		st.qs.CancelWrite(applicationErrNoError)
	}
	st.markReset(0)
	st.shared.MarkClosedByApp()
	s.pollset.Disable(st, EventRead|EventWrite)
}

// sweep finalizes dead streams, settles closing connections, and
// punches dead pollset slots.
func (s *Server) sweep() {
	s.mu.Lock()
	dead := s.deadConn
	s.deadConn = make(map[*Conn]bool)
	s.mu.Unlock()
	for c := range dead {
		if _, ok := s.conns[c]; ok {
			c.beginShutdown(true)
		}
	}

	for c := range s.conns {
		for id, st := range c.streams {
			if st.kind != KindBidiReq || !st.canFinalize() {
				continue
			}
			reason := "fin"
			if st.ioStateHas(ioReset) {
				reason = "reset"
			}
			s.pollset.Disable(st, EventRead|EventWrite)
			s.pollset.MarkDead(st)
			delete(c.streams, id)
			st.finalize(reason)
		}

		switch c.state {
		case ConnClosing:
			if !c.hasLiveRequestStreams() {
				c.close()
			}
		case ConnClosed:
			for id, st := range c.streams {
				s.pollset.MarkDead(st)
				delete(c.streams, id)
				if st.kind == KindBidiReq {
					st.finalize("conn_closed")
				}
			}
			s.pollset.MarkDead(c)
			delete(s.conns, c)
		}
	}
}

// shutdownAll performs the orderly exit: GOAWAY and close on every
// connection, then listener and socket teardown.
func (s *Server) shutdownAll() {
	for c := range s.conns {
		c.beginShutdown(true)
	}
	s.ln.Close()
	s.udp.Close()
}

// Close stops the driver and waits for it to finish.
func (s *Server) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	s.wakeUp()
	<-s.done
	return nil
}

