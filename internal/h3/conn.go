package h3

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/metrics"
	"github.com/naviserver/httpengine/internal/shared"
)

// ConnState is a connection's lifecycle state.
type ConnState int

const (
	ConnActive ConnState = iota
	ConnClosing
	ConnClosed
)

// applicationErrNoError is the H3_NO_ERROR application error code.
const applicationErrNoError = 0x100

// Conn is the per-QUIC-connection context: the connection handle, the
// three server-initiated uni streams, the stream table, the shared
// resume state, and lifecycle flags. Stream-table and state mutations
// happen on the driver goroutine; the accept pumps only deliver new
// streams through the mailbox.
type Conn struct {
	id     string
	qc     *quic.Conn
	server *Server

	ctrl     *quic.SendStream
	qpackEnc *quic.SendStream
	qpackDec *quic.SendStream

	streams map[int64]*Stream
	shared  *shared.State

	state                   ConnState
	settingsSeen            bool
	wantsWrite              bool
	peerMaxFieldSectionSize uint64

	pidx int

	mu      sync.Mutex
	arrived []*Stream // accepted streams awaiting driver registration

	cancelPumps context.CancelFunc
}

func (c *Conn) pollSlot() int     { return c.pidx }
func (c *Conn) setPollSlot(i int) { c.pidx = i }

func (c *Conn) remoteAddr() string {
	if c.qc == nil {
		return ""
	}
	return c.qc.RemoteAddr().String()
}

// newConn wires up a freshly accepted QUIC connection: creates the
// context, opens the three server uni streams (control with SETTINGS,
// QPACK encoder, QPACK decoder), and starts the stream-accept pumps.
func (s *Server) newConn(qc *quic.Conn) (*Conn, error) {
	c := &Conn{
		id:      uuid.NewString(),
		qc:      qc,
		server:  s,
		streams: make(map[int64]*Stream),
		pidx:    -1,
	}
	c.shared = shared.NewState(func(any) { s.wakeUp() }, nil)

	if err := c.openServerStreams(); err != nil {
		qc.CloseWithError(applicationErrNoError, "setup failed")
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelPumps = cancel
	go c.acceptBidiPump(ctx)
	go c.acceptUniPump(ctx)

	metrics.H3ConnectionsActive.Inc()
	logging.Info("connection accepted",
		zap.String("conn", c.id), zap.String("peer", c.remoteAddr()))
	return c, nil
}

// openServerStreams opens control/QPACK-encoder/QPACK-decoder, writes
// each stream's type varint, and sends SETTINGS on the control stream.
func (c *Conn) openServerStreams() error {
	var err error
	if c.ctrl, err = c.openTyped(streamTypeControl, settingsFrame()); err != nil {
		return err
	}
	if c.qpackEnc, err = c.openTyped(streamTypeQPACKEncoder, nil); err != nil {
		return err
	}
	c.qpackDec, err = c.openTyped(streamTypeQPACKDecoder, nil)
	return err
}

func (c *Conn) openTyped(streamType uint64, payload []byte) (*quic.SendStream, error) {
	str, err := c.qc.OpenUniStream()
	if err != nil {
		return nil, err
	}
	buf := quicvarint.Append(nil, streamType)
	buf = append(buf, payload...)
	if _, err := str.Write(buf); err != nil {
		return nil, err
	}
	return str, nil
}

// acceptBidiPump accepts client bidirectional (request) streams and
// hands them to the driver through the mailbox.
func (c *Conn) acceptBidiPump(ctx context.Context) {
	for {
		qs, err := c.qc.AcceptStream(ctx)
		if err != nil {
			c.server.noteConnError(c, err)
			return
		}
		st := newStream(c, int64(qs.StreamID()), KindBidiReq)
		st.qs = qs
		c.deliver(st)
		go c.readPump(st, qs)
	}
}

// acceptUniPump accepts client unidirectional streams, classifies each
// by its leading type varint, and starts a read pump for the peer's
// control stream (QPACK streams are drained and discarded since the
// QPACK codec runs static-table-only).
func (c *Conn) acceptUniPump(ctx context.Context) {
	for {
		rs, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			c.server.noteConnError(c, err)
			return
		}
		go c.classifyUni(ctx, rs)
	}
}

func (c *Conn) classifyUni(ctx context.Context, rs *quic.ReceiveStream) {
	streamType, err := quicvarint.Read(newStreamByteReader(rs))
	if err != nil {
		logging.Debug("client uni stream died before its type byte",
			zap.String("conn", c.id), zap.Error(err))
		return
	}
	kind := KindClientUni
	switch streamType {
	case streamTypeControl:
		kind = KindControl
	case streamTypeQPACKEncoder:
		kind = KindQPACKEncoder
	case streamTypeQPACKDecoder:
		kind = KindQPACKDecoder
	case streamTypePush:
		// Clients must not open push streams.
		rs.CancelRead(applicationErrNoError)
		return
	}
	st := newStream(c, int64(rs.StreamID()), kind)
	st.rs = rs
	c.deliver(st)

	if kind == KindControl {
		go c.readPump(st, rs)
		return
	}
	// QPACK encoder/decoder instruction streams: drain and drop.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := rs.Read(buf); err != nil {
				return
			}
		}
	}()
}

// deliver queues a classified stream for driver-side registration.
func (c *Conn) deliver(st *Stream) {
	c.mu.Lock()
	c.arrived = append(c.arrived, st)
	c.mu.Unlock()
	c.server.wakeUp()
}

// takeArrived drains the arrival mailbox (driver goroutine).
func (c *Conn) takeArrived() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.arrived
	c.arrived = nil
	return out
}

// readPump fills the stream's staging from the QUIC receive side and
// wakes the driver. All frame parsing happens on the driver goroutine;
// the pump is purely an I/O relay.
func (c *Conn) readPump(st *Stream, r io.Reader) {
	buf := make([]byte, recvStagingCap)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			st.stageRecv(buf[:n], false)
			c.server.wakeUp()
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				st.stageRecv(nil, true)
			default:
				var serr *quic.StreamError
				if errors.As(err, &serr) {
					st.markReset(uint64(serr.ErrorCode))
					logging.Debug("peer reset stream",
						zap.String("conn", c.id), zap.Int64("stream", st.id),
						zap.Uint64("code", uint64(serr.ErrorCode)))
				} else {
					st.markReset(0)
				}
			}
			c.server.wakeUp()
			return
		}
	}
}

// keepsAlive reports whether a request stream still pins the
// connection: either half OK at the QUIC level, pending response
// bytes, or an application that has not signalled close.
func (st *Stream) keepsAlive() bool {
	st.mu.Lock()
	ios := st.ioState
	st.mu.Unlock()
	if ios&ioReset != 0 {
		return false
	}
	if ios&ioRxFin == 0 || ios&ioTxFin == 0 {
		return true
	}
	snap := st.shared.Snapshot()
	return snap.QueuedBytes > 0 || snap.PendingBytes > 0 || !snap.ClosedByApp
}

// beginShutdown enters the closing state once: GOAWAY on the control
// stream, then connection close once streams drain (or immediately
// when force is set).
func (c *Conn) beginShutdown(force bool) {
	if c.state == ConnClosed {
		return
	}
	if c.state == ConnActive {
		c.state = ConnClosing
		if c.ctrl != nil {
			if _, err := c.ctrl.Write(goAwayFrame(uint64(c.nextClientBidi()))); err != nil {
				logging.Debug("GOAWAY write failed", zap.String("conn", c.id), zap.Error(err))
			}
		}
	}
	if force || !c.hasLiveRequestStreams() {
		c.close()
	}
}

// nextClientBidi is the lowest client-bidi stream ID not yet seen,
// advertised in GOAWAY.
func (c *Conn) nextClientBidi() int64 {
	var max int64 = -4
	for id, st := range c.streams {
		if st.kind == KindBidiReq && id > max {
			max = id
		}
	}
	return max + 4
}

func (c *Conn) hasLiveRequestStreams() bool {
	for _, st := range c.streams {
		if st.kind == KindBidiReq && st.keepsAlive() {
			return true
		}
	}
	return false
}

// close tears the connection down: cancels the accept pumps, closes
// the QUIC connection, and marks the context closed. Stream slots are
// punched by the caller's sweep.
func (c *Conn) close() {
	if c.state == ConnClosed {
		return
	}
	c.state = ConnClosed
	if c.cancelPumps != nil {
		c.cancelPumps()
	}
	c.qc.CloseWithError(applicationErrNoError, "")
	metrics.H3ConnectionsActive.Dec()
	logging.Info("connection closed", zap.String("conn", c.id))
}

// streamByteReader adapts a quic.ReceiveStream to io.ByteReader for
// the type-varint read.
type streamByteReader struct {
	r   io.Reader
	buf [1]byte
}

func newStreamByteReader(r io.Reader) *streamByteReader {
	return &streamByteReader{r: r}
}

func (b *streamByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
