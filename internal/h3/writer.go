package h3

import (
	"errors"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/metrics"
	"github.com/naviserver/httpengine/internal/shared"
)

// spliceBatch bounds how many queued bytes one splice moves to pending.
const spliceBatch = 64 * 1024

// writeDeadline bounds each QUIC write so a zero flow-control window
// never blocks the driver: an expired deadline is the WANT_WRITE
// analog and the write is retried on the next (drain-cadence) pass.
const writeDeadline = time.Millisecond

// writeStep runs the per-connection writer: drain the resume ring,
// submit response headers that became ready, stream pending body
// bytes as DATA frames, and conclude finished streams with FIN.
func (s *Server) writeStep() {
	for c := range s.conns {
		if c.state == ConnClosed {
			continue
		}
		c.wantsWrite = false

		for {
			sids := c.shared.DrainResume(resumeDrainBatch)
			for _, sid := range sids {
				st := c.streams[int64(sid)]
				if st != nil {
					shared.ResumeClear(st.shared)
					st.txServedInPass = false
					s.serviceStream(c, st)
				}
			}
			if len(sids) < resumeDrainBatch {
				break
			}
		}

		// WANT_WRITE leftovers from earlier passes retry here.
		for _, st := range c.streams {
			if st.wantsWriteFlagged() && s.pollset.Events(st)&EventWrite != 0 {
				st.txServedInPass = false
				s.serviceStream(c, st)
			}
		}
	}
}

func (st *Stream) wantsWriteFlagged() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.wantsWrite
}

func (st *Stream) setWantsWrite(v bool) {
	st.mu.Lock()
	st.wantsWrite = v
	st.mu.Unlock()
}

// serviceStream advances one stream's transmit side as far as flow
// control allows. Headers are always submitted before any body vec.
// writeStep clears txServedInPass before every call, so the flag does
// not limit a stream to one service per pass: a stream drained from
// the resume ring and still flagged WANT_WRITE is served again in the
// same pass.
func (s *Server) serviceStream(c *Conn, st *Stream) {
	if st.kind != KindBidiReq || st.qs == nil || st.eofSent || st.ioStateHas(ioReset) {
		return
	}
	if st.txServedInPass {
		return
	}
	st.txServedInPass = true

	if st.shared.HdrsIsReady() && !st.hdrsSubmitted {
		frame, err := encodeHeadersFrame(st.respFields)
		if err != nil {
			logging.Error("response header encode failed",
				zap.String("conn", c.id), zap.Int64("stream", st.id), zap.Error(err))
			s.streamError(c, st, err)
			return
		}
		st.txCarry = append(st.txCarry, frame...)
		st.hdrsSubmitted = true
		st.shared.HdrsClear()
	}
	if !st.hdrsSubmitted {
		// Body bytes may already be queued, but nothing goes on the
		// wire before the response headers.
		return
	}

	if !s.flushStream(c, st) {
		return // blocked; retry on the next pass
	}
	st.setWantsWrite(false)

	if st.shared.EOFReady() && !st.eofSent {
		if err := st.qs.Close(); err != nil {
			s.handleWriteErr(c, st, err)
			return
		}
		st.eofSent = true
		st.setIOState(ioTxFin)
		s.pollset.Disable(st, EventWrite)
		logging.Debug("response concluded",
			zap.String("conn", c.id), zap.Int64("stream", st.id))
	}

	if st.shared.HasData() || st.wantsWriteFlagged() {
		s.pollset.Enable(st, EventWrite)
	} else if st.eofSent {
		s.pollset.Disable(st, EventWrite)
	}
}

// flushStream writes carried framing bytes and pending body vecs.
// Returns false when the stream blocked (flow control or pacing) and
// should be retried.
func (s *Server) flushStream(c *Conn, st *Stream) bool {
	// Framing bytes (HEADERS frame, DATA frame headers, partial-frame
	// remainders) always go first.
	if !s.flushCarry(c, st) {
		return false
	}

	for {
		// Finish a DATA frame whose declared payload is still owed
		// before opening a new one.
		if st.txOwed > 0 {
			if !s.writeOwed(c, st) {
				return false
			}
			continue
		}

		if st.shared.CanMove() {
			st.shared.SpliceQueuedToPending(spliceBatch)
		}
		vecs := st.shared.BuildVecsFromPending(8)
		if len(vecs) == 0 {
			return true
		}
		var total uint64
		for _, v := range vecs {
			total += uint64(len(v.Base))
		}
		st.txCarry = append(st.txCarry, dataFrameHeader(total)...)
		st.txOwed = total
		if !s.flushCarry(c, st) {
			return false
		}
	}
}

// flushCarry drains st.txCarry (framing bytes, never body).
func (s *Server) flushCarry(c *Conn, st *Stream) bool {
	for len(st.txCarry) > 0 {
		n, err := s.pacedWrite(st, st.txCarry)
		if n > 0 {
			st.txCarry = st.txCarry[n:]
		}
		if err != nil {
			return s.handleWriteErr(c, st, err)
		}
	}
	st.txCarry = nil
	return true
}

// writeOwed writes body bytes against the current DATA frame's
// declared length, trimming the shared pending queue only by the
// overlap with the head chunk so framing is never trimmed as body.
func (s *Server) writeOwed(c *Conn, st *Stream) bool {
	for st.txOwed > 0 {
		vecs := st.shared.BuildVecsFromPending(1)
		if len(vecs) == 0 {
			// Cannot happen while txOwed > 0 unless the queue was
			// cleared by a reset; stop quietly.
			st.txOwed = 0
			return true
		}
		v := vecs[0]
		buf := v.Base
		if uint64(len(buf)) > st.txOwed {
			buf = buf[:st.txOwed]
		}
		n, err := s.pacedWrite(st, buf)
		if n > 0 {
			st.shared.TrimPendingFromVec(v, n)
			st.txOwed -= uint64(n)
			metrics.H3BytesTotal.WithLabelValues("tx").Add(float64(n))
		}
		if err != nil {
			return s.handleWriteErr(c, st, err)
		}
	}
	return true
}

// pacedWrite performs one deadline-bounded QUIC write, consulting the
// optional transmit pacer first.
func (s *Server) pacedWrite(st *Stream, buf []byte) (int, error) {
	if s.pacer != nil && !s.pacer.Allow(len(buf)) {
		return 0, os.ErrDeadlineExceeded
	}
	st.qs.SetWriteDeadline(time.Now().Add(writeDeadline))
	return st.qs.Write(buf)
}

// handleWriteErr classifies a write failure: an expired deadline is
// the recoverable WANT_WRITE case; a peer reset shuts the stream's
// write side down; anything else is connection-fatal.
func (s *Server) handleWriteErr(c *Conn, st *Stream, err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		st.setWantsWrite(true)
		c.wantsWrite = true
		s.pollset.Enable(st, EventWrite)
		return false
	}
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		logging.Debug("peer reset during write",
			zap.String("conn", c.id), zap.Int64("stream", st.id),
			zap.Uint64("code", uint64(serr.ErrorCode)))
		st.markReset(uint64(serr.ErrorCode))
		st.shared.MarkClosedByApp()
		st.setWantsWrite(false)
		s.pollset.Disable(st, EventWrite)
		return false
	}
	logging.Warn("stream write failed, closing connection",
		zap.String("conn", c.id), zap.Int64("stream", st.id), zap.Error(err))
	c.state = ConnClosing
	st.setWantsWrite(false)
	return false
}
