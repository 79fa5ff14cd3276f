package h3

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/chunk"
	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/metrics"
	"github.com/naviserver/httpengine/internal/shared"
	"github.com/naviserver/httpengine/internal/upcall"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// StreamKind classifies an accepted QUIC stream.
type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindBidiReq
	KindControl
	KindQPACKEncoder
	KindQPACKDecoder
	KindClientUni
)

func (k StreamKind) String() string {
	switch k {
	case KindBidiReq:
		return "bidi-request"
	case KindControl:
		return "control"
	case KindQPACKEncoder:
		return "qpack-encoder"
	case KindQPACKDecoder:
		return "qpack-decoder"
	case KindClientUni:
		return "client-uni"
	default:
		return "unknown"
	}
}

// io_state bits.
const (
	ioRxFin = 1 << iota
	ioTxFin
	ioReset
	ioReqReady
	ioReqDispatched
)

// recvStagingCap is the fixed capacity of the per-stream receive
// staging buffer.
const recvStagingCap = 16 * 1024

// Stream is the per-stream context: QUIC stream handles, the frame
// parser, request assembly state, and the shared response queues.
// Fields below the mutex are shared with the reader pump and
// application goroutines; the rest is owned by the driver goroutine.
type Stream struct {
	id   int64
	kind StreamKind
	conn *Conn

	qs *quic.Stream        // bidi request stream, nil otherwise
	rs *quic.ReceiveStream // uni receive half, nil for bidi

	pidx int // pollset slot back-reference

	mu         sync.Mutex
	ioState    int
	rxStaged   chunk.Queue // bytes staged by the reader pump, not yet fed
	rxFin      bool        // FIN observed after all staged bytes
	resetCode  uint64
	wantsWrite bool

	// Driver-owned state below.
	parser *frameParser

	// Request assembly.
	method, path, authority, scheme string
	hdrs                            *urlutil.Headers
	sawHostHeader                   bool
	contentLength                   int64 // -1 unknown
	received                        int64
	bodyBuf                         []byte
	spoolFile                       *os.File
	spoolPath                       string

	// Response state.
	shared         *shared.Stream
	respFields     []upcall.Field
	hdrsSubmitted  bool
	eofSent        bool
	txServedInPass bool
	txCarry        []byte // framing bytes owed to the wire
	txOwed         uint64 // declared DATA payload bytes not yet written
	sock           *upcall.Sock
}

func (s *Stream) pollSlot() int     { return s.pidx }
func (s *Stream) setPollSlot(i int) { s.pidx = i }

// newStream builds a stream context and binds it as the frame parser's
// event sink.
func newStream(conn *Conn, id int64, kind StreamKind) *Stream {
	s := &Stream{
		id:            id,
		kind:          kind,
		conn:          conn,
		pidx:          -1,
		hdrs:          urlutil.NewHeaders(),
		contentLength: -1,
	}
	s.parser = newFrameParser(s)
	s.shared = shared.NewStream(conn.shared, uint64(id))
	return s
}

// --- reader pump side ---

// stageRecv appends freshly read bytes under the stream lock. Called
// by the reader pump; the driver consumes staging on its next pass.
func (s *Stream) stageRecv(buf []byte, fin bool) {
	s.mu.Lock()
	if len(buf) > 0 {
		s.rxStaged.Enqueue(buf)
	}
	if fin {
		s.rxFin = true
	}
	s.mu.Unlock()
}

// hasStaged reports undelivered receive bytes (or an unprocessed FIN),
// which keeps the driver on the drain cadence.
func (s *Stream) hasStaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxStaged.Unread() > 0 || (s.rxFin && s.ioState&ioRxFin == 0)
}

// markReset records a peer reset observed by the reader pump.
func (s *Stream) markReset(code uint64) {
	s.mu.Lock()
	s.ioState |= ioReset
	s.resetCode = code
	s.mu.Unlock()
}

// --- driver side: receive processing ---

// drainStaged feeds staged receive bytes into the frame parser. A
// bidi request stream arriving before the peer's control-stream
// SETTINGS keeps staging without feeding. On a clean EOF the FIN is
// delivered once the staging buffer has drained.
func (s *Stream) drainStaged() error {
	if s.kind == KindBidiReq && !s.conn.settingsSeen {
		return nil
	}
	for {
		s.mu.Lock()
		if s.rxStaged.Unread() == 0 {
			fin := s.rxFin && s.ioState&ioRxFin == 0
			s.mu.Unlock()
			if fin {
				return s.onRxFin()
			}
			return nil
		}
		buf := make([]byte, 0, recvStagingCap)
		for _, v := range s.rxStaged.Vecs(8) {
			if len(buf)+len(v.Base) > recvStagingCap {
				buf = append(buf, v.Base[:recvStagingCap-len(buf)]...)
				break
			}
			buf = append(buf, v.Base...)
		}
		s.rxStaged.Trim(len(buf), true)
		s.mu.Unlock()

		metrics.H3BytesTotal.WithLabelValues("rx").Add(float64(len(buf)))
		if err := s.parser.feed(buf); err != nil {
			return err
		}
	}
}

// onRxFin delivers the zero-length FIN to the frame layer and flags
// the request ready.
func (s *Stream) onRxFin() error {
	s.mu.Lock()
	s.ioState |= ioRxFin
	s.mu.Unlock()
	if s.kind != KindBidiReq {
		return nil
	}
	return s.onEndStream()
}

// --- frameEvents implementation ---

// onSettings records the peer's SETTINGS (control stream only).
func (s *Stream) onSettings(settings map[uint64]uint64) error {
	if s.kind != KindControl {
		return errkind.ProtocolError("SETTINGS on non-control stream", nil)
	}
	if v, ok := settings[settingMaxFieldSectionSize]; ok {
		s.conn.peerMaxFieldSectionSize = v
	}
	s.conn.settingsSeen = true
	// Request streams may have staged bytes waiting on this; make sure
	// the next pass happens promptly.
	s.conn.server.wakeUp()
	logging.Debug("peer SETTINGS received",
		zap.String("conn", s.conn.id),
		zap.Uint64("max_field_section_size", s.conn.peerMaxFieldSectionSize))
	return nil
}

func (s *Stream) onGoAway(streamID uint64) error {
	logging.Info("peer GOAWAY",
		zap.String("conn", s.conn.id), zap.Uint64("stream_id", streamID))
	s.conn.state = ConnClosing
	return nil
}

// onHeadersBlock decodes a request HEADERS frame: pseudo-headers are
// captured into the stream, regular headers into the ordered set.
func (s *Stream) onHeadersBlock(block []byte) error {
	if s.kind != KindBidiReq {
		return errkind.ProtocolError("HEADERS on non-request stream", nil)
	}
	if s.hdrsReceived() {
		// Trailers: tolerated, not surfaced.
		return nil
	}
	fields, err := decodeHeaderBlock(block)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := s.onRecvHeader(f.Name, f.Value); err != nil {
			return err
		}
	}
	return s.onEndHeaders()
}

func (s *Stream) hdrsReceived() bool { return s.method != "" }

func (s *Stream) onRecvHeader(name, value string) error {
	if strings.HasPrefix(name, ":") {
		switch name {
		case ":method":
			s.method = value
		case ":path":
			s.path = value
		case ":authority":
			s.authority = value
		case ":scheme":
			s.scheme = value
		default:
			return errkind.ProtocolError("unknown request pseudo-header "+name, nil)
		}
		return nil
	}
	if strings.EqualFold(name, "host") {
		s.sawHostHeader = true
	}
	if strings.EqualFold(name, "content-length") {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return errkind.ProtocolError("invalid content-length "+value, err)
		}
		s.contentLength = n
	}
	s.hdrs.Add(name, value)
	return nil
}

// onEndHeaders: a bodyless request dispatches immediately; otherwise
// the body sink is armed — in-memory reassembly for small bodies, a
// temp-file spool for bodies above maxupload or of unknown size.
func (s *Stream) onEndHeaders() error {
	if s.method == "" || s.path == "" {
		return errkind.ProtocolError("request missing :method or :path", nil)
	}
	bodyless := s.contentLength == 0 ||
		(s.contentLength < 0 && s.method == "HEAD")
	if bodyless {
		s.setIOState(ioReqReady)
		return s.maybeDispatch()
	}
	if s.contentLength < 0 {
		// No declared length: any body spools from the first DATA
		// frame and the request dispatches on FIN.
		return nil
	}
	if s.contentLength > s.conn.server.cfg.MaxUpload {
		return s.openSpool()
	}
	s.bodyBuf = make([]byte, 0, s.contentLength)
	return nil
}

// openSpool arms the temp-file sink:
// "<uploadpath>/<connid>-<streamid>.<random>".
func (s *Stream) openSpool() error {
	dir := s.conn.server.cfg.UploadPath
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("%s-%d.", s.conn.id, s.id))
	if err != nil {
		return errkind.ExhaustionError("cannot create upload spool", err)
	}
	s.spoolFile = f
	s.spoolPath = f.Name()
	logging.Debug("spooling request body",
		zap.String("conn", s.conn.id), zap.Int64("stream", s.id),
		zap.String("path", filepath.Base(s.spoolPath)))
	return nil
}

// onDataFragment appends to the active sink; reaching the expected
// content length flags the request ready.
func (s *Stream) onDataFragment(payload []byte) error {
	if s.kind != KindBidiReq {
		return errkind.ProtocolError("DATA on non-request stream", nil)
	}
	if !s.hdrsReceived() {
		return errkind.ProtocolError("DATA before HEADERS", nil)
	}
	s.received += int64(len(payload))
	if s.contentLength >= 0 && s.received > s.contentLength {
		return errkind.ProtocolError("request body exceeds content-length", nil)
	}
	if s.spoolFile == nil && s.bodyBuf == nil && s.contentLength < 0 {
		// Unknown-size body: spool from the first byte.
		if err := s.openSpool(); err != nil {
			return err
		}
	}
	if s.spoolFile != nil {
		if _, err := s.spoolFile.Write(payload); err != nil {
			return errkind.ExhaustionError("upload spool write failed", err)
		}
	} else {
		s.bodyBuf = append(s.bodyBuf, payload...)
	}
	if s.contentLength >= 0 && s.received == s.contentLength {
		s.setIOState(ioReqReady)
		return s.maybeDispatch()
	}
	return nil
}

func (s *Stream) onDataEnd() error { return nil }

// onEndStream flags RX_FIN | REQ_READY and dispatches.
func (s *Stream) onEndStream() error {
	if !s.hdrsReceived() {
		// FIN with no request: peer abandoned the stream.
		return nil
	}
	if s.contentLength >= 0 && s.received < s.contentLength {
		return errkind.ProtocolError("request body shorter than content-length", nil)
	}
	s.setIOState(ioReqReady)
	return s.maybeDispatch()
}

func (s *Stream) setIOState(bits int) {
	s.mu.Lock()
	s.ioState |= bits
	s.mu.Unlock()
}

func (s *Stream) ioStateHas(bits int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioState&bits == bits
}

// maybeDispatch performs the single application upcall, guarded by an
// atomic claim of the dispatched bit.
func (s *Stream) maybeDispatch() error {
	s.mu.Lock()
	if s.ioState&ioReqReady == 0 || s.ioState&ioReqDispatched != 0 {
		s.mu.Unlock()
		return nil
	}
	s.ioState |= ioReqDispatched
	s.mu.Unlock()

	req, err := s.buildRequest()
	if err != nil {
		return err
	}
	s.sock = upcall.NewSock(req, s.conn.remoteAddr(), s.conn.id, s.appSend, s.appClose)

	// The application produces the response from its own goroutine;
	// the upcall contract only requires that dispatch is invoked once.
	dispatcher := s.conn.server.dispatcher
	sock := s.sock
	go func() {
		if err := dispatcher.Dispatch(sock); err != nil {
			logging.Error("request dispatch failed",
				zap.String("conn", s.conn.id), zap.Error(err))
			sock.Close()
		}
	}()
	return nil
}

// buildRequest assembles the upcall request: the synthetic request
// line "<METHOD> <PATH> HTTP/1.1" parsed back through the shared
// parser, plus headers and the collected body.
func (s *Stream) buildRequest() (*upcall.Request, error) {
	line, err := urlutil.ParseRequestLine(s.method + " " + s.path + " HTTP/1.1")
	if err != nil {
		return nil, errkind.ProtocolError("unparsable request line", err)
	}
	if s.authority != "" && !s.sawHostHeader {
		s.hdrs.Add("host", s.authority)
	}
	req := &upcall.Request{
		Line:          line,
		Headers:       s.hdrs,
		ContentLength: s.contentLength,
	}
	if s.spoolFile != nil {
		if _, err := s.spoolFile.Seek(0, 0); err != nil {
			return nil, errkind.ExhaustionError("cannot rewind upload spool", err)
		}
		req.SpoolFile = s.spoolFile
		req.SpoolPath = s.spoolPath
	} else {
		req.Body = s.bodyBuf
	}
	return req, nil
}

// --- application-goroutine side (through upcall.Sock) ---

// appSend is the external Send callback: the first call stages the
// response headers; every call enqueues body bytes and requests a
// resume.
func (s *Stream) appSend(status int, hdrs *urlutil.Headers, iov [][]byte, flags upcall.SendFlags) (int, error) {
	if !s.shared.HdrsIsReady() && !s.headersStaged() {
		fields, err := upcall.EncodeResponseHeaders(status, hdrs)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.respFields = fields
		s.mu.Unlock()
		s.shared.HdrsSetReady()
	}

	total := 0
	for _, buf := range iov {
		total += s.shared.EnqueueBody(buf)
	}
	if flags&upcall.SendEOF != 0 {
		s.shared.MarkClosedByApp()
	}
	s.conn.shared.RequestResume(s.shared)
	return total, nil
}

func (s *Stream) headersStaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respFields != nil
}

// appClose is the external Close callback: marks closed-by-app and
// requests a final resume so the writer flushes the FIN.
func (s *Stream) appClose() error {
	if !s.headersStaged() {
		// Close before any Send: emit a bare 200 so the stream can
		// still be concluded cleanly.
		fields, err := upcall.EncodeResponseHeaders(200, urlutil.NewHeaders())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.respFields = fields
		s.mu.Unlock()
		s.shared.HdrsSetReady()
	}
	s.shared.MarkClosedByApp()
	s.conn.shared.RequestResume(s.shared)
	return nil
}

// --- finalization ---

// canFinalize reports the reap predicate: both halves done or reset,
// and both shared queues drained.
func (s *Stream) canFinalize() bool {
	s.mu.Lock()
	st := s.ioState
	s.mu.Unlock()
	done := (st&ioRxFin != 0 && st&ioTxFin != 0) || st&ioReset != 0
	return done && s.shared.IsEmpty()
}

// finalize releases the stream's resources. Runs on the driver
// goroutine after interest has been disabled.
func (s *Stream) finalize(reason string) {
	if s.spoolFile != nil && s.ioStateHas(ioReqDispatched) {
		// The application owns the spool after dispatch.
	} else if s.spoolFile != nil {
		s.spoolFile.Close()
		os.Remove(s.spoolPath)
		s.spoolFile = nil
	}
	metrics.H3StreamsTotal.WithLabelValues(reason).Inc()
	metrics.H3StreamsActive.Dec()
	logging.Debug("stream reaped",
		zap.String("conn", s.conn.id), zap.Int64("stream", s.id),
		zap.String("reason", reason))
}
