package httpclient

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/chunked"
	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// responseState tracks the receive side of one request: header
// accumulation, the decoded-body sink chain, and the termination
// predicate.
//
// Wire bytes flow: feedBody -> (chunked codec) -> (inflate) ->
// counting -> bodySink. The chunked codec and the content-length clamp
// see wire bytes; counting and the data callback see decoded bytes.
type responseState struct {
	task *httpTask

	headerBuf  bytes.Buffer
	hdrsParsed bool
	status     urlutil.StatusLine
	hdrs       *urlutil.Headers
	connClose  bool
	chunked    bool
	encoding   string // gzip | deflate | ""
	contentLen int64  // -1 unknown
	emptyBody  bool
	streaming  bool // no content-length, not chunked: terminate on EOF
	sawEOF     bool

	bodyOnWire    int64 // wire body bytes after the header block
	plainAccepted int64 // wire body bytes accepted on the non-chunked path
	bodyDecoded   int64 // decoded bytes delivered to the sink

	codec    *chunked.Codec
	plainDst io.Writer
	sink     *bodySink
	inflate  *inflateSink
}

func newResponseState(t *httpTask) *responseState {
	return &responseState{task: t, contentLen: -1}
}

// processInput consumes one freshly received buffer: header
// accumulation until the terminator, then body bytes through the
// decode pipeline.
func (r *responseState) processInput(buf []byte) error {
	if !r.hdrsParsed {
		r.headerBuf.Write(buf)
		rest, ok, err := r.tryParseHeaders()
		if err != nil || !ok {
			return err
		}
		buf = rest
	}
	if len(buf) == 0 {
		return nil
	}
	return r.feedBody(buf)
}

// tryParseHeaders looks for the response-line+headers terminator in
// the accumulated buffer and parses it. 1xx informational responses
// are reported through the response-header callback, discarded, and
// scanning continues.
func (r *responseState) tryParseHeaders() (rest []byte, ok bool, err error) {
	for {
		data := r.headerBuf.Bytes()
		end := bytes.Index(data, []byte("\r\n\r\n"))
		termLen := 4
		if end < 0 {
			// Lenient fallback for peers sending bare LF line endings.
			if end = bytes.Index(data, []byte("\n\n")); end < 0 {
				return nil, false, nil
			}
			termLen = 2
			logging.Warn("response header block terminated by LF-LF", zap.String("url", r.task.req.URL))
		}
		block := data[:end+termLen]
		remainder := append([]byte(nil), data[end+termLen:]...)

		br := bufio.NewReader(bytes.NewReader(block))
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, false, errkind.ProtocolError("malformed response line", err)
		}
		status, err := urlutil.ParseStatusLine(trimCRLF(line))
		if err != nil {
			return nil, false, errkind.ProtocolError("malformed response line", err)
		}
		hdrs, err := urlutil.ParseHeaderBlock(br)
		if err != nil {
			return nil, false, errkind.ProtocolError("malformed response headers", err)
		}

		if status.Status >= 100 && status.Status <= 199 {
			// Informational: report, discard, keep scanning.
			if cb := r.task.req.ResponseHeaderCallback; cb != nil {
				cb(status.Status, hdrs)
			}
			r.headerBuf.Reset()
			r.headerBuf.Write(remainder)
			continue
		}

		r.status = status
		r.hdrs = hdrs
		r.hdrsParsed = true
		r.headerBuf.Reset()
		if err := r.classify(); err != nil {
			return nil, false, err
		}
		if cb := r.task.req.ResponseHeaderCallback; cb != nil {
			cb(status.Status, hdrs)
		}
		return remainder, true, nil
	}
}

// classify decides the body mode from the parsed headers and arms the
// sink chain.
func (r *responseState) classify() error {
	if v, ok := r.hdrs.Get("connection"); ok && strings.EqualFold(v, "close") {
		r.connClose = true
	}
	if v, ok := r.hdrs.Get("transfer-encoding"); ok && strings.Contains(strings.ToLower(v), "chunked") {
		r.chunked = true
	}
	if v, ok := r.hdrs.Get("content-encoding"); ok {
		switch strings.ToLower(v) {
		case "gzip", "x-gzip":
			r.encoding = "gzip"
		case "deflate":
			r.encoding = "deflate"
		}
	}
	if v, ok := r.hdrs.Get("content-length"); ok && !r.chunked {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return errkind.ProtocolError("invalid content-length "+v, err)
		}
		r.contentLen = n
	}
	if r.status.Status == 204 || strings.EqualFold(r.task.req.Method, "HEAD") {
		r.emptyBody = true
	}
	if !r.chunked && r.contentLen < 0 && !r.emptyBody {
		r.streaming = true
	}

	r.sink = newBodySink(r.task)
	var dst io.Writer = &countingWriter{dst: r.sink, r: r}
	if r.encoding != "" && r.task.req.Decompress {
		r.inflate = newInflateSink(r.encoding, dst)
		dst = r.inflate
	}
	if r.chunked {
		_, hasTrailers := r.hdrs.Get("trailer")
		r.codec = chunked.New(dst.(chunked.Sink), hasTrailers)
	} else {
		r.plainDst = dst
	}
	return nil
}

// feedBody routes wire body bytes into the decode chain.
func (r *responseState) feedBody(buf []byte) error {
	r.bodyOnWire += int64(len(buf))
	if r.emptyBody {
		// 204/HEAD: any body bytes are ignored on the decode side.
		return nil
	}
	if r.chunked {
		if _, err := r.codec.Feed(buf); err != nil {
			return errkind.ProtocolError("malformed chunked body", err)
		}
		return nil
	}
	if r.contentLen >= 0 {
		// Never hand the pipeline more than the advertised length;
		// excess bytes on a keep-alive connection belong to the next
		// response.
		remain := r.contentLen - r.plainAccepted
		if int64(len(buf)) > remain {
			buf = buf[:remain]
		}
	}
	if len(buf) == 0 {
		return nil
	}
	r.plainAccepted += int64(len(buf))
	if _, err := r.plainDst.Write(buf); err != nil {
		return err
	}
	return nil
}

// terminated implements the response-termination predicate: headers
// parsed and either the advertised length was reached, the chunked
// codec hit its terminal CRLF, or streaming mode saw EOF.
func (r *responseState) terminated() bool {
	if !r.hdrsParsed {
		return false
	}
	if r.emptyBody {
		return true
	}
	if r.chunked {
		return r.codec.Done()
	}
	if r.contentLen >= 0 {
		return r.plainAccepted >= r.contentLen
	}
	return r.streaming && r.sawEOF
}

// finishBody flushes the inflate chain and closes the sink.
func (r *responseState) finishBody() error {
	if r.inflate != nil {
		if err := r.inflate.Close(); err != nil {
			return errkind.ProtocolError("decompression failed", err)
		}
	}
	if r.sink != nil {
		return r.sink.Close()
	}
	return nil
}

// countingWriter tracks decoded byte counts and drives the optional
// response-data callback.
type countingWriter struct {
	dst io.Writer
	r   *responseState
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if cb := w.r.task.req.ResponseDataCallback; cb != nil {
		cb(p)
	}
	n, err := w.dst.Write(p)
	w.r.bodyDecoded += int64(n)
	return n, err
}

// bodySink stores decoded body bytes in memory until the spool limit
// is exceeded, then switches to a temp file (or writes directly to the
// caller-supplied target when one was configured).
type bodySink struct {
	task *httpTask

	mem      bytes.Buffer
	file     *os.File
	filePath string
	external io.Writer // caller-supplied channel; body not retained

	closed bool
}

func newBodySink(t *httpTask) *bodySink {
	s := &bodySink{task: t}
	if t.req.OutputWriter != nil {
		s.external = t.req.OutputWriter
	}
	return s
}

func (s *bodySink) Write(p []byte) (int, error) {
	if s.external != nil {
		return s.external.Write(p)
	}
	if s.file != nil {
		return s.file.Write(p)
	}
	if s.task.req.OutputPath != "" {
		if err := s.openSpool(); err != nil {
			return 0, err
		}
		return s.file.Write(p)
	}
	if limit := s.task.req.SpoolLimit; limit > 0 && s.mem.Len()+len(p) > limit {
		if err := s.openSpool(); err != nil {
			return 0, err
		}
		return s.file.Write(p)
	}
	return s.mem.Write(p)
}

// openSpool opens the spool target — the caller-supplied path or a
// temp file named http.XXXXXX — and moves the in-memory prefix there.
func (s *bodySink) openSpool() error {
	var f *os.File
	var err error
	if path := s.task.req.OutputPath; path != "" {
		f, err = os.Create(path)
		if err != nil {
			return errkind.ConfigError("cannot create output file "+path, err)
		}
		s.filePath = path
	} else {
		f, err = os.CreateTemp("", "http.")
		if err != nil {
			return errkind.ExhaustionError("cannot create spool file", err)
		}
		s.filePath = f.Name()
	}
	if s.mem.Len() > 0 {
		if _, err := f.Write(s.mem.Bytes()); err != nil {
			f.Close()
			return err
		}
		s.mem.Reset()
	}
	s.file = f
	return nil
}

func (s *bodySink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// inflateSink adapts the pull-style gzip/flate readers to the engine's
// push-style receive pipeline with an io.Pipe and a drain goroutine.
type inflateSink struct {
	pw   *io.PipeWriter
	wg   sync.WaitGroup
	err  error
	once sync.Once
}

func newInflateSink(encoding string, dst io.Writer) *inflateSink {
	pr, pw := io.Pipe()
	s := &inflateSink{pw: pw}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var src io.ReadCloser
		switch encoding {
		case "gzip":
			gz, err := gzip.NewReader(pr)
			if err != nil {
				s.err = err
				pr.CloseWithError(err)
				return
			}
			src = gz
		default:
			src = flate.NewReader(pr)
		}
		if _, err := io.Copy(dst, src); err != nil {
			s.err = err
			pr.CloseWithError(err)
			return
		}
		s.err = src.Close()
		pr.Close()
	}()
	return s
}

func (s *inflateSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *inflateSink) Close() error {
	s.once.Do(func() {
		s.pw.Close()
		s.wg.Wait()
	})
	return s.err
}
