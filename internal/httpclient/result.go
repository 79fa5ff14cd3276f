package httpclient

import (
	"crypto/tls"
	"errors"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// TLSInfo is the protocol information attached to a Result when the
// request went over TLS.
type TLSInfo struct {
	Version     string
	CipherSuite string
	ServerName  string
}

// Result is the completed-request record handed to the caller: the
// decoded body lives in exactly one of Body, File, or the caller's own
// output target.
type Result struct {
	Status  int
	Time    time.Duration
	Headers *urlutil.Headers

	Body         []byte
	BodyIsBinary bool
	File         string
	OutputChan   bool // body went to the caller-supplied writer

	HTTPS *TLSInfo
	Flags []string

	// State and Err are set only on error. ErrorTimeout distinguishes
	// timeouts from other failures.
	State        string
	Err          error
	ErrorTimeout bool
}

// buildResult assembles the caller-visible record from the task's
// terminal state. With PartialResults disabled, an errored task yields
// only the error fields.
func (t *httpTask) buildResult(elapsed time.Duration) *Result {
	t.mu.Lock()
	err := t.err
	state := t.state
	tlsState := t.tlsState
	t.mu.Unlock()

	res := &Result{Time: elapsed}
	if err != nil {
		res.Err = err
		res.State = state
		var ek *errkind.Error
		if errors.As(err, &ek) && ek.Kind == errkind.Timeout {
			res.ErrorTimeout = true
		}
		if !t.req.PartialResults {
			return res
		}
	}

	if t.resp != nil && t.resp.hdrsParsed {
		res.Status = t.resp.status.Status
		res.Headers = t.resp.hdrs
		t.attachBody(res)
	}
	if tlsState != nil {
		res.HTTPS = &TLSInfo{
			Version:     tls.VersionName(tlsState.Version),
			CipherSuite: tls.CipherSuiteName(tlsState.CipherSuite),
			ServerName:  tlsState.ServerName,
		}
	}
	res.Flags = t.flagNames()
	return res
}

// attachBody classifies and attaches the decoded body.
func (t *httpTask) attachBody(res *Result) {
	sink := t.resp.sink
	if sink == nil {
		return
	}
	switch {
	case sink.external != nil:
		res.OutputChan = true
	case sink.filePath != "":
		res.File = sink.filePath
	default:
		body := sink.mem.Bytes()
		res.BodyIsBinary = t.bodyIsBinary()
		if res.BodyIsBinary {
			res.Body = body
		} else {
			res.Body = decodeCharset(body, t.charset())
		}
	}
}

// bodyIsBinary: gzip-encoded-but-not-inflated, caller-requested
// binary, or a known binary MIME type.
func (t *httpTask) bodyIsBinary() bool {
	if t.req.BinaryResponse {
		return true
	}
	if t.resp.encoding != "" && !t.req.Decompress {
		return true
	}
	ct, _ := t.resp.hdrs.Get("content-type")
	return isBinaryMIME(ct)
}

func isBinaryMIME(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return false
	case mt == "application/json", mt == "application/xml",
		mt == "application/xhtml+xml", mt == "application/javascript",
		strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return false
	case strings.HasPrefix(mt, "image/"), strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "application/"):
		return true
	default:
		return false
	}
}

// charset extracts the charset parameter from the content-type.
func (t *httpTask) charset() string {
	ct, ok := t.resp.hdrs.Get("content-type")
	if !ok {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

// decodeCharset converts the body to UTF-8 text. Only the charsets the
// engine bundles are converted explicitly; anything else passes
// through as UTF-8 with a debug note.
func decodeCharset(body []byte, charset string) []byte {
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return body
	case "iso-8859-1", "latin1":
		out := make([]byte, 0, len(body))
		for _, b := range body {
			out = utf8.AppendRune(out, rune(b))
		}
		return out
	default:
		logging.Debug("unrecognized charset, passing body through as UTF-8", zap.String("charset", charset))
		return body
	}
}

// flagNames renders the textual |-separated flag surface.
func (t *httpTask) flagNames() []string {
	var flags []string
	if t.req.Decompress {
		flags = append(flags, "DECOMPRESS")
	}
	if t.req.BinaryResponse {
		flags = append(flags, "BINARY")
	}
	if t.req.KeepaliveTimeout > 0 {
		flags = append(flags, "KEEPALIVE")
	}
	t.mu.Lock()
	if t.reused {
		flags = append(flags, "REUSED")
	}
	t.mu.Unlock()
	if t.resp != nil && t.resp.chunked {
		flags = append(flags, "CHUNKED")
	}
	if t.resp != nil && t.resp.encoding != "" {
		flags = append(flags, "ENCODED")
	}
	return flags
}
