package httpclient

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// DialMode selects the transport the client connects over.
type DialMode int

const (
	DialTCP DialMode = iota
	DialUnix
)

// ProxySpec describes an HTTP proxy. Tunnel selects CONNECT tunneling
// (mandatory for https targets); otherwise the proxy is used as a
// cache-proxy with absolute-form request targets.
type ProxySpec struct {
	Host   string
	Port   int
	Tunnel bool
}

// Validate checks the proxy dictionary shape.
func (p *ProxySpec) Validate() error {
	if p == nil {
		return nil
	}
	if p.Host == "" {
		return errkind.ConfigError("proxy host missing", nil)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errkind.ConfigError(fmt.Sprintf("invalid proxy port %d", p.Port), nil)
	}
	return nil
}

// Request describes one HTTP/1.1 client request.
type Request struct {
	Method string
	URL    string

	Headers        *urlutil.Headers
	KeepHostHeader bool

	// Body source: exactly one of BodyBytes, BodyFile, BodyReader. For
	// BodyFile/BodyReader the declared BodySize is mandatory and drives
	// the content-length and the spool loop.
	BodyBytes  []byte
	BodyFile   *os.File
	BodyReader io.Reader
	BodySize   int64

	// Response handling.
	Decompress     bool // auto-add accept-encoding, inflate gzip/deflate bodies
	BinaryResponse bool // force []byte body classification
	SpoolLimit     int  // responses larger than this spool to a file; <=0 disables
	OutputPath     string
	OutputWriter   io.Writer
	PartialResults bool

	// Timeouts. Timeout bounds the whole task relative to start; Expire
	// is an absolute hard deadline. The effective deadline is the
	// earlier of the two.
	Timeout time.Duration
	Expire  time.Time

	KeepaliveTimeout time.Duration

	Proxy          *ProxySpec
	UnixSocketPath string

	// Callbacks.
	DoneCallback           func(*Result)
	ResponseHeaderCallback func(status int, hdrs *urlutil.Headers)
	ResponseDataCallback   func(data []byte)
}

// parsedRequest carries the validated, derived request state.
type parsedRequest struct {
	scheme    string
	host      string // unbracketed
	port      int
	path      string // path[?query][#fragment], origin-form
	useTLS    bool
	dialMode  DialMode
	wireBytes []byte // request line + headers (+ in-memory body)
	bodyLen   int64  // declared body size
}

const defaultUserAgent = "httpengine/1.0"

// parseRequest validates req and builds the on-wire header block.
// Building is deterministic: the same inputs always yield a
// byte-identical block.
func parseRequest(req *Request, keepalive time.Duration) (*parsedRequest, error) {
	if req.Method == "" {
		return nil, errkind.ConfigError("missing method", nil)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errkind.ConfigError(fmt.Sprintf("invalid URL %q", req.URL), err)
	}
	p := &parsedRequest{}
	switch u.Scheme {
	case "http":
		p.port = 80
	case "https":
		p.port = 443
		p.useTLS = true
	default:
		return nil, errkind.ConfigError(fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	p.scheme = u.Scheme
	p.host = u.Hostname()
	if p.host == "" {
		return nil, errkind.ConfigError(fmt.Sprintf("no host in URL %q", req.URL), nil)
	}
	if ps := u.Port(); ps != "" {
		port, err := strconv.Atoi(ps)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errkind.ConfigError(fmt.Sprintf("invalid port %q", ps), err)
		}
		p.port = port
	}
	if err := req.Proxy.Validate(); err != nil {
		return nil, err
	}
	if req.UnixSocketPath != "" {
		if req.Proxy != nil {
			return nil, errkind.ConfigError("proxy and unix socket are mutually exclusive", nil)
		}
		p.dialMode = DialUnix
	}
	if req.OutputPath != "" && req.OutputWriter != nil {
		return nil, errkind.ConfigError("conflicting output targets", nil)
	}

	if err := resolveBody(req, p); err != nil {
		return nil, err
	}

	p.path = originForm(u)
	target := p.path
	if req.Proxy != nil && !req.Proxy.Tunnel && !p.useTLS {
		// Cache-proxy: absolute-form target.
		target = req.URL
	}

	hdrs, err := prepareHeaders(req, p, keepalive)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
	hdrs.Each(func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})
	b.WriteString("\r\n")

	wire := []byte(b.String())
	if len(req.BodyBytes) > 0 {
		wire = append(wire, req.BodyBytes...)
	}
	p.wireBytes = wire
	return p, nil
}

// originForm renders path[?query][#fragment] with a leading "/".
func originForm(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		path += "#" + u.EscapedFragment()
	}
	return path
}

// resolveBody determines the body source and its declared size.
func resolveBody(req *Request, p *parsedRequest) error {
	sources := 0
	if len(req.BodyBytes) > 0 {
		sources++
		p.bodyLen = int64(len(req.BodyBytes))
	}
	if req.BodyFile != nil {
		sources++
		if req.BodySize > 0 {
			p.bodyLen = req.BodySize
		} else {
			st, err := req.BodyFile.Stat()
			if err != nil {
				return errkind.ConfigError("cannot stat body file", err)
			}
			p.bodyLen = st.Size()
		}
	}
	if req.BodyReader != nil {
		sources++
		if req.BodySize <= 0 {
			return errkind.ConfigError("body channel requires a declared body size", nil)
		}
		p.bodyLen = req.BodySize
	}
	if sources > 1 {
		return errkind.ConfigError("multiple body sources", nil)
	}
	return nil
}

// prepareHeaders builds the effective header set: caller headers
// validated, Host canonicalized, content-length/accept-encoding/
// user-agent/connection auto-added per the construction rules.
func prepareHeaders(req *Request, p *parsedRequest, keepalive time.Duration) (*urlutil.Headers, error) {
	hdrs := urlutil.NewHeaders()
	if req.Headers != nil {
		var bad error
		req.Headers.Each(func(name, value string) {
			if bad != nil {
				return
			}
			if !httpguts.ValidHeaderFieldName(name) {
				bad = errkind.ConfigError(fmt.Sprintf("invalid header name %q", name), nil)
				return
			}
			if !httpguts.ValidHeaderFieldValue(value) {
				bad = errkind.ConfigError(fmt.Sprintf("invalid value for header %q", name), nil)
				return
			}
			hdrs.Add(name, value)
		})
		if bad != nil {
			return nil, bad
		}
	}

	if req.KeepHostHeader {
		if _, ok := hdrs.Get("host"); !ok {
			return nil, errkind.ConfigError("keep_host_header set but no Host header supplied", nil)
		}
	} else {
		hdrs.Delete("host")
		hdrs.Set("Host", urlutil.BuildLocation("", p.host, p.port, defaultPort(p.scheme)))
	}

	if p.bodyLen > 0 || req.BodyFile != nil || req.BodyReader != nil {
		hdrs.Set("Content-Length", strconv.FormatInt(p.bodyLen, 10))
	}
	if req.Decompress {
		if _, ok := hdrs.Get("accept-encoding"); !ok {
			hdrs.Set("Accept-Encoding", "gzip, deflate")
		}
	}
	if _, ok := hdrs.Get("user-agent"); !ok {
		hdrs.Set("User-Agent", defaultUserAgent)
	}
	if keepalive <= 0 {
		hdrs.Set("Connection", "close")
	}
	return hdrs, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// connectPreamble renders the CONNECT request a tunneling sub-task
// sends through the proxy before the TLS handshake.
func connectPreamble(host string, port int) []byte {
	authority := urlutil.BuildLocation("", host, port, -1)
	return []byte("CONNECT " + authority + " HTTP/1.1\r\nHost: " + authority + "\r\n\r\n")
}
