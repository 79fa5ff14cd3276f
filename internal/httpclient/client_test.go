package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/urlutil"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(config.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRunSimpleGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || r.URL.Path != "/hello" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "world")
	}))
	defer srv.Close()

	c := newTestClient(t)
	res, err := c.Run(&Request{Method: "GET", URL: srv.URL + "/hello", SpoolLimit: -1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("status = %d, want 200", res.Status)
	}
	if string(res.Body) != "world" {
		t.Errorf("body = %q, want world", res.Body)
	}
	if res.BodyIsBinary {
		t.Error("text/plain must classify as text")
	}
}

func TestRunChunkedGzip(t *testing.T) {
	payload := strings.Repeat("abcdefgh", 128) // 1 KiB
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); !strings.Contains(ae, "gzip") {
			t.Errorf("accept-encoding not auto-added: %q", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(payload))
		gz.Close()
	}))
	defer srv.Close()

	c := newTestClient(t)
	res, err := c.Run(&Request{
		Method:     "GET",
		URL:        srv.URL + "/gz",
		Decompress: true,
		SpoolLimit: -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Body) != payload {
		t.Errorf("decoded body mismatch: got %d bytes, want %d", len(res.Body), len(payload))
	}
}

func TestKeepAliveReuse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t)
	req := func() *Request {
		return &Request{
			Method:           "GET",
			URL:              srv.URL + "/a",
			KeepaliveTimeout: 5 * time.Second,
			SpoolLimit:       -1,
		}
	}

	res1, err := c.Run(req())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if hasFlag(res1.Flags, "REUSED") {
		t.Error("first request cannot be reused")
	}

	res2, err := c.Run(req())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !hasFlag(res2.Flags, "REUSED") {
		t.Errorf("second request should reuse the connection, flags=%v", res2.Flags)
	}
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

func TestCancelStalledRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Swallow the request and stall.
			go io.Copy(io.Discard, conn)
		}
	}()

	c := newTestClient(t)
	id, err := c.Queue(&Request{Method: "GET", URL: "http://" + ln.Addr().String() + "/stall"})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, werr := c.Wait(id, time.Now().Add(2*time.Second))
	if werr == nil || !strings.Contains(werr.Error(), "http request cancelled") {
		t.Errorf("Wait error = %v, want http request cancelled", werr)
	}
}

func TestTaskTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	c := newTestClient(t)
	res, err := c.Run(&Request{
		Method:  "GET",
		URL:     "http://" + ln.Addr().String() + "/slow",
		Timeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if res != nil && !res.ErrorTimeout && res.Err != nil {
		t.Errorf("result should be flagged as timeout: %+v", res)
	}
}

func TestEmptyBody204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer srv.Close()

	c := newTestClient(t)
	res, err := c.Run(&Request{Method: "GET", URL: srv.URL + "/nc", SpoolLimit: -1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != 204 || len(res.Body) != 0 {
		t.Errorf("status=%d body=%q, want 204 and empty", res.Status, res.Body)
	}
}

func TestStreamingCloseTerminated(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nstreamed bytes"))
		conn.Close()
	}()

	c := newTestClient(t)
	res, err := c.Run(&Request{Method: "GET", URL: "http://" + ln.Addr().String() + "/s", SpoolLimit: -1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Body) != "streamed bytes" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestInformationalResponseSkipped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndone"))
		conn.Close()
	}()

	var seen []int
	c := newTestClient(t)
	res, err := c.Run(&Request{
		Method:     "GET",
		URL:        "http://" + ln.Addr().String() + "/c",
		SpoolLimit: -1,
		ResponseHeaderCallback: func(status int, _ *urlutil.Headers) {
			seen = append(seen, status)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "done" {
		t.Errorf("status=%d body=%q", res.Status, res.Body)
	}
	if len(seen) != 2 || seen[0] != 100 || seen[1] != 200 {
		t.Errorf("header callback saw %v, want [100 200]", seen)
	}
}

func TestSpoolToFile(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 10*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient(t)
	res, err := c.Run(&Request{Method: "GET", URL: srv.URL + "/big", SpoolLimit: 1024})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.File == "" {
		t.Fatal("expected spool file for oversized response")
	}
	defer os.Remove(res.File)
	data, err := os.ReadFile(res.File)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("spool file has %d bytes, want %d", len(data), len(payload))
	}
	if len(res.Body) != 0 {
		t.Error("body must be empty when spooled to file")
	}
}

func TestOutputWriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "to the channel")
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := newTestClient(t)
	res, err := c.Run(&Request{Method: "GET", URL: srv.URL + "/ch", OutputWriter: &out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OutputChan {
		t.Error("result must mark the output channel")
	}
	if out.String() != "to the channel" {
		t.Errorf("writer got %q", out.String())
	}
}

func TestRequestBodyFromReader(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(201)
	}))
	defer srv.Close()

	body := strings.Repeat("data", 5000) // 20 KB, crosses the spool chunk size
	c := newTestClient(t)
	res, err := c.Run(&Request{
		Method:     "PUT",
		URL:        srv.URL + "/up",
		BodyReader: strings.NewReader(body),
		BodySize:   int64(len(body)),
		SpoolLimit: -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != 201 {
		t.Errorf("status = %d", res.Status)
	}
	if string(got) != body {
		t.Errorf("server received %d bytes, want %d", len(got), len(body))
	}
}

func TestRequestBodyShortRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.Run(&Request{
		Method:     "PUT",
		URL:        srv.URL + "/up",
		BodyReader: strings.NewReader("short"),
		BodySize:   100, // declared larger than the source delivers
	})
	if err == nil || !strings.Contains(err.Error(), "chunk data to send") {
		t.Errorf("err = %v, want chunk data to send", err)
	}
}

func TestConnectTunnelThroughProxy(t *testing.T) {
	// A minimal CONNECT proxy: accept, read the CONNECT preamble,
	// answer 200, then relay a canned origin response.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	preambleCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		preambleCh <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		conn.Read(buf) // the tunneled request
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		conn.Close()
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	c := newTestClient(t)
	// Plain-HTTP origin with an explicitly tunneling proxy keeps the
	// test free of TLS setup while exercising the CONNECT sub-task.
	res, err := c.Run(&Request{
		Method:     "GET",
		URL:        "http://origin.test:8080/x",
		Proxy:      &ProxySpec{Host: host, Port: port, Tunnel: true},
		SpoolLimit: -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "ok" {
		t.Errorf("status=%d body=%q", res.Status, res.Body)
	}

	preamble := <-preambleCh
	want := "CONNECT origin.test:8080 HTTP/1.1\r\nHost: origin.test:8080\r\n\r\n"
	if preamble != want {
		t.Errorf("proxy saw %q, want %q", preamble, want)
	}
}

func TestUnixSocketDial(t *testing.T) {
	dir := t.TempDir()
	sock := dir + "/http.sock"
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nlocal"))
		conn.Close()
	}()

	c := newTestClient(t)
	res, err := c.Run(&Request{
		Method:         "GET",
		URL:            "http://localhost/sockpath",
		UnixSocketPath: sock,
		SpoolLimit:     -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Body) != "local" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestQueueWithDoneCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "async")
	}))
	defer srv.Close()

	done := make(chan *Result, 1)
	c := newTestClient(t)
	_, err := c.Queue(&Request{
		Method:       "GET",
		URL:          srv.URL + "/a",
		SpoolLimit:   -1,
		DoneCallback: func(r *Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	select {
	case res := <-done:
		if string(res.Body) != "async" {
			t.Errorf("body = %q", res.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
	}
}
