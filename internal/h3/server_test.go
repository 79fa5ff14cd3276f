package h3

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/upcall"
)

// selfSignedTLS builds a throwaway server certificate.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "h3.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"h3.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
}

// startServer runs a driver instance around the given dispatcher.
func startServer(t *testing.T, cfg config.H3Config, dispatcher upcall.Dispatcher) *Server {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", selfSignedTLS(t), cfg, dispatcher, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func h3Client(t *testing.T) *http.Client {
	t.Helper()
	tr := &http3.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	t.Cleanup(func() { tr.Close() })
	return &http.Client{Transport: tr, Timeout: 15 * time.Second}
}

func testH3Config() config.H3Config {
	cfg := config.DefaultConfig().H3
	cfg.MaxUpload = 1024
	return cfg
}

func TestGetNoBody(t *testing.T) {
	var gotMethod, gotPath string
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		gotMethod = sock.Req.Line.Method
		gotPath = sock.Req.Line.Target
		if len(sock.Req.Body) != 0 || sock.Req.SpoolFile != nil {
			t.Error("GET must dispatch with no body")
		}
		sock.SetStatus(200)
		sock.Header().Add("Content-Type", "text/plain")
		if _, err := sock.Send([][]byte{[]byte("world")}, upcall.SendEOF); err != nil {
			return err
		}
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Get("https://" + srv.Addr().String() + "/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(body) != "world" {
		t.Errorf("body = %q, want world", body)
	}
	if gotMethod != "GET" || gotPath != "/hello" {
		t.Errorf("dispatched %s %s, want GET /hello", gotMethod, gotPath)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestPostInMemoryBody(t *testing.T) {
	payload := []byte("small request body")
	bodyCh := make(chan []byte, 1)
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		bodyCh <- sock.Req.Body
		sock.SetStatus(200)
		sock.Send([][]byte{[]byte("got " + strconv.Itoa(len(sock.Req.Body)))}, upcall.SendEOF)
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Post(
		"https://"+srv.Addr().String()+"/up", "application/octet-stream",
		bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if string(out) != "got 18" {
		t.Errorf("response = %q", out)
	}
	if got := <-bodyCh; !bytes.Equal(got, payload) {
		t.Errorf("dispatched body = %q, want %q", got, payload)
	}
}

func TestPostSpooledBody(t *testing.T) {
	payload := bytes.Repeat([]byte("spool!"), 1024) // 6 KiB > MaxUpload 1 KiB
	type spoolResult struct {
		path string
		data []byte
	}
	resCh := make(chan spoolResult, 1)
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		defer sock.ReleaseSpool()
		var sr spoolResult
		if sock.Req.SpoolFile == nil {
			t.Error("oversized body must spool to a file")
		} else {
			sr.path = sock.Req.SpoolPath
			sr.data, _ = io.ReadAll(sock.Req.SpoolFile)
		}
		resCh <- sr
		sock.SetStatus(201)
		sock.Send(nil, upcall.SendEOF)
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Post(
		"https://"+srv.Addr().String()+"/big", "application/octet-stream",
		bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	sr := <-resCh
	if !bytes.Equal(sr.data, payload) {
		t.Errorf("spooled %d bytes, want %d", len(sr.data), len(payload))
	}
	if sr.path != "" {
		if _, err := os.Stat(sr.path); !os.IsNotExist(err) {
			t.Errorf("spool file %s not removed", sr.path)
		}
	}
}

func TestBodylessResponse(t *testing.T) {
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		sock.SetStatus(204)
		sock.Send(nil, upcall.SendEOF)
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Get("https://" + srv.Addr().String() + "/none")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 204 || len(body) != 0 {
		t.Errorf("status=%d len=%d, want 204 and empty", resp.StatusCode, len(body))
	}
}

func TestStreamedResponse(t *testing.T) {
	const chunkSize = 32 * 1024
	const chunks = 16 // 512 KiB total, exercises flow-controlled batching
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		sock.SetStatus(200)
		buf := bytes.Repeat([]byte("s"), chunkSize)
		for i := 0; i < chunks; i++ {
			if _, err := sock.Send([][]byte{buf}, 0); err != nil {
				return err
			}
		}
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Get("https://" + srv.Addr().String() + "/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(body) != chunkSize*chunks {
		t.Errorf("received %d bytes, want %d", len(body), chunkSize*chunks)
	}
}

func TestHopByHopHeadersStripped(t *testing.T) {
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		sock.SetStatus(200)
		sock.Header().Add("Transfer-Encoding", "chunked")
		sock.Header().Add("Connection", "keep-alive")
		sock.Header().Add("X-Kept", "yes")
		sock.Send([][]byte{[]byte("ok")}, upcall.SendEOF)
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)

	resp, err := h3Client(t).Get("https://" + srv.Addr().String() + "/hop")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.Header.Get("X-Kept") != "yes" {
		t.Error("regular header lost")
	}
	if len(resp.TransferEncoding) != 0 || resp.Header.Get("Connection") != "" {
		t.Errorf("hop-by-hop fields leaked: te=%v conn=%q",
			resp.TransferEncoding, resp.Header.Get("Connection"))
	}
}

func TestSequentialRequestsOneConnection(t *testing.T) {
	dispatcher := upcall.DispatcherFunc(func(sock *upcall.Sock) error {
		sock.SetStatus(200)
		sock.Send([][]byte{[]byte(sock.Req.Line.Target)}, upcall.SendEOF)
		return sock.Close()
	})
	srv := startServer(t, testH3Config(), dispatcher)
	client := h3Client(t)

	for _, path := range []string{"/one", "/two", "/three"} {
		resp, err := client.Get("https://" + srv.Addr().String() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != path {
			t.Errorf("GET %s returned %q", path, body)
		}
	}
}
