package chunked

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeSimple(t *testing.T) {
	var sink bytes.Buffer
	c := New(&sink, false)

	rest, err := c.Feed([]byte("5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !c.Done() {
		t.Fatal("codec not done after terminal CRLF")
	}
	if got := sink.String(); got != "hello world" {
		t.Errorf("decoded %q, want %q", got, "hello world")
	}
	if len(rest) != 0 {
		t.Errorf("unexpected remainder %q", rest)
	}
}

// TestDecodeSplitAtEveryBoundary feeds the same stream split at every
// byte position; decoding must succeed regardless of how reads
// fragment headers and payload.
func TestDecodeSplitAtEveryBoundary(t *testing.T) {
	wire := []byte("4\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\n\r\n")
	want := "Wikipedia in\r\n\r\nchunks."

	for split := 1; split < len(wire); split++ {
		var sink bytes.Buffer
		c := New(&sink, false)
		if _, err := c.Feed(wire[:split]); err != nil {
			t.Fatalf("split %d first half: %v", split, err)
		}
		if _, err := c.Feed(wire[split:]); err != nil {
			t.Fatalf("split %d second half: %v", split, err)
		}
		if !c.Done() {
			t.Fatalf("split %d: not done", split)
		}
		if got := sink.String(); got != want {
			t.Fatalf("split %d: decoded %q, want %q", split, got, want)
		}
	}
}

func TestDecodeBytewise(t *testing.T) {
	wire := []byte("a\r\n0123456789\r\n0\r\n\r\n")
	var sink bytes.Buffer
	c := New(&sink, false)
	for i := range wire {
		if _, err := c.Feed(wire[i : i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}
	if !c.Done() {
		t.Fatal("not done after bytewise feed")
	}
	if sink.String() != "0123456789" {
		t.Errorf("decoded %q", sink.String())
	}
}

func TestDecodeWithExtension(t *testing.T) {
	var sink bytes.Buffer
	c := New(&sink, false)
	if _, err := c.Feed([]byte("5;name=val\r\nhello\r\n0\r\n\r\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !c.Done() || sink.String() != "hello" {
		t.Errorf("done=%v decoded=%q", c.Done(), sink.String())
	}
}

func TestDecodeTrailers(t *testing.T) {
	var sink bytes.Buffer
	c := New(&sink, true)
	wire := "5\r\nhello\r\n0\r\nExpires: never\r\nX-Sum: 1\r\n\r\n"
	if _, err := c.Feed([]byte(wire)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !c.Done() {
		t.Fatal("not done after trailer block")
	}
	trailers := c.Trailers()
	if len(trailers) != 2 || !strings.HasPrefix(trailers[0], "Expires:") {
		t.Errorf("trailers = %q", trailers)
	}
}

func TestDecodeRetainsExcessBytes(t *testing.T) {
	var sink bytes.Buffer
	c := New(&sink, false)
	rest, err := c.Feed([]byte("2\r\nok\r\n0\r\n\r\nHTTP/1.1 200 OK"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if string(rest) != "HTTP/1.1 200 OK" {
		t.Errorf("remainder = %q, want next-message prefix", rest)
	}
}

func TestMalformed(t *testing.T) {
	tests := []string{
		"zz\r\nhello\r\n",   // non-hex length
		"5\nhello\r\n",      // missing CR
		"5\r\rhello",        // CR not followed by LF
		"5\r\nhelloXX0\r\n", // payload not followed by CRLF
	}
	for _, wire := range tests {
		var sink bytes.Buffer
		c := New(&sink, false)
		if _, err := c.Feed([]byte(wire)); err == nil && c.Err() == nil {
			t.Errorf("no error for %q", wire)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte("5\r\nhello\r\n0\r\n\r\n"))
	f.Add([]byte("0\r\n\r\n"))
	f.Add([]byte("ff\r\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var sink bytes.Buffer
		c := New(&sink, false)
		// Must never panic; errors are fine.
		c.Feed(data)
	})
}
