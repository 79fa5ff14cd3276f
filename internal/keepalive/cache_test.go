package keepalive

import (
	"net"
	"testing"
	"time"
)

// pipeConn returns one end of an in-process connection. net.Pipe conns
// have no raw fd, so the peek liveness check reports "unchecked" and
// the cache treats them as alive — convenient for lifecycle tests.
func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New()
	t.Cleanup(c.Close)
	return c
}

func TestAddLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)
	conn := pipeConn(t)

	c.Add("example.test", 443, conn, nil, nil, time.Minute)

	e, ok := c.Lookup("example.test", 443)
	if !ok {
		t.Fatal("lookup missed a waiting entry")
	}
	if e.Conn != conn {
		t.Error("lookup returned a different connection")
	}
	if e.Position() < 1 {
		t.Errorf("position = %d, want 1-based", e.Position())
	}

	// The slot is InUse now; a second lookup must miss.
	if _, ok := c.Lookup("example.test", 443); ok {
		t.Error("second lookup must not return an InUse slot")
	}
}

func TestLookupMatchesHostPortExactly(t *testing.T) {
	c := newTestCache(t)
	c.Add("example.test", 443, pipeConn(t), nil, nil, time.Minute)

	if _, ok := c.Lookup("example.test", 8443); ok {
		t.Error("port mismatch must miss")
	}
	if _, ok := c.Lookup("EXAMPLE.test", 443); ok {
		t.Error("host match is case-sensitive")
	}
	if _, ok := c.Lookup("example.test", 443); !ok {
		t.Error("exact match must hit")
	}
}

func TestReleaseReturnsSlotToWaiting(t *testing.T) {
	c := newTestCache(t)
	c.Add("example.test", 80, pipeConn(t), nil, nil, time.Minute)

	e, ok := c.Lookup("example.test", 80)
	if !ok {
		t.Fatal("lookup missed")
	}
	c.Release(e.Position(), time.Minute)

	if _, ok := c.Lookup("example.test", 80); !ok {
		t.Error("released slot must be reusable")
	}
}

func TestCancelFreesSlot(t *testing.T) {
	c := newTestCache(t)
	c.Add("example.test", 80, pipeConn(t), nil, nil, time.Minute)

	e, ok := c.Lookup("example.test", 80)
	if !ok {
		t.Fatal("lookup missed")
	}
	c.Cancel(e.Position())

	if _, ok := c.Lookup("example.test", 80); ok {
		t.Error("cancelled slot must not be returned")
	}
}

func TestSlotReuseAfterFree(t *testing.T) {
	c := newTestCache(t)
	c.Add("a.test", 80, pipeConn(t), nil, nil, time.Minute)
	e, _ := c.Lookup("a.test", 80)
	c.Cancel(e.Position())

	// The freed slot is recycled rather than growing the list.
	c.Add("b.test", 80, pipeConn(t), nil, nil, time.Minute)
	e2, ok := c.Lookup("b.test", 80)
	if !ok {
		t.Fatal("lookup missed recycled slot")
	}
	if e2.Position() != e.Position() {
		t.Errorf("expected slot %d to be recycled, got %d", e.Position(), e2.Position())
	}
}

func TestSweepExpiresWaitingEntries(t *testing.T) {
	c := newTestCache(t)
	c.Add("expired.test", 80, pipeConn(t), nil, nil, -time.Second)

	c.sweep()

	if _, ok := c.Lookup("expired.test", 80); ok {
		t.Error("expired waiting entry must be cleaned")
	}
}

func TestSweepLeavesInUseEntriesAlone(t *testing.T) {
	c := newTestCache(t)
	c.Add("busy.test", 80, pipeConn(t), nil, nil, 10*time.Millisecond)

	e, ok := c.Lookup("busy.test", 80)
	if !ok {
		t.Fatal("lookup missed")
	}
	time.Sleep(20 * time.Millisecond)
	c.sweep()

	// The InUse entry's socket shows no pending error (pipe conns are
	// unchecked), so the running request must not be disturbed.
	c.Release(e.Position(), time.Minute)
	if _, ok := c.Lookup("busy.test", 80); !ok {
		t.Error("InUse entry was cleaned while its request was running")
	}
}
