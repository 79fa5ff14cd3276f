// Package keepalive implements the HTTP/1.1 client's close-waiting
// list: a bounded, grow-only, process-wide cache of idle client
// sockets keyed by (host, port). It is deliberately a single
// global-mutex component with explicit init/teardown that owns its
// own periodic janitor.
package keepalive

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/naviserver/httpengine/internal/metrics"
)

// State is a slot's lifecycle state.
type State int

const (
	Free State = iota
	Waiting
	InUse
)

func (s State) label() string {
	switch s {
	case Free:
		return "free"
	case Waiting:
		return "waiting"
	case InUse:
		return "inuse"
	default:
		return "unknown"
	}
}

// Entry is one cached connection tuple.
type Entry struct {
	Host string
	Port int

	Conn      net.Conn
	TLSConfig *tls.Config
	TLSState  *tls.ConnectionState

	expire   time.Time
	state    State
	position int // 1-based, for cancellation lookups
}

// Position returns the entry's 1-based slot position, used to Cancel a
// looked-up slot that turns out to be unusable.
func (e *Entry) Position() int { return e.position }

// Cache is the process-wide close-waiting list.
type Cache struct {
	mu      sync.Mutex
	entries []*Entry

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates a cache and starts its 1-second janitor.
func New() *Cache {
	c := &Cache{janitorStop: make(chan struct{}), janitorDone: make(chan struct{})}
	go c.janitor()
	return c
}

// Close stops the janitor and closes every cached socket.
func (c *Cache) Close() {
	close(c.janitorStop)
	<-c.janitorDone
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.state != Free && e.Conn != nil {
			e.Conn.Close()
		}
		e.state = Free
	}
}

// Add hands a just-completed request's connection to the cache,
// transitioning a slot to Waiting with expire = now + timeout. Called
// only when the response didn't forbid keep-alive, timeout > 0, and
// the socket is healthy.
func (c *Cache) Add(host string, port int, conn net.Conn, tlsCfg *tls.Config, tlsState *tls.ConnectionState, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findFreeLocked()
	if e == nil {
		e = &Entry{position: len(c.entries) + 1}
		c.entries = append(c.entries, e)
	}
	e.Host, e.Port = host, port
	e.Conn, e.TLSConfig, e.TLSState = conn, tlsCfg, tlsState
	e.expire = time.Now().Add(timeout)
	e.state = Waiting
	c.updateGaugesLocked()
}

func (c *Cache) findFreeLocked() *Entry {
	for _, e := range c.entries {
		if e.state == Free {
			return e
		}
	}
	return nil
}

// Lookup scans linearly for a Waiting entry matching (host, port)
// exactly (case-sensitive), peeking for peer-close before returning
// it. A half-closed candidate is reclaimed and the scan continues. On
// success the slot transitions to InUse and the caller gets a copy of
// its contents plus the slot position (for Cancel).
func (c *Cache) Lookup(host string, port int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.state != Waiting || e.Host != host || e.Port != port {
			continue
		}
		if isPeerClosed(e.Conn) {
			c.freeLocked(e)
			metrics.KeepAliveReuseTotal.WithLabelValues("stale").Inc()
			continue
		}
		e.state = InUse
		c.updateGaugesLocked()
		metrics.KeepAliveReuseTotal.WithLabelValues("hit").Inc()
		return *e, true
	}
	metrics.KeepAliveReuseTotal.WithLabelValues("miss").Inc()
	return Entry{}, false
}

// Release returns an InUse slot to Waiting after its borrowed
// connection completed another request cleanly, refreshing expire.
func (c *Cache) Release(position int, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if position < 1 || position > len(c.entries) {
		return
	}
	e := c.entries[position-1]
	if e.state != InUse {
		return
	}
	e.expire = time.Now().Add(timeout)
	e.state = Waiting
	c.updateGaugesLocked()
}

// Cancel invalidates the slot at the given 1-based position (used
// when a caller that received an entry from Lookup decides not to use
// it, e.g. on a subsequent failure), closing its socket and freeing
// the slot.
func (c *Cache) Cancel(position int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if position < 1 || position > len(c.entries) {
		return
	}
	e := c.entries[position-1]
	if e.state == Free {
		return
	}
	if e.Conn != nil {
		e.Conn.Close()
	}
	c.freeLocked(e)
}

func (c *Cache) freeLocked(e *Entry) {
	if e.Conn != nil {
		e.Conn.Close()
	}
	e.Conn = nil
	e.TLSConfig = nil
	e.TLSState = nil
	e.Host = ""
	e.state = Free
	c.updateGaugesLocked()
}

func (c *Cache) updateGaugesLocked() {
	var free, waiting, inuse float64
	for _, e := range c.entries {
		switch e.state {
		case Free:
			free++
		case Waiting:
			waiting++
		case InUse:
			inuse++
		}
	}
	metrics.KeepAliveCacheSize.WithLabelValues("free").Set(free)
	metrics.KeepAliveCacheSize.WithLabelValues("waiting").Set(waiting)
	metrics.KeepAliveCacheSize.WithLabelValues("inuse").Set(inuse)
}

// janitor walks the list every second. Waiting entries past expire
// are cleaned unconditionally; InUse entries past expire are only
// cleaned if the socket shows a pending error, so a running request
// is never disturbed.
func (c *Cache) janitor() {
	defer close(c.janitorDone)
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.janitorStop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, e := range c.entries {
		if e.state == Free || now.Before(e.expire) {
			continue
		}
		switch e.state {
		case Waiting:
			c.freeLocked(e)
		case InUse:
			if hasSocketError(e.Conn) {
				c.freeLocked(e)
			}
		}
	}
}

// isPeerClosed performs the MSG_PEEK-equivalent liveness check: a
// non-destructive read that returns zero bytes means the peer closed.
// On platforms without a raw-fd peek primitive, it conservatively
// reports "not closed" (see peek_other.go) rather than risk consuming
// real data with a destructive Read.
func isPeerClosed(conn net.Conn) bool {
	if conn == nil {
		return true
	}
	closed, checked := peekLiveness(conn)
	if !checked {
		return false
	}
	return closed
}

// hasSocketError reports whether the connection appears dead (best
// Go-idiomatic equivalent of checking pending SO_ERROR).
func hasSocketError(conn net.Conn) bool {
	return isPeerClosed(conn)
}
