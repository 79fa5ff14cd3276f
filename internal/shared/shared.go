// Package shared implements the per-stream/per-connection lock-protected
// queues and resume-ring the HTTP/3 driver uses for cross-goroutine body
// production and edge-triggered wakeups. Application
// goroutines (producers) only ever call the methods documented as
// producer-side; the QUIC driver goroutine (consumer) owns the rest.
// Locks are never held across protocol I/O.
package shared

import (
	"sync"

	"github.com/naviserver/httpengine/internal/chunk"
)

// Stream is the per-HTTP/3-stream mailbox between an application
// goroutine producing a response and the driver goroutine writing it
// to the wire.
type Stream struct {
	mu             sync.Mutex
	queued         chunk.Queue // producer appends here
	pending        chunk.Queue // consumer-owned staging, spliced from queued
	hdrsReady      bool
	closedByApp    bool
	resumeEnqueued bool

	owner  *State
	id     uint64 // diagnostic stream-id hint
}

// NewStream creates a stream bound to its owning connection state.
func NewStream(owner *State, id uint64) *Stream {
	return &Stream{owner: owner, id: id}
}

// ID returns the diagnostic stream-id hint this stream was created with.
func (s *Stream) ID() uint64 { return s.id }

// --- producer-side operations ---

// EnqueueBody copies buf into a new chunk appended to the queued
// queue and returns the number of bytes accepted. It does not wake
// the consumer; callers pair it with RequestResume. Once ClosedByApp
// has been set, further calls are no-ops.
func (s *Stream) EnqueueBody(buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedByApp {
		return 0
	}
	s.queued.Enqueue(buf)
	return len(buf)
}

// MarkClosedByApp sets closed-by-app. Does not wake.
func (s *Stream) MarkClosedByApp() {
	s.mu.Lock()
	s.closedByApp = true
	s.mu.Unlock()
}

// HdrsSetReady publishes the header-ready flag (false -> true).
func (s *Stream) HdrsSetReady() {
	s.mu.Lock()
	s.hdrsReady = true
	s.mu.Unlock()
}

// HdrsIsReady reports the header-ready flag.
func (s *Stream) HdrsIsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hdrsReady
}

// HdrsClear consumes the header-ready flag (true -> false).
func (s *Stream) HdrsClear() {
	s.mu.Lock()
	s.hdrsReady = false
	s.mu.Unlock()
}

// --- consumer-side operations ---

// SpliceQueuedToPending moves whole chunks (see chunk.Move) from
// queued to pending, preserving FIFO order.
func (s *Stream) SpliceQueuedToPending(max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chunk.Move(&s.queued, &s.pending, max)
}

// BuildVecsFromPending returns up to capHint read-only views into the
// pending queue without mutating it.
func (s *Stream) BuildVecsFromPending(capHint int) []chunk.Vec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Vecs(capHint)
}

// TrimPending removes n bytes from the head of pending.
func (s *Stream) TrimPending(n int, drain bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Trim(n, drain)
}

// TrimPendingFromVec trims vec only if it's still the current pending
// head, so framing bytes produced by the HTTP/3 frame layer are never
// mistaken for body bytes.
func (s *Stream) TrimPendingFromVec(vec chunk.Vec, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.TrimFromVec(vec, n)
}

// Snapshot is a coherent point-in-time read of a stream's queue state.
type Snapshot struct {
	QueuedBytes  int
	PendingBytes int
	ClosedByApp  bool
}

// Snapshot atomically reads {queued_bytes, pending_bytes, closed_by_app}.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		QueuedBytes:  s.queued.Unread(),
		PendingBytes: s.pending.Unread(),
		ClosedByApp:  s.closedByApp,
	}
}

// HasData reports whether either queue holds unread bytes.
func (s *Stream) HasData() bool {
	snap := s.Snapshot()
	return snap.QueuedBytes > 0 || snap.PendingBytes > 0
}

// IsEmpty reports whether both queues are drained.
func (s *Stream) IsEmpty() bool {
	snap := s.Snapshot()
	return snap.QueuedBytes == 0 && snap.PendingBytes == 0
}

// CanMove reports whether pending is empty and queued has bytes ready
// to splice.
func (s *Stream) CanMove() bool {
	snap := s.Snapshot()
	return snap.PendingBytes == 0 && snap.QueuedBytes > 0
}

// EOFReady reports closed_by_app && both queues drained.
func (s *Stream) EOFReady() bool {
	snap := s.Snapshot()
	return snap.ClosedByApp && snap.QueuedBytes == 0 && snap.PendingBytes == 0
}

// State is the per-connection resume ring: a bounded, grow-on-demand
// circular buffer of stream IDs that "need attention", with a sticky
// per-stream flag that coalesces duplicate resume requests.
type State struct {
	mu      sync.Mutex
	ring    []uint64
	head    int
	count   int
	wakeFn  func(arg any)
	wakeArg any
}

// NewState creates connection state with the given edge-triggered
// wake callback. wakeFn is invoked outside the lock, at most once per
// 0->1 transition of the ring's occupancy.
func NewState(wakeFn func(arg any), wakeArg any) *State {
	return &State{ring: make([]uint64, 16), wakeFn: wakeFn, wakeArg: wakeArg}
}

// RequestResume enqueues ss's stream ID if it isn't already pending,
// growing the ring by doubling when full. The wake callback fires
// after unlock, and only on the edge where the ring was empty before
// this push (so bursts of producers collapse into a single wake).
func (st *State) RequestResume(ss *Stream) {
	ss.mu.Lock()
	already := ss.resumeEnqueued
	if !already {
		ss.resumeEnqueued = true
	}
	ss.mu.Unlock()
	if already {
		return
	}

	st.mu.Lock()
	if st.count == len(st.ring) {
		st.grow()
	}
	edge := st.count == 0
	tail := (st.head + st.count) % len(st.ring)
	st.ring[tail] = ss.id
	st.count++
	st.mu.Unlock()

	if edge && st.wakeFn != nil {
		st.wakeFn(st.wakeArg)
	}
}

// grow doubles the ring's capacity and re-linearizes a wrapped buffer.
// Callers must hold st.mu.
func (st *State) grow() {
	newRing := make([]uint64, len(st.ring)*2)
	for i := 0; i < st.count; i++ {
		newRing[i] = st.ring[(st.head+i)%len(st.ring)]
	}
	st.ring = newRing
	st.head = 0
}

// DrainResume pops up to cap stream IDs preserving FIFO order.
func (st *State) DrainResume(capHint int) []uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := st.count
	if n > capHint {
		n = capHint
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = st.ring[(st.head+i)%len(st.ring)]
	}
	st.head = (st.head + n) % len(st.ring)
	st.count -= n
	return out
}

// ResumeClear clears the resume_enqueued flag. Must be called by the
// consumer only after it has serviced the stream's SID.
func ResumeClear(ss *Stream) {
	ss.mu.Lock()
	ss.resumeEnqueued = false
	ss.mu.Unlock()
}
