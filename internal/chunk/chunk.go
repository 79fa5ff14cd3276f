// Package chunk implements the singly-linked FIFO byte-buffer queue
// shared by the HTTP/1.1 client and the HTTP/3 stream engine. Chunks
// are moved between queues by relinking, never copied.
package chunk

// Chunk is an immutable-size byte buffer. Once allocated its capacity
// never changes; only the logical [off, off+len) window shrinks as
// bytes are trimmed from the front.
type Chunk struct {
	payload []byte
	off     int // bytes already trimmed from the front
	next    *Chunk
}

// Len returns the number of unread bytes remaining in the chunk.
func (c *Chunk) Len() int { return len(c.payload) - c.off }

// Bytes returns the unread portion of the chunk. The caller must not
// retain it past the next Trim/Clear on the owning queue.
func (c *Chunk) Bytes() []byte { return c.payload[c.off:] }

// Queue is a FIFO of Chunks with an O(1) byte-count invariant:
// unread == sum of Len() over every chunk from head to tail.
type Queue struct {
	head, tail *Chunk
	unread     int
	drained    int64 // cumulative bytes fully consumed via Trim(drain=true)
}

// Unread returns the number of bytes not yet trimmed.
func (q *Queue) Unread() int { return q.unread }

// Drained returns the cumulative count of bytes removed with drain=true.
func (q *Queue) Drained() int64 { return q.drained }

// Empty reports whether the queue holds no chunks.
func (q *Queue) Empty() bool { return q.head == nil }

// Enqueue copies payload into a freshly allocated chunk and links it
// at the tail. A nil/zero-length payload is a no-op that still
// returns a chunk (for callers that enqueue empty markers).
func (q *Queue) Enqueue(payload []byte) *Chunk {
	if len(payload) == 0 {
		return &Chunk{}
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c := &Chunk{payload: buf}
	if q.tail == nil {
		q.head, q.tail = c, c
	} else {
		q.tail.next = c
		q.tail = c
	}
	q.unread += len(buf)
	return c
}

// Move relinks whole chunks from src's head to dst's tail until doing
// so again would exceed max bytes moved. A chunk is only moved if it
// fits entirely within the remaining budget; partial chunks are never
// split. Returns the number of bytes moved.
func Move(src, dst *Queue, max int) int {
	moved := 0
	for src.head != nil {
		n := src.head.Len()
		if moved+n > max {
			break
		}
		c := src.head
		src.head = c.next
		if src.head == nil {
			src.tail = nil
		}
		c.next = nil
		src.unread -= n
		if dst.tail == nil {
			dst.head, dst.tail = c, c
		} else {
			dst.tail.next = c
			dst.tail = c
		}
		dst.unread += n
		moved += n
	}
	return moved
}

// Trim removes exactly min(n, Unread()) bytes from the head, freeing
// chunks that become fully consumed. When drain is true the removed
// byte count is added to Drained().
func (q *Queue) Trim(n int, drain bool) int {
	remaining := n
	if remaining > q.unread {
		remaining = q.unread
	}
	removed := remaining
	for remaining > 0 && q.head != nil {
		avail := q.head.Len()
		if avail > remaining {
			q.head.off += remaining
			q.unread -= remaining
			remaining = 0
			break
		}
		remaining -= avail
		q.unread -= avail
		q.head = q.head.next
		if q.head == nil {
			q.tail = nil
		}
	}
	if drain {
		q.drained += int64(removed)
	}
	return removed
}

// Clear frees every chunk in the queue.
func (q *Queue) Clear() {
	q.head, q.tail = nil, nil
	q.unread = 0
}

// Vec is a read-only view into a chunk's unread bytes, used to build
// iovec-like arrays without mutating the queue.
type Vec struct {
	Chunk *Chunk
	Base  []byte
}

// Vecs returns up to cap read-only views over the queue's chunks,
// head first, without consuming anything.
func (q *Queue) Vecs(cap int) []Vec {
	out := make([]Vec, 0, cap)
	for c := q.head; c != nil && len(out) < cap; c = c.next {
		out = append(out, Vec{Chunk: c, Base: c.Bytes()})
	}
	return out
}

// TrimFromVec trims min(n, len(vec.Base)) bytes from the head only if
// vec's chunk is still the queue's head chunk; a vec whose chunk was
// already trimmed away or cleared trims nothing. This protects against
// mistaking protocol framing bytes for body bytes.
func (q *Queue) TrimFromVec(vec Vec, n int) int {
	if q.head != vec.Chunk {
		return 0
	}
	if n > len(vec.Base) {
		n = len(vec.Base)
	}
	return q.Trim(n, true)
}
