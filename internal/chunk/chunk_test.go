package chunk

import "testing"

func TestEnqueueTrimInvariant(t *testing.T) {
	var q Queue
	q.Enqueue([]byte("hello"))
	q.Enqueue([]byte(" world"))
	if q.Unread() != 11 {
		t.Fatalf("unread = %d, want 11", q.Unread())
	}
	if n := q.Trim(5, true); n != 5 {
		t.Fatalf("trim = %d, want 5", n)
	}
	if q.Unread() != 6 {
		t.Fatalf("unread after trim = %d, want 6", q.Unread())
	}
	if q.Drained() != 5 {
		t.Fatalf("drained = %d, want 5", q.Drained())
	}
	if n := q.Trim(100, false); n != 6 {
		t.Fatalf("trim over-read = %d, want 6", n)
	}
	if !q.Empty() || q.Unread() != 0 {
		t.Fatalf("queue should be empty after draining all bytes")
	}
}

func TestMoveRespectsWholeChunkRule(t *testing.T) {
	var src, dst Queue
	src.Enqueue([]byte("abcd"))
	src.Enqueue([]byte("efgh"))

	// max=6 only fits the first whole chunk (4 bytes); the second
	// chunk (4 bytes) would exceed the budget so it stays put.
	moved := Move(&src, &dst, 6)
	if moved != 4 {
		t.Fatalf("moved = %d, want 4", moved)
	}
	if src.Unread() != 4 {
		t.Fatalf("src unread = %d, want 4", src.Unread())
	}
	if dst.Unread() != 4 {
		t.Fatalf("dst unread = %d, want 4", dst.Unread())
	}
}

func TestMoveThenTrimRoundTrip(t *testing.T) {
	var src, dst Queue
	src.Enqueue([]byte("0123456789"))
	moved := Move(&src, &dst, 100)
	dst.Trim(moved, false)
	if !src.Empty() {
		t.Fatalf("src should be unchanged in length (moved away), got unread=%d", src.Unread())
	}
	if !dst.Empty() {
		t.Fatalf("dst should be empty after trimming everything moved")
	}
}

func TestVecsAndTrimFromVec(t *testing.T) {
	var q Queue
	q.Enqueue([]byte("abc"))
	q.Enqueue([]byte("def"))
	vecs := q.Vecs(10)
	if len(vecs) != 2 {
		t.Fatalf("got %d vecs, want 2", len(vecs))
	}
	n := q.TrimFromVec(vecs[0], len(vecs[0].Base))
	if n != 3 {
		t.Fatalf("trimmed %d, want 3", n)
	}
	if q.Unread() != 3 {
		t.Fatalf("unread = %d, want 3", q.Unread())
	}
	// A stale vec (no longer the head) must not trim anything.
	if n := q.TrimFromVec(vecs[0], 3); n != 0 {
		t.Fatalf("stale vec trimmed %d bytes, want 0", n)
	}
}

func TestEmptyQueueInvariant(t *testing.T) {
	var q Queue
	if !q.Empty() || q.Unread() != 0 {
		t.Fatalf("zero-value queue must be empty")
	}
	q.Trim(10, false) // must not panic
}
