package h3

import (
	"github.com/naviserver/httpengine/internal/metrics"
)

// Mask is a pollset entry's interest/error bit set.
type Mask uint8

const (
	// EventRead enables servicing of staged receive data.
	EventRead Mask = 1 << iota
	// EventWrite enables the writer step for the entry.
	EventWrite
	// EventErr is always kept set: error conditions are serviced
	// regardless of read/write interest.
	EventErr
	// EventConnErr marks connection-level error interest (connections
	// only).
	EventConnErr
)

// Entry is anything owning a pollset slot: a connection or a stream.
// The back-reference index gives O(1) updates; a stale index falls
// back to linear search.
type Entry interface {
	pollSlot() int
	setPollSlot(int)
}

// Pollset is the driver's registry of live connections and streams:
// parallel entry/mask slices with slot-punching (MarkDead) and
// swap-with-last compaction (Consolidate). Mutated only on the driver
// goroutine. Invariant after Consolidate: no holes in [0, Len).
type Pollset struct {
	entries   []Entry
	events    []Mask
	firstDead int // Consolidate's scan start: at or before the earliest punched hole
}

// NewPollset returns an empty pollset.
func NewPollset() *Pollset {
	return &Pollset{firstDead: 0}
}

// Len is the logical slot count, holes included until consolidation.
func (p *Pollset) Len() int { return len(p.entries) }

// Add appends an entry with the given interest mask (error bits are
// forced on) and records the slot back-reference on the entry.
func (p *Pollset) Add(e Entry, mask Mask) int {
	idx := len(p.entries)
	p.entries = append(p.entries, e)
	p.events = append(p.events, mask|EventErr)
	e.setPollSlot(idx)
	p.updateGauges()
	return idx
}

// lookup resolves an entry's slot, preferring the back-reference and
// falling back to linear search when it is stale.
func (p *Pollset) lookup(e Entry) int {
	idx := e.pollSlot()
	if idx >= 0 && idx < len(p.entries) && p.entries[idx] == e {
		return idx
	}
	for i, cur := range p.entries {
		if cur == e {
			e.setPollSlot(i)
			return i
		}
	}
	return -1
}

// Enable sets interest bits on an entry's slot.
func (p *Pollset) Enable(e Entry, mask Mask) {
	if idx := p.lookup(e); idx >= 0 {
		p.events[idx] |= mask | EventErr
	}
}

// Disable clears interest bits; error bits are always kept set.
func (p *Pollset) Disable(e Entry, mask Mask) {
	if idx := p.lookup(e); idx >= 0 {
		p.events[idx] &^= mask
		p.events[idx] |= EventErr
	}
}

// Events returns the entry's current mask (0 for a dead/unknown entry).
func (p *Pollset) Events(e Entry) Mask {
	if idx := p.lookup(e); idx >= 0 {
		return p.events[idx]
	}
	return 0
}

// MarkDead punches the entry's slot and records the earliest hole.
func (p *Pollset) MarkDead(e Entry) {
	idx := p.lookup(e)
	if idx < 0 {
		return
	}
	p.entries[idx] = nil
	p.events[idx] = 0
	e.setPollSlot(-1)
	if idx < p.firstDead || p.firstDead >= len(p.entries) {
		p.firstDead = idx
	}
	p.updateGauges()
}

// Consolidate compacts dead slots by swap-with-last from the first
// hole upward, updating the moved entry's back-reference.
func (p *Pollset) Consolidate() {
	for i := p.firstDead; i < len(p.entries); {
		if p.entries[i] != nil {
			i++
			continue
		}
		last := len(p.entries) - 1
		if i != last {
			p.entries[i] = p.entries[last]
			p.events[i] = p.events[last]
			if p.entries[i] != nil {
				p.entries[i].setPollSlot(i)
			}
		}
		p.entries = p.entries[:last]
		p.events = p.events[:last]
	}
	p.firstDead = len(p.entries)
	p.updateGauges()
}

// ForEach visits every live slot. The visitor must not Add or
// Consolidate; MarkDead on the visited entry is allowed.
func (p *Pollset) ForEach(fn func(e Entry, mask Mask)) {
	for i := 0; i < len(p.entries); i++ {
		if p.entries[i] != nil {
			fn(p.entries[i], p.events[i])
		}
	}
}

func (p *Pollset) updateGauges() {
	live, dead := 0, 0
	for _, e := range p.entries {
		if e == nil {
			dead++
		} else {
			live++
		}
	}
	metrics.H3PollsetSlots.WithLabelValues("live").Set(float64(live))
	metrics.H3PollsetSlots.WithLabelValues("dead").Set(float64(dead))
}
