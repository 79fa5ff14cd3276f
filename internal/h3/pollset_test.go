package h3

import "testing"

type fakeEntry struct {
	name string
	slot int
}

func (f *fakeEntry) pollSlot() int     { return f.slot }
func (f *fakeEntry) setPollSlot(i int) { f.slot = i }

func newFake(name string) *fakeEntry { return &fakeEntry{name: name, slot: -1} }

func TestPollsetAddAndLookup(t *testing.T) {
	p := NewPollset()
	a, b := newFake("a"), newFake("b")

	p.Add(a, EventRead)
	p.Add(b, EventRead|EventWrite)

	if a.slot != 0 || b.slot != 1 {
		t.Errorf("slots = %d,%d, want 0,1", a.slot, b.slot)
	}
	if p.Events(a)&EventErr == 0 {
		t.Error("error bits must always be kept set")
	}
	if p.Events(b)&EventWrite == 0 {
		t.Error("write interest lost")
	}
}

func TestPollsetEnableDisable(t *testing.T) {
	p := NewPollset()
	a := newFake("a")
	p.Add(a, EventRead)

	p.Enable(a, EventWrite)
	if p.Events(a)&EventWrite == 0 {
		t.Error("enable failed")
	}
	p.Disable(a, EventWrite)
	if p.Events(a)&EventWrite != 0 {
		t.Error("disable failed")
	}
	if p.Events(a)&EventErr == 0 {
		t.Error("disable must keep error bits set")
	}
}

func TestPollsetStaleBackReference(t *testing.T) {
	p := NewPollset()
	a := newFake("a")
	p.Add(a, EventRead)
	a.slot = 17 // clobber the back-reference

	p.Enable(a, EventWrite)
	if p.Events(a)&EventWrite == 0 {
		t.Error("linear-search fallback failed")
	}
	if a.slot != 0 {
		t.Errorf("back-reference not repaired: %d", a.slot)
	}
}

func TestPollsetConsolidateNoHoles(t *testing.T) {
	p := NewPollset()
	entries := make([]*fakeEntry, 6)
	for i := range entries {
		entries[i] = newFake(string(rune('a' + i)))
		p.Add(entries[i], EventRead)
	}

	p.MarkDead(entries[1])
	p.MarkDead(entries[3])
	p.MarkDead(entries[5])
	p.Consolidate()

	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}
	seen := map[string]bool{}
	p.ForEach(func(e Entry, mask Mask) {
		fe := e.(*fakeEntry)
		seen[fe.name] = true
		// Invariant: every live entry's back-reference resolves.
		if p.entries[fe.slot] != e {
			t.Errorf("entry %s back-reference %d is stale", fe.name, fe.slot)
		}
	})
	for _, name := range []string{"a", "c", "e"} {
		if !seen[name] {
			t.Errorf("live entry %s lost in consolidation", name)
		}
	}
	for i := 0; i < p.Len(); i++ {
		if p.entries[i] == nil {
			t.Errorf("hole at slot %d after consolidation", i)
		}
	}
}

func TestPollsetMarkDeadAll(t *testing.T) {
	p := NewPollset()
	var all []*fakeEntry
	for i := 0; i < 4; i++ {
		e := newFake(string(rune('a' + i)))
		all = append(all, e)
		p.Add(e, EventRead)
	}
	for _, e := range all {
		p.MarkDead(e)
	}
	p.Consolidate()
	if p.Len() != 0 {
		t.Errorf("Len = %d after clearing everything", p.Len())
	}
}
