// Package dvv implements the dotted-version-vector causal clock that
// every stored object carries. All operations are pure: they return new
// clocks and never mutate their inputs.
package dvv

import (
	"bytes"
	"sort"

	"github.com/devrev/dottedkv/internal/model"
)

// Value is a single opaque payload held by a clock. A tombstone marks a
// delete; tombstones participate in causality but are suppressed by
// Values.
type Value struct {
	Data      []byte
	Tombstone bool
}

// Tombstone returns the delete sentinel.
func Tombstone() Value {
	return Value{Tombstone: true}
}

// Dotted is a value tagged with the counter of the dot that wrote it.
// The vnode id half of the dot is the entry the value lives under.
type Dotted struct {
	Counter uint64
	Val     Value
}

// Entry is the per-vnode slot of a clock: the highest counter ever
// issued by that vnode (as far as this clock knows) and the values
// still alive under dots from it. Dots are kept sorted by counter.
type Entry struct {
	Counter uint64
	Dots    []Dotted
}

// Clock is the causal history of one object: per-vnode entries plus any
// anonymous values that were never dotted.
type Clock struct {
	Entries map[model.VnodeID]Entry
	Anon    []Value
}

// Context is the value-less projection of a clock: the per-vnode max
// counters. Clients echo it on writes to declare what they have seen.
type Context map[model.VnodeID]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{Entries: make(map[model.VnodeID]Entry)}
}

// IsEmpty reports whether the clock carries no history at all.
func (c Clock) IsEmpty() bool {
	return len(c.Entries) == 0 && len(c.Anon) == 0
}

func cloneEntry(e Entry) Entry {
	out := Entry{Counter: e.Counter}
	if len(e.Dots) > 0 {
		out.Dots = make([]Dotted, len(e.Dots))
		copy(out.Dots, e.Dots)
	}
	return out
}

// Clone returns a deep copy of the clock.
func (c Clock) Clone() Clock {
	out := New()
	for id, e := range c.Entries {
		out.Entries[id] = cloneEntry(e)
	}
	if len(c.Anon) > 0 {
		out.Anon = make([]Value, len(c.Anon))
		copy(out.Anon, c.Anon)
	}
	return out
}

// Join returns the context of the clock.
func Join(c Clock) Context {
	ctx := make(Context, len(c.Entries))
	for id, e := range c.Entries {
		ctx[id] = e.Counter
	}
	return ctx
}

// Values returns the surviving payloads of the clock as a set:
// tombstones excluded, identical payloads collapsed (every replica dots
// the same put independently, so a merged object carries one copy per
// replica). More than one value means concurrent siblings the client
// has to resolve.
func Values(c Clock) [][]byte {
	var out [][]byte
	seen := make(map[string]bool)
	add := func(v Value) {
		if v.Tombstone || seen[string(v.Data)] {
			return
		}
		seen[string(v.Data)] = true
		out = append(out, v.Data)
	}
	for _, id := range sortedIDs(c) {
		for _, d := range c.Entries[id].Dots {
			add(d.Val)
		}
	}
	for _, v := range c.Anon {
		add(v)
	}
	return out
}

// Sync merges two clocks into their least upper bound. Values whose dot
// is dominated by the other side's counter for the issuing vnode are
// discarded; values present on both sides or concurrent survive.
func Sync(a, b Clock) Clock {
	out := New()
	for id, ea := range a.Entries {
		eb, ok := b.Entries[id]
		if !ok {
			out.Entries[id] = cloneEntry(ea)
			continue
		}
		out.Entries[id] = syncEntry(ea, eb)
	}
	for id, eb := range b.Entries {
		if _, ok := a.Entries[id]; !ok {
			out.Entries[id] = cloneEntry(eb)
		}
	}
	out.Anon = mergeAnon(a.Anon, b.Anon)
	return out
}

// syncEntry merges the per-vnode slots of two clocks. A dot survives if
// its counter is above the other side's max, or if both sides hold it.
func syncEntry(ea, eb Entry) Entry {
	out := Entry{Counter: ea.Counter}
	if eb.Counter > out.Counter {
		out.Counter = eb.Counter
	}
	inB := make(map[uint64]bool, len(eb.Dots))
	for _, d := range eb.Dots {
		inB[d.Counter] = true
	}
	seen := make(map[uint64]bool)
	for _, d := range ea.Dots {
		if d.Counter > eb.Counter || inB[d.Counter] {
			out.Dots = append(out.Dots, d)
			seen[d.Counter] = true
		}
	}
	for _, d := range eb.Dots {
		if seen[d.Counter] {
			continue
		}
		if d.Counter > ea.Counter {
			out.Dots = append(out.Dots, d)
		}
	}
	sort.Slice(out.Dots, func(i, j int) bool { return out.Dots[i].Counter < out.Dots[j].Counter })
	return out
}

func mergeAnon(a, b []Value) []Value {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	merged := make([]Value, 0, len(a)+len(b))
	merged = append(merged, a...)
	for _, v := range b {
		dup := false
		for _, u := range merged {
			if u.Tombstone == v.Tombstone && bytes.Equal(u.Data, v.Data) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, v)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Tombstone != merged[j].Tombstone {
			return !merged[i].Tombstone
		}
		return bytes.Compare(merged[i].Data, merged[j].Data) < 0
	})
	return merged
}

// Less reports whether a is strictly dominated by b: b has seen
// everything a has, and more. Used by read-repair to find stale
// replicas.
func Less(a, b Clock) bool {
	for id, ea := range a.Entries {
		if ea.Counter > b.Entries[id].Counter {
			return false
		}
	}
	if !anonSubset(a.Anon, b.Anon) {
		return false
	}
	for id, eb := range b.Entries {
		if eb.Counter > a.Entries[id].Counter {
			return true
		}
	}
	return len(b.Anon) > len(a.Anon)
}

func anonSubset(a, b []Value) bool {
	for _, v := range a {
		found := false
		for _, u := range b {
			if u.Tombstone == v.Tombstone && bytes.Equal(u.Data, v.Data) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Update folds a client write into the clock. Values dominated by the
// supplied context are discarded, the context's counters are absorbed
// into the history, and the new value receives a fresh dot from id.
func Update(c Clock, ctx Context, val Value, id model.VnodeID) Clock {
	out := discard(c, ctx)
	for cid, n := range ctx {
		e := out.Entries[cid]
		if n > e.Counter {
			e.Counter = n
			out.Entries[cid] = e
		}
	}
	e := out.Entries[id]
	e.Counter++
	e.Dots = append(e.Dots, Dotted{Counter: e.Counter, Val: val})
	out.Entries[id] = e
	return out
}

// discard drops every dotted value covered by ctx. Anonymous values are
// dropped by any non-empty context, since a client echoing a context
// has observed whatever undotted values were returned alongside it.
func discard(c Clock, ctx Context) Clock {
	out := New()
	for id, e := range c.Entries {
		kept := Entry{Counter: e.Counter}
		limit := ctx[id]
		for _, d := range e.Dots {
			if d.Counter > limit {
				kept.Dots = append(kept.Dots, d)
			}
		}
		out.Entries[id] = kept
	}
	if len(ctx) == 0 && len(c.Anon) > 0 {
		out.Anon = make([]Value, len(c.Anon))
		copy(out.Anon, c.Anon)
	}
	return out
}

// Equal reports structural equality of two clocks.
func Equal(a, b Clock) bool {
	if len(a.Entries) != len(b.Entries) || len(a.Anon) != len(b.Anon) {
		return false
	}
	for id, ea := range a.Entries {
		eb, ok := b.Entries[id]
		if !ok || ea.Counter != eb.Counter || len(ea.Dots) != len(eb.Dots) {
			return false
		}
		for i := range ea.Dots {
			da, db := ea.Dots[i], eb.Dots[i]
			if da.Counter != db.Counter || da.Val.Tombstone != db.Val.Tombstone ||
				!bytes.Equal(da.Val.Data, db.Val.Data) {
				return false
			}
		}
	}
	for i := range a.Anon {
		if a.Anon[i].Tombstone != b.Anon[i].Tombstone ||
			!bytes.Equal(a.Anon[i].Data, b.Anon[i].Data) {
			return false
		}
	}
	return true
}

func sortedIDs(c Clock) []model.VnodeID {
	ids := make([]model.VnodeID, 0, len(c.Entries))
	for id := range c.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Partition != ids[j].Partition {
			return ids[i].Partition < ids[j].Partition
		}
		return ids[i].Epoch < ids[j].Epoch
	})
	return ids
}
