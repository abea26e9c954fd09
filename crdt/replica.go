package crdt

import (
	"slices"
	"sort"
	"strings"
	"sync"
)

// Replica is one peer's copy of a document. It is safe for concurrent use; a
// local edit and a remote merge never interleave.
type Replica struct {
	mu sync.Mutex

	peer  string
	clock uint64

	// chars is the whole sequence in document order, tombstones included.
	chars []*Char
	byID  map[CharID]*Char
	// last is the index of the most recently placed character. Merging a
	// snapshot places characters in document order, so the next origin is
	// usually found there.
	last int

	// Operations waiting on a character we have not seen yet, keyed by that
	// character's id.
	waitingInserts map[CharID][]Char
	waitingDeletes map[CharID]struct{}
	pendingIDs     map[CharID]struct{}

	observers []func(text string)
}

// NewReplica returns an empty replica whose local characters are attributed
// to peer.
func NewReplica(peer string) *Replica {
	return &Replica{
		peer:           peer,
		byID:           make(map[CharID]*Char),
		waitingInserts: make(map[CharID][]Char),
		waitingDeletes: make(map[CharID]struct{}),
		pendingIDs:     make(map[CharID]struct{}),
	}
}

// Peer returns the peer id local edits are stamped with.
func (r *Replica) Peer() string {
	return r.peer
}

// Observe registers fn to be called with the new text after every remote
// merge that changed the document. fn runs on the merging goroutine after the
// replica lock is released.
func (r *Replica) Observe(fn func(text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// ApplyLocalEdit integrates change and returns the delta that carries exactly
// that change to other replicas. A change that does nothing returns nil.
func (r *Replica) ApplyLocalEdit(change Change) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	visible := r.visibleLocked()
	pos := clamp(change.Pos, 0, len(visible))
	del := clamp(change.Delete, 0, len(visible)-pos)

	var ops []Op
	for _, c := range visible[pos : pos+del] {
		c.Deleted = true
		ops = append(ops, Op{Kind: OpDelete, Target: c.ID})
	}

	var origin CharID
	at := 0
	if pos > 0 {
		origin = visible[pos-1].ID
		at = r.indexLocked(origin) + 1
	}
	// A fresh clock is above every id integrated so far, so the run goes
	// right after its origin without skipping anything.
	var run []*Char
	for _, v := range change.Insert {
		r.clock++
		c := &Char{ID: CharID{Clock: r.clock, PeerID: r.peer}, Origin: origin, Value: v}
		r.byID[c.ID] = c
		run = append(run, c)
		ops = append(ops, Op{Kind: OpInsert, Char: *c})
		origin = c.ID
	}
	if len(run) > 0 {
		r.chars = slices.Insert(r.chars, at, run...)
		r.last = at + len(run) - 1
	}

	if len(ops) == 0 {
		return nil, nil
	}
	return EncodeDelta(ops), nil
}

// ApplyRemoteDelta merges a delta produced by any replica, including this
// one. Duplicate and out-of-order deltas are fine: operations whose causal
// dependencies are missing wait until those arrive. A malformed delta is
// rejected before anything is merged. The result reports whether the
// document changed.
func (r *Replica) ApplyRemoteDelta(b []byte) (bool, error) {
	ops, err := DecodeDelta(b)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	changed := false
	for _, op := range ops {
		if r.applyLocked(op) {
			changed = true
		}
	}
	var (
		text      string
		observers []func(string)
	)
	if changed {
		text = r.textLocked()
		observers = append(observers, r.observers...)
	}
	r.mu.Unlock()

	for _, fn := range observers {
		fn(text)
	}
	return changed, nil
}

// Snapshot encodes the full state: every character in document order, then
// operations still waiting on dependencies in canonical order. Replicas that
// have seen the same operations return identical bytes.
func (r *Replica) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]Op, 0, len(r.chars)+len(r.pendingIDs)+len(r.waitingDeletes))
	for _, c := range r.chars {
		ops = append(ops, Op{Kind: OpInsert, Char: *c})
	}

	var waiting []Char
	for _, cs := range r.waitingInserts {
		waiting = append(waiting, cs...)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].ID.less(waiting[j].ID) })
	for _, c := range waiting {
		ops = append(ops, Op{Kind: OpInsert, Char: c})
	}

	targets := make([]CharID, 0, len(r.waitingDeletes))
	for id := range r.waitingDeletes {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].less(targets[j]) })
	for _, id := range targets {
		ops = append(ops, Op{Kind: OpDelete, Target: id})
	}

	return EncodeDelta(ops)
}

// Text returns the visible document.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textLocked()
}

// Len returns the number of visible runes.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visibleLocked())
}

// Pending returns how many operations are waiting on missing dependencies.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingIDs) + len(r.waitingDeletes)
}

// Version returns the highest clock integrated per peer.
func (r *Replica) Version() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := make(map[string]uint64)
	for _, c := range r.chars {
		if c.ID.Clock > v[c.ID.PeerID] {
			v[c.ID.PeerID] = c.ID.Clock
		}
	}
	return v
}

func (r *Replica) applyLocked(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if existing, ok := r.byID[op.Char.ID]; ok {
			if op.Char.Deleted && !existing.Deleted {
				existing.Deleted = true
				return true
			}
			return false
		}
		if _, ok := r.pendingIDs[op.Char.ID]; ok {
			if op.Char.Deleted {
				r.waitingDeletes[op.Char.ID] = struct{}{}
			}
			return false
		}
		if !op.Char.Origin.IsZero() {
			if _, ok := r.byID[op.Char.Origin]; !ok {
				// tombstones wait as insert + delete so snapshots stay canonical
				c := op.Char
				if c.Deleted {
					c.Deleted = false
					r.waitingDeletes[c.ID] = struct{}{}
				}
				r.waitingInserts[c.Origin] = append(r.waitingInserts[c.Origin], c)
				r.pendingIDs[c.ID] = struct{}{}
				return false
			}
		}
		r.integrateLocked(op.Char)
		return true
	case OpDelete:
		c, ok := r.byID[op.Target]
		if !ok {
			r.waitingDeletes[op.Target] = struct{}{}
			return false
		}
		if c.Deleted {
			return false
		}
		c.Deleted = true
		return true
	}
	return false
}

// integrateLocked places c after its origin, skipping over characters with a
// higher id. Those were inserted concurrently at the same spot, or after such
// a character, so they sort first. Operations that were waiting on c are
// integrated right after.
func (r *Replica) integrateLocked(c Char) {
	queue := []Char{c}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		i := 0
		if !c.Origin.IsZero() {
			i = r.indexLocked(c.Origin) + 1
		}
		for i < len(r.chars) && r.chars[i].ID.after(c.ID) {
			i++
		}

		cp := c
		if _, ok := r.waitingDeletes[c.ID]; ok {
			cp.Deleted = true
			delete(r.waitingDeletes, c.ID)
		}
		r.chars = append(r.chars, nil)
		copy(r.chars[i+1:], r.chars[i:])
		r.chars[i] = &cp
		r.byID[c.ID] = &cp
		r.last = i
		delete(r.pendingIDs, c.ID)

		if c.ID.Clock > r.clock {
			r.clock = c.ID.Clock
		}

		if next, ok := r.waitingInserts[c.ID]; ok {
			delete(r.waitingInserts, c.ID)
			queue = append(queue, next...)
		}
	}
}

func (r *Replica) indexLocked(id CharID) int {
	if r.last < len(r.chars) && r.chars[r.last].ID == id {
		return r.last
	}
	for i, c := range r.chars {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (r *Replica) visibleLocked() []*Char {
	visible := make([]*Char, 0, len(r.chars))
	for _, c := range r.chars {
		if !c.Deleted {
			visible = append(visible, c)
		}
	}
	return visible
}

func (r *Replica) textLocked() string {
	var sb strings.Builder
	for _, c := range r.chars {
		if !c.Deleted {
			sb.WriteRune(c.Value)
		}
	}
	return sb.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
