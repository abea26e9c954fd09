// Package crdt holds the local replica of a document's text as an RGA
// sequence CRDT and the binary delta format exchanged between replicas.
package crdt

import "errors"

// ErrMalformedDelta is returned for payloads that are not a valid delta
// encoding. A rejected delta never touches replica state.
var ErrMalformedDelta = errors.New("crdt: malformed delta")

// CharID is a globally unique identifier for a character, combining a logical
// clock and the ID of the peer that created it. The zero CharID is the head of
// the document.
type CharID struct {
	Clock  uint64
	PeerID string
}

// IsZero reports whether id is the document head.
func (id CharID) IsZero() bool {
	return id.Clock == 0 && id.PeerID == ""
}

// after reports whether id sorts before other among siblings, i.e. id was
// created later (higher clock) or ties on clock with a greater peer id.
func (id CharID) after(other CharID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.PeerID > other.PeerID
}

// less is the canonical total order used for pending operations in snapshots.
func (id CharID) less(other CharID) bool {
	if id.PeerID != other.PeerID {
		return id.PeerID < other.PeerID
	}
	return id.Clock < other.Clock
}

// Char represents a single character in the CRDT sequence. Origin is the
// character it was inserted after; deleted characters stay as tombstones.
type Char struct {
	ID      CharID
	Origin  CharID
	Value   rune
	Deleted bool
}

// OpKind tells inserts from deletes on the wire.
type OpKind int

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is a single replicated operation. Inserts carry Char (with Deleted set
// when the op comes from a snapshot of a tombstone); deletes carry Target.
type Op struct {
	Kind   OpKind
	Char   Char
	Target CharID
}

// Change is a local text mutation: Delete runes are removed at Pos, then
// Insert is written at Pos.
type Change struct {
	Pos    int
	Delete int
	Insert string
}
