package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func rawDelta(version uint64, ops ...[]byte) []byte {
	b := protowire.AppendTag(nil, deltaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, version)
	for _, op := range ops {
		b = protowire.AppendTag(b, deltaOp, protowire.BytesType)
		b = protowire.AppendBytes(b, op)
	}
	return b
}

func rawInsert(id, origin CharID, value string) []byte {
	b := protowire.AppendTag(nil, opKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(OpInsert))
	b = appendID(b, opID, id)
	if !origin.IsZero() {
		b = appendID(b, opOrigin, origin)
	}
	b = protowire.AppendTag(b, opValue, protowire.BytesType)
	return protowire.AppendString(b, value)
}

func TestDecodeDeltaRoundTripsOps(t *testing.T) {
	ops := []Op{
		{Kind: OpInsert, Char: Char{ID: CharID{Clock: 1, PeerID: "a"}, Value: 'é'}},
		{Kind: OpInsert, Char: Char{ID: CharID{Clock: 2, PeerID: "a"}, Origin: CharID{Clock: 1, PeerID: "a"}, Value: 'x', Deleted: true}},
		{Kind: OpDelete, Target: CharID{Clock: 1, PeerID: "a"}},
	}
	got, err := DecodeDelta(EncodeDelta(ops))
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestDecodeDeltaSkipsUnknownFields(t *testing.T) {
	b := rawDelta(formatVersion, rawInsert(CharID{Clock: 1, PeerID: "a"}, CharID{}, "q"))
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	ops, err := DecodeDelta(b)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 'q', ops[0].Char.Value)
}

func TestDecodeDeltaRejects(t *testing.T) {
	id := CharID{Clock: 2, PeerID: "a"}
	deleteWithValue := protowire.AppendTag(nil, opKind, protowire.VarintType)
	deleteWithValue = protowire.AppendVarint(deleteWithValue, uint64(OpDelete))
	deleteWithValue = appendID(deleteWithValue, opTarget, id)
	deleteWithValue = protowire.AppendTag(deleteWithValue, opValue, protowire.BytesType)
	deleteWithValue = protowire.AppendString(deleteWithValue, "x")

	unknownKind := protowire.AppendTag(nil, opKind, protowire.VarintType)
	unknownKind = protowire.AppendVarint(unknownKind, 7)

	tests := []struct {
		name  string
		delta []byte
	}{
		{"no version", EncodeDelta(nil)[2:]},
		{"future version", rawDelta(2)},
		{"two runes", rawDelta(formatVersion, rawInsert(id, CharID{}, "ab"))},
		{"empty value", rawDelta(formatVersion, rawInsert(id, CharID{}, ""))},
		{"invalid utf8", rawDelta(formatVersion, rawInsert(id, CharID{}, "\xff"))},
		{"origin not older", rawDelta(formatVersion, rawInsert(id, CharID{Clock: 2, PeerID: "b"}, "x"))},
		{"zero clock", rawDelta(formatVersion, rawInsert(CharID{PeerID: "a"}, CharID{}, "x"))},
		{"no peer", rawDelta(formatVersion, rawInsert(CharID{Clock: 3}, CharID{}, "x"))},
		{"delete with value", rawDelta(formatVersion, deleteWithValue)},
		{"unknown kind", rawDelta(formatVersion, unknownKind)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDelta(tt.delta)
			assert.ErrorIs(t, err, ErrMalformedDelta)
		})
	}
}
