package crdt

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// formatVersion is the first field of every delta. Deltas with any other
// version are rejected.
const formatVersion = 1

// Field numbers of the delta encoding. The layout is plain protobuf wire
// format so any protobuf decoder can inspect a delta.
//
//	Delta { 1: version varint, 2: repeated Op }
//	Op    { 1: kind varint, 2: id ID, 3: origin ID, 4: value string, 5: deleted bool, 6: target ID }
//	ID    { 1: peer string, 2: clock varint }
const (
	deltaVersion protowire.Number = 1
	deltaOp      protowire.Number = 2

	opKind    protowire.Number = 1
	opID      protowire.Number = 2
	opOrigin  protowire.Number = 3
	opValue   protowire.Number = 4
	opDeleted protowire.Number = 5
	opTarget  protowire.Number = 6

	idPeer  protowire.Number = 1
	idClock protowire.Number = 2
)

// EncodeDelta serializes ops in the given order.
func EncodeDelta(ops []Op) []byte {
	b := protowire.AppendTag(nil, deltaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	for _, op := range ops {
		b = protowire.AppendTag(b, deltaOp, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOp(nil, op))
	}
	return b
}

func appendOp(b []byte, op Op) []byte {
	b = protowire.AppendTag(b, opKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	switch op.Kind {
	case OpInsert:
		b = appendID(b, opID, op.Char.ID)
		if !op.Char.Origin.IsZero() {
			b = appendID(b, opOrigin, op.Char.Origin)
		}
		b = protowire.AppendTag(b, opValue, protowire.BytesType)
		b = protowire.AppendString(b, string(op.Char.Value))
		if op.Char.Deleted {
			b = protowire.AppendTag(b, opDeleted, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		}
	case OpDelete:
		b = appendID(b, opTarget, op.Target)
	}
	return b
}

func appendID(b []byte, num protowire.Number, id CharID) []byte {
	var body []byte
	body = protowire.AppendTag(body, idPeer, protowire.BytesType)
	body = protowire.AppendString(body, id.PeerID)
	body = protowire.AppendTag(body, idClock, protowire.VarintType)
	body = protowire.AppendVarint(body, id.Clock)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// DecodeDelta parses and validates a delta. Every error wraps
// ErrMalformedDelta.
func DecodeDelta(b []byte) ([]Op, error) {
	var (
		ops        []Op
		sawVersion bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("delta tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == deltaVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("delta version", protowire.ParseError(n))
			}
			if v != formatVersion {
				return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedDelta, v)
			}
			sawVersion = true
			b = b[n:]
		case num == deltaOp && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("op", protowire.ParseError(n))
			}
			op, err := decodeOp(raw)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawVersion {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedDelta)
	}
	return ops, nil
}

func decodeOp(b []byte) (Op, error) {
	var (
		op                         Op
		value                      string
		hasID, hasTarget, hasValue bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Op{}, malformed("op tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == opKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, malformed("op kind", protowire.ParseError(n))
			}
			op.Kind = OpKind(v)
			b = b[n:]
		case (num == opID || num == opOrigin || num == opTarget) && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, malformed("id", protowire.ParseError(n))
			}
			id, err := decodeID(raw)
			if err != nil {
				return Op{}, err
			}
			switch num {
			case opID:
				op.Char.ID, hasID = id, true
			case opOrigin:
				op.Char.Origin = id
			case opTarget:
				op.Target, hasTarget = id, true
			}
			b = b[n:]
		case num == opValue && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, malformed("value", protowire.ParseError(n))
			}
			value, hasValue = string(raw), true
			b = b[n:]
		case num == opDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, malformed("deleted", protowire.ParseError(n))
			}
			op.Char.Deleted = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Op{}, malformed("unknown op field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch op.Kind {
	case OpInsert:
		if !hasID || hasTarget {
			return Op{}, fmt.Errorf("%w: insert needs an id and no target", ErrMalformedDelta)
		}
		if !hasValue || !utf8.ValidString(value) || utf8.RuneCountInString(value) != 1 {
			return Op{}, fmt.Errorf("%w: insert value must be one rune", ErrMalformedDelta)
		}
		// an origin is always older than the character inserted after it
		if !op.Char.Origin.IsZero() && op.Char.Origin.Clock >= op.Char.ID.Clock {
			return Op{}, fmt.Errorf("%w: origin %v not older than %v", ErrMalformedDelta, op.Char.Origin, op.Char.ID)
		}
		op.Char.Value, _ = utf8.DecodeRuneInString(value)
	case OpDelete:
		if !hasTarget || hasID || hasValue {
			return Op{}, fmt.Errorf("%w: delete needs only a target", ErrMalformedDelta)
		}
	default:
		return Op{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformedDelta, op.Kind)
	}
	return op, nil
}

func decodeID(b []byte) (CharID, error) {
	var id CharID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return CharID{}, malformed("id tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == idPeer && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return CharID{}, malformed("peer", protowire.ParseError(n))
			}
			id.PeerID = string(raw)
			b = b[n:]
		case num == idClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return CharID{}, malformed("clock", protowire.ParseError(n))
			}
			id.Clock = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return CharID{}, malformed("unknown id field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if id.Clock == 0 || id.PeerID == "" {
		return CharID{}, fmt.Errorf("%w: incomplete id %+v", ErrMalformedDelta, id)
	}
	return id, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedDelta, what, err)
}
