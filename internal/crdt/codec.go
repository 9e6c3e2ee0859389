package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
	opMeta   opKind = 3
)

type op struct {
	id      ID
	lamport uint64
	kind    opKind

	origin    ID
	hasOrigin bool
	content   string

	target ID

	key   string
	value []byte
}

// Field numbers of the update encoding. An update is a sequence of
// length-delimited op records under fieldOp.
const (
	fieldOp protowire.Number = 1

	fieldClient       protowire.Number = 1
	fieldSeq          protowire.Number = 2
	fieldLamport      protowire.Number = 3
	fieldKind         protowire.Number = 4
	fieldOriginClient protowire.Number = 5
	fieldOriginSeq    protowire.Number = 6
	fieldHasOrigin    protowire.Number = 7
	fieldContent      protowire.Number = 8
	fieldTargetClient protowire.Number = 9
	fieldTargetSeq    protowire.Number = 10
	fieldKey          protowire.Number = 11
	fieldValue        protowire.Number = 12
)

func encodeUpdate(ops []op) []byte {
	var b []byte
	for _, o := range ops {
		b = protowire.AppendTag(b, fieldOp, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(o))
	}
	return b
}

func encodeOp(o op) []byte {
	var b []byte
	b = appendVarint(b, fieldClient, o.id.Client)
	b = appendVarint(b, fieldSeq, o.id.Seq)
	b = appendVarint(b, fieldLamport, o.lamport)
	b = appendVarint(b, fieldKind, uint64(o.kind))
	switch o.kind {
	case opInsert:
		if o.hasOrigin {
			b = appendVarint(b, fieldHasOrigin, 1)
			b = appendVarint(b, fieldOriginClient, o.origin.Client)
			b = appendVarint(b, fieldOriginSeq, o.origin.Seq)
		}
		b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
		b = protowire.AppendString(b, o.content)
	case opDelete:
		b = appendVarint(b, fieldTargetClient, o.target.Client)
		b = appendVarint(b, fieldTargetSeq, o.target.Seq)
	case opMeta:
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, o.key)
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, o.value)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func decodeUpdate(b []byte) ([]op, error) {
	var ops []op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldOp || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		o, err := decodeOp(raw)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func decodeOp(b []byte) (op, error) {
	var o op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldClient:
				o.id.Client = v
			case fieldSeq:
				o.id.Seq = v
			case fieldLamport:
				o.lamport = v
			case fieldKind:
				o.kind = opKind(v)
			case fieldOriginClient:
				o.origin.Client = v
			case fieldOriginSeq:
				o.origin.Seq = v
			case fieldHasOrigin:
				o.hasOrigin = v != 0
			case fieldTargetClient:
				o.target.Client = v
			case fieldTargetSeq:
				o.target.Seq = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldContent:
				o.content = string(v)
			case fieldKey:
				o.key = string(v)
			case fieldValue:
				o.value = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return op{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if o.id.Seq == 0 || o.kind < opInsert || o.kind > opMeta {
		return op{}, fmt.Errorf("%w: op %d/%d kind %d", ErrMalformedUpdate, o.id.Client, o.id.Seq, o.kind)
	}
	return o, nil
}

// EncodeStateVector encodes sv as a count followed by (client, seq) pairs
// in ascending client order.
func EncodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	b := protowire.AppendVarint(nil, uint64(len(clients)))
	for _, c := range clients {
		b = protowire.AppendVarint(b, c)
		b = protowire.AppendVarint(b, sv[c])
	}
	return b
}

// DecodeStateVector is the inverse of EncodeStateVector. An empty input is
// the empty vector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: state vector length", ErrMalformedUpdate)
	}
	b = b[n:]
	for i := uint64(0); i < count; i++ {
		c, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: state vector client", ErrMalformedUpdate)
		}
		b = b[n:]
		s, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: state vector clock", ErrMalformedUpdate)
		}
		b = b[n:]
		sv[c] = s
	}
	return sv, nil
}

// MergeUpdates folds several updates into one without needing a live
// document. Duplicate ops collapse; unknown bytes are rejected.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[ID]op)
	for _, u := range updates {
		ops, err := decodeUpdate(u)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			seen[o.id] = o
		}
	}
	ops := make([]op, 0, len(seen))
	for _, o := range seen {
		ops = append(ops, o)
	}
	sortOps(ops)
	return encodeUpdate(ops), nil
}
