// Package protocol frames the binary messages exchanged between the relay
// and its clients. Every message starts with a varint type; integers are
// LEB128 varints and byte strings are varint-length-prefixed.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message types.
const (
	MessageSync          uint64 = 0
	MessagePresence      uint64 = 1
	MessageAuth          uint64 = 2
	MessageQueryPresence uint64 = 3
)

// Sync submessage types: the two handshake steps and incremental updates.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// AuthPermissionDenied is the only auth submessage; it carries a reason.
const AuthPermissionDenied uint64 = 0

var ErrMalformedMessage = errors.New("protocol: malformed message")

// Message is a decoded frame. Payload holds the state vector (step 1), the
// update (step 2, update) or the presence update, depending on Type.
type Message struct {
	Type    uint64
	SubType uint64
	Payload []byte
	Reason  string
}

// IsDocumentUpdate reports whether the message carries document content
// (sync step 2 or an incremental update).
func (m Message) IsDocumentUpdate() bool {
	return m.Type == MessageSync && (m.SubType == SyncStep2 || m.SubType == SyncUpdate)
}

func Decode(b []byte) (Message, error) {
	typ, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Message{}, fmt.Errorf("%w: type", ErrMalformedMessage)
	}
	b = b[n:]
	m := Message{Type: typ}

	switch typ {
	case MessageSync:
		sub, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: sync type", ErrMalformedMessage)
		}
		if sub > SyncUpdate {
			return Message{}, fmt.Errorf("%w: unknown sync type %d", ErrMalformedMessage, sub)
		}
		m.SubType = sub
		payload, n2 := protowire.ConsumeBytes(b[n:])
		if n2 < 0 {
			return Message{}, fmt.Errorf("%w: sync payload", ErrMalformedMessage)
		}
		m.Payload = payload
	case MessagePresence:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: presence payload", ErrMalformedMessage)
		}
		m.Payload = payload
	case MessageAuth:
		sub, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: auth type", ErrMalformedMessage)
		}
		m.SubType = sub
		reason, n2 := protowire.ConsumeString(b[n:])
		if n2 < 0 {
			return Message{}, fmt.Errorf("%w: auth reason", ErrMalformedMessage)
		}
		m.Reason = reason
	case MessageQueryPresence:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, typ)
	}
	return m, nil
}

func encodeSync(sub uint64, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+8)
	b = protowire.AppendVarint(b, MessageSync)
	b = protowire.AppendVarint(b, sub)
	return protowire.AppendBytes(b, payload)
}

// EncodeSyncStep1 announces the sender's state vector.
func EncodeSyncStep1(stateVector []byte) []byte { return encodeSync(SyncStep1, stateVector) }

// EncodeSyncStep2 answers a step 1 with the update the peer is missing.
func EncodeSyncStep2(update []byte) []byte { return encodeSync(SyncStep2, update) }

// EncodeSyncUpdate carries an incremental document update.
func EncodeSyncUpdate(update []byte) []byte { return encodeSync(SyncUpdate, update) }

// EncodePresence wraps a presence-table update.
func EncodePresence(update []byte) []byte {
	b := protowire.AppendVarint(make([]byte, 0, len(update)+6), MessagePresence)
	return protowire.AppendBytes(b, update)
}

// EncodePermissionDenied is the in-band error sent to a session whose
// message was rejected.
func EncodePermissionDenied(reason string) []byte {
	b := protowire.AppendVarint(nil, MessageAuth)
	b = protowire.AppendVarint(b, AuthPermissionDenied)
	return protowire.AppendString(b, reason)
}

// EncodeQueryPresence asks the peer for its full presence table.
func EncodeQueryPresence() []byte {
	return protowire.AppendVarint(nil, MessageQueryPresence)
}
