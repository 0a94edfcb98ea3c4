// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"bytes"
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// MessageIDKind identifies which representation a MessageID holds.
type MessageIDKind uint8

// MessageID kinds.
const (
	MessageIDString MessageIDKind = iota
	MessageIDUlong
	MessageIDUUID
	MessageIDBinary
)

// MessageID uniquely identifies a message. The producer is responsible for
// choosing values that are globally unique.
type MessageID struct {
	kind   MessageIDKind
	str    string
	ulong  uint64
	uuid   uuid.UUID
	binary []byte
}

// StringMessageID creates a string message ID.
func StringMessageID(s string) MessageID {
	return MessageID{kind: MessageIDString, str: s}
}

// UlongMessageID creates an unsigned 64-bit message ID.
func UlongMessageID(v uint64) MessageID {
	return MessageID{kind: MessageIDUlong, ulong: v}
}

// UUIDMessageID creates a UUID message ID.
func UUIDMessageID(id uuid.UUID) MessageID {
	return MessageID{kind: MessageIDUUID, uuid: id}
}

// BinaryMessageID creates a binary message ID.
func BinaryMessageID(b []byte) MessageID {
	return MessageID{kind: MessageIDBinary, binary: bytes.Clone(b)}
}

// Kind returns the representation held by the ID.
func (id MessageID) Kind() MessageIDKind {
	return id.kind
}

// Equal reports whether two IDs have the same kind and value.
func (id MessageID) Equal(other MessageID) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case MessageIDUlong:
		return id.ulong == other.ulong
	case MessageIDUUID:
		return id.uuid == other.uuid
	case MessageIDBinary:
		return bytes.Equal(id.binary, other.binary)
	default:
		return id.str == other.str
	}
}

// String formats the ID for logging.
func (id MessageID) String() string {
	switch id.kind {
	case MessageIDUlong:
		return fmt.Sprintf("%d", id.ulong)
	case MessageIDUUID:
		return id.uuid.String()
	case MessageIDBinary:
		return fmt.Sprintf("%x", id.binary)
	default:
		return id.str
	}
}

// AsString returns the string value and whether the ID is a string.
func (id MessageID) AsString() (string, bool) {
	return id.str, id.kind == MessageIDString
}

// AsUlong returns the numeric value and whether the ID is numeric.
func (id MessageID) AsUlong() (uint64, bool) {
	return id.ulong, id.kind == MessageIDUlong
}

// AsUUID returns the UUID value and whether the ID is a UUID.
func (id MessageID) AsUUID() (uuid.UUID, bool) {
	return id.uuid, id.kind == MessageIDUUID
}

// AsBinary returns the binary value and whether the ID is binary.
func (id MessageID) AsBinary() ([]byte, bool) {
	return id.binary, id.kind == MessageIDBinary
}

// amqpValue converts the ID into the value carried in the AMQP properties section.
func (id MessageID) amqpValue() any {
	switch id.kind {
	case MessageIDUlong:
		return id.ulong
	case MessageIDUUID:
		return amqp.UUID(id.uuid)
	case MessageIDBinary:
		return id.binary
	default:
		return id.str
	}
}

// messageIDFromAMQP converts a message-id or correlation-id value decoded by
// the transport. Unknown representations are reported as false.
func messageIDFromAMQP(v any) (MessageID, bool) {
	switch id := v.(type) {
	case string:
		return StringMessageID(id), true
	case uint64:
		return UlongMessageID(id), true
	case amqp.UUID:
		return UUIDMessageID(uuid.UUID(id)), true
	case [16]byte:
		return UUIDMessageID(uuid.UUID(id)), true
	case []byte:
		return BinaryMessageID(id), true
	default:
		return MessageID{}, false
	}
}
