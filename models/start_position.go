// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"time"
)

const (
	offsetFilterAnnotation         = "amqp.annotation.x-opt-offset"
	sequenceNumberFilterAnnotation = "amqp.annotation.x-opt-sequence-number"
	enqueuedTimeFilterAnnotation   = "amqp.annotation.x-opt-enqueued-time"

	earliestExpression = "amqp.annotation.x-opt-offset > '-1'"
	latestExpression   = "amqp.annotation.x-opt-offset > '@latest'"
)

// StartLocation is the kind of position a partition read starts from.
type StartLocation uint8

// Start locations. The zero value is Latest.
const (
	LocationLatest StartLocation = iota
	LocationEarliest
	LocationOffset
	LocationSequenceNumber
	LocationEnqueuedTime
)

func (l StartLocation) String() string {
	switch l {
	case LocationEarliest:
		return "earliest"
	case LocationOffset:
		return "offset"
	case LocationSequenceNumber:
		return "sequence_number"
	case LocationEnqueuedTime:
		return "enqueued_time"
	default:
		return "latest"
	}
}

// StartPosition describes where a partition read begins. The zero value
// starts after the latest event, exclusive.
type StartPosition struct {
	location       StartLocation
	offset         string
	sequenceNumber int64
	enqueuedTime   time.Time
	inclusive      bool
}

// Location returns the kind of start position.
func (p StartPosition) Location() StartLocation {
	return p.location
}

// Offset returns the offset for LocationOffset positions.
func (p StartPosition) Offset() string {
	return p.offset
}

// SequenceNumber returns the sequence number for LocationSequenceNumber positions.
func (p StartPosition) SequenceNumber() int64 {
	return p.sequenceNumber
}

// EnqueuedTime returns the time for LocationEnqueuedTime positions.
func (p StartPosition) EnqueuedTime() time.Time {
	return p.enqueuedTime
}

// IsInclusive reports whether the event at the position itself is included.
func (p StartPosition) IsInclusive() bool {
	return p.inclusive
}

// StartExpression renders the selector filter sent on the receiver link.
// A nil position reads from the latest event.
func StartExpression(p *StartPosition) string {
	if p == nil {
		return latestExpression
	}

	op := ">"
	if p.inclusive {
		op = ">="
	}

	switch p.location {
	case LocationOffset:
		return fmt.Sprintf("%s %s'%s'", offsetFilterAnnotation, op, p.offset)
	case LocationSequenceNumber:
		return fmt.Sprintf("%s %s'%d'", sequenceNumberFilterAnnotation, op, p.sequenceNumber)
	case LocationEnqueuedTime:
		return fmt.Sprintf("%s %s'%d'", enqueuedTimeFilterAnnotation, op, p.enqueuedTime.UnixMilli())
	case LocationEarliest:
		return earliestExpression
	default:
		return latestExpression
	}
}

// StartPositionBuilder builds StartPosition values.
type StartPositionBuilder struct {
	position StartPosition
}

// NewStartPosition returns a builder positioned at the latest event, exclusive.
func NewStartPosition() *StartPositionBuilder {
	return &StartPositionBuilder{}
}

// WithEarliestLocation starts from the first retained event.
func (b *StartPositionBuilder) WithEarliestLocation() *StartPositionBuilder {
	b.position.location = LocationEarliest
	return b
}

// WithLatestLocation starts after the last enqueued event.
func (b *StartPositionBuilder) WithLatestLocation() *StartPositionBuilder {
	b.position.location = LocationLatest
	return b
}

// WithOffset starts at an offset.
func (b *StartPositionBuilder) WithOffset(offset string) *StartPositionBuilder {
	b.position.location = LocationOffset
	b.position.offset = offset
	return b
}

// WithSequenceNumber starts at a sequence number.
func (b *StartPositionBuilder) WithSequenceNumber(n int64) *StartPositionBuilder {
	b.position.location = LocationSequenceNumber
	b.position.sequenceNumber = n
	return b
}

// WithEnqueuedTime starts at an enqueued time, with millisecond precision.
func (b *StartPositionBuilder) WithEnqueuedTime(t time.Time) *StartPositionBuilder {
	b.position.location = LocationEnqueuedTime
	b.position.enqueuedTime = t
	return b
}

// Inclusive includes the event at the position. Ignored for the earliest
// and latest locations.
func (b *StartPositionBuilder) Inclusive() *StartPositionBuilder {
	b.position.inclusive = true
	return b
}

// Build returns the position.
func (b *StartPositionBuilder) Build() StartPosition {
	return b.position
}
