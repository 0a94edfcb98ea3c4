// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Azure/go-amqp"
)

// Message annotations set by the service on every received event.
const (
	EnqueuedTimeAnnotation   = "x-opt-enqueued-time"
	OffsetAnnotation         = "x-opt-offset"
	SequenceNumberAnnotation = "x-opt-sequence-number"
	PartitionKeyAnnotation   = "x-opt-partition-key"
)

// ReceivedEventData is an event read from a partition, together with the
// metadata the service attached when it was enqueued.
type ReceivedEventData struct {
	EventData

	EnqueuedTime     time.Time
	Offset           string
	SequenceNumber   int64
	PartitionKey     string
	SystemProperties map[string]any

	raw *amqp.Message
}

// RawAMQPMessage returns the message as delivered by the transport.
func (r *ReceivedEventData) RawAMQPMessage() *amqp.Message {
	return r.raw
}

func (r *ReceivedEventData) String() string {
	return fmt.Sprintf("ReceivedEventData{event: %s, enqueued_time: %s, offset: %s, sequence_number: %d, partition_key: %q}",
		r.EventData.String(), r.EnqueuedTime.Format(time.RFC3339Nano), r.Offset, r.SequenceNumber, r.PartitionKey)
}

// NewReceivedEventData decodes an AMQP message delivered on a partition link.
// Only single data section bodies are copied into the event body.
func NewReceivedEventData(msg *amqp.Message, logger *slog.Logger) *ReceivedEventData {
	if logger == nil {
		logger = slog.Default()
	}

	ev := &ReceivedEventData{
		EnqueuedTime: time.Now(),
		raw:          msg,
	}

	if len(msg.Data) == 1 {
		ev.body = msg.Data[0]
	}

	if p := msg.Properties; p != nil {
		if p.ContentType != nil {
			ct := *p.ContentType
			ev.contentType = &ct
		}
		if id, ok := messageIDFromAMQP(p.CorrelationID); ok {
			ev.correlationID = &id
		}
		if id, ok := messageIDFromAMQP(p.MessageID); ok {
			ev.messageID = &id
		}
	}

	if len(msg.ApplicationProperties) > 0 {
		ev.properties = make(map[string]any, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			ev.properties[k] = v
		}
	}

	for key, value := range msg.Annotations {
		name, ok := annotationKey(key)
		if !ok {
			continue
		}

		switch name {
		case EnqueuedTimeAnnotation:
			if t, ok := value.(time.Time); ok {
				ev.EnqueuedTime = t
			}
		case OffsetAnnotation:
			switch o := value.(type) {
			case string:
				ev.Offset = o
			case int64:
				ev.Offset = strconv.FormatInt(o, 10)
			}
		case SequenceNumberAnnotation:
			if n, ok := value.(int64); ok {
				ev.SequenceNumber = n
			}
		case PartitionKeyAnnotation:
			if k, ok := value.(string); ok {
				ev.PartitionKey = k
			}
		default:
			if ev.SystemProperties == nil {
				ev.SystemProperties = make(map[string]any)
			}
			if _, dup := ev.SystemProperties[name]; dup {
				logger.Warn("duplicate system property", slog.String("name", name))
			}
			ev.SystemProperties[name] = value
		}
	}

	return ev
}

// annotationKey accepts plain strings and symbol-typed keys.
func annotationKey(key any) (string, bool) {
	switch k := key.(type) {
	case string:
		return k, true
	case amqp.Symbol:
		return string(k), true
	default:
		return "", false
	}
}
