// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/Azure/go-amqp"
)

// EventData is the application view of an event: its body and the
// properties set by the producer.
type EventData struct {
	body          []byte
	contentType   *string
	correlationID *MessageID
	messageID     *MessageID
	properties    map[string]any
}

// Body returns the event payload.
func (e *EventData) Body() []byte {
	return e.body
}

// ContentType returns the content type, if set.
func (e *EventData) ContentType() (string, bool) {
	if e.contentType == nil {
		return "", false
	}
	return *e.contentType, true
}

// CorrelationID returns the correlation ID, if set.
func (e *EventData) CorrelationID() (MessageID, bool) {
	if e.correlationID == nil {
		return MessageID{}, false
	}
	return *e.correlationID, true
}

// MessageID returns the message ID, if set.
func (e *EventData) MessageID() (MessageID, bool) {
	if e.messageID == nil {
		return MessageID{}, false
	}
	return *e.messageID, true
}

// Properties returns the application properties. The map is nil when the
// producer set none.
func (e *EventData) Properties() map[string]any {
	return e.properties
}

func (e *EventData) String() string {
	return fmt.Sprintf("EventData{body: %q, content_type: %v, correlation_id: %v, message_id: %v, properties: %v}",
		e.body, e.contentType, e.correlationID, e.messageID, e.properties)
}

// ToAMQPMessage converts the event into an AMQP message with a single data section.
func (e *EventData) ToAMQPMessage() *amqp.Message {
	msg := &amqp.Message{}
	if e.contentType != nil || e.correlationID != nil || e.messageID != nil {
		msg.Properties = &amqp.MessageProperties{}
		if e.contentType != nil {
			ct := *e.contentType
			msg.Properties.ContentType = &ct
		}
		if e.correlationID != nil {
			msg.Properties.CorrelationID = e.correlationID.amqpValue()
		}
		if e.messageID != nil {
			msg.Properties.MessageID = e.messageID.amqpValue()
		}
	}
	if len(e.properties) > 0 {
		msg.ApplicationProperties = maps.Clone(e.properties)
	}
	if e.body != nil {
		msg.Data = [][]byte{e.body}
	}
	return msg
}

// EventDataBuilder builds EventData values.
type EventDataBuilder struct {
	event EventData
}

// NewEventData returns a builder for an empty event.
func NewEventData() *EventDataBuilder {
	return &EventDataBuilder{}
}

// WithBody sets the event payload.
func (b *EventDataBuilder) WithBody(body []byte) *EventDataBuilder {
	b.event.body = bytes.Clone(body)
	return b
}

// WithContentType sets the content type.
func (b *EventDataBuilder) WithContentType(contentType string) *EventDataBuilder {
	b.event.contentType = &contentType
	return b
}

// WithCorrelationID sets the correlation ID.
func (b *EventDataBuilder) WithCorrelationID(id MessageID) *EventDataBuilder {
	b.event.correlationID = &id
	return b
}

// WithMessageID sets the message ID.
func (b *EventDataBuilder) WithMessageID(id MessageID) *EventDataBuilder {
	b.event.messageID = &id
	return b
}

// AddProperty adds an application property.
func (b *EventDataBuilder) AddProperty(key string, value any) *EventDataBuilder {
	if b.event.properties == nil {
		b.event.properties = make(map[string]any)
	}
	b.event.properties[key] = value
	return b
}

// Build returns the event.
func (b *EventDataBuilder) Build() EventData {
	return b.event
}
