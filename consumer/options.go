// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/eventhubs/internal/amqpwrap"
	"github.com/absmach/eventhubs/models"
)

// Default values.
const (
	DefaultConsumerGroup = "$Default"
	DefaultPrefetch      = 300
)

// RetryOptions configures retries of management requests.
type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// ConsumerClientOptions configures a ConsumerClient.
type ConsumerClientOptions struct {
	ApplicationID *string
	InstanceID    *string
	RetryOptions  *RetryOptions

	Logger        *slog.Logger
	UseWebSockets bool
	TLSConfig     *tls.Config

	dialer amqpwrap.Dialer
}

// DefaultConsumerClientOptions returns options with nothing set.
func DefaultConsumerClientOptions() *ConsumerClientOptions {
	return &ConsumerClientOptions{}
}

// ConsumerClientOptionsBuilder builds ConsumerClientOptions.
type ConsumerClientOptionsBuilder struct {
	opts ConsumerClientOptions
}

// NewConsumerClientOptions starts a ConsumerClientOptions builder.
func NewConsumerClientOptions() *ConsumerClientOptionsBuilder {
	return &ConsumerClientOptionsBuilder{}
}

// SetApplicationID sets the id used as the AMQP container id and user agent suffix.
func (b *ConsumerClientOptionsBuilder) SetApplicationID(id string) *ConsumerClientOptionsBuilder {
	b.opts.ApplicationID = &id
	return b
}

// SetInstanceID sets the consumer instance identifier.
func (b *ConsumerClientOptionsBuilder) SetInstanceID(id string) *ConsumerClientOptionsBuilder {
	b.opts.InstanceID = &id
	return b
}

// SetRetryOptions sets the retry policy for management requests.
func (b *ConsumerClientOptionsBuilder) SetRetryOptions(r RetryOptions) *ConsumerClientOptionsBuilder {
	b.opts.RetryOptions = &r
	return b
}

// SetLogger sets the logger.
func (b *ConsumerClientOptionsBuilder) SetLogger(l *slog.Logger) *ConsumerClientOptionsBuilder {
	b.opts.Logger = l
	return b
}

// SetWebSockets tunnels AMQP over WebSockets on port 443.
func (b *ConsumerClientOptionsBuilder) SetWebSockets(enable bool) *ConsumerClientOptionsBuilder {
	b.opts.UseWebSockets = enable
	return b
}

// SetTLSConfig sets the TLS configuration.
func (b *ConsumerClientOptionsBuilder) SetTLSConfig(cfg *tls.Config) *ConsumerClientOptionsBuilder {
	b.opts.TLSConfig = cfg
	return b
}

// SetDialer replaces the AMQP dialer. Tests use it to run the client
// against in-memory connections.
func (b *ConsumerClientOptionsBuilder) SetDialer(d amqpwrap.Dialer) *ConsumerClientOptionsBuilder {
	b.opts.dialer = d
	return b
}

// Build returns a copy of the accumulated options.
func (b *ConsumerClientOptionsBuilder) Build() *ConsumerClientOptions {
	opts := b.opts
	return &opts
}

// ReceiveOptions configures a partition receiver.
type ReceiveOptions struct {
	// OwnerLevel requests exclusive consumption; a receiver with a higher
	// owner level disconnects receivers with a lower one.
	OwnerLevel *int64
	// Prefetch is the link credit. Zero selects DefaultPrefetch and values
	// above math.MaxInt32 are rejected.
	Prefetch      uint32
	StartPosition *models.StartPosition
}

// ReceiveOptionsBuilder builds ReceiveOptions.
type ReceiveOptionsBuilder struct {
	opts ReceiveOptions
}

// NewReceiveOptions starts a ReceiveOptions builder.
func NewReceiveOptions() *ReceiveOptionsBuilder {
	return &ReceiveOptionsBuilder{}
}

// SetOwnerLevel sets the epoch of the receiver link.
func (b *ReceiveOptionsBuilder) SetOwnerLevel(level int64) *ReceiveOptionsBuilder {
	b.opts.OwnerLevel = &level
	return b
}

// SetPrefetch sets the link credit.
func (b *ReceiveOptionsBuilder) SetPrefetch(n uint32) *ReceiveOptionsBuilder {
	b.opts.Prefetch = n
	return b
}

// SetStartPosition sets where reading begins.
func (b *ReceiveOptionsBuilder) SetStartPosition(p models.StartPosition) *ReceiveOptionsBuilder {
	b.opts.StartPosition = &p
	return b
}

// Build returns a copy of the accumulated options.
func (b *ReceiveOptionsBuilder) Build() *ReceiveOptions {
	opts := b.opts
	return &opts
}

func (o *ReceiveOptions) prefetch() uint32 {
	if o == nil || o.Prefetch == 0 {
		return DefaultPrefetch
	}
	return o.Prefetch
}
