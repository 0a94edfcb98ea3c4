// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer reads events from Event Hubs partitions over AMQP 1.0.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/amqpwrap"
	"github.com/absmach/eventhubs/internal/rpc"
	"github.com/absmach/eventhubs/internal/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Version is reported in the connection properties.
const Version = "0.1.0"

const (
	product         = "azsdk-go-eventhubs"
	websocketPath   = "/$servicebus/websocket"
	tokenScope      = "https://eventhubs.azure.net/.default"
	managementNode  = "$management"
	amqpsScheme     = "amqps"
	websocketScheme = "wss"
)

// ConsumerClient reads events from the partitions of one event hub within
// a consumer group. A single AMQP connection is shared by every receiver
// and by the management link.
type ConsumerClient struct {
	fqdn          string
	eventHub      string
	consumerGroup string
	credential    azcore.TokenCredential
	options       ConsumerClientOptions
	logger        *slog.Logger
	dialer        amqpwrap.Dialer
	telemetry     *telemetry

	connMu  sync.Mutex
	conn    amqpwrap.Conn
	closed  bool
	closing chan struct{}

	sessMu   sync.Mutex
	sessions map[string]amqpwrap.Session

	authMu sync.Mutex
	tokens map[string]azcore.AccessToken

	mgmtMu      sync.Mutex
	mgmt        *rpc.Link
	mgmtSession amqpwrap.Session

	recvMu    sync.Mutex
	receivers map[*PartitionReceiver]struct{}
}

// New creates a client for eventHub in the namespace fqdn
// (e.g. "myns.servicebus.windows.net"). An empty consumerGroup selects
// DefaultConsumerGroup. The connection is opened by Open.
func New(fqdn, eventHub, consumerGroup string, credential azcore.TokenCredential, opts *ConsumerClientOptions) (*ConsumerClient, error) {
	if fqdn == "" {
		return nil, errors.New("namespace cannot be empty")
	}
	if eventHub == "" {
		return nil, errors.New("event hub name cannot be empty")
	}
	if credential == nil {
		return nil, errors.New("credential cannot be nil")
	}
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}
	if opts == nil {
		opts = DefaultConsumerClientOptions()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.dialer
	if dialer == nil {
		dialer = amqpwrap.DefaultDialer{}
	}

	t, err := newTelemetry()
	if err != nil {
		return nil, err
	}

	return &ConsumerClient{
		fqdn:          fqdn,
		eventHub:      eventHub,
		consumerGroup: consumerGroup,
		credential:    credential,
		options:       *opts,
		logger:        logger.With(slog.String("eventhub", eventHub), slog.String("consumer_group", consumerGroup)),
		dialer:        dialer,
		telemetry:     t,
		closing:       make(chan struct{}),
		sessions:      make(map[string]amqpwrap.Session),
		tokens:        make(map[string]azcore.AccessToken),
		receivers:     make(map[*PartitionReceiver]struct{}),
	}, nil
}

// FullyQualifiedNamespace returns the namespace host name.
func (c *ConsumerClient) FullyQualifiedNamespace() string {
	return c.fqdn
}

// EventHub returns the event hub name.
func (c *ConsumerClient) EventHub() string {
	return c.eventHub
}

// ConsumerGroup returns the consumer group.
func (c *ConsumerClient) ConsumerGroup() string {
	return c.consumerGroup
}

// Options returns the options the client was created with.
func (c *ConsumerClient) Options() ConsumerClientOptions {
	return c.options
}

// Open establishes the AMQP connection. Calling Open on an open client is a
// no-op.
func (c *ConsumerClient) Open(ctx context.Context) (err error) {
	ctx, span := c.telemetry.start(ctx, "eventhubs.open", attribute.String("namespace", c.fqdn))
	defer func() { endSpan(span, err) }()

	return c.ensureConnection(ctx, amqpsScheme+"://"+c.fqdn+"/")
}

func (c *ConsumerClient) ensureConnection(ctx context.Context, addr string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		return nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	opts := &amqp.ConnOptions{
		ContainerID: c.containerID(),
		HostName:    u.Hostname(),
		Properties:  c.connectionProperties(),
		SASLType:    amqp.SASLTypeAnonymous(),
		TLSConfig:   c.options.TLSConfig,
	}

	var conn amqpwrap.Conn
	if c.options.UseWebSockets {
		wsURL := url.URL{Scheme: websocketScheme, Host: u.Host, Path: websocketPath}
		nc, err := websocket.Dial(ctx, wsURL.String(), c.options.TLSConfig)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
		conn, err = c.dialer.NewConn(ctx, nc, opts)
		if err != nil {
			_ = nc.Close()
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	} else {
		conn, err = c.dialer.Dial(ctx, u.String(), opts)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}

	c.conn = conn
	c.logger.Info("connection opened",
		slog.String("namespace", c.fqdn),
		slog.String("container_id", opts.ContainerID),
		slog.Bool("websockets", c.options.UseWebSockets))
	return nil
}

func (c *ConsumerClient) containerID() string {
	if c.options.ApplicationID != nil && *c.options.ApplicationID != "" {
		return *c.options.ApplicationID
	}
	return uuid.NewString()
}

func (c *ConsumerClient) connectionProperties() map[string]any {
	userAgent := fmt.Sprintf("%s/%s (%s; %s)", product, Version, runtime.Version(), runtime.GOOS)
	if c.options.ApplicationID != nil && *c.options.ApplicationID != "" {
		userAgent = *c.options.ApplicationID + " " + userAgent
	}

	return map[string]any{
		"product":    product,
		"version":    Version,
		"platform":   fmt.Sprintf("(%s-%s)", runtime.GOOS, runtime.GOARCH),
		"framework":  runtime.Version(),
		"user-agent": userAgent,
	}
}

// connection returns the open connection.
func (c *ConsumerClient) connection() (amqpwrap.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		return nil, ErrMissingConnection
	}
	return c.conn, nil
}

// Close stops every partition receiver and closes the management link, the
// partition sessions and the connection. Receivers deliver ErrClientClosed
// as their terminal item. Close on a closed client is a no-op.
func (c *ConsumerClient) Close(ctx context.Context) error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.recvMu.Lock()
	for r := range c.receivers {
		r.cancel()
	}
	c.receivers = make(map[*PartitionReceiver]struct{})
	c.recvMu.Unlock()

	var errs []error

	c.mgmtMu.Lock()
	if c.mgmt != nil {
		errs = append(errs, c.mgmt.Close(ctx), c.mgmtSession.Close(ctx))
		c.mgmt, c.mgmtSession = nil, nil
	}
	c.mgmtMu.Unlock()

	c.sessMu.Lock()
	for id, s := range c.sessions {
		errs = append(errs, s.Close(ctx))
		delete(c.sessions, id)
	}
	c.sessMu.Unlock()

	if conn != nil {
		errs = append(errs, conn.Close())
	}

	c.logger.Info("consumer client closed")
	return errors.Join(errs...)
}

func (c *ConsumerClient) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *ConsumerClient) addReceiver(r *PartitionReceiver) bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.isClosing() {
		return false
	}
	c.receivers[r] = struct{}{}
	return true
}

func (c *ConsumerClient) removeReceiver(r *PartitionReceiver) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	delete(c.receivers, r)
}

func (c *ConsumerClient) audience(path string) string {
	return amqpsScheme + "://" + c.fqdn + "/" + path
}
