// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/amqpwrap"
	"github.com/absmach/eventhubs/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	epochProperty = "com.microsoft:epoch"
	detachTimeout = 10 * time.Second
)

// EventResult is one item of a partition's event stream. Exactly one of
// Event and Err is set; an item carrying Err is the last one.
type EventResult struct {
	Event *models.ReceivedEventData
	Err   error
}

// PartitionReceiver streams the events of one partition in delivery order.
type PartitionReceiver struct {
	partitionID string
	expression  string
	client      *ConsumerClient
	link        amqpwrap.Receiver
	logger      *slog.Logger

	events chan EventResult
	done   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc

	closeOnce  sync.Once
	detachOnce sync.Once
	detachErr  error
	mu         sync.Mutex
	err        error
}

// ReceiveEventsOnPartition attaches a receiver to partitionID and starts
// streaming its events. The stream ends when ctx is cancelled, when the
// receiver or the client is closed, or on the first transport error.
func (c *ConsumerClient) ReceiveEventsOnPartition(ctx context.Context, partitionID string, opts *ReceiveOptions) (_ *PartitionReceiver, err error) {
	if partitionID == "" {
		return nil, ErrInvalidPartitionID
	}
	prefetch := opts.prefetch()
	if prefetch > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrefetch, prefetch)
	}

	spanCtx, span := c.telemetry.start(ctx, "eventhubs.receive_attach", attribute.String("partition_id", partitionID))
	defer func() { endSpan(span, err) }()

	source := c.partitionPath(partitionID)
	if _, err := c.authorizePath(spanCtx, c.audience(source)); err != nil {
		return nil, err
	}

	session, err := c.getSession(spanCtx, partitionID)
	if err != nil {
		return nil, err
	}

	var start *models.StartPosition
	if opts != nil {
		start = opts.StartPosition
	}
	expression := models.StartExpression(start)

	linkOpts := &amqp.ReceiverOptions{
		Name:    uuid.NewString(),
		Credit:  int32(prefetch),
		Filters: []amqp.LinkFilter{amqp.NewSelectorFilter(expression)},
	}
	if opts != nil && opts.OwnerLevel != nil {
		linkOpts.Properties = map[string]any{epochProperty: *opts.OwnerLevel}
	}

	link, err := session.NewReceiver(spanCtx, source, linkOpts)
	if err != nil {
		return nil, fmt.Errorf("attach receiver to %s: %w", source, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &PartitionReceiver{
		partitionID: partitionID,
		expression:  expression,
		client:      c,
		link:        link,
		logger:      c.logger.With(slog.String("partition_id", partitionID)),
		events:      make(chan EventResult),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		cancel:      cancel,
	}

	if !c.addReceiver(r) {
		cancel()
		_ = link.Close(ctx)
		return nil, ErrClientClosed
	}

	c.telemetry.receiversActive.Add(ctx, 1)
	r.logger.Info("partition receiver started", slog.String("filter", expression), slog.String("link", link.LinkName()))

	go r.run(loopCtx)
	return r, nil
}

func (c *ConsumerClient) partitionPath(partitionID string) string {
	return fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", c.eventHub, c.consumerGroup, partitionID)
}

// PartitionID returns the partition being read.
func (r *PartitionReceiver) PartitionID() string {
	return r.partitionID
}

// Events returns the event stream. The channel is closed after the
// terminal item.
func (r *PartitionReceiver) Events() <-chan EventResult {
	return r.events
}

// Receive returns the next event. Once the stream has ended it returns the
// error that ended it.
func (r *PartitionReceiver) Receive(ctx context.Context) (*models.ReceivedEventData, error) {
	select {
	case res, ok := <-r.events:
		if !ok {
			return nil, r.Err()
		}
		return res.Event, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the error that ended the stream, or nil while it is running.
func (r *PartitionReceiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the receive loop and detaches the link. Events not yet read
// are dropped.
func (r *PartitionReceiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.cancel()
	})
	err := r.detach(ctx)

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// detach closes the link and drops the receiver from the client. Only the
// first call does any work.
func (r *PartitionReceiver) detach(ctx context.Context) error {
	r.detachOnce.Do(func() {
		r.detachErr = r.link.Close(ctx)
		r.client.removeReceiver(r)
	})
	return r.detachErr
}

func (r *PartitionReceiver) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.events)
	defer r.client.telemetry.receiversActive.Add(context.Background(), -1)

	attrs := metric.WithAttributes(
		attribute.String("eventhub", r.client.eventHub),
		attribute.String("partition_id", r.partitionID),
	)

	for {
		msg, err := r.link.Receive(ctx, nil)
		if err != nil {
			r.finish(err)
			return
		}

		if err := r.link.AcceptMessage(ctx, msg); err != nil {
			r.finish(err)
			return
		}

		ev := models.NewReceivedEventData(msg, r.logger)
		r.client.telemetry.eventsReceived.Add(ctx, 1, attrs)

		select {
		case r.events <- EventResult{Event: ev}:
		case <-ctx.Done():
			r.finish(ctx.Err())
			return
		}
	}
}

// finish records the terminal error, detaches the link and delivers the
// error unless the receiver itself was closed.
func (r *PartitionReceiver) finish(cause error) {
	err := r.terminalError(cause)

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	select {
	case <-r.stop:
		return
	default:
	}

	r.client.telemetry.receiveErrors.Add(context.Background(), 1)
	r.logger.Warn("partition receiver stopped", slog.String("error", err.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	if derr := r.detach(ctx); derr != nil {
		r.logger.Debug("detach after stream end failed", slog.String("error", derr.Error()))
	}
	cancel()

	select {
	case r.events <- EventResult{Err: err}:
	case <-r.stop:
	}
}

func (r *PartitionReceiver) terminalError(cause error) error {
	select {
	case <-r.stop:
		return ErrReceiverClosed
	default:
	}
	if r.client.isClosing() {
		return ErrClientClosed
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return fmt.Errorf("receive from partition %s: %w", r.partitionID, cause)
}
