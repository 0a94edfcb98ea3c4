// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/consumer"
	"github.com/absmach/eventhubs/models"
	"github.com/sony/gobreaker"
)

const checkpointFailureThreshold = 5

// ErrNilEvent is returned when checkpointing without an event.
var ErrNilEvent = errors.New("event cannot be nil")

// PartitionClient reads one partition claimed by a Processor and records
// progress for it.
type PartitionClient struct {
	partitionID string
	receiver    *consumer.PartitionReceiver
	store       checkpoint.Store
	details     ConsumerDetails
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	closed      atomic.Bool
}

func newPartitionClient(partitionID string, receiver *consumer.PartitionReceiver, store checkpoint.Store, details ConsumerDetails, logger *slog.Logger) *PartitionClient {
	logger = logger.With(slog.String("partition_id", partitionID))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "checkpoint-" + partitionID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= checkpointFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("checkpoint circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &PartitionClient{
		partitionID: partitionID,
		receiver:    receiver,
		store:       store,
		details:     details,
		breaker:     breaker,
		logger:      logger,
	}
}

// PartitionID returns the partition being read.
func (pc *PartitionClient) PartitionID() string {
	return pc.partitionID
}

// Receive returns the next event of the partition.
func (pc *PartitionClient) Receive(ctx context.Context) (*models.ReceivedEventData, error) {
	return pc.receiver.Receive(ctx)
}

// Events exposes the underlying event stream.
func (pc *PartitionClient) Events() <-chan consumer.EventResult {
	return pc.receiver.Events()
}

// UpdateCheckpoint records event as the last processed event of the
// partition. After repeated store failures writes are rejected with
// gobreaker.ErrOpenState until the breaker half-opens.
func (pc *PartitionClient) UpdateCheckpoint(ctx context.Context, event *models.ReceivedEventData) error {
	if event == nil {
		return ErrNilEvent
	}

	offset := event.Offset
	seq := event.SequenceNumber
	cp := checkpoint.Checkpoint{
		FullyQualifiedNamespace: pc.details.FullyQualifiedNamespace,
		EventHub:                pc.details.EventHub,
		ConsumerGroup:           pc.details.ConsumerGroup,
		PartitionID:             pc.partitionID,
		Offset:                  &offset,
		SequenceNumber:          &seq,
	}

	_, err := pc.breaker.Execute(func() (interface{}, error) {
		return nil, pc.store.UpdateCheckpoint(ctx, cp)
	})
	return err
}

// Close stops reading the partition.
func (pc *PartitionClient) Close(ctx context.Context) error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}
	return pc.receiver.Close(ctx)
}

// alive reports whether the client is open and its stream has not ended.
func (pc *PartitionClient) alive() bool {
	return !pc.closed.Load() && pc.receiver.Err() == nil
}
