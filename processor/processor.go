// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package processor spreads the partitions of an event hub across the
// consumers of a consumer group, using a checkpoint store to coordinate
// ownership and to resume from recorded progress.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/consumer"
	"github.com/absmach/eventhubs/models"
	"github.com/google/uuid"
)

// Default values.
const (
	DefaultUpdateInterval              = 10 * time.Second
	DefaultPartitionExpirationDuration = 60 * time.Second
)

// Processor errors.
var (
	ErrAlreadyRunning   = errors.New("processor is already running")
	ErrProcessorStopped = errors.New("processor stopped")
	ErrNilClient        = errors.New("consumer client cannot be nil")
	ErrNilStore         = errors.New("checkpoint store cannot be nil")
)

// Client is the part of consumer.ConsumerClient the processor uses.
type Client interface {
	FullyQualifiedNamespace() string
	EventHub() string
	ConsumerGroup() string
	Options() consumer.ConsumerClientOptions
	GetEventHubProperties(ctx context.Context) (models.EventHubProperties, error)
	ReceiveEventsOnPartition(ctx context.Context, partitionID string, opts *consumer.ReceiveOptions) (*consumer.PartitionReceiver, error)
}

var _ Client = (*consumer.ConsumerClient)(nil)

// StartPositions selects where a partition without a checkpoint is read
// from.
type StartPositions struct {
	PerPartition map[string]models.StartPosition
	Default      models.StartPosition
}

// Options configures a Processor.
type Options struct {
	Strategy                    Strategy
	UpdateInterval              time.Duration
	PartitionExpirationDuration time.Duration
	StartPositions              StartPositions
	Prefetch                    uint32
	// OwnerID identifies this processor in ownership records. Defaults to
	// the client's instance id, or a random UUID.
	OwnerID string
	Rand    *rand.Rand
	Logger  *slog.Logger
}

// Processor claims partitions and hands them out as PartitionClients.
type Processor struct {
	client  Client
	store   checkpoint.Store
	lb      *LoadBalancer
	details ConsumerDetails
	opts    Options
	logger  *slog.Logger

	running atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	clients map[string]*PartitionClient
	pending []*PartitionClient
	ready   chan struct{}
	stopped bool
}

// New creates a processor reading through client and coordinating through
// store.
func New(client Client, store checkpoint.Store, opts *Options) (*Processor, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if store == nil {
		return nil, ErrNilStore
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = DefaultUpdateInterval
	}
	if o.PartitionExpirationDuration <= 0 {
		o.PartitionExpirationDuration = DefaultPartitionExpirationDuration
	}
	if o.OwnerID == "" {
		if id := client.Options().InstanceID; id != nil && *id != "" {
			o.OwnerID = *id
		} else {
			o.OwnerID = uuid.NewString()
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	details := ConsumerDetails{
		FullyQualifiedNamespace: client.FullyQualifiedNamespace(),
		EventHub:                client.EventHub(),
		ConsumerGroup:           client.ConsumerGroup(),
		ClientID:                o.OwnerID,
	}

	return &Processor{
		client:  client,
		store:   store,
		lb:      NewLoadBalancer(store, details, o.Strategy, o.PartitionExpirationDuration, o.Rand, logger),
		details: details,
		opts:    o,
		logger:  logger.With(slog.String("owner_id", o.OwnerID), slog.String("eventhub", details.EventHub)),
		done:    make(chan struct{}),
		clients: make(map[string]*PartitionClient),
		ready:   make(chan struct{}, 1),
	}, nil
}

// OwnerID returns the id this processor claims partitions under.
func (p *Processor) OwnerID() string {
	return p.details.ClientID
}

// Run load balances every UpdateInterval until ctx is cancelled. Partition
// clients still open when Run returns are closed.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.shutdown()

	p.logger.Info("processor started",
		slog.String("strategy", p.opts.Strategy.String()),
		slog.Duration("update_interval", p.opts.UpdateInterval))

	ticker := time.NewTicker(p.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		if err := p.dispatch(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("load balancing cycle failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// NextPartitionClient blocks until a newly claimed partition is available.
// It returns ErrProcessorStopped once Run has returned.
func (p *Processor) NextPartitionClient(ctx context.Context) (*PartitionClient, error) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			pc := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return pc, nil
		}
		stopped := p.stopped
		p.mu.Unlock()

		if stopped {
			return nil, ErrProcessorStopped
		}

		select {
		case <-p.ready:
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Processor) dispatch(ctx context.Context) error {
	props, err := p.client.GetEventHubProperties(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event hub properties: %w", err)
	}

	owned, err := p.lb.LoadBalance(ctx, props.PartitionIDs)
	if err != nil {
		return err
	}

	checkpoints, err := p.store.ListCheckpoints(ctx, p.details.FullyQualifiedNamespace, p.details.EventHub, p.details.ConsumerGroup)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	byPartition := make(map[string]checkpoint.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byPartition[cp.PartitionID] = cp
	}

	ownedSet := make(map[string]struct{}, len(owned))
	var errs []error
	for _, o := range owned {
		ownedSet[o.PartitionID] = struct{}{}
		if err := p.startPartition(ctx, o.PartitionID, byPartition); err != nil {
			errs = append(errs, err)
		}
	}

	p.releaseLost(ctx, ownedSet)
	return errors.Join(errs...)
}

func (p *Processor) startPartition(ctx context.Context, partitionID string, checkpoints map[string]checkpoint.Checkpoint) error {
	p.mu.Lock()
	pc, ok := p.clients[partitionID]
	if ok && !pc.alive() {
		p.dropPendingLocked(pc)
	}
	p.mu.Unlock()
	if ok {
		if pc.alive() {
			return nil
		}
		p.logger.Info("restarting partition client", slog.String("partition_id", partitionID))
		_ = pc.Close(ctx)
	}

	start := p.startPosition(partitionID, checkpoints)
	opts := consumer.NewReceiveOptions().
		SetOwnerLevel(0).
		SetPrefetch(p.opts.Prefetch).
		SetStartPosition(start).
		Build()

	receiver, err := p.client.ReceiveEventsOnPartition(context.WithoutCancel(ctx), partitionID, opts)
	if err != nil {
		return fmt.Errorf("failed to open partition %s: %w", partitionID, err)
	}

	pc = newPartitionClient(partitionID, receiver, p.store, p.details, p.logger)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		_ = receiver.Close(ctx)
		return ErrProcessorStopped
	}
	p.clients[partitionID] = pc
	p.pending = append(p.pending, pc)
	select {
	case p.ready <- struct{}{}:
	default:
	}

	p.logger.Info("partition claimed", slog.String("partition_id", partitionID), slog.String("start", models.StartExpression(&start)))
	return nil
}

func (p *Processor) startPosition(partitionID string, checkpoints map[string]checkpoint.Checkpoint) models.StartPosition {
	if cp, ok := checkpoints[partitionID]; ok {
		switch {
		case cp.SequenceNumber != nil:
			return models.NewStartPosition().WithSequenceNumber(*cp.SequenceNumber).Build()
		case cp.Offset != nil:
			return models.NewStartPosition().WithOffset(*cp.Offset).Build()
		}
	}
	if sp, ok := p.opts.StartPositions.PerPartition[partitionID]; ok {
		return sp
	}
	return p.opts.StartPositions.Default
}

// releaseLost closes the clients of partitions this processor no longer owns.
func (p *Processor) releaseLost(ctx context.Context, owned map[string]struct{}) {
	p.mu.Lock()
	var lost []*PartitionClient
	for id, pc := range p.clients {
		if _, ok := owned[id]; !ok {
			lost = append(lost, pc)
			delete(p.clients, id)
			p.dropPendingLocked(pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range lost {
		p.logger.Info("partition ownership lost", slog.String("partition_id", pc.PartitionID()))
		if err := pc.Close(ctx); err != nil {
			p.logger.Debug("partition client close failed", slog.String("error", err.Error()))
		}
	}
}

// dropPendingLocked removes pc from the clients not yet handed out. p.mu
// must be held.
func (p *Processor) dropPendingLocked(pc *PartitionClient) {
	for i, c := range p.pending {
		if c == pc {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Processor) shutdown() {
	p.mu.Lock()
	p.stopped = true
	clients := p.clients
	p.clients = make(map[string]*PartitionClient)
	p.pending = nil
	p.mu.Unlock()
	close(p.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pc := range clients {
		_ = pc.Close(ctx)
	}
}
