// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint defines the persistence used by the processor to
// coordinate partition ownership between consumers and to record reading
// progress.
package checkpoint

import (
	"context"
	"errors"
	"path"
	"time"
)

// Checkpoint errors.
var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrInvalidOwnership  = errors.New("ownership must name namespace, event hub, consumer group and partition")
	ErrInvalidCheckpoint = errors.New("checkpoint must name namespace, event hub, consumer group and partition")
)

// Ownership records which consumer reads a partition. ETag is assigned by
// the store on every successful claim; an empty ETag claims a partition
// that has never been owned.
type Ownership struct {
	FullyQualifiedNamespace string    `json:"fully_qualified_namespace"`
	EventHub                string    `json:"event_hub"`
	ConsumerGroup           string    `json:"consumer_group"`
	PartitionID             string    `json:"partition_id"`
	OwnerID                 string    `json:"owner_id"`
	ETag                    string    `json:"etag,omitempty"`
	LastModifiedTime        time.Time `json:"last_modified_time"`
}

// Checkpoint is the position of the last processed event of a partition.
type Checkpoint struct {
	FullyQualifiedNamespace string  `json:"fully_qualified_namespace"`
	EventHub                string  `json:"event_hub"`
	ConsumerGroup           string  `json:"consumer_group"`
	PartitionID             string  `json:"partition_id"`
	Offset                  *string `json:"offset,omitempty"`
	SequenceNumber          *int64  `json:"sequence_number,omitempty"`
}

// Store persists ownerships and checkpoints.
type Store interface {
	// ListOwnerships returns every ownership recorded for the consumer group.
	ListOwnerships(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Ownership, error)

	// ClaimOwnership attempts each claim atomically and returns the claims
	// that succeeded, with their new ETag and modification time. A claim
	// whose ETag no longer matches the stored one is dropped.
	ClaimOwnership(ctx context.Context, ownerships []Ownership) ([]Ownership, error)

	// ListCheckpoints returns every checkpoint recorded for the consumer group.
	ListCheckpoints(ctx context.Context, namespace, eventHub, consumerGroup string) ([]Checkpoint, error)

	// UpdateCheckpoint stores cp, replacing any previous checkpoint of the partition.
	UpdateCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Get returns the checkpoint of one partition.
func Get(ctx context.Context, s Store, namespace, eventHub, consumerGroup, partitionID string) (Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, namespace, eventHub, consumerGroup)
	if err != nil {
		return Checkpoint{}, err
	}
	for _, cp := range cps {
		if cp.PartitionID == partitionID {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

// Validate checks that the ownership identifies a partition.
func (o Ownership) Validate() error {
	if o.FullyQualifiedNamespace == "" || o.EventHub == "" || o.ConsumerGroup == "" || o.PartitionID == "" {
		return ErrInvalidOwnership
	}
	return nil
}

// Key returns the storage key of the ownership below prefix.
func (o Ownership) Key(prefix string) string {
	return path.Join(GroupPrefix(prefix, o.FullyQualifiedNamespace, o.EventHub, o.ConsumerGroup), o.PartitionID)
}

// Validate checks that the checkpoint identifies a partition.
func (c Checkpoint) Validate() error {
	if c.FullyQualifiedNamespace == "" || c.EventHub == "" || c.ConsumerGroup == "" || c.PartitionID == "" {
		return ErrInvalidCheckpoint
	}
	return nil
}

// Key returns the storage key of the checkpoint below prefix.
func (c Checkpoint) Key(prefix string) string {
	return path.Join(GroupPrefix(prefix, c.FullyQualifiedNamespace, c.EventHub, c.ConsumerGroup), c.PartitionID)
}

// GroupPrefix returns the key prefix shared by the records of one consumer
// group, with a trailing slash.
func GroupPrefix(prefix, namespace, eventHub, consumerGroup string) string {
	return path.Join(prefix, namespace, eventHub, consumerGroup) + "/"
}
