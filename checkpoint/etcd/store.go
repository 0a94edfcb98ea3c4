// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd persists ownerships and checkpoints in etcd, letting
// processors on different hosts share a consumer group.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the root of every key written by the store.
const DefaultPrefix = "/eventhubs"

var _ checkpoint.Store = (*Store)(nil)

// Store is an etcd backed checkpoint.Store. The ETag of an ownership is the
// mod revision of its key.
type Store struct {
	client *clientv3.Client
	prefix string
}

// New creates a store writing below prefix. An empty prefix selects
// DefaultPrefix.
func New(client *clientv3.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) ownershipRoot() string {
	return s.prefix + "/ownership"
}

func (s *Store) checkpointRoot() string {
	return s.prefix + "/checkpoint"
}

// ListOwnerships returns the ownerships of the consumer group.
func (s *Store) ListOwnerships(ctx context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Ownership, error) {
	prefix := checkpoint.GroupPrefix(s.ownershipRoot(), namespace, eventHub, consumerGroup)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list ownerships: %w", err)
	}

	out := make([]checkpoint.Ownership, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var o checkpoint.Ownership
		if err := json.Unmarshal(kv.Value, &o); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
		}
		o.ETag = strconv.FormatInt(kv.ModRevision, 10)
		out = append(out, o)
	}
	return out, nil
}

// ClaimOwnership claims each ownership with a compare-and-swap on the mod
// revision of its key.
func (s *Store) ClaimOwnership(ctx context.Context, ownerships []checkpoint.Ownership) ([]checkpoint.Ownership, error) {
	var claimed []checkpoint.Ownership
	for _, o := range ownerships {
		if err := o.Validate(); err != nil {
			return nil, err
		}

		key := o.Key(s.ownershipRoot())

		var cmp clientv3.Cmp
		if o.ETag == "" {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			rev, err := strconv.ParseInt(o.ETag, 10, 64)
			if err != nil {
				continue
			}
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		}

		o.ETag = ""
		o.LastModifiedTime = time.Now().UTC()
		data, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ownership: %w", err)
		}

		resp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return nil, fmt.Errorf("failed to claim partition %s: %w", o.PartitionID, err)
		}
		if !resp.Succeeded {
			continue
		}

		o.ETag = strconv.FormatInt(resp.Header.Revision, 10)
		claimed = append(claimed, o)
	}
	return claimed, nil
}

// ListCheckpoints returns the checkpoints of the consumer group.
func (s *Store) ListCheckpoints(ctx context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Checkpoint, error) {
	prefix := checkpoint.GroupPrefix(s.checkpointRoot(), namespace, eventHub, consumerGroup)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]checkpoint.Checkpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal(kv.Value, &cp); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// UpdateCheckpoint stores cp.
func (s *Store) UpdateCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if _, err := s.client.Put(ctx, cp.Key(s.checkpointRoot()), string(data)); err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return nil
}
