// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process checkpoint store, suitable for a single
// processor instance and for tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/google/uuid"
)

const (
	ownershipPrefix  = "ownership"
	checkpointPrefix = "checkpoint"
)

var _ checkpoint.Store = (*Store)(nil)

// Store keeps ownerships and checkpoints in maps.
type Store struct {
	mu          sync.Mutex
	ownerships  map[string]checkpoint.Ownership
	checkpoints map[string]checkpoint.Checkpoint
}

// New creates an empty store.
func New() *Store {
	return &Store{
		ownerships:  make(map[string]checkpoint.Ownership),
		checkpoints: make(map[string]checkpoint.Checkpoint),
	}
}

// ListOwnerships returns the ownerships of the consumer group ordered by key.
func (s *Store) ListOwnerships(_ context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := checkpoint.GroupPrefix(ownershipPrefix, namespace, eventHub, consumerGroup)
	var out []checkpoint.Ownership
	for _, key := range sortedKeys(s.ownerships, prefix) {
		out = append(out, s.ownerships[key])
	}
	return out, nil
}

// ClaimOwnership applies each claim whose ETag matches the stored one.
func (s *Store) ClaimOwnership(_ context.Context, ownerships []checkpoint.Ownership) ([]checkpoint.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []checkpoint.Ownership
	for _, o := range ownerships {
		if err := o.Validate(); err != nil {
			return nil, err
		}

		key := o.Key(ownershipPrefix)
		current, ok := s.ownerships[key]
		switch {
		case ok && current.ETag != o.ETag:
			continue
		case !ok && o.ETag != "":
			continue
		}

		o.ETag = uuid.NewString()
		o.LastModifiedTime = time.Now().UTC()
		s.ownerships[key] = o
		claimed = append(claimed, o)
	}
	return claimed, nil
}

// ListCheckpoints returns the checkpoints of the consumer group ordered by key.
func (s *Store) ListCheckpoints(_ context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := checkpoint.GroupPrefix(checkpointPrefix, namespace, eventHub, consumerGroup)
	var out []checkpoint.Checkpoint
	for _, key := range sortedKeys(s.checkpoints, prefix) {
		out = append(out, s.checkpoints[key])
	}
	return out, nil
}

// UpdateCheckpoint stores cp.
func (s *Store) UpdateCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Key(checkpointPrefix)] = cp
	return nil
}

func sortedKeys[V any](m map[string]V, prefix string) []string {
	var keys []string
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
