// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger persists ownerships and checkpoints in BadgerDB. It suits
// processors sharing one host.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var _ checkpoint.Store = (*Store)(nil)

// Key format:
//   - Ownership:  ownership/{namespace}/{eventhub}/{consumergroup}/{partition}
//   - Checkpoint: checkpoint/{namespace}/{eventhub}/{consumergroup}/{partition}
const (
	ownershipPrefix  = "ownership"
	checkpointPrefix = "checkpoint"
)

var errStale = errors.New("stale etag")

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // Keep data in memory only; Dir is ignored
}

// Store is a BadgerDB backed checkpoint.Store.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database described by cfg.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC()
	}

	return s, nil
}

// ListOwnerships returns the ownerships of the consumer group.
func (s *Store) ListOwnerships(_ context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Ownership, error) {
	var out []checkpoint.Ownership
	err := s.scan(checkpoint.GroupPrefix(ownershipPrefix, namespace, eventHub, consumerGroup), func(val []byte) error {
		var o checkpoint.Ownership
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// ClaimOwnership claims each ownership in its own transaction. Claims that
// lose on ETag comparison or on a write conflict are dropped.
func (s *Store) ClaimOwnership(_ context.Context, ownerships []checkpoint.Ownership) ([]checkpoint.Ownership, error) {
	var claimed []checkpoint.Ownership
	for _, o := range ownerships {
		if err := o.Validate(); err != nil {
			return nil, err
		}

		next, err := s.claim(o)
		switch {
		case err == nil:
			claimed = append(claimed, next)
		case errors.Is(err, errStale), errors.Is(err, badger.ErrConflict):
			continue
		default:
			return nil, fmt.Errorf("failed to claim partition %s: %w", o.PartitionID, err)
		}
	}
	return claimed, nil
}

func (s *Store) claim(o checkpoint.Ownership) (checkpoint.Ownership, error) {
	key := []byte(o.Key(ownershipPrefix))

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if o.ETag != "" {
				return errStale
			}
		case err != nil:
			return err
		default:
			var current checkpoint.Ownership
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if current.ETag != o.ETag {
				return errStale
			}
		}

		o.ETag = uuid.NewString()
		o.LastModifiedTime = time.Now().UTC()
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal ownership: %w", err)
		}
		return txn.Set(key, data)
	})

	return o, err
}

// ListCheckpoints returns the checkpoints of the consumer group.
func (s *Store) ListCheckpoints(_ context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Checkpoint, error) {
	var out []checkpoint.Checkpoint
	err := s.scan(checkpoint.GroupPrefix(checkpointPrefix, namespace, eventHub, consumerGroup), func(val []byte) error {
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal(val, &cp); err != nil {
			return err
		}
		out = append(out, cp)
		return nil
	})
	return out, err
}

// UpdateCheckpoint stores cp.
func (s *Store) UpdateCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cp.Key(checkpointPrefix)), data)
	})
}

func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
