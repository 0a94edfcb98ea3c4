// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/checkpoint/badger"
	"github.com/absmach/eventhubs/checkpoint/etcd"
	"github.com/absmach/eventhubs/checkpoint/memory"
	"github.com/absmach/eventhubs/config"
	"github.com/absmach/eventhubs/models"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/time/rate"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newStore opens the configured checkpoint store. The returned closer
// releases its resources.
func newStore(cfg config.CheckpointConfig) (checkpoint.Store, io.Closer, error) {
	switch cfg.Type {
	case config.StoreMemory:
		slog.Info("Using in-memory checkpoint store")
		return memory.New(), nopCloser{}, nil
	case config.StoreBadger:
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger checkpoint store: %w", err)
		}
		slog.Info("Using BadgerDB checkpoint store", "dir", cfg.BadgerDir)
		return s, s, nil
	case config.StoreEtcd:
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.EtcdDialTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		slog.Info("Using etcd checkpoint store", "endpoints", cfg.EtcdEndpoints, "prefix", cfg.EtcdPrefix)
		return etcd.New(cli, cfg.EtcdPrefix), cli, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint store type %q", cfg.Type)
	}
}

// checkpointer drops checkpoint writes that exceed the per-partition rate.
type checkpointer struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newCheckpointer(cfg config.CheckpointConfig) *checkpointer {
	return &checkpointer{
		limit:    rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether a checkpoint for the partition may be written now.
func (c *checkpointer) allow(partitionID string) bool {
	c.mu.Lock()
	l, ok := c.limiters[partitionID]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[partitionID] = l
	}
	c.mu.Unlock()

	return l.Allow()
}

func eventAttrs(partitionID string, ev *models.ReceivedEventData) []any {
	return []any{
		"partition_id", partitionID,
		"sequence_number", ev.SequenceNumber,
		"offset", ev.Offset,
		"enqueued_time", ev.EnqueuedTime,
		"body", string(ev.Body()),
	}
}
