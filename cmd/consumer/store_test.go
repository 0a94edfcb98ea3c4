// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"

	"github.com/absmach/eventhubs/checkpoint/badger"
	"github.com/absmach/eventhubs/checkpoint/memory"
	"github.com/absmach/eventhubs/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := config.Default().Checkpoint

		store, closer, err := newStore(cfg)
		require.NoError(t, err)
		assert.IsType(t, &memory.Store{}, store)
		assert.NoError(t, closer.Close())
	})

	t.Run("badger", func(t *testing.T) {
		cfg := config.Default().Checkpoint
		cfg.Type = config.StoreBadger
		cfg.BadgerDir = t.TempDir()

		store, closer, err := newStore(cfg)
		require.NoError(t, err)
		assert.IsType(t, &badger.Store{}, store)

		owned, err := store.ListOwnerships(context.Background(), "ns", "hub", "$Default")
		require.NoError(t, err)
		assert.Empty(t, owned)
		assert.NoError(t, closer.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default().Checkpoint
		cfg.Type = "s3"

		_, _, err := newStore(cfg)
		assert.Error(t, err)
	})
}

func TestCheckpointerLimitsPerPartition(t *testing.T) {
	cfg := config.Default().Checkpoint
	cfg.Rate = 0.001
	cfg.Burst = 2

	cp := newCheckpointer(cfg)

	assert.True(t, cp.allow("0"))
	assert.True(t, cp.allow("0"))
	assert.False(t, cp.allow("0"))

	assert.True(t, cp.allow("1"), "partitions are limited independently")
}
