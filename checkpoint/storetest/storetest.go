// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds the behaviour every checkpoint.Store backend must
// share.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	Namespace     = "test-ns.servicebus.windows.net"
	EventHub      = "telemetry"
	ConsumerGroup = "$Default"
)

// Ownership returns an unclaimed ownership of partitionID by owner.
func Ownership(partitionID, owner string) checkpoint.Ownership {
	return checkpoint.Ownership{
		FullyQualifiedNamespace: Namespace,
		EventHub:                EventHub,
		ConsumerGroup:           ConsumerGroup,
		PartitionID:             partitionID,
		OwnerID:                 owner,
	}
}

// Run exercises a store created by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Run("empty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		owns, err := s.ListOwnerships(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		assert.Empty(t, owns)

		cps, err := s.ListCheckpoints(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		assert.Empty(t, cps)

		_, err = checkpoint.Get(ctx, s, Namespace, EventHub, ConsumerGroup, "0")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("claim new partition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		claimed, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", "a")})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.NotEmpty(t, claimed[0].ETag)
		assert.False(t, claimed[0].LastModifiedTime.IsZero())
		assert.Equal(t, "a", claimed[0].OwnerID)

		owns, err := s.ListOwnerships(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		require.Len(t, owns, 1)
		assert.Equal(t, claimed[0].ETag, owns[0].ETag)
		assert.Equal(t, "0", owns[0].PartitionID)

		// A second claim without the current ETag loses.
		claimed, err = s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", "b")})
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("claim with etag", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", "a")})
		require.NoError(t, err)
		require.Len(t, first, 1)

		steal := first[0]
		steal.OwnerID = "b"
		second, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{steal})
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.NotEqual(t, first[0].ETag, second[0].ETag)
		assert.Equal(t, "b", second[0].OwnerID)

		// The ETag a already holds is now stale.
		renew := first[0]
		third, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{renew})
		require.NoError(t, err)
		assert.Empty(t, third)

		owns, err := s.ListOwnerships(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		require.Len(t, owns, 1)
		assert.Equal(t, "b", owns[0].OwnerID)
	})

	t.Run("partial batch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("1", "a")})
		require.NoError(t, err)

		stale := Ownership("1", "b")
		stale.ETag = "stale"
		claimed, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", "b"), stale, Ownership("2", "b")})
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.ElementsMatch(t, []string{"0", "2"}, []string{claimed[0].PartitionID, claimed[1].PartitionID})
	})

	t.Run("concurrent claims", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const contenders = 8
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won []string
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				claimed, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", owner)})
				assert.NoError(t, err)
				mu.Lock()
				for _, c := range claimed {
					won = append(won, c.OwnerID)
				}
				mu.Unlock()
			}(string(rune('a' + i)))
		}
		wg.Wait()

		assert.Len(t, won, 1)
	})

	t.Run("scoped by consumer group", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		other := Ownership("0", "a")
		other.ConsumerGroup = "other"
		_, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{Ownership("0", "a"), other})
		require.NoError(t, err)

		owns, err := s.ListOwnerships(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		assert.Len(t, owns, 1)

		owns, err = s.ListOwnerships(ctx, Namespace, EventHub, "other")
		require.NoError(t, err)
		assert.Len(t, owns, 1)
	})

	t.Run("invalid ownership", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ClaimOwnership(context.Background(), []checkpoint.Ownership{{PartitionID: "0"}})
		assert.ErrorIs(t, err, checkpoint.ErrInvalidOwnership)
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		offset := "1024"
		seq := int64(7)
		cp := checkpoint.Checkpoint{
			FullyQualifiedNamespace: Namespace,
			EventHub:                EventHub,
			ConsumerGroup:           ConsumerGroup,
			PartitionID:             "3",
			Offset:                  &offset,
			SequenceNumber:          &seq,
		}
		require.NoError(t, s.UpdateCheckpoint(ctx, cp))

		got, err := checkpoint.Get(ctx, s, Namespace, EventHub, ConsumerGroup, "3")
		require.NoError(t, err)
		assert.Equal(t, cp, got)

		next := int64(8)
		cp.SequenceNumber = &next
		require.NoError(t, s.UpdateCheckpoint(ctx, cp))

		cps, err := s.ListCheckpoints(ctx, Namespace, EventHub, ConsumerGroup)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, int64(8), *cps[0].SequenceNumber)

		assert.ErrorIs(t, s.UpdateCheckpoint(ctx, checkpoint.Checkpoint{}), checkpoint.ErrInvalidCheckpoint)
	})
}
