// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/checkpoint/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNamespace     = "test-ns.servicebus.windows.net"
	testHub           = "telemetry"
	testConsumerGroup = "$Default"
)

func partitionIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	return ids
}

func newTestBalancer(store checkpoint.Store, clientID string, strategy Strategy, seed uint64) *LoadBalancer {
	details := ConsumerDetails{
		FullyQualifiedNamespace: testNamespace,
		EventHub:                testHub,
		ConsumerGroup:           testConsumerGroup,
		ClientID:                clientID,
	}
	return NewLoadBalancer(store, details, strategy, time.Minute, rand.New(rand.NewPCG(seed, seed+1)), nil)
}

func ownersOf(t *testing.T, store checkpoint.Store) map[string][]string {
	t.Helper()

	owns, err := store.ListOwnerships(context.Background(), testNamespace, testHub, testConsumerGroup)
	require.NoError(t, err)

	out := make(map[string][]string)
	for _, o := range owns {
		out[o.OwnerID] = append(out[o.OwnerID], o.PartitionID)
	}
	return out
}

func isBalanced(t *testing.T, store checkpoint.Store, partitions, consumers int) bool {
	t.Helper()

	owners := ownersOf(t, store)
	if len(owners) != consumers {
		return false
	}

	lo := partitions / consumers
	hi := lo
	if partitions%consumers > 0 {
		hi++
	}

	total := 0
	for _, ids := range owners {
		if len(ids) < lo || len(ids) > hi {
			return false
		}
		total += len(ids)
	}
	return total == partitions
}

func TestLoadBalancer_SingleConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("greedy claims everything at once", func(t *testing.T) {
		store := memory.New()
		lb := newTestBalancer(store, "a", StrategyGreedy, 1)

		owned, err := lb.LoadBalance(ctx, partitionIDs(4))
		require.NoError(t, err)
		assert.Len(t, owned, 4)
		for _, o := range owned {
			assert.Equal(t, "a", o.OwnerID)
			assert.NotEmpty(t, o.ETag)
		}
	})

	t.Run("balanced claims one per cycle", func(t *testing.T) {
		store := memory.New()
		lb := newTestBalancer(store, "a", StrategyBalanced, 1)

		for i := 1; i <= 4; i++ {
			owned, err := lb.LoadBalance(ctx, partitionIDs(4))
			require.NoError(t, err)
			assert.Len(t, owned, i)
		}

		owned, err := lb.LoadBalance(ctx, partitionIDs(4))
		require.NoError(t, err)
		assert.Len(t, owned, 4, "a fully balanced consumer only renews")
	})

	t.Run("no partitions", func(t *testing.T) {
		lb := newTestBalancer(memory.New(), "a", StrategyGreedy, 1)
		owned, err := lb.LoadBalance(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})
}

func TestLoadBalancer_Converges(t *testing.T) {
	cases := []struct {
		partitions int
		consumers  int
		strategy   Strategy
	}{
		{partitions: 4, consumers: 2, strategy: StrategyBalanced},
		{partitions: 10, consumers: 3, strategy: StrategyBalanced},
		{partitions: 32, consumers: 5, strategy: StrategyBalanced},
		{partitions: 3, consumers: 4, strategy: StrategyBalanced},
		{partitions: 4, consumers: 2, strategy: StrategyGreedy},
		{partitions: 10, consumers: 3, strategy: StrategyGreedy},
		{partitions: 32, consumers: 5, strategy: StrategyGreedy},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%dp_%dc", tc.strategy, tc.partitions, tc.consumers), func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			ids := partitionIDs(tc.partitions)

			var balancers []*LoadBalancer
			for i := 0; i < tc.consumers; i++ {
				balancers = append(balancers, newTestBalancer(store, fmt.Sprintf("consumer-%d", i), tc.strategy, uint64(i+1)))
			}

			// More consumers than partitions leaves some idle.
			active := min(tc.consumers, tc.partitions)

			balanced := false
			for round := 0; round < 100 && !balanced; round++ {
				for _, lb := range balancers {
					_, err := lb.LoadBalance(ctx, ids)
					require.NoError(t, err)
				}
				balanced = isBalanced(t, store, tc.partitions, active)
			}
			require.True(t, balanced, "ownership did not converge: %v", ownersOf(t, store))

			// Further cycles keep the assignment stable.
			before := ownersOf(t, store)
			for _, lb := range balancers {
				_, err := lb.LoadBalance(ctx, ids)
				require.NoError(t, err)
			}
			assert.Equal(t, before, ownersOf(t, store))
		})
	}
}

// agedStore reports the ownerships of one owner as last modified age ago.
type agedStore struct {
	checkpoint.Store
	owner string
	age   time.Duration
}

func (s agedStore) ListOwnerships(ctx context.Context, namespace, eventHub, consumerGroup string) ([]checkpoint.Ownership, error) {
	owns, err := s.Store.ListOwnerships(ctx, namespace, eventHub, consumerGroup)
	if err != nil {
		return nil, err
	}
	for i := range owns {
		if owns[i].OwnerID == s.owner {
			owns[i].LastModifiedTime = time.Now().UTC().Add(-s.age)
		}
	}
	return owns, nil
}

func TestLoadBalancer_ClaimsExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ids := partitionIDs(4)

	a := newTestBalancer(store, "a", StrategyGreedy, 1)
	owned, err := a.LoadBalance(ctx, ids)
	require.NoError(t, err)
	require.Len(t, owned, 4)

	b := newTestBalancer(agedStore{Store: store, owner: "a", age: 2 * time.Minute}, "b", StrategyGreedy, 2)
	owned, err = b.LoadBalance(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, owned, 4)
	assert.Equal(t, map[string]int{"b": 4}, countByOwner(ownersOf(t, store)))
}

func TestLoadBalancer_StealsAboveMax(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ids := partitionIDs(4)

	a := newTestBalancer(store, "a", StrategyGreedy, 1)
	_, err := a.LoadBalance(ctx, ids)
	require.NoError(t, err)

	b := newTestBalancer(store, "b", StrategyGreedy, 2)
	owned, err := b.LoadBalance(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	owned, err = a.LoadBalance(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, countByOwner(ownersOf(t, store)))
}

func TestLoadBalancer_Deterministic(t *testing.T) {
	ctx := context.Background()
	ids := partitionIDs(8)

	claim := func() []string {
		store := memory.New()
		lb := newTestBalancer(store, "a", StrategyBalanced, 42)
		owned, err := lb.LoadBalance(ctx, ids)
		require.NoError(t, err)
		var out []string
		for _, o := range owned {
			out = append(out, o.PartitionID)
		}
		return out
	}

	assert.Equal(t, claim(), claim())
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want Strategy
		err  bool
	}{
		{in: "", want: StrategyBalanced},
		{in: "balanced", want: StrategyBalanced},
		{in: "greedy", want: StrategyGreedy},
		{in: "eager", err: true},
	}

	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)
		if tc.err {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func countByOwner(owners map[string][]string) map[string]int {
	out := make(map[string]int, len(owners))
	for k, v := range owners {
		out[k] = len(v)
	}
	return out
}
