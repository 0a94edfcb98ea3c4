// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/checkpoint/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Store {
		s, err := New(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	claimed, err := s.ClaimOwnership(ctx, []checkpoint.Ownership{storetest.Ownership("0", "a")})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	owns, err := s.ListOwnerships(ctx, storetest.Namespace, storetest.EventHub, storetest.ConsumerGroup)
	require.NoError(t, err)
	require.Len(t, owns, 1)
	assert.Equal(t, claimed[0].ETag, owns[0].ETag)
}

func TestStore_Close(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
