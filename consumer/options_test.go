// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"testing"
	"time"

	"github.com/absmach/eventhubs/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerClientOptionsDefaults(t *testing.T) {
	for name, opts := range map[string]*ConsumerClientOptions{
		"default": DefaultConsumerClientOptions(),
		"builder": NewConsumerClientOptions().Build(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, opts.ApplicationID)
			assert.Nil(t, opts.InstanceID)
			assert.Nil(t, opts.RetryOptions)
		})
	}
}

func TestConsumerClientOptionsBuilder(t *testing.T) {
	retry := RetryOptions{MaxRetries: 4, InitialDelay: time.Second, MaxDelay: time.Minute}

	opts := NewConsumerClientOptions().
		SetApplicationID("test-app").
		SetRetryOptions(retry).
		SetInstanceID("instance-1").
		Build()

	require.NotNil(t, opts.ApplicationID)
	require.NotNil(t, opts.InstanceID)
	require.NotNil(t, opts.RetryOptions)
	assert.Equal(t, "test-app", *opts.ApplicationID)
	assert.Equal(t, "instance-1", *opts.InstanceID)
	assert.Equal(t, retry, *opts.RetryOptions)
}

func TestConsumerClientOptionsBuildCopies(t *testing.T) {
	b := NewConsumerClientOptions().SetApplicationID("first")
	first := b.Build()
	b.SetApplicationID("second")

	assert.Equal(t, "first", *first.ApplicationID)
	assert.Equal(t, "second", *b.Build().ApplicationID)
}

func TestReceiveOptionsBuilder(t *testing.T) {
	start := models.NewStartPosition().WithSequenceNumber(42).Inclusive().Build()

	opts := NewReceiveOptions().
		SetOwnerLevel(7).
		SetPrefetch(50).
		SetStartPosition(start).
		Build()

	require.NotNil(t, opts.OwnerLevel)
	assert.Equal(t, int64(7), *opts.OwnerLevel)
	assert.Equal(t, uint32(50), opts.prefetch())
	require.NotNil(t, opts.StartPosition)
	assert.Equal(t, start, *opts.StartPosition)
}

func TestReceiveOptionsPrefetchDefault(t *testing.T) {
	var nilOpts *ReceiveOptions
	assert.Equal(t, uint32(DefaultPrefetch), nilOpts.prefetch())
	assert.Equal(t, uint32(DefaultPrefetch), NewReceiveOptions().Build().prefetch())
}
