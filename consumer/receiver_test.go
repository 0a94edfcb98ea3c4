// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/models"
	"github.com/absmach/eventhubs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventMessage(seq int64) *amqp.Message {
	return &amqp.Message{
		Data: [][]byte{[]byte(fmt.Sprintf("event-%d", seq))},
		Annotations: amqp.Annotations{
			models.SequenceNumberAnnotation: seq,
			models.OffsetAnnotation:         fmt.Sprintf("%d", seq*100),
		},
	}
}

func startReceiver(t *testing.T, env *testEnv, ctx context.Context, partitionID string, opts *ReceiveOptions) (*PartitionReceiver, *testutil.FakeReceiver) {
	t.Helper()

	r, err := env.client.ReceiveEventsOnPartition(ctx, partitionID, opts)
	require.NoError(t, err)

	links := env.dialer.Conn(0).Receivers(env.client.partitionPath(partitionID))
	require.NotEmpty(t, links)
	return r, links[len(links)-1]
}

func nextResult(t *testing.T, r *PartitionReceiver) EventResult {
	t.Helper()

	select {
	case res := <-r.Events():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return EventResult{}
	}
}

func TestReceiveEventsOnPartition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	opts := NewReceiveOptions().
		SetOwnerLevel(3).
		SetStartPosition(models.NewStartPosition().WithSequenceNumber(12345).Build()).
		Build()

	r, link := startReceiver(t, env, context.Background(), "0", opts)
	defer r.Close(context.Background())

	assert.Equal(t, "0", r.PartitionID())
	assert.Equal(t, "telemetry/ConsumerGroups/$Default/Partitions/0", link.Source)
	assert.Equal(t, "amqp.annotation.x-opt-sequence-number >'12345'", r.expression)
	assert.Equal(t, int32(DefaultPrefetch), link.Options.Credit)
	assert.Len(t, link.Options.Filters, 1)
	assert.Equal(t, int64(3), link.Options.Properties[epochProperty])

	reqs := env.service.cbsRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "amqps://"+testNamespace+"/telemetry/ConsumerGroups/$Default/Partitions/0", reqs[0].ApplicationProperties["name"])

	for seq := int64(1); seq <= 3; seq++ {
		link.Deliver(eventMessage(seq))
	}

	for seq := int64(1); seq <= 3; seq++ {
		res := nextResult(t, r)
		require.NoError(t, res.Err)
		assert.Equal(t, seq, res.Event.SequenceNumber)
		assert.Equal(t, fmt.Sprintf("%d", seq*100), res.Event.Offset)
		assert.Equal(t, []byte(fmt.Sprintf("event-%d", seq)), res.Event.Body())
	}
	assert.Equal(t, 3, link.Accepted())
}

func TestReceiveDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	r, link := startReceiver(t, env, context.Background(), "1", nil)
	defer r.Close(context.Background())

	assert.Equal(t, "amqp.annotation.x-opt-offset > '@latest'", r.expression)
	assert.Equal(t, int32(DefaultPrefetch), link.Options.Credit)
	assert.NotContains(t, link.Options.Properties, epochProperty)
}

func TestReceiveReusesSessionAndToken(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.open(t)
	ctx := context.Background()

	r1, _ := startReceiver(t, env, ctx, "0", nil)
	defer r1.Close(ctx)
	r2, _ := startReceiver(t, env, ctx, "0", NewReceiveOptions().SetPrefetch(10).Build())
	defer r2.Close(ctx)

	// One ephemeral CBS session plus the partition session.
	assert.Equal(t, 2, conn.SessionCount())
	assert.Len(t, env.service.cbsRequests(), 1)
	assert.Equal(t, int32(1), env.cred.calls.Load())
}

func TestReceiveInvalidPartition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	_, err := env.client.ReceiveEventsOnPartition(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidPartitionID)
}

func TestReceivePrefetchLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()

	r, link := startReceiver(t, env, ctx, "0", NewReceiveOptions().SetPrefetch(math.MaxInt32).Build())
	defer r.Close(ctx)
	assert.Equal(t, int32(math.MaxInt32), link.Options.Credit)

	for _, n := range []uint32{math.MaxInt32 + 1, math.MaxUint32} {
		_, err := env.client.ReceiveEventsOnPartition(ctx, "1", NewReceiveOptions().SetPrefetch(n).Build())
		assert.ErrorIs(t, err, ErrInvalidPrefetch, "prefetch %d", n)
	}
	assert.Empty(t, env.dialer.Conn(0).Receivers(env.client.partitionPath("1")))
}

func TestReceiveAttachError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	s, err := env.client.getSession(context.Background(), "0")
	require.NoError(t, err)
	s.(*testutil.FakeSession).NewReceiverErr = &amqp.Error{Condition: amqp.ErrCondNotFound}

	_, err = env.client.ReceiveEventsOnPartition(context.Background(), "0", nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ErrCondNotFound, amqpErr.Condition)
}

func TestClientCloseEndsReceivers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)
	ctx := context.Background()

	r0, _ := startReceiver(t, env, ctx, "0", nil)
	r1, _ := startReceiver(t, env, ctx, "1", nil)

	require.NoError(t, env.client.Close(ctx))

	for _, r := range []*PartitionReceiver{r0, r1} {
		res := nextResult(t, r)
		assert.ErrorIs(t, res.Err, ErrClientClosed)

		_, ok := <-r.Events()
		assert.False(t, ok)
		assert.ErrorIs(t, r.Err(), ErrClientClosed)
	}
}

func TestReceiverClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	r, link := startReceiver(t, env, context.Background(), "0", nil)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, link.Closed())

	_, ok := <-r.Events()
	assert.False(t, ok)

	_, err := r.Receive(context.Background())
	assert.ErrorIs(t, err, ErrReceiverClosed)
	assert.NoError(t, r.Close(context.Background()))
}

func TestReceiveContextCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	r, _ := startReceiver(t, env, ctx, "0", nil)
	defer r.Close(context.Background())

	cancel()
	res := nextResult(t, r)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assertDetached(t, env, r)
}

func assertDetached(t *testing.T, env *testEnv, r *PartitionReceiver) {
	t.Helper()

	links := env.dialer.Conn(0).Receivers(env.client.partitionPath(r.PartitionID()))
	require.NotEmpty(t, links)
	assert.True(t, links[len(links)-1].Closed())

	env.client.recvMu.Lock()
	_, tracked := env.client.receivers[r]
	env.client.recvMu.Unlock()
	assert.False(t, tracked)
}

func TestReceiveLinkError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t)

	r, link := startReceiver(t, env, context.Background(), "0", nil)
	defer r.Close(context.Background())

	link.Deliver(eventMessage(1))
	ev, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.SequenceNumber)

	// Detaching the link underneath the receiver ends the stream.
	require.NoError(t, link.Close(context.Background()))

	_, err = r.Receive(context.Background())
	var linkErr *amqp.LinkError
	assert.ErrorAs(t, err, &linkErr)

	_, ok := <-r.Events()
	assert.False(t, ok)
	assertDetached(t, env, r)
}
