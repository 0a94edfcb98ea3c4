// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cbs

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/rpc"
	"github.com/absmach/eventhubs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateClaim(t *testing.T) {
	expires := time.Unix(1700000000, 0)

	var req *amqp.Message
	conn := testutil.NewFakeConn(func(address string, m *amqp.Message) (*amqp.Message, error) {
		assert.Equal(t, Address, address)
		req = m
		return testutil.StatusResponse(202, nil), nil
	})
	sess, err := conn.NewSession(context.Background(), nil)
	require.NoError(t, err)

	err = NegotiateClaim(context.Background(), sess, "amqps://ns.servicebus.windows.net/hub", Token{Value: "secret", ExpiresOn: expires}, nil)
	require.NoError(t, err)

	require.NotNil(t, req)
	assert.Equal(t, "secret", req.Value)
	assert.Equal(t, "put-token", req.ApplicationProperties["operation"])
	assert.Equal(t, "jwt", req.ApplicationProperties["type"])
	assert.Equal(t, "amqps://ns.servicebus.windows.net/hub", req.ApplicationProperties["name"])
	assert.Equal(t, "1700000000", req.ApplicationProperties["expiration"])

	receivers := conn.Receivers(Address)
	require.Len(t, receivers, 1)
	assert.True(t, receivers[0].Closed())
	assert.False(t, sess.(*testutil.FakeSession).Closed())
}

func TestNegotiateClaimRejected(t *testing.T) {
	conn := testutil.NewFakeConn(func(string, *amqp.Message) (*amqp.Message, error) {
		return testutil.StatusResponse(401, nil), nil
	})
	sess, err := conn.NewSession(context.Background(), nil)
	require.NoError(t, err)

	err = NegotiateClaim(context.Background(), sess, "aud", Token{Value: "bad"}, nil)
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 401, rerr.Code)
}
