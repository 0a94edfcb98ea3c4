// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"

	"github.com/absmach/eventhubs/internal/amqpwrap"
)

// getSession returns the session dedicated to partitionID, beginning it on
// first use. Sessions live until the client is closed.
func (c *ConsumerClient) getSession(ctx context.Context, partitionID string) (amqpwrap.Session, error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if s, ok := c.sessions[partitionID]; ok {
		return s, nil
	}

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	s, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}

	c.sessions[partitionID] = s
	c.logger.Debug("partition session created", slog.String("partition_id", partitionID))
	return s, nil
}
