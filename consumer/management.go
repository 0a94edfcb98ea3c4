// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/rpc"
	"github.com/absmach/eventhubs/models"
	"go.opentelemetry.io/otel/attribute"
)

const (
	operationRead = "READ"
	eventHubType  = "com.microsoft:eventhub"
	partitionType = "com.microsoft:partition"
)

// ensureManagementClient attaches the $management link on its own session
// the first time it is needed.
func (c *ConsumerClient) ensureManagementClient(ctx context.Context) (*rpc.Link, error) {
	c.mgmtMu.Lock()
	defer c.mgmtMu.Unlock()

	if c.mgmt != nil {
		return c.mgmt, nil
	}

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	if _, err := c.authorizePath(ctx, c.managementAudience()); err != nil {
		return nil, err
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin session: %w", ErrManagement, err)
	}

	opts := &rpc.LinkOptions{Logger: c.logger}
	if r := c.options.RetryOptions; r != nil {
		opts.Retry = &rpc.RetryPolicy{
			MaxRetries:   r.MaxRetries,
			InitialDelay: r.InitialDelay,
			MaxDelay:     r.MaxDelay,
		}
	}

	link, err := rpc.NewLink(ctx, session, managementNode, opts)
	if err != nil {
		_ = session.Close(ctx)
		return nil, fmt.Errorf("%w: %w", ErrManagement, err)
	}

	c.mgmt, c.mgmtSession = link, session
	c.logger.Debug("management link attached", slog.String("link_id", link.ID()))
	return link, nil
}

func (c *ConsumerClient) managementAudience() string {
	return c.audience(c.eventHub + "/" + managementNode)
}

// GetEventHubProperties reads the event hub metadata, including its
// partition ids.
func (c *ConsumerClient) GetEventHubProperties(ctx context.Context) (props models.EventHubProperties, err error) {
	ctx, span := c.telemetry.start(ctx, "eventhubs.get_eventhub_properties")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { c.telemetry.recordManagement(ctx, "eventhub", start, err) }()

	body, err := c.read(ctx, map[string]any{
		"type": eventHubType,
	})
	if err != nil {
		return models.EventHubProperties{}, err
	}

	props.Name, _ = body["name"].(string)
	props.CreatedOn, _ = body["created_at"].(time.Time)
	props.PartitionIDs = stringSlice(body["partition_ids"])
	return props, nil
}

// GetPartitionProperties reads the metadata of one partition.
func (c *ConsumerClient) GetPartitionProperties(ctx context.Context, partitionID string) (props models.PartitionProperties, err error) {
	if partitionID == "" {
		return models.PartitionProperties{}, ErrInvalidPartitionID
	}

	ctx, span := c.telemetry.start(ctx, "eventhubs.get_partition_properties", attribute.String("partition_id", partitionID))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { c.telemetry.recordManagement(ctx, "partition", start, err) }()

	body, err := c.read(ctx, map[string]any{
		"type":      partitionType,
		"partition": partitionID,
	})
	if err != nil {
		return models.PartitionProperties{}, err
	}

	props.EventHub, _ = body["name"].(string)
	props.ID, _ = body["partition"].(string)
	props.BeginningSequenceNumber = int64Value(body["begin_sequence_number"])
	props.LastEnqueuedSequenceNumber = int64Value(body["last_enqueued_sequence_number"])
	props.LastEnqueuedOffset, _ = body["last_enqueued_offset"].(string)
	props.LastEnqueuedTime, _ = body["last_enqueued_time_utc"].(time.Time)
	props.IsEmpty, _ = body["is_partition_empty"].(bool)
	return props, nil
}

func (c *ConsumerClient) read(ctx context.Context, props map[string]any) (map[string]any, error) {
	link, err := c.ensureManagementClient(ctx)
	if err != nil {
		return nil, err
	}

	// The token is cached by ensureManagementClient.
	tok, err := c.authorizePath(ctx, c.managementAudience())
	if err != nil {
		return nil, err
	}

	app := map[string]any{
		"operation":      operationRead,
		"name":           c.eventHub,
		"security_token": tok.Token,
	}
	for k, v := range props {
		app[k] = v
	}

	resp, err := link.RPC(ctx, &amqp.Message{ApplicationProperties: app})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManagement, err)
	}

	body, ok := stringMap(resp.Message.Value)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected response body %T", ErrManagement, resp.Message.Value)
	}
	return body, nil
}

// stringMap normalizes AMQP map values, whose keys may be strings or
// symbols, to map[string]any.
func stringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			rv := reflect.ValueOf(k)
			if rv.Kind() != reflect.String {
				continue
			}
			out[rv.String()] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}
