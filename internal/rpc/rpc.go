// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements request/response exchanges over a pair of AMQP
// links, as used by the $cbs and $management nodes.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/amqpwrap"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	replyPostfix = "-reply-to-"

	statusCodeKey        = "status-code"
	altStatusCodeKey     = "statusCode"
	descriptionKey       = "status-description"
	altDescriptionKey    = "statusDescription"
	serverTimeoutKey     = "server-timeout"
	defaultRetryDelay    = 800 * time.Millisecond
	defaultMaxRetryDelay = 60 * time.Second
)

// ErrMissingStatusCode is returned when a response carries no status code.
var ErrMissingStatusCode = errors.New("rpc: status code not found on response")

// Error is a non-2xx response from the remote node.
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: status code %d: %s", e.Code, e.Description)
}

// Response is a decoded reply.
type Response struct {
	Code        int
	Description string
	Message     *amqp.Message
}

// RetryPolicy retries failed exchanges with exponential backoff. Responses
// with a status code below 500 are not retried.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// LinkOptions configures a Link.
type LinkOptions struct {
	Retry  *RetryPolicy
	Logger *slog.Logger
}

// Link is a sender/receiver pair addressing a single node. Requests are
// serialized: one exchange is in flight at a time.
type Link struct {
	id            string
	address       string
	clientAddress string
	sender        amqpwrap.Sender
	receiver      amqpwrap.Receiver
	retry         *RetryPolicy
	logger        *slog.Logger

	mu sync.Mutex
}

// NewLink attaches a request/response link pair to address on session.
// The session remains owned by the caller.
func NewLink(ctx context.Context, session amqpwrap.Session, address string, opts *LinkOptions) (*Link, error) {
	if opts == nil {
		opts = &LinkOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	l := &Link{
		id:            id,
		address:       address,
		clientAddress: strings.ReplaceAll(address, "$", "") + replyPostfix + id,
		retry:         opts.Retry,
		logger:        logger.With(slog.String("rpc_link", id), slog.String("address", address)),
	}

	sender, err := session.NewSender(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: attach sender: %w", err)
	}

	receiver, err := session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
		TargetAddress: l.clientAddress,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sender.Close(closeCtx)
		return nil, fmt.Errorf("rpc: attach receiver: %w", err)
	}

	l.sender = sender
	l.receiver = receiver
	return l, nil
}

// ID returns the link identifier used in the reply-to address.
func (l *Link) ID() string {
	return l.id
}

// RPC sends msg and waits for the correlated response. With a retry policy
// configured, transport errors and 5xx responses are retried.
func (l *Link) RPC(ctx context.Context, msg *amqp.Message) (*Response, error) {
	if l.retry == nil || l.retry.MaxRetries <= 0 {
		return l.exchange(ctx, msg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryDelay
	}
	b.MaxInterval = l.retry.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMaxRetryDelay
	}
	b.MaxElapsedTime = 0

	var resp *Response
	op := func() error {
		r, err := l.exchange(ctx, msg)
		if err == nil {
			resp = r
			return nil
		}
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("rpc retry", slog.String("error", err.Error()), slog.Duration("wait", wait))
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.retry.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (l *Link) exchange(ctx context.Context, msg *amqp.Message) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	messageID := uuid.NewString()
	if msg.Properties == nil {
		msg.Properties = &amqp.MessageProperties{}
	}
	msg.Properties.MessageID = messageID
	replyTo := l.clientAddress
	msg.Properties.ReplyTo = &replyTo

	if msg.ApplicationProperties == nil {
		msg.ApplicationProperties = make(map[string]any)
	}
	if _, ok := msg.ApplicationProperties[serverTimeoutKey]; !ok {
		if deadline, ok := ctx.Deadline(); ok {
			msg.ApplicationProperties[serverTimeoutKey] = uint32(time.Until(deadline) / time.Millisecond)
		}
	}

	if err := l.sender.Send(ctx, msg, nil); err != nil {
		return nil, fmt.Errorf("rpc: send: %w", err)
	}

	for {
		res, err := l.receiver.Receive(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("rpc: receive: %w", err)
		}

		if err := l.receiver.AcceptMessage(ctx, res); err != nil {
			return nil, fmt.Errorf("rpc: accept: %w", err)
		}

		if res.Properties != nil && res.Properties.CorrelationID != nil && res.Properties.CorrelationID != messageID {
			l.logger.Warn("rpc response for unknown request", slog.Any("correlation_id", res.Properties.CorrelationID))
			continue
		}

		return decodeResponse(res)
	}
}

func decodeResponse(res *amqp.Message) (*Response, error) {
	code, ok := statusCode(res.ApplicationProperties)
	if !ok {
		return nil, ErrMissingStatusCode
	}

	var description string
	for _, key := range []string{descriptionKey, altDescriptionKey} {
		if d, ok := res.ApplicationProperties[key].(string); ok {
			description = d
			break
		}
	}

	resp := &Response{Code: code, Description: description, Message: res}
	if code < 200 || code >= 300 {
		return resp, &Error{Code: code, Description: description}
	}
	return resp, nil
}

func statusCode(props map[string]any) (int, bool) {
	for _, key := range []string{statusCodeKey, altStatusCodeKey} {
		switch v := props[key].(type) {
		case int32:
			return int(v), true
		case int64:
			return int(v), true
		case int:
			return v, true
		case uint32:
			return int(v), true
		}
	}
	return 0, false
}

// Close detaches both links. The session is left open.
func (l *Link) Close(ctx context.Context) error {
	rerr := l.receiver.Close(ctx)
	serr := l.sender.Close(ctx)
	return errors.Join(rerr, serr)
}
