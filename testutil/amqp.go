// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/amqpwrap"
)

// RPCHandler answers a request sent to a request/response node such as
// $cbs or $management.
type RPCHandler func(address string, req *amqp.Message) (*amqp.Message, error)

// Dialer hands out FakeConns and records dial attempts.
type Dialer struct {
	mu      sync.Mutex
	Handler RPCHandler
	DialErr error
	Addrs   []string
	Options []*amqp.ConnOptions
	Conns   []*FakeConn
}

var _ amqpwrap.Dialer = (*Dialer)(nil)

// Dial records the address and returns a new fake connection.
func (d *Dialer) Dial(_ context.Context, addr string, opts *amqp.ConnOptions) (amqpwrap.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Addrs = append(d.Addrs, addr)
	d.Options = append(d.Options, opts)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := NewFakeConn(d.Handler)
	d.Conns = append(d.Conns, c)
	return c, nil
}

// NewConn behaves like Dial with the remote address of nc.
func (d *Dialer) NewConn(ctx context.Context, nc net.Conn, opts *amqp.ConnOptions) (amqpwrap.Conn, error) {
	return d.Dial(ctx, nc.RemoteAddr().String(), opts)
}

// DialCount returns the number of dial attempts.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Addrs)
}

// Conn returns the i-th connection handed out.
func (d *Dialer) Conn(i int) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Conns[i]
}

// FakeConn is an in-memory amqpwrap.Conn.
type FakeConn struct {
	mu       sync.Mutex
	handler  RPCHandler
	sessions []*FakeSession
	closed   bool
	done     chan struct{}

	NewSessionErr error
}

// NewFakeConn creates a connection whose request/response nodes are served by h.
func NewFakeConn(h RPCHandler) *FakeConn {
	return &FakeConn{handler: h, done: make(chan struct{})}
}

// NewSession begins a fake session.
func (c *FakeConn) NewSession(_ context.Context, _ *amqp.SessionOptions) (amqpwrap.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &amqp.ConnError{}
	}
	if c.NewSessionErr != nil {
		return nil, c.NewSessionErr
	}
	s := &FakeSession{conn: c, done: make(chan struct{})}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Close closes the connection, terminating every link on it.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionCount returns the number of sessions begun on the connection.
func (c *FakeConn) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Receivers returns every receiver attached to source, in attach order.
func (c *FakeConn) Receivers(source string) []*FakeReceiver {
	c.mu.Lock()
	sessions := append([]*FakeSession(nil), c.sessions...)
	c.mu.Unlock()

	var out []*FakeReceiver
	for _, s := range sessions {
		s.mu.Lock()
		for _, r := range s.receivers {
			if r.Source == source {
				out = append(out, r)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// FakeSession is an in-memory amqpwrap.Session.
type FakeSession struct {
	mu        sync.Mutex
	conn      *FakeConn
	receivers []*FakeReceiver
	senders   []*FakeSender
	closed    bool
	done      chan struct{}

	NewReceiverErr error
}

// NewReceiver attaches a fake receiving link.
func (s *FakeSession) NewReceiver(_ context.Context, source string, opts *amqp.ReceiverOptions) (amqpwrap.Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &amqp.SessionError{}
	}
	if s.NewReceiverErr != nil {
		return nil, s.NewReceiverErr
	}
	if opts == nil {
		opts = &amqp.ReceiverOptions{}
	}
	r := &FakeReceiver{
		Source:  source,
		Options: opts,
		session: s,
		msgs:    make(chan *amqp.Message, 64),
		done:    make(chan struct{}),
	}
	s.receivers = append(s.receivers, r)
	return r, nil
}

// NewSender attaches a fake sending link.
func (s *FakeSession) NewSender(_ context.Context, target string, _ *amqp.SenderOptions) (amqpwrap.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &amqp.SessionError{}
	}
	snd := &FakeSender{Target: target, session: s}
	s.senders = append(s.senders, snd)
	return snd, nil
}

// Close ends the session.
func (s *FakeSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSession) replyReceiver(address string) *FakeReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.receivers) - 1; i >= 0; i-- {
		if s.receivers[i].Source == address {
			return s.receivers[i]
		}
	}
	return nil
}

// FakeReceiver is an in-memory amqpwrap.Receiver. Messages are queued with Deliver.
type FakeReceiver struct {
	Source  string
	Options *amqp.ReceiverOptions

	session *FakeSession
	msgs    chan *amqp.Message

	mu       sync.Mutex
	accepted int
	closed   bool
	done     chan struct{}
}

// Deliver queues a message for Receive.
func (r *FakeReceiver) Deliver(msg *amqp.Message) {
	r.msgs <- msg
}

// Receive returns the next queued message. It fails once the link, its
// session or its connection is closed.
func (r *FakeReceiver) Receive(ctx context.Context, _ *amqp.ReceiveOptions) (*amqp.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, &amqp.LinkError{}
	case <-r.session.done:
		return nil, &amqp.SessionError{}
	case <-r.session.conn.done:
		return nil, &amqp.ConnError{}
	}
}

// AcceptMessage counts settled messages.
func (r *FakeReceiver) AcceptMessage(_ context.Context, _ *amqp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
	return nil
}

// Accepted returns the number of settled messages.
func (r *FakeReceiver) Accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// LinkName returns the configured link name.
func (r *FakeReceiver) LinkName() string {
	return r.Options.Name
}

// Close detaches the link.
func (r *FakeReceiver) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (r *FakeReceiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// FakeSender is an in-memory amqpwrap.Sender. Messages sent to a node are
// answered through the connection's RPCHandler.
type FakeSender struct {
	Target string

	session *FakeSession
	mu      sync.Mutex
	sent    []*amqp.Message
}

// Send records msg and, when a handler is installed, routes the reply to the
// receiver attached to the same node.
func (s *FakeSender) Send(_ context.Context, msg *amqp.Message, _ *amqp.SendOptions) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	h := s.session.conn.handler
	if h == nil {
		return nil
	}

	resp, err := h(s.Target, msg)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	if resp.Properties == nil {
		resp.Properties = &amqp.MessageProperties{}
	}
	if msg.Properties != nil {
		resp.Properties.CorrelationID = msg.Properties.MessageID
	}

	r := s.session.replyReceiver(s.Target)
	if r == nil {
		return errors.New("testutil: no reply receiver attached")
	}
	r.Deliver(resp)
	return nil
}

// Sent returns the messages sent on the link.
func (s *FakeSender) Sent() []*amqp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*amqp.Message(nil), s.sent...)
}

// Close is a no-op.
func (s *FakeSender) Close(_ context.Context) error {
	return nil
}

// StatusResponse builds a reply with the given status code and body.
func StatusResponse(code int32, value any) *amqp.Message {
	return &amqp.Message{
		ApplicationProperties: map[string]any{
			"status-code":        code,
			"status-description": "",
		},
		Value: value,
	}
}
