// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqpwrap narrows the go-amqp API to the calls the consumer makes,
// so the orchestration above it can be exercised without a live service.
package amqpwrap

import (
	"context"
	"net"

	"github.com/Azure/go-amqp"
)

// Conn is an open AMQP connection.
type Conn interface {
	NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error)
	Close() error
}

// Session is a begun AMQP session.
type Session interface {
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error)
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error)
	Close(ctx context.Context) error
}

// Receiver is an attached receiving link.
type Receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	LinkName() string
	Close(ctx context.Context) error
}

// Sender is an attached sending link.
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// Dialer opens connections. addr is an amqp:// or amqps:// URL.
type Dialer interface {
	Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error)
	NewConn(ctx context.Context, conn net.Conn, opts *amqp.ConnOptions) (Conn, error)
}

// DefaultDialer dials with go-amqp.
type DefaultDialer struct{}

var _ Dialer = DefaultDialer{}

// Dial opens a connection over TCP/TLS.
func (DefaultDialer) Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error) {
	c, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &conn{c: c}, nil
}

// NewConn runs AMQP over an already established transport connection.
func (DefaultDialer) NewConn(ctx context.Context, nc net.Conn, opts *amqp.ConnOptions) (Conn, error) {
	c, err := amqp.NewConn(ctx, nc, opts)
	if err != nil {
		return nil, err
	}
	return &conn{c: c}, nil
}

type conn struct {
	c *amqp.Conn
}

func (c *conn) NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error) {
	s, err := c.c.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &session{s: s}, nil
}

func (c *conn) Close() error {
	return c.c.Close()
}

type session struct {
	s *amqp.Session
}

func (s *session) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error) {
	r, err := s.s.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *session) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error) {
	snd, err := s.s.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return snd, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.s.Close(ctx)
}

var (
	_ Receiver = (*amqp.Receiver)(nil)
	_ Sender   = (*amqp.Sender)(nil)
)
