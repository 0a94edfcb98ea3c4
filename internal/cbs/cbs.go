// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cbs negotiates claims-based-security tokens with the $cbs node.
package cbs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/eventhubs/internal/amqpwrap"
	"github.com/absmach/eventhubs/internal/rpc"
)

const (
	// Address is the well-known CBS node.
	Address = "$cbs"

	// TokenTypeJWT is the token type of Entra ID access tokens.
	TokenTypeJWT = "jwt"

	operationPutToken = "put-token"
)

// Token is a credential to present for an audience.
type Token struct {
	Type      string
	Value     string
	ExpiresOn time.Time
}

// NegotiateClaim sends a put-token request for audience over session. The
// request/response links are detached before returning; the session is not
// closed.
func NegotiateClaim(ctx context.Context, session amqpwrap.Session, audience string, token Token, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	link, err := rpc.NewLink(ctx, session, Address, &rpc.LinkOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := link.Close(ctx); cerr != nil {
			logger.Debug("cbs link close failed", slog.String("error", cerr.Error()))
		}
	}()

	tokenType := token.Type
	if tokenType == "" {
		tokenType = TokenTypeJWT
	}

	msg := &amqp.Message{
		Value: token.Value,
		ApplicationProperties: map[string]any{
			"operation":  operationPutToken,
			"type":       tokenType,
			"name":       audience,
			"expiration": strconv.FormatInt(token.ExpiresOn.Unix(), 10),
		},
	}

	if _, err := link.RPC(ctx, msg); err != nil {
		return fmt.Errorf("cbs: put-token for %s: %w", audience, err)
	}

	logger.Debug("cbs claim negotiated", slog.String("audience", audience), slog.Time("expires_on", token.ExpiresOn))
	return nil
}
