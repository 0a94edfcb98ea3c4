// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/absmach/eventhubs/internal/cbs"
	"go.opentelemetry.io/otel/attribute"
)

// authorizePath returns a token for address, negotiating it with the CBS
// node the first time the address is seen. Cached tokens are returned as
// is; they are not refreshed on expiry.
func (c *ConsumerClient) authorizePath(ctx context.Context, address string) (tok azcore.AccessToken, err error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if tok, ok := c.tokens[address]; ok {
		return tok, nil
	}

	conn, err := c.connection()
	if err != nil {
		return azcore.AccessToken{}, err
	}

	ctx, span := c.telemetry.start(ctx, "eventhubs.authorize", attribute.String("address", address))
	defer func() { endSpan(span, err) }()

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("%w: begin session: %w", ErrAuthorization, err)
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			c.logger.Debug("cbs session close failed", slog.String("error", cerr.Error()))
		}
	}()

	tok, err = c.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{tokenScope}})
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}

	token := cbs.Token{Type: cbs.TokenTypeJWT, Value: tok.Token, ExpiresOn: tok.ExpiresOn}
	if err := cbs.NegotiateClaim(ctx, session, address, token, c.logger); err != nil {
		return azcore.AccessToken{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	c.tokens[address] = tok
	c.telemetry.authorizations.Add(ctx, 1)
	c.logger.Debug("address authorized", slog.String("address", address), slog.Time("expires_on", tok.ExpiresOn))
	return tok, nil
}
