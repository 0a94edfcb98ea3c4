// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
