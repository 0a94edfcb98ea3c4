// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/checkpoint/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Store {
		return New()
	})
}
