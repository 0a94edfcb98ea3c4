// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"fmt"
	"testing"

	"github.com/absmach/eventhubs/checkpoint"
	"github.com/absmach/eventhubs/checkpoint/storetest"
	"github.com/absmach/eventhubs/testutil"
)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded etcd test in short mode")
	}

	client := testutil.StartEtcd(t)

	var n int
	storetest.Run(t, func(t *testing.T) checkpoint.Store {
		n++
		return New(client, fmt.Sprintf("/test-%d", n))
	})
}
