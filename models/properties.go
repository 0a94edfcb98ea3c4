// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// EventHubProperties describes an event hub.
type EventHubProperties struct {
	Name         string
	CreatedOn    time.Time
	PartitionIDs []string
}

// PartitionProperties describes a single partition of an event hub.
type PartitionProperties struct {
	ID                         string
	EventHub                   string
	BeginningSequenceNumber    int64
	LastEnqueuedSequenceNumber int64
	LastEnqueuedOffset         string
	LastEnqueuedTime           time.Time
	IsEmpty                    bool
}
