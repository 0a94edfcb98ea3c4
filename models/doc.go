// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package models contains the event and metadata types exchanged with an
// event hub.
package models
