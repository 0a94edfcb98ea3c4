// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "errors"

// Consumer errors.
var (
	ErrMissingConnection  = errors.New("connection is not open")
	ErrConnection         = errors.New("failed to open connection")
	ErrCredential         = errors.New("failed to acquire access token")
	ErrAuthorization      = errors.New("cbs authorization failed")
	ErrClientClosed       = errors.New("consumer client closed")
	ErrInvalidPartitionID = errors.New("partition id cannot be empty")
	ErrManagement         = errors.New("management request failed")
	ErrReceiverClosed     = errors.New("partition receiver closed")
	ErrInvalidPrefetch    = errors.New("prefetch exceeds the maximum link credit")
)
