// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig will be returned if a Peer or Replicator is created
	// with a configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNodeExists will be returned if users require to add some node that is
	// already known to the replicator.
	ErrNodeExists = errors.New("The node required to be added already exists")

	// ErrNodeNotExists will be returned if users required to remove some node
	// that the replicator doesn't know.
	ErrNodeNotExists = errors.New("The node required to be removed doesn't exist")

	// ErrPeerUnreachable will be returned by transports when there is no route
	// to the target of a request.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// RPCError is the only failure Peer.SendRequest produces. It always carries
// the underlying cause reported by the RPCClient.
type RPCError struct {
	Peer string // ID of the peer the request was sent to.
	Err  error  // Cause reported by the RPCClient.
}

// Error implements error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc to %s failed: %v", e.Peer, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *RPCError) Unwrap() error {
	return e.Err
}
