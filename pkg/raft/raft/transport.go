// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
)

// RPCClient sends requests to one remote peer. Implementations must be safe
// for concurrent use by multiple outstanding requests.
type RPCClient interface {
	// Send asynchronously sends request 'm' to the peer. The returned future
	// must eventually be completed exactly once, either with the response of
	// the peer or with an error describing why no response was obtained. A
	// cancelled or expired 'ctx' must surface as an error.
	Send(ctx context.Context, m Msg) *Future
}

// RPCClientFactory creates RPCClients bound to network addresses.
type RPCClientFactory interface {
	// NewClient returns a client that sends requests to 'addr'.
	NewClient(addr string) RPCClient
}

// RequestHandler processes requests on the receiving side of a transport.
type RequestHandler interface {
	// HandleRequest returns the response to request 'm', or an error if the
	// request can not be processed.
	HandleRequest(m Msg) (Msg, error)
}

// RequestHandlerFunc adapts an ordinary function to a RequestHandler.
type RequestHandlerFunc func(m Msg) (Msg, error)

// HandleRequest calls f(m).
func (f RequestHandlerFunc) HandleRequest(m Msg) (Msg, error) {
	return f(m)
}

// TransportConfig stores the parameters for raft transport layer.
type TransportConfig struct {
	// Transport address that the local node listens on.
	Addr string
}
