// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"sync"

	log "github.com/golang/glog"
)

// memNetworkStats defines the stats to collect for MemNetwork.
type memNetworkStats struct {
	MsgSent      int // requests sent.
	MsgDelivered int // requests handed to a handler.
	MsgRejected  int // requests with no handler behind the address.
}

// MemNetwork is an in-memory network to facilitate testing replication
// without sockets. Requests sent through its clients are handed to the
// RequestHandler registered under the target address, each in its own
// goroutine, so completions resolve in no particular order.
type MemNetwork struct {
	// Registered handlers, keyed by address.
	handlers map[string]RequestHandler

	// Collected stats.
	stats memNetworkStats

	// Lock for 'handlers' and 'stats'.
	lock sync.Mutex
}

// NewMemNetwork creates an empty MemNetwork.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{handlers: make(map[string]RequestHandler)}
}

// Listen registers 'handler' to serve requests sent to 'addr'. It replaces
// any previous handler of the address.
func (n *MemNetwork) Listen(addr string, handler RequestHandler) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.handlers[addr] = handler
	log.V(1).Infof("%s listening on the memory network", addr)
}

// Disconnect removes the handler of 'addr'. Further requests sent to it fail
// with ErrPeerUnreachable.
func (n *MemNetwork) Disconnect(addr string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.handlers, addr)
}

// NewClient implements RPCClientFactory.
func (n *MemNetwork) NewClient(addr string) RPCClient {
	return &memClient{network: n, addr: addr}
}

func (n *MemNetwork) stat() memNetworkStats {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.stats
}

// memClient sends requests to one address of a MemNetwork.
type memClient struct {
	network *MemNetwork
	addr    string
}

// Send hands the request to the handler of the target address.
func (c *memClient) Send(ctx context.Context, m Msg) *Future {
	n := c.network
	n.lock.Lock()
	n.stats.MsgSent++
	handler, ok := n.handlers[c.addr]
	if !ok {
		n.stats.MsgRejected++
		n.lock.Unlock()
		log.V(10).Infof("%s doesn't exist", c.addr)
		return CompletedFuture(nil, ErrPeerUnreachable)
	}
	n.stats.MsgDelivered++
	n.lock.Unlock()

	f := NewFuture()
	go func() {
		f.Complete(handler.HandleRequest(m))
	}()
	go func() {
		select {
		case <-ctx.Done():
			f.Complete(nil, ctx.Err())
		case <-f.Done():
		}
	}()
	return f
}
