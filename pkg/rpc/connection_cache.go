// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses. A
// connection that fails a call is dropped and redialed on next use.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections, keyed by address.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs.
	rpcTimeout time.Duration
}

// NewConnectionCache makes a new ConnectionCache. If more than 'maxConns'
// connections are open the least recently used idle ones may be dropped; 0
// means never drop idle connections.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a connection to 'addr', dialing one if needed, or nil if it
// can't connect. The caller MUST call done once the call is over.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	// Don't hold the lock while dialing.
	cc.lock.Unlock()

	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	clt, err := dialHTTPContext(nctx, "tcp", addr)
	if err != nil {
		log.V(1).Infof("error connecting to %s: %s", addr, err)
		return nil
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	// Somebody may have connected in parallel, use theirs.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		clt.Close()
		log.V(1).Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}
	log.Infof("established connection to %s", addr)

	// One reference for the cache and one for the caller.
	rc := &refCntClient{count: 2, clt: clt}
	cc.conns.Add(addr, rc)
	return rc
}

// done releases the caller's reference to 'conn'. If the call failed at the
// RPC level, 'err' is not nil and the connection is dropped from the cache so
// the next call redials.
func (cc *ConnectionCache) done(addr string, conn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if conn.decAndMaybeClose() {
		// Already evicted and nobody else is using it.
		return
	}
	if err == nil {
		return
	}
	// Only remove it if the cache still holds this very connection; an
	// earlier failed call may already have replaced it.
	if cur, ok := cc.conns.Get(addr); ok && cur == conn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	}
}

// Send calls 'method' on the RPC server at 'addr' and waits for the reply,
// for at most the rpc timeout of the cache.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)

		// ErrShutdown means the connection was closed under us, most likely
		// reset by the server. Reconnect and try once more within the same
		// deadline.
		if call.Error == rpc.ErrShutdown {
			return cc.Send(nctx, addr, method, req, reply)
		}
		return call.Error

	case <-nctx.Done():
		log.V(1).Infof("rpc %q to %s: %s", method, addr, nctx.Err())
		cc.done(addr, rc, nil)
		return nctx.Err()
	}
}

// Remove removes and closes a connection from the cache if a connection to
// "addr" exists.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll drops all connections from the cache. They are closed as soon as
// no call is using them.
func (cc *ConnectionCache) CloseAll() error {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
	return nil
}

// Len returns the number of cached connections.
func (cc *ConnectionCache) Len() int {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return cc.conns.Len()
}

// Called by the LRU, with 'lock' held.
func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient wraps a RPC client with a reference count so we know when to
// close the connection.
type refCntClient struct {
	// Number of holders, the cache included. Protected by the cache lock.
	count int

	clt *rpc.Client
}

// decAndMaybeClose drops one reference and closes the connection if it was
// the last. Must be called with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
