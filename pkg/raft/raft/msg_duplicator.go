// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/raftpeer/pkg/failures"
)

// duplicatorStats defines the stats to collect for Duplicator.
type duplicatorStats struct {
	MsgSent       int // requests sent, duplicates included.
	MsgDuplicated int // duplicates sent.
}

// Duplicator is a composable RPCClientFactory that wraps another one and
// sends duplicated requests in a configurable way. It caches a certain
// amount of sent requests in a pool. When it decides to send a duplicate, it
// randomly selects a cached request from the pool and sends it again through
// the lower client of its target. The result of a duplicate is discarded, the
// caller only ever sees the result of its own request.
//
// The probability can be changed at runtime through the failure service
// under the key "rpc_duplicate":
//
//	{"rpc_duplicate": 0.1}
type Duplicator struct {
	// The factory underneath.
	lower RPCClientFactory

	// Lower clients by target address, used to send duplicates.
	clients map[string]RPCClient

	// A pool of cached requests that duplicates are chosen from.
	pool *msgPool

	// Probability for sending a duplicate each time a request is sent.
	dupProb float32

	// Random number generator.
	rand *rand.Rand

	// Collected stats.
	stats duplicatorStats

	// Lock for everything above.
	lock sync.Mutex
}

// NewDuplicator creates a Duplicator. 'lower' is the wrapped factory, 'limit'
// is the maximum number of cached requests, 'p' is the probability to send a
// duplicate when a request is sent.
func NewDuplicator(lower RPCClientFactory, limit int, p float32, seed int64) *Duplicator {
	if p > 1.0 || p < 0.0 {
		log.Fatalf("p must be within range [0.0, 1.0]")
	}
	d := &Duplicator{
		lower:   lower,
		clients: make(map[string]RPCClient),
		pool:    newMsgPool(limit),
		dupProb: p,
		rand:    rand.New(rand.NewSource(seed)),
	}
	if err := failures.Register("rpc_duplicate", d.duplicateHandler); err != nil {
		log.V(1).Infof("failure handler not registered: %v", err)
	}
	return d
}

func (d *Duplicator) duplicateHandler(config json.RawMessage) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	log.Infof("Receive new config: %s", string(config))

	if config == nil {
		// Clear failures.
		d.dupProb = 0.0
		return nil
	}

	var prob float64
	if err := json.Unmarshal(config, &prob); err != nil {
		return err
	}
	d.dupProb = float32(prob)
	return nil
}

// NewClient implements RPCClientFactory.
func (d *Duplicator) NewClient(addr string) RPCClient {
	lower := d.lower.NewClient(addr)
	d.lock.Lock()
	d.clients[addr] = lower
	d.lock.Unlock()
	return &dupClient{dup: d, addr: addr, lower: lower}
}

// pickDuplicate caches the request 'm' sent to 'addr' and flips a coin. It
// returns a cached request and the client of its target if a duplicate should
// be sent.
func (d *Duplicator) pickDuplicate(addr string, m Msg) (RPCClient, Msg, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.stats.MsgSent++
	d.pool.add(pooledMsg{addr: addr, m: m})
	if d.rand.Float32() >= d.dupProb {
		return nil, nil, false
	}
	dup := d.pool.get(d.rand.Intn(d.pool.size()))
	d.stats.MsgSent++
	d.stats.MsgDuplicated++
	return d.clients[dup.addr], dup.m, true
}

func (d *Duplicator) stat() duplicatorStats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

type dupClient struct {
	dup   *Duplicator
	addr  string
	lower RPCClient
}

func (c *dupClient) Send(ctx context.Context, m Msg) *Future {
	f := c.lower.Send(ctx, m)
	if clt, dup, ok := c.dup.pickDuplicate(c.addr, m); ok {
		log.V(10).Infof("duplicated request from %s to %s sent", dup.GetFrom(), dup.GetTo())
		clt.Send(context.Background(), dup)
	}
	return f
}

//---------- msgPool ----------//

type pooledMsg struct {
	addr string
	m    Msg
}

// msgPool provides a simple way to store a set of requests with a
// predefined count limit. Adding new requests beyond the limit will
// remove old ones accordingly.
type msgPool struct {
	// A set of cached requests.
	pool []pooledMsg

	// Limit of the pool size.
	limit int
}

// newMsgPool creates a request pool.
func newMsgPool(limit int) *msgPool {
	if limit <= 0 {
		limit = 1
	}
	return &msgPool{limit: limit}
}

// size returns the size of the pool.
func (p *msgPool) size() int {
	return len(p.pool)
}

// add adds 'm' to the pool. The oldest request is removed if the capacity
// has been reached.
func (p *msgPool) add(m pooledMsg) {
	p.pool = append(p.pool, m)
	if p.limit < len(p.pool) {
		p.pool = p.pool[1:]
	}
}

// get returns the request indexed at 'i' in the pool.
func (p *msgPool) get(i int) pooledMsg {
	return p.pool[i]
}
