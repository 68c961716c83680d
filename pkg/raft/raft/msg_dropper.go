// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/raftpeer/pkg/failures"
)

// ErrRequestDropped is the error of requests failed on purpose by FailDropper.
var ErrRequestDropped = errors.New("request dropped by failure injection")

// failDropperStats defines the stats to collect for FailDropper.
type failDropperStats struct {
	MsgSent    int // requests sent.
	MsgDropped int // requests failed on purpose.
}

// FailDropper is a composable RPCClientFactory that wraps another one and
// fails requests in a configurable way. If a request is determined to be
// dropped it's failed immediately with ErrRequestDropped, otherwise it's
// forwarded to the lower client. FailDropper is useful for simulating
// unreachable or flaky peers.
//
// The drop probabilities can be changed at runtime through the failure
// service, under the key "rpc_fail_prob":
//
//	{"rpc_fail_prob": {"host1:3110": 1.0, "host2:3110": 0.0}}
type FailDropper struct {
	// The factory underneath, whose clients get the undropped requests.
	lower RPCClientFactory

	// Probability of failing a request, per target address.
	dropProb map[string]float32

	// Used for addresses not in 'dropProb'.
	defaultProb float32

	// Random number generator.
	rand *rand.Rand

	// Collected stats.
	stats failDropperStats

	// Lock for everything above.
	lock sync.Mutex
}

// NewFailDropper creates a new FailDropper which fails requests to any
// address with probability 'defaultProb' unless told otherwise.
func NewFailDropper(lower RPCClientFactory, seed int64, defaultProb float32) *FailDropper {
	if defaultProb > 1.0 || defaultProb < 0.0 {
		log.Fatalf("p must be within range [0.0, 1.0]")
	}
	d := &FailDropper{
		lower:       lower,
		dropProb:    make(map[string]float32),
		defaultProb: defaultProb,
		rand:        rand.New(rand.NewSource(seed)),
	}
	if err := failures.Register("rpc_fail_prob", d.dropHandler); err != nil {
		log.V(1).Infof("failure handler not registered: %v", err)
	}
	return d
}

func (d *FailDropper) dropHandler(config json.RawMessage) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	log.Infof("Receive new config: %s", string(config))

	if config == nil {
		// Clear failures.
		d.dropProb = make(map[string]float32)
		return nil
	}

	var dropMap map[string]float32
	if err := json.Unmarshal(config, &dropMap); err != nil {
		return err
	}
	d.dropProb = dropMap
	return nil
}

// NewClient implements RPCClientFactory.
func (d *FailDropper) NewClient(addr string) RPCClient {
	return &dropClient{dropper: d, addr: addr, lower: d.lower.NewClient(addr)}
}

// Set sets the probability of failing requests sent to 'addr' to 'p'.
func (d *FailDropper) Set(addr string, p float32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dropProb[addr] = p
}

// Link wraps Set(addr, 0.0) and lets every request to 'addr' through.
func (d *FailDropper) Link(addr string) {
	d.Set(addr, 0.0)
}

// Unlink wraps Set(addr, 1.0) and fails every request to 'addr'.
func (d *FailDropper) Unlink(addr string) {
	d.Set(addr, 1.0)
}

// shouldDrop flips a coin and decides if a request to 'addr' is dropped.
func (d *FailDropper) shouldDrop(addr string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.stats.MsgSent++
	prob, ok := d.dropProb[addr]
	if !ok {
		prob = d.defaultProb
	}
	if d.rand.Float32() < prob {
		d.stats.MsgDropped++
		return true
	}
	return false
}

func (d *FailDropper) stat() failDropperStats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

type dropClient struct {
	dropper *FailDropper
	addr    string
	lower   RPCClient
}

func (c *dropClient) Send(ctx context.Context, m Msg) *Future {
	if c.dropper.shouldDrop(c.addr) {
		log.V(10).Infof("request from %s to %s dropped", m.GetFrom(), c.addr)
		return CompletedFuture(nil, ErrRequestDropped)
	}
	return c.lower.Send(ctx, m)
}
