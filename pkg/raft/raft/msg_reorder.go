// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/raftpeer/pkg/failures"
)

// reordererStats defines the stats to collect for Reorderer.
type reordererStats struct {
	MsgCompleted int // completions forwarded.
	MsgDelayed   int // completions delayed.
	MsgPending   int // completions delayed and not forwarded yet.
}

// Reorderer is a composable RPCClientFactory that wraps another one and
// reorders the completions of requests. With a configurable probability the
// result of a request is held back for a random amount of time before the
// caller's future is completed, so responses resolve out of order.
//
// The settings can be changed at runtime through the failure service under
// the key "rpc_reorder":
//
//	{"rpc_reorder": {"prob": 0.5, "delay": 100}}
//
// where "delay" is the maximum delay in milliseconds.
type Reorderer struct {
	// The factory underneath, whose clients do the actual work.
	lower RPCClientFactory

	// Probability for delaying a completion.
	delayProb float32

	// Maximum amount of time to delay a completion.
	maxDelay time.Duration

	// Random number generator.
	rand *rand.Rand

	// Collected stats.
	stats reordererStats

	// Lock for everything above.
	lock sync.Mutex

	// Close waits for all delayed completions.
	wg sync.WaitGroup
}

// NewReorderer creates a Reorderer. 'lower' is the wrapped factory, 'p' is the
// probability to delay a completion and 'limit' the maximum delay.
func NewReorderer(lower RPCClientFactory, p float32, limit time.Duration, seed int64) *Reorderer {
	if p > 1.0 || p < 0.0 {
		log.Fatalf("p must be within range [0.0, 1.0]")
	}
	r := &Reorderer{
		lower:     lower,
		delayProb: p,
		maxDelay:  limit,
		rand:      rand.New(rand.NewSource(seed)),
	}
	if err := failures.Register("rpc_reorder", r.reorderHandler); err != nil {
		log.V(1).Infof("failure handler not registered: %v", err)
	}
	return r
}

func (r *Reorderer) reorderHandler(config json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	log.Infof("Receive new config: %s", string(config))

	if config == nil {
		// Clear failures.
		r.delayProb = 0.0
		r.maxDelay = time.Duration(0)
		return nil
	}

	var msg struct {
		DelayProb float64 `json:"prob"`
		MaxDelay  int64   `json:"delay"`
	}
	if err := json.Unmarshal(config, &msg); err != nil {
		return err
	}
	r.maxDelay = time.Duration(msg.MaxDelay) * time.Millisecond
	r.delayProb = float32(msg.DelayProb)
	return nil
}

// NewClient implements RPCClientFactory.
func (r *Reorderer) NewClient(addr string) RPCClient {
	return &reorderClient{reorderer: r, lower: r.lower.NewClient(addr)}
}

// Close waits for all delayed completions to be forwarded.
func (r *Reorderer) Close() {
	r.wg.Wait()
}

// pickDelay flips a coin and returns how long a completion is held back, 0
// for not at all.
func (r *Reorderer) pickDelay() time.Duration {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.maxDelay <= 0 || r.rand.Float32() >= r.delayProb {
		r.stats.MsgCompleted++
		return 0
	}
	r.stats.MsgDelayed++
	r.stats.MsgPending++
	r.wg.Add(1)
	// Never 0, which the caller takes as not delayed.
	return time.Duration(r.rand.Int63n(int64(r.maxDelay))) + 1
}

// completeWithDelay completes 'f' after sleeping for 'delay'.
func (r *Reorderer) completeWithDelay(f *Future, resp Msg, err error, delay time.Duration) {
	time.Sleep(delay)
	f.Complete(resp, err)

	r.lock.Lock()
	r.stats.MsgCompleted++
	r.stats.MsgPending--
	r.lock.Unlock()
	r.wg.Done()
}

func (r *Reorderer) stat() reordererStats {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stats
}

type reorderClient struct {
	reorderer *Reorderer
	lower     RPCClient
}

func (c *reorderClient) Send(ctx context.Context, m Msg) *Future {
	f := NewFuture()
	c.lower.Send(ctx, m).OnComplete(func(resp Msg, err error) {
		if delay := c.reorderer.pickDelay(); delay > 0 {
			log.V(10).Infof("completion of request to %s delayed by %v", m.GetTo(), delay)
			go c.reorderer.completeWithDelay(f, resp, err, delay)
			return
		}
		f.Complete(resp, err)
	})
	return f
}
