// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"go.uber.org/atomic"
)

// Peer is the replication link from the local node to one remote member of
// the Raft group. It tracks the replication cursor of the member, paces
// heartbeats adaptively based on the outcome of RPCs and counts the append
// requests that are still in flight.
//
// A failed RPC makes the heartbeat interval grow by a fixed step, capped at
// the configured maximum. A successful RPC snaps it back to the configured
// base interval at once.
//
// Peer is thread-safe. Its RPC completions may run concurrently with the
// driver and the heartbeat scheduler.
type Peer struct {
	id     string    // ID of the peer, immutable.
	client RPCClient // Sends requests to the peer.
	config PeerConfig

	// Protects 'curInterval'. It's written by completions of any outstanding
	// request and read by the driver and the scheduler.
	lock        sync.Mutex
	curInterval time.Duration

	// Number of AppEnts requests sent but not completed yet.
	inflightAppends *atomic.Int32

	// Index of the next entry to send to the peer.
	nextIndex *atomic.Uint64

	// Protects 'hbEnabled' and 'hbTask'. Only the driver touches them.
	hbLock    sync.Mutex
	hbEnabled bool
	hbTask    Task

	// Calls the driver supplied handler with this peer. Built once in NewPeer.
	hbHandler func()

	metrics *peerMetrics
}

// NewPeer creates a link to the peer 'id' that sends requests through
// 'client'. 'handler' is called with the peer every time its heartbeat fires.
func NewPeer(id string, client RPCClient, config PeerConfig, handler func(*Peer)) (*Peer, error) {
	if err := validatePeerConfig(config); err != nil {
		return nil, err
	}
	p := &Peer{
		id:              id,
		client:          client,
		config:          config,
		curInterval:     config.HeartbeatInterval,
		inflightAppends: atomic.NewInt32(0),
		nextIndex:       atomic.NewUint64(0),
		metrics:         newPeerMetrics(id),
	}
	p.hbHandler = func() { handler(p) }
	p.metrics.setInterval(p.curInterval)
	p.metrics.inflight.Set(0)
	return p, nil
}

// ID returns the ID of the peer.
func (p *Peer) ID() string {
	return p.id
}

// HeartbeatHandler returns the action to arm on a Scheduler. It calls the
// handler given to NewPeer with this peer.
func (p *Peer) HeartbeatHandler() func() {
	return p.hbHandler
}

// CurrentHeartbeatInterval returns the current adaptive heartbeat interval.
func (p *Peer) CurrentHeartbeatInterval() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.curInterval
}

// SetHeartbeatTask stores the handle of the heartbeat currently armed for
// the peer. Arming and cancelling is up to the caller.
func (p *Peer) SetHeartbeatTask(task Task) {
	p.hbLock.Lock()
	p.hbTask = task
	p.hbLock.Unlock()
}

// HeartbeatTask returns the stored heartbeat handle, or nil if there is none.
func (p *Peer) HeartbeatTask() Task {
	p.hbLock.Lock()
	defer p.hbLock.Unlock()
	return p.hbTask
}

// IsBusy returns true if any AppEnts request to the peer is still in flight.
// Drivers use it to avoid piling up appends on a slow peer.
func (p *Peer) IsBusy() bool {
	return p.inflightAppends.Load() > 0
}

// IsHeartbeatEnabled returns whether the peer should receive heartbeats.
func (p *Peer) IsHeartbeatEnabled() bool {
	p.hbLock.Lock()
	defer p.hbLock.Unlock()
	return p.hbEnabled
}

// EnableHeartbeat toggles heartbeats of the peer. Disabling forgets the stored
// heartbeat task so a stale handle is never reused; the caller is expected to
// stop the task itself.
func (p *Peer) EnableHeartbeat(enable bool) {
	p.hbLock.Lock()
	defer p.hbLock.Unlock()
	p.hbEnabled = enable
	if !enable {
		p.hbTask = nil
	}
}

// NextLogIndex returns the index of the next entry to send to the peer.
func (p *Peer) NextLogIndex() uint64 {
	return p.nextIndex.Load()
}

// SetNextLogIndex sets the index of the next entry to send to the peer. Any
// value is accepted.
func (p *Peer) SetNextLogIndex(index uint64) {
	p.nextIndex.Store(index)
}

// SendRequest sends request 'm' to the peer without blocking. The returned
// future is completed with the response of the peer, or with an *RPCError
// wrapping the cause if the RPC failed. The heartbeat interval and the
// in-flight counter are adjusted before the future completes.
func (p *Peer) SendRequest(ctx context.Context, m Msg) *Future {
	appending := isAppend(m)
	if appending {
		p.metrics.inflight.Set(float64(p.inflightAppends.Inc()))
	}
	typ := msgType(m)
	log.V(10).Infof("[peer %s] sending %v", p.id, m)

	f := NewFuture()
	p.client.Send(ctx, m).OnComplete(func(resp Msg, err error) {
		if appending {
			p.metrics.inflight.Set(float64(p.inflightAppends.Dec()))
		}
		p.metrics.rpcDone(typ, err)

		if err != nil {
			p.slowDownHeartbeating()
			log.V(10).Infof("[peer %s] %s request failed: %v", p.id, typ, err)
			f.Complete(nil, &RPCError{Peer: p.id, Err: err})
			return
		}
		p.ResumeHeartbeatingSpeed()
		log.V(10).Infof("[peer %s] received %v", p.id, resp)
		f.Complete(resp, nil)
	})
	return f
}

// slowDownHeartbeating grows the heartbeat interval by one backoff step,
// capped at the maximum interval.
func (p *Peer) slowDownHeartbeating() {
	p.lock.Lock()
	defer p.lock.Unlock()
	next := p.curInterval + p.config.RPCFailureBackoff
	if next > p.config.MaxHeartbeatInterval {
		next = p.config.MaxHeartbeatInterval
	}
	if next != p.curInterval {
		log.V(1).Infof("[peer %s] slowing down heartbeats: %v -> %v", p.id, p.curInterval, next)
		p.curInterval = next
		p.metrics.setInterval(next)
	}
}

// ResumeHeartbeatingSpeed resets the heartbeat interval to the base interval
// if it's above it.
func (p *Peer) ResumeHeartbeatingSpeed() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.curInterval > p.config.HeartbeatInterval {
		log.V(1).Infof("[peer %s] resuming heartbeat speed: %v -> %v", p.id, p.curInterval, p.config.HeartbeatInterval)
		p.curInterval = p.config.HeartbeatInterval
		p.metrics.setInterval(p.curInterval)
	}
}

// inflight returns the number of AppEnts requests in flight.
func (p *Peer) inflight() int32 {
	return p.inflightAppends.Load()
}
