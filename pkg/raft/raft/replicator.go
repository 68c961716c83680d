// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// Replicator drives one Peer per member of the group. It arms a heartbeat for
// every peer on a Scheduler, keyed off the adaptive interval of the peer, and
// ships AppEnts built by a ReplicationLog whenever a heartbeat fires and the
// peer is not busy.
//
// Replicator never retries a failed request; the next heartbeat of the peer,
// spaced out by the backoff of the peer, is the retry.
type Replicator struct {
	config  ReplicatorConfig
	factory RPCClientFactory
	sched   Scheduler
	log     ReplicationLog

	// Protects 'peers' and 'started'. It's also held while a heartbeat is
	// armed or cancelled so Stop can't race with a firing heartbeat.
	lock    sync.Mutex
	peers   map[string]*Peer
	started bool
}

// NewReplicator creates a Replicator with no peers. Clients for peers are
// created from 'factory' and heartbeats are armed on 'sched'.
func NewReplicator(config ReplicatorConfig, factory RPCClientFactory, sched Scheduler, rlog ReplicationLog) (*Replicator, error) {
	if err := validateReplicatorConfig(config); err != nil {
		return nil, err
	}
	return &Replicator{
		config:  config,
		factory: factory,
		sched:   sched,
		log:     rlog,
		peers:   make(map[string]*Peer),
	}, nil
}

// AddPeer adds the member 'id' reachable at 'addr'. If the replicator is
// started the heartbeat of the new peer is armed right away.
func (r *Replicator) AddPeer(id, addr string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.peers[id]; ok {
		return ErrNodeExists
	}
	p, err := NewPeer(id, r.factory.NewClient(addr), r.config.Peer, r.onHeartbeat)
	if err != nil {
		return err
	}
	r.peers[id] = p
	log.Infof("[replicator %s] added peer %s at %s", r.config.ID, id, addr)
	if r.started {
		r.armLocked(p)
	}
	return nil
}

// RemovePeer stops heartbeats of the member 'id' and forgets it.
func (r *Replicator) RemovePeer(id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return ErrNodeNotExists
	}
	r.disarmLocked(p)
	delete(r.peers, id)
	p.metrics.unregister()
	log.Infof("[replicator %s] removed peer %s", r.config.ID, id)
	return nil
}

// Peer returns the peer with the given ID.
func (r *Replicator) Peer(id string) (*Peer, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Peers returns all peers, ordered by ID.
func (r *Replicator) Peers() []*Peer {
	r.lock.Lock()
	defer r.lock.Unlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

// Start enables heartbeats of all peers.
func (r *Replicator) Start() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, p := range r.peers {
		r.armLocked(p)
	}
	log.Infof("[replicator %s] started with %d peers", r.config.ID, len(r.peers))
}

// Stop disables heartbeats of all peers and cancels the armed ones. Requests
// already in flight are not affected.
func (r *Replicator) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.started {
		return
	}
	r.started = false
	for _, p := range r.peers {
		r.disarmLocked(p)
	}
	log.Infof("[replicator %s] stopped", r.config.ID)
}

// Replicate sends AppEnts right away to every peer whose heartbeat is enabled
// and that is not busy, e.g. after new entries were appended to the log.
func (r *Replicator) Replicate() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, p := range r.peers {
		if p.IsHeartbeatEnabled() && !p.IsBusy() {
			r.sendAppend(p)
		}
	}
}

// RequestVotes sends 'req' to every peer and returns the pending responses,
// keyed by peer ID. Counting votes is up to the caller.
func (r *Replicator) RequestVotes(ctx context.Context, req VoteReq) map[string]*Future {
	r.lock.Lock()
	defer r.lock.Unlock()
	futures := make(map[string]*Future, len(r.peers))
	for id, p := range r.peers {
		v := req
		v.From, v.To = r.config.ID, id
		futures[id] = p.SendRequest(ctx, &v)
	}
	return futures
}

// onHeartbeat is the heartbeat handler of every peer. It's called by the
// scheduler.
func (r *Replicator) onHeartbeat(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	// The peer may have been stopped or removed while the heartbeat was
	// firing.
	if !p.IsHeartbeatEnabled() || r.peers[p.ID()] != p {
		return
	}
	if p.IsBusy() {
		p.metrics.skipped.Inc()
		log.V(10).Infof("[replicator %s] peer %s is busy, skip heartbeat", r.config.ID, p.ID())
	} else {
		r.sendAppend(p)
	}
	r.scheduleLocked(p)
}

// sendAppend sends one AppEnts to 'p'. The response must not be handled with
// 'lock' held since it may be delivered synchronously.
func (r *Replicator) sendAppend(p *Peer) {
	req := r.log.AppendFor(p.ID(), p.NextLogIndex())
	req.From, req.To = r.config.ID, p.ID()

	ctx, cancel := r.requestContext()
	p.SendRequest(ctx, req).OnComplete(func(resp Msg, err error) {
		cancel()
		if err != nil {
			log.V(1).Infof("[replicator %s] %v", r.config.ID, err)
			return
		}
		ar, ok := resp.(*AppEntsResp)
		if !ok {
			log.Errorf("[replicator %s] unexpected response to AppEnts from %s: %v", r.config.ID, p.ID(), resp)
			return
		}
		p.SetNextLogIndex(r.log.Acked(p.ID(), req, ar))
	})
}

func (r *Replicator) requestContext() (context.Context, context.CancelFunc) {
	if r.config.RequestTimeout > 0 {
		return context.WithTimeout(context.Background(), r.config.RequestTimeout)
	}
	return context.WithCancel(context.Background())
}

// armLocked enables heartbeats of 'p' and arms the first one.
func (r *Replicator) armLocked(p *Peer) {
	p.EnableHeartbeat(true)
	r.scheduleLocked(p)
}

// scheduleLocked arms the next heartbeat of 'p' with its current interval.
// The stored task is stopped first so a peer never has two live heartbeats,
// e.g. when a heartbeat that fired before a Stop and Start gets the lock
// after them.
func (r *Replicator) scheduleLocked(p *Peer) {
	if task := p.HeartbeatTask(); task != nil {
		task.Stop()
	}
	p.SetHeartbeatTask(r.sched.Schedule(p.CurrentHeartbeatInterval(), p.HeartbeatHandler()))
}

// disarmLocked disables heartbeats of 'p' and cancels the armed one.
func (r *Replicator) disarmLocked(p *Peer) {
	task := p.HeartbeatTask()
	p.EnableHeartbeat(false)
	if task != nil {
		task.Stop()
	}
}
