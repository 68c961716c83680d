// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replicatorEnv is a Replicator whose clock and network are driven by hand.
type replicatorEnv struct {
	r       *Replicator
	factory *manualClientFactory
	sched   *manualScheduler
	log     *MemLog
}

func newReplicatorEnv(t *testing.T, id string, peers ...string) *replicatorEnv {
	env := &replicatorEnv{
		factory: newManualClientFactory(),
		sched:   &manualScheduler{},
		log:     NewMemLog(1, 2),
	}
	cfg := ReplicatorConfig{ID: id, Peer: testPeerConfig}
	r, err := NewReplicator(cfg, env.factory, env.sched, env.log)
	require.NoError(t, err)
	for _, p := range peers {
		require.NoError(t, r.AddPeer(p, p+":addr"))
	}
	env.r = r
	return env
}

func (e *replicatorEnv) client(peer string) *manualClient {
	return e.factory.client(peer + ":addr")
}

func (e *replicatorEnv) peer(t *testing.T, id string) *Peer {
	p, ok := e.r.Peer(id)
	require.True(t, ok, "peer %s not found", id)
	return p
}

// Test that invalid configurations are rejected.
func TestReplicatorInvalidConfig(t *testing.T) {
	_, err := NewReplicator(ReplicatorConfig{Peer: testPeerConfig}, NewMemNetwork(), &manualScheduler{}, NewMemLog(1, 1))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewReplicator(ReplicatorConfig{ID: "x", Peer: PeerConfig{}}, NewMemNetwork(), &manualScheduler{}, NewMemLog(1, 1))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewReplicator(ReplicatorConfig{ID: "x", Peer: testPeerConfig, RequestTimeout: -1}, NewMemNetwork(), &manualScheduler{}, NewMemLog(1, 1))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

// Test membership changes.
func TestReplicatorMembership(t *testing.T) {
	env := newReplicatorEnv(t, "rm-leader", "rm-a", "rm-b")
	assert.Equal(t, ErrNodeExists, env.r.AddPeer("rm-a", "elsewhere"))
	assert.Equal(t, ErrNodeNotExists, env.r.RemovePeer("rm-c"))

	peers := env.r.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "rm-a", peers[0].ID())
	assert.Equal(t, "rm-b", peers[1].ID())

	require.NoError(t, env.r.RemovePeer("rm-a"))
	_, ok := env.r.Peer("rm-a")
	assert.False(t, ok)
	assert.Len(t, env.r.Peers(), 1)
}

// Test that removing a peer drops its metric series.
func TestReplicatorRemovePeerMetrics(t *testing.T) {
	env := newReplicatorEnv(t, "rx-leader", "rx-a")
	env.r.Start()
	env.r.Replicate()
	for _, req := range env.client("rx-a").take() {
		req.f.Complete(&AppEntsResp{Success: true}, nil)
	}
	require.Equal(t, 1, countSeries(t, "raftpeer_rpc_count", "rx-a"))

	require.NoError(t, env.r.RemovePeer("rx-a"))
	for _, name := range []string{
		"raftpeer_rpc_count",
		"raftpeer_heartbeat_interval_seconds",
		"raftpeer_inflight_appends",
		"raftpeer_skipped_heartbeats",
	} {
		assert.Equal(t, 0, countSeries(t, name, "rx-a"), name)
	}
}

// Test that nothing is armed before Start, and Start arms one heartbeat per
// peer at the base interval.
func TestReplicatorStart(t *testing.T) {
	env := newReplicatorEnv(t, "st-leader", "st-a", "st-b")
	assert.Empty(t, env.sched.live())
	for _, p := range env.r.Peers() {
		assert.False(t, p.IsHeartbeatEnabled())
	}

	env.r.Start()
	env.r.Start()
	live := env.sched.live()
	require.Len(t, live, 2)
	for _, task := range live {
		assert.Equal(t, 100*time.Millisecond, task.interval)
	}
	for _, p := range env.r.Peers() {
		assert.True(t, p.IsHeartbeatEnabled())
		assert.NotNil(t, p.HeartbeatTask())
	}

	// A peer added after Start is armed right away.
	require.NoError(t, env.r.AddPeer("st-c", "st-c:addr"))
	assert.Len(t, env.sched.live(), 3)
}

// Test that a heartbeat sends AppEnts built from the log and the response
// advances the cursor of the peer.
func TestReplicatorHeartbeatSendsAppend(t *testing.T) {
	env := newReplicatorEnv(t, "hs-leader", "hs-a")
	env.log.Append([]byte("a"), []byte("b"), []byte("c"))
	env.log.SetCommit(1)
	env.r.Start()

	require.Equal(t, 1, env.sched.fireAll())
	reqs := env.client("hs-a").take()
	require.Len(t, reqs, 1)
	req, ok := reqs[0].m.(*AppEnts)
	require.True(t, ok)
	assert.Equal(t, "hs-leader", req.From)
	assert.Equal(t, "hs-a", req.To)
	assert.Equal(t, uint64(1), req.Term)
	assert.Equal(t, uint64(1), req.LeaderCommit)

	// An unknown cursor probes from the end of the log.
	assert.Equal(t, uint64(3), req.PrevLogIndex)
	assert.Empty(t, req.Entries)

	// The peer is missing everything and hints at index 1.
	reqs[0].f.Complete(&AppEntsResp{Hint: 1}, nil)
	p := env.peer(t, "hs-a")
	assert.Equal(t, uint64(1), p.NextLogIndex())

	// Next heartbeat ships a batch of at most two entries.
	require.Equal(t, 1, env.sched.fireAll())
	reqs = env.client("hs-a").take()
	require.Len(t, reqs, 1)
	req = reqs[0].m.(*AppEnts)
	assert.Equal(t, uint64(0), req.PrevLogIndex)
	require.Len(t, req.Entries, 2)
	assert.Equal(t, []byte("a"), req.Entries[0].Cmd)

	reqs[0].f.Complete(&AppEntsResp{Success: true, Index: 2}, nil)
	assert.Equal(t, uint64(3), p.NextLogIndex())
}

// Test that a heartbeat of a busy peer is skipped but re-armed.
func TestReplicatorSkipBusyPeer(t *testing.T) {
	env := newReplicatorEnv(t, "sk-leader", "sk-a")
	env.r.Start()
	p := env.peer(t, "sk-a")
	skipped := counterValue(p.metrics.skipped)

	env.sched.fireAll()
	require.Equal(t, 1, env.client("sk-a").numPending())
	require.True(t, p.IsBusy())

	// The append is still pending: nothing is sent but the heartbeat is
	// armed again.
	require.Equal(t, 1, env.sched.fireAll())
	assert.Equal(t, 1, env.client("sk-a").numPending())
	assert.Len(t, env.sched.live(), 1)
	assert.Equal(t, skipped+1, counterValue(p.metrics.skipped))

	env.client("sk-a").take()[0].f.Complete(&AppEntsResp{Success: true}, nil)
	assert.False(t, p.IsBusy())
	env.sched.fireAll()
	assert.Equal(t, 1, env.client("sk-a").numPending())
}

// Test that failed heartbeats re-arm with the backed off interval and a
// success brings it back.
func TestReplicatorHeartbeatBackoff(t *testing.T) {
	env := newReplicatorEnv(t, "bo-leader", "bo-a")
	env.r.Start()
	env.sched.fireAll()

	for _, want := range []time.Duration{300, 500, 700} {
		reqs := env.client("bo-a").take()
		require.Len(t, reqs, 1)
		reqs[0].f.Complete(nil, errTransport)

		// The heartbeat sends the next append and re-arms with the interval
		// of the peer at that time.
		require.Equal(t, 1, env.sched.fireAll())
		live := env.sched.live()
		require.Len(t, live, 1)
		assert.Equal(t, want*time.Millisecond, live[0].interval)
	}

	env.client("bo-a").take()[0].f.Complete(&AppEntsResp{Success: true}, nil)
	env.sched.fireAll()
	live := env.sched.live()
	require.Len(t, live, 1)
	assert.Equal(t, 100*time.Millisecond, live[0].interval)
}

// Test that Stop cancels armed heartbeats and a heartbeat firing after Stop
// neither sends nor re-arms.
func TestReplicatorStop(t *testing.T) {
	env := newReplicatorEnv(t, "sp-leader", "sp-a", "sp-b")
	env.r.Start()
	armed := env.sched.live()
	require.Len(t, armed, 2)

	env.r.Stop()
	assert.Empty(t, env.sched.live())
	for _, p := range env.r.Peers() {
		assert.False(t, p.IsHeartbeatEnabled())
		assert.Nil(t, p.HeartbeatTask())
	}

	// A heartbeat that was already firing when Stop ran.
	armed[0].action()
	assert.Empty(t, env.sched.live())
	assert.Equal(t, 0, env.client("sp-a").numPending())
	assert.Equal(t, 0, env.client("sp-b").numPending())

	// Replicate does nothing either.
	env.r.Replicate()
	assert.Equal(t, 0, env.client("sp-a").numPending())

	// Restart.
	env.r.Start()
	assert.Len(t, env.sched.live(), 2)
}

// Test that a heartbeat which fired before a Stop and a Start, and got to
// run only after both, leaves a single live heartbeat per peer.
func TestReplicatorStaleHeartbeatAfterRestart(t *testing.T) {
	env := newReplicatorEnv(t, "sr-leader", "sr-a")
	env.r.Start()
	stale := env.sched.live()[0]

	env.r.Stop()
	env.r.Start()
	require.Len(t, env.sched.live(), 1)

	stale.action()
	live := env.sched.live()
	require.Len(t, live, 1)
	assert.Equal(t, Task(live[0]), env.peer(t, "sr-a").HeartbeatTask())
}

// Test that removing a peer cancels its heartbeat.
func TestReplicatorRemovePeerCancels(t *testing.T) {
	env := newReplicatorEnv(t, "rc-leader", "rc-a")
	env.r.Start()
	task := env.sched.live()[0]
	p := env.peer(t, "rc-a")

	require.NoError(t, env.r.RemovePeer("rc-a"))
	assert.True(t, task.stopped)
	assert.False(t, p.IsHeartbeatEnabled())

	// The stale action is ignored.
	task.action()
	assert.Equal(t, 0, env.client("rc-a").numPending())

	// A new peer with the same ID is independent of the old one.
	require.NoError(t, env.r.AddPeer("rc-a", "rc-a:addr"))
	p.hbLock.Lock()
	p.hbEnabled = true
	p.hbLock.Unlock()
	task.action()
	assert.Equal(t, 0, env.client("rc-a").numPending())
}

// Test that Replicate only sends to idle peers.
func TestReplicatorReplicate(t *testing.T) {
	env := newReplicatorEnv(t, "rp-leader", "rp-a", "rp-b")
	env.r.Start()
	env.r.Replicate()
	assert.Equal(t, 1, env.client("rp-a").numPending())
	assert.Equal(t, 1, env.client("rp-b").numPending())

	env.client("rp-a").take()[0].f.Complete(&AppEntsResp{Success: true}, nil)
	env.r.Replicate()
	assert.Equal(t, 1, env.client("rp-a").numPending())
	assert.Equal(t, 1, env.client("rp-b").numPending())
}

// Test that vote requests go to every peer and a failure only slows down the
// peer that failed.
func TestReplicatorRequestVotes(t *testing.T) {
	env := newReplicatorEnv(t, "rv-leader", "rv-a", "rv-b")
	futures := env.r.RequestVotes(context.Background(), VoteReq{BaseMsg: BaseMsg{Term: 3}, LastLogIndex: 9})
	require.Len(t, futures, 2)

	for _, id := range []string{"rv-a", "rv-b"} {
		reqs := env.client(id).take()
		require.Len(t, reqs, 1)
		v := reqs[0].m.(*VoteReq)
		assert.Equal(t, "rv-leader", v.From)
		assert.Equal(t, id, v.To)
		assert.Equal(t, uint64(3), v.Term)
		assert.Equal(t, uint64(9), v.LastLogIndex)
		if id == "rv-a" {
			reqs[0].f.Complete(&VoteResp{Granted: true}, nil)
		} else {
			reqs[0].f.Complete(nil, errTransport)
		}
	}

	resp, err := futures["rv-a"].Result()
	require.NoError(t, err)
	assert.True(t, resp.(*VoteResp).Granted)
	_, err = futures["rv-b"].Result()
	assert.Error(t, err)

	assert.Equal(t, 100*time.Millisecond, env.peer(t, "rv-a").CurrentHeartbeatInterval())
	assert.Equal(t, 300*time.Millisecond, env.peer(t, "rv-b").CurrentHeartbeatInterval())
	assert.False(t, env.peer(t, "rv-b").IsBusy())
}

// Test replicating a log over the memory network with real timers, flaky
// links and reordered completions.
func TestReplicatorMemNetwork(t *testing.T) {
	network := NewMemNetwork()
	followers := map[string]*MemLog{}
	for _, id := range []string{"mn-a", "mn-b", "mn-c"} {
		followers[id] = NewMemLog(0, 1)
		network.Listen(id, followers[id])
	}
	dropper := NewFailDropper(network, 1, 0.2)
	dup := NewDuplicator(dropper, 10, 0.1, 1)
	reorderer := NewReorderer(dup, 0.5, 5*time.Millisecond, 1)
	defer reorderer.Close()

	rlog := NewMemLog(1, 4)
	for i := 0; i < 20; i++ {
		rlog.Append([]byte(fmt.Sprintf("cmd-%d", i)))
	}
	cfg := ReplicatorConfig{
		ID: "mn-leader",
		Peer: PeerConfig{
			HeartbeatInterval:    time.Millisecond,
			MaxHeartbeatInterval: 20 * time.Millisecond,
			RPCFailureBackoff:    5 * time.Millisecond,
		},
		RequestTimeout: 100 * time.Millisecond,
	}
	r, err := NewReplicator(cfg, reorderer, NewTimerScheduler(), rlog)
	require.NoError(t, err)
	for id := range followers {
		require.NoError(t, r.AddPeer(id, id))
	}
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		for _, f := range followers {
			if f.LastIndex() != 20 {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	for _, p := range r.Peers() {
		assert.Equal(t, uint64(21), p.NextLogIndex(), "peer %s", p.ID())
	}
	for id, f := range followers {
		assert.Equal(t, rlog.Entries(1, 21), f.Entries(1, 21), "follower %s", id)
	}
	assert.True(t, network.stat().MsgDelivered > 0)
}
