// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// manualClient is an RPCClient whose requests stay pending until the test
// completes them.
type manualClient struct {
	lock    sync.Mutex
	pending []*pendingReq
}

type pendingReq struct {
	m Msg
	f *Future
}

func (c *manualClient) Send(ctx context.Context, m Msg) *Future {
	c.lock.Lock()
	defer c.lock.Unlock()
	f := NewFuture()
	c.pending = append(c.pending, &pendingReq{m: m, f: f})
	return f
}

// take removes and returns all pending requests.
func (c *manualClient) take() []*pendingReq {
	c.lock.Lock()
	defer c.lock.Unlock()
	reqs := c.pending
	c.pending = nil
	return reqs
}

func (c *manualClient) numPending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pending)
}

// manualClientFactory hands out one manualClient per address.
type manualClientFactory struct {
	lock    sync.Mutex
	clients map[string]*manualClient
}

func newManualClientFactory() *manualClientFactory {
	return &manualClientFactory{clients: make(map[string]*manualClient)}
}

func (f *manualClientFactory) NewClient(addr string) RPCClient {
	return f.client(addr)
}

func (f *manualClientFactory) client(addr string) *manualClient {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, ok := f.clients[addr]
	if !ok {
		c = &manualClient{}
		f.clients[addr] = c
	}
	return c
}

// manualScheduler records armed actions; the test fires them by hand. Like
// the core tests of the raft package, time only moves when the test says so.
type manualScheduler struct {
	lock  sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	sched    *manualScheduler
	interval time.Duration
	action   func()
	stopped  bool
	fired    bool
}

func (s *manualScheduler) Schedule(d time.Duration, action func()) Task {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := &manualTask{sched: s, interval: d, action: action}
	s.tasks = append(s.tasks, t)
	return t
}

func (t *manualTask) Stop() bool {
	t.sched.lock.Lock()
	defer t.sched.lock.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// live returns the tasks that are neither fired nor stopped.
func (s *manualScheduler) live() []*manualTask {
	s.lock.Lock()
	defer s.lock.Unlock()
	var live []*manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	return live
}

// fireAll fires every live task and returns how many fired.
func (s *manualScheduler) fireAll() int {
	live := s.live()
	for _, t := range live {
		s.lock.Lock()
		t.fired = true
		s.lock.Unlock()
		t.action()
	}
	return len(live)
}

// gaugeValue reads the current value of a gauge.
func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a counter.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

// countSeries returns how many series of the metric 'name' carry the peer
// label 'peer' in the default registry.
func countSeries(t *testing.T, name, peer string) int {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	n := 0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "peer" && l.GetValue() == peer {
					n++
				}
			}
		}
	}
	return n
}

var testPeerConfig = PeerConfig{
	HeartbeatInterval:    100 * time.Millisecond,
	MaxHeartbeatInterval: 1000 * time.Millisecond,
	RPCFailureBackoff:    200 * time.Millisecond,
}
