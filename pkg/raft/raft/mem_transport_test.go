// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// echoHandler answers every request with a VoteResp granting the vote if the
// request came from 'granted'.
type echoHandler struct {
	addr    string
	granted string
}

func (h echoHandler) HandleRequest(m Msg) (Msg, error) {
	return &VoteResp{BaseMsg: BaseMsg{From: h.addr, To: m.GetFrom()}, Granted: m.GetFrom() == h.granted}, nil
}

// testMemNetworkEnv creates a MemNetwork with 'count' listening addresses.
func testMemNetworkEnv(count int) (*MemNetwork, []string) {
	n := NewMemNetwork()
	var addrs []string
	for i := 0; i < count; i++ {
		addr := fmt.Sprintf("mem-%d", i)
		n.Listen(addr, echoHandler{addr: addr, granted: "mem-0"})
		addrs = append(addrs, addr)
	}
	return n, addrs
}

// Test that every address can reach every other address.
func TestMemNetworkSend(t *testing.T) {
	n, addrs := testMemNetworkEnv(10)
	for _, from := range addrs {
		for _, to := range addrs {
			if from == to {
				continue
			}
			resp, err := n.NewClient(to).Send(context.Background(), &VoteReq{BaseMsg: BaseMsg{From: from, To: to}}).Result()
			if err != nil {
				t.Fatalf("failed to send from %s to %s: %v", from, to, err)
			}
			vr := resp.(*VoteResp)
			if vr.From != to || vr.To != from || vr.Granted != (from == "mem-0") {
				t.Errorf("unexpected response %v", vr)
			}
		}
	}
	if s := n.stat(); s.MsgSent != 90 || s.MsgDelivered != 90 || s.MsgRejected != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

// Test sending to an address nobody listens on.
func TestMemNetworkUnreachable(t *testing.T) {
	n, addrs := testMemNetworkEnv(2)
	n.Disconnect(addrs[1])

	for _, addr := range []string{addrs[1], "nowhere"} {
		if _, err := n.NewClient(addr).Send(context.Background(), &VoteReq{}).Result(); err != ErrPeerUnreachable {
			t.Errorf("expected ErrPeerUnreachable for %s, got %v", addr, err)
		}
	}
	if _, err := n.NewClient(addrs[0]).Send(context.Background(), &VoteReq{}).Result(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if s := n.stat(); s.MsgSent != 3 || s.MsgRejected != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

// Test that a request completes with the error of its context if the handler
// takes too long, and the late answer is ignored.
func TestMemNetworkContext(t *testing.T) {
	n := NewMemNetwork()
	release := make(chan struct{})
	n.Listen("slow", RequestHandlerFunc(func(Msg) (Msg, error) {
		<-release
		return &AppEntsResp{Success: true}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	f := n.NewClient("slow").Send(ctx, &AppEnts{})
	if _, err := f.Result(); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	time.Sleep(10 * time.Millisecond)
	if _, err := f.Result(); err != context.DeadlineExceeded {
		t.Fatalf("result changed after completion: %v", err)
	}
}

// Test that completions of concurrent requests resolve in no particular
// order and all of them resolve.
func TestMemNetworkConcurrent(t *testing.T) {
	n, addrs := testMemNetworkEnv(5)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := addrs[i%len(addrs)]
			if _, err := n.NewClient(to).Send(context.Background(), &VoteReq{}).Result(); err != nil {
				t.Errorf("failed to send to %s: %v", to, err)
			}
		}(i)
	}
	wg.Wait()
	if s := n.stat(); s.MsgDelivered != 100 {
		t.Errorf("expected 100 delivered requests, got %d", s.MsgDelivered)
	}
}
