// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codegangsta/cli"
	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/raftpeer/pkg/failures"
	"github.com/westerndigitalcorporation/raftpeer/pkg/raft/raft"
	"github.com/westerndigitalcorporation/raftpeer/pkg/raft/raftrpc"
	"github.com/westerndigitalcorporation/raftpeer/pkg/retry"
)

var usage = `
	raftpeer exercises the replication links of a Raft leader against real
	peers over Go RPC.

	Start a few followers, each serving an in-memory log:

		raftpeer serve --addr localhost:4001
		raftpeer serve --addr localhost:4002

	Then start a leader replicating to them. Heartbeats to a peer slow down
	while it fails and snap back once it answers again:

		raftpeer lead --peers localhost:4001,localhost:4002 --entries 100

	Both serve their metrics on /metrics of their http address, 'serve' on
	--addr and 'lead' on --http. A leader started with --fail_prob > 0 also
	serves the failure service on /__failure__ of --http, so requests to a
	peer can be failed at runtime:

		raftpeer lead --peers localhost:4001,localhost:4002 --http localhost:4000 --fail_prob 0.01
		curl localhost:4000/__failure__ -XPOST -d '{"rpc_fail_prob": {"localhost:4002": 1.0}}'

	'ping' checks that a peer answers votes, retrying until it does.
	`

// peerCli is the command line tool.
type peerCli struct {
	app *cli.App
}

func newPeerCli() *peerCli {
	p := &peerCli{}
	app := cli.NewApp()
	app.Name = "raftpeer"
	app.Usage = usage

	rpcNameFlag := cli.StringFlag{
		Name:  "rpc_name",
		Usage: "Name of the raft RPC service, must be the same on all peers",
		Value: raftrpc.DefaultRPCTransportConfig.RPCName,
	}
	compressFlag := cli.BoolTFlag{
		Name:  "compress",
		Usage: "Send entries snappy-compressed",
	}
	sendTimeoutFlag := cli.DurationFlag{
		Name:  "send_timeout",
		Usage: "Timeout of a single RPC",
		Value: time.Second,
	}

	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "Serves an in-memory follower log.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "host:port to serve RPCs, metrics and the failure service on",
				},
				rpcNameFlag,
			},
			Action: p.cmdServe,
		},
		{
			Name:  "lead",
			Usage: "Replicates an in-memory log to peers.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "id",
					Usage: "ID of the leader, a random one if empty",
				},
				cli.StringFlag{
					Name:  "peers, p",
					Usage: "Comma-separated host:port of the peers",
				},
				cli.StringFlag{
					Name:  "http",
					Usage: "host:port to serve metrics and the failure service on, none if empty",
				},
				cli.IntFlag{
					Name:  "entries, n",
					Usage: "Number of entries to append to the log",
					Value: 100,
				},
				cli.IntFlag{
					Name:  "batch",
					Usage: "Maximum number of entries per append",
					Value: 16,
				},
				cli.DurationFlag{
					Name:  "heartbeat",
					Usage: "Base heartbeat interval",
					Value: raft.DefaultPeerConfig.HeartbeatInterval,
				},
				cli.DurationFlag{
					Name:  "max_heartbeat",
					Usage: "Maximum heartbeat interval of a failing peer",
					Value: raft.DefaultPeerConfig.MaxHeartbeatInterval,
				},
				cli.DurationFlag{
					Name:  "backoff",
					Usage: "Amount added to the heartbeat interval per failed RPC",
					Value: raft.DefaultPeerConfig.RPCFailureBackoff,
				},
				cli.Float64Flag{
					Name:  "fail_prob",
					Usage: "Probability of failing an RPC on purpose",
				},
				cli.DurationFlag{
					Name:  "duration",
					Usage: "How long to run, forever if 0",
				},
				rpcNameFlag,
				compressFlag,
				sendTimeoutFlag,
			},
			Action: p.cmdLead,
		},
		{
			Name:  "ping",
			Usage: "Sends a vote request to a peer until it answers.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "host:port of the peer",
				},
				cli.IntFlag{
					Name:  "retries",
					Usage: "Maximum number of attempts, unlimited if 0",
					Value: 10,
				},
				rpcNameFlag,
				sendTimeoutFlag,
			},
			Action: p.cmdPing,
		},
	}
	p.app = app
	return p
}

func (p *peerCli) run(args []string) error {
	return p.app.Run(args)
}

// serveHTTP mounts metrics and the failure service on the default mux. The
// default mux also carries the RPC server once one is registered.
func serveHTTP(addr string) {
	failures.Init()
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Fatalf("http server on %s exited: %v", addr, http.ListenAndServe(addr, nil))
	}()
}

// waitForSignal blocks until the process is told to quit, or 'd' passes if
// it's positive.
func waitForSignal(d time.Duration) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	var timeout <-chan time.Time
	if d > 0 {
		timeout = time.After(d)
	}
	select {
	case s := <-c:
		log.Infof("Received %v, exiting", s)
	case <-timeout:
	}
}

func rpcConfig(c *cli.Context) raftrpc.RPCTransportConfig {
	cfg := raftrpc.DefaultRPCTransportConfig
	cfg.RPCName = c.String("rpc_name")
	if c.IsSet("compress") {
		cfg.Compress = c.Bool("compress")
	}
	if c.IsSet("send_timeout") {
		cfg.SendTimeout = c.Duration("send_timeout")
	}
	return cfg
}

// cmdServe implements the "serve" subcommand.
func (p *peerCli) cmdServe(c *cli.Context) error {
	addr := c.String("addr")
	if addr == "" {
		return fmt.Errorf("no address given, use --addr")
	}
	follower := raft.NewMemLog(0, 1)
	if _, err := raftrpc.NewServer(raft.TransportConfig{Addr: addr}, rpcConfig(c), follower); err != nil {
		return err
	}
	serveHTTP(addr)
	log.Infof("Serving on %s", addr)

	waitForSignal(0)
	log.Infof("Log has %d entries, committed up to %d", follower.LastIndex(), follower.CommitIndex())
	return nil
}

// cmdLead implements the "lead" subcommand.
func (p *peerCli) cmdLead(c *cli.Context) error {
	var peers []string
	for _, addr := range strings.Split(c.String("peers"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			peers = append(peers, addr)
		}
	}
	if len(peers) == 0 {
		return fmt.Errorf("no peers given, use --peers")
	}
	if addr := c.String("http"); addr != "" {
		serveHTTP(addr)
	}

	transport := raftrpc.NewClientFactory(rpcConfig(c))
	defer transport.Close()
	var factory raft.RPCClientFactory = transport
	if prob := c.Float64("fail_prob"); prob > 0 {
		factory = raft.NewFailDropper(transport, time.Now().UnixNano(), float32(prob))
	}

	cfg := raft.DefaultReplicatorConfig
	cfg.ID = c.String("id")
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	log.Infof("Leading as %s", cfg.ID)
	cfg.Peer = raft.PeerConfig{
		HeartbeatInterval:    c.Duration("heartbeat"),
		MaxHeartbeatInterval: c.Duration("max_heartbeat"),
		RPCFailureBackoff:    c.Duration("backoff"),
	}
	rlog := raft.NewMemLog(1, c.Int("batch"))
	r, err := raft.NewReplicator(cfg, factory, raft.NewTimerScheduler(), rlog)
	if err != nil {
		return err
	}
	for _, addr := range peers {
		if err := r.AddPeer(addr, addr); err != nil {
			return err
		}
	}

	for i := 0; i < c.Int("entries"); i++ {
		rlog.Append([]byte(fmt.Sprintf("entry-%d", i)))
	}
	r.Start()
	r.Replicate()

	done := make(chan struct{})
	go reportProgress(r, rlog, done)
	waitForSignal(c.Duration("duration"))
	close(done)
	r.Stop()

	for _, peer := range r.Peers() {
		fmt.Printf("%s\tnext=%d\tinterval=%v\n", peer.ID(), peer.NextLogIndex(), peer.CurrentHeartbeatInterval())
	}
	return nil
}

// reportProgress logs the state of every peer periodically and moves the
// commit index to what all peers have.
func reportProgress(r *raft.Replicator, rlog *raft.MemLog, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		acked := rlog.LastIndex()
		for _, peer := range r.Peers() {
			if next := peer.NextLogIndex(); next == 0 {
				acked = 0
			} else if next-1 < acked {
				acked = next - 1
			}
			log.Infof("peer %s: next=%d interval=%v busy=%v",
				peer.ID(), peer.NextLogIndex(), peer.CurrentHeartbeatInterval(), peer.IsBusy())
		}
		rlog.SetCommit(acked)
	}
}

// cmdPing implements the "ping" subcommand.
func (p *peerCli) cmdPing(c *cli.Context) error {
	addr := c.String("addr")
	if addr == "" {
		return fmt.Errorf("no address given, use --addr")
	}
	transport := raftrpc.NewClientFactory(rpcConfig(c))
	defer transport.Close()

	peer, err := raft.NewPeer(addr, transport.NewClient(addr), raft.DefaultPeerConfig, func(*raft.Peer) {})
	if err != nil {
		return err
	}
	retrier := retry.Retrier{
		MinSleep:      100 * time.Millisecond,
		MaxSleep:      5 * time.Second,
		MaxNumRetries: c.Int("retries"),
	}
	from := "ping-" + uuid.New().String()
	err = retrier.Do(context.Background(), func(seq int) bool {
		start := time.Now()
		resp, err := peer.SendRequest(context.Background(), &raft.VoteReq{BaseMsg: raft.BaseMsg{From: from, To: addr}}).Result()
		if err != nil {
			log.Infof("attempt %d: %v (heartbeat interval now %v)", seq, err, peer.CurrentHeartbeatInterval())
			return false
		}
		fmt.Printf("%s answered %v in %v\n", addr, resp, time.Since(start))
		return true
	})
	if err != nil {
		return fmt.Errorf("%s didn't answer: %v", addr, err)
	}
	return nil
}
