// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raftrpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/raftpeer/pkg/raft/raft"
	"github.com/westerndigitalcorporation/raftpeer/pkg/rpc"
)

const (
	raftRPCDialTimeout = 10 * time.Second
	defaultRPCName     = "MainRaft"
)

// RPCTransportConfig specifies options for the RPC transport.
type RPCTransportConfig struct {
	// Name for this instance of raft, to allow multiple raft instances to be
	// run in the same process. All peers of the same raft instance must use
	// the same RPCName.
	RPCName string

	// Duration before a send operation fails.
	SendTimeout time.Duration

	// If set, entries of AppEnts are sent snappy-compressed. Receivers
	// accept both forms regardless of this setting.
	Compress bool
}

// DefaultRPCTransportConfig include default values for the Raft RPC
// transport.
var DefaultRPCTransportConfig = RPCTransportConfig{
	RPCName:     defaultRPCName,
	SendTimeout: 100 * time.Millisecond,
	Compress:    true,
}

// RPCCommand is the request that travels between Raft nodes.
// Gob requires a known type passed as an argument to serialize/deserialize,
// which is why we can't just pass the Msg.
type RPCCommand struct {
	// Msg is actual message.
	Msg raft.Msg

	// Gob encoded, snappy compressed entries of an AppEnts. When set, the
	// entries of 'Msg' are nil.
	Entries []byte
}

// RPCReply is the response to an RPCCommand.
type RPCReply struct {
	Msg raft.Msg
}

func init() {
	gob.Register(&raft.BaseMsg{})
	gob.Register(&raft.AppEnts{})
	gob.Register(&raft.AppEntsResp{})
	gob.Register(&raft.VoteReq{})
	gob.Register(&raft.VoteResp{})
}

// ClientFactory creates raft.RPCClients that send requests to peers through
// Go RPC. Connections are cached and shared by all clients of the factory.
type ClientFactory struct {
	rpcCfg RPCTransportConfig

	// Connections to peers in the replication group.
	cc *rpc.ConnectionCache
}

// NewClientFactory creates a new ClientFactory.
func NewClientFactory(rpcCfg RPCTransportConfig) *ClientFactory {
	return &ClientFactory{
		rpcCfg: rpcCfg,
		// 0 means never drop idle connections
		cc: rpc.NewConnectionCache(raftRPCDialTimeout, rpcCfg.SendTimeout, 0),
	}
}

// NewClient implements raft.RPCClientFactory.
func (f *ClientFactory) NewClient(addr string) raft.RPCClient {
	return &client{factory: f, addr: addr}
}

// Close closes all connections.
func (f *ClientFactory) Close() error {
	return f.cc.CloseAll()
}

// client sends requests to one peer.
type client struct {
	factory *ClientFactory
	addr    string
}

// Send sends 'm' in the background and completes the returned future with
// the reply of the peer.
func (c *client) Send(ctx context.Context, m raft.Msg) *raft.Future {
	f := raft.NewFuture()
	cmd, err := newCommand(m, c.factory.rpcCfg.Compress)
	if err != nil {
		f.Complete(nil, err)
		return f
	}
	// This should match the name of the method of RPCHandler below.
	method := c.factory.rpcCfg.RPCName + ".HandleCommand"
	go func() {
		var reply RPCReply
		if err := c.factory.cc.Send(ctx, c.addr, method, cmd, &reply); err != nil {
			f.Complete(nil, err)
			return
		}
		if reply.Msg == nil {
			f.Complete(nil, fmt.Errorf("empty reply from %s", c.addr))
			return
		}
		f.Complete(reply.Msg, nil)
	}()
	return f
}

// Server receives requests from peers and answers them with a
// raft.RequestHandler.
type Server struct {
	cfg     raft.TransportConfig
	handler RPCHandler
}

// NewServer registers 'handler' with the default Go RPC server under the name
// in 'rpcCfg'. Only one server per RPCName can be created in a process.
func NewServer(cfg raft.TransportConfig, rpcCfg RPCTransportConfig, handler raft.RequestHandler) (*Server, error) {
	s := &Server{cfg: cfg, handler: RPCHandler{handler: handler}}
	if err := rpc.RegisterName(rpcCfg.RPCName, s.handler); err != nil {
		log.Errorf("[raft-transport] failed to register the rpc handler: %v", err)
		return nil, err
	}
	return s, nil
}

// StartStandaloneRPCServer starts the default RPC server. This should only be
// called by binaries that don't start an http server using the default mux.
func (s *Server) StartStandaloneRPCServer() {
	rpc.StartStandaloneRPCServer(s.cfg.Addr)
}

// Addr returns the local address of the server.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

//---------- RPC handler ----------//

// RPCHandler defines methods that conform to Go's RPC requirement.
type RPCHandler struct {
	handler raft.RequestHandler
}

// HandleCommand answers a request sent by a peer.
func (h RPCHandler) HandleCommand(cmd RPCCommand, reply *RPCReply) error {
	m, err := cmd.decode()
	if err != nil {
		log.Errorf("[raft-transport] failed to decode command: %v", err)
		return err
	}
	resp, err := h.handler.HandleRequest(m)
	if err != nil {
		return err
	}
	reply.Msg = resp
	return nil
}

//---------- Payload compression ----------//

// newCommand wraps 'm' into an RPCCommand, compressing the entries of an
// AppEnts if 'compress' is set. 'm' itself is not modified.
func newCommand(m raft.Msg, compress bool) (RPCCommand, error) {
	ae, ok := m.(*raft.AppEnts)
	if !compress || !ok || len(ae.Entries) == 0 {
		return RPCCommand{Msg: m}, nil
	}
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(ae.Entries); err != nil {
		return RPCCommand{}, err
	}
	stripped := *ae
	stripped.Entries = nil
	return RPCCommand{Msg: &stripped, Entries: snappy.Encode(nil, buffer.Bytes())}, nil
}

// decode returns the message carried by the command with its entries
// restored.
func (c RPCCommand) decode() (raft.Msg, error) {
	if len(c.Entries) == 0 {
		return c.Msg, nil
	}
	ae, ok := c.Msg.(*raft.AppEnts)
	if !ok {
		return nil, fmt.Errorf("compressed entries attached to %T", c.Msg)
	}
	data, err := snappy.Decode(nil, c.Entries)
	if err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ae.Entries); err != nil {
		return nil, err
	}
	return ae, nil
}
