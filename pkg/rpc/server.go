// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"net/http"
	"net/rpc"
	"sync"

	log "github.com/golang/glog"
)

// rpc.connected is not exported.
const connectedStatus = "200 Connected to Go RPC"

var handleHTTPOnce sync.Once

// RegisterName wraps rpc.RegisterName, which uses the default RPC server. The
// server is mounted on the default http mux on first use.
func RegisterName(name string, rcvr interface{}) error {
	handleHTTPOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// StartStandaloneRPCServer serves the default http mux, and so the default
// RPC server, on 'addr' in the background. It should only be called by
// binaries that don't start an http server using the default mux.
func StartStandaloneRPCServer(addr string) {
	go func() {
		log.Errorf("RPC server on %s exited: %v", addr, http.ListenAndServe(addr, nil))
	}()
}
