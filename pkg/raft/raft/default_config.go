// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import "time"

// Default configuration values. Applications should override the values
// below when appropriate.
var (
	// DefaultPeerConfig defines the default pacing of a peer link.
	DefaultPeerConfig = PeerConfig{
		HeartbeatInterval:    500 * time.Millisecond,
		MaxHeartbeatInterval: 2 * time.Second,
		RPCFailureBackoff:    50 * time.Millisecond,
	}

	// DefaultReplicatorConfig defines the default configuration of a
	// Replicator. 'ID' must always be set by users.
	DefaultReplicatorConfig = ReplicatorConfig{
		Peer: DefaultPeerConfig,
		// NOTE: keep it below the heartbeat interval, otherwise a slow peer
		// stays busy across heartbeats and only gets every other one.
		RequestTimeout: 400 * time.Millisecond,
	}
)
