// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"fmt"
	"time"
)

// PeerConfig stores the pacing parameters of a replication link to a single
// peer.
type PeerConfig struct {
	// HeartbeatInterval is the nominal interval between two heartbeats sent to
	// a healthy peer. A single successful RPC resets the peer's interval back
	// to this value.
	HeartbeatInterval time.Duration

	// MaxHeartbeatInterval is the upper bound the interval may grow to while
	// RPCs to the peer keep failing. It must not be smaller than
	// 'HeartbeatInterval'.
	MaxHeartbeatInterval time.Duration

	// RPCFailureBackoff is added to the interval every time an RPC to the peer
	// fails. The growth is additive so an unreachable peer is retried at an
	// increasingly spaced out cadence, capped at 'MaxHeartbeatInterval'.
	RPCFailureBackoff time.Duration
}

// ReplicatorConfig stores the configurations of a Replicator.
type ReplicatorConfig struct {
	// ID of the local node. It's used as 'From' of every request.
	ID string

	// Pacing parameters applied to every peer of the replicator.
	Peer PeerConfig

	// Timeout of a single append or vote RPC issued by the replicator.
	// If it's 0 requests are only bounded by the RPCClient.
	RequestTimeout time.Duration
}

// validatePeerConfig validates a PeerConfig object.
func validatePeerConfig(config PeerConfig) error {
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive", ErrInvalidConfig)
	}
	if config.MaxHeartbeatInterval <= 0 {
		return fmt.Errorf("%w: MaxHeartbeatInterval must be positive", ErrInvalidConfig)
	}
	if config.RPCFailureBackoff <= 0 {
		return fmt.Errorf("%w: RPCFailureBackoff must be positive", ErrInvalidConfig)
	}
	if config.HeartbeatInterval > config.MaxHeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatInterval(%v) must not exceed MaxHeartbeatInterval(%v)",
			ErrInvalidConfig, config.HeartbeatInterval, config.MaxHeartbeatInterval)
	}
	return nil
}

// validateReplicatorConfig validates a ReplicatorConfig object.
func validateReplicatorConfig(config ReplicatorConfig) error {
	if config.ID == "" {
		return fmt.Errorf("%w: ID can't be empty", ErrInvalidConfig)
	}
	if config.RequestTimeout < 0 {
		return fmt.Errorf("%w: RequestTimeout can't be negative", ErrInvalidConfig)
	}
	return validatePeerConfig(config.Peer)
}
