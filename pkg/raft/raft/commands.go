// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"fmt"
)

// Msg defines the interface that all request and response types exchanged
// with a peer implement.
type Msg interface {
	GetTerm() uint64
	SetTerm(uint64)
	GetTo() string
	SetTo(string)
	GetFrom() string
	SetFrom(string)
}

// BaseMsg contains all common fields of different message types.
type BaseMsg struct {
	Term uint64 // The current term number of sender.
	To   string // The ID of receiver.
	From string // The ID of sender.
}

// String converts BaseMsg to a human-readable string.
func (b *BaseMsg) String() string {
	return fmt.Sprintf("Base{Term:%d, To:%q, From:%q}", b.Term, b.To, b.From)
}

// GetTerm returns the current term of sender.
func (b *BaseMsg) GetTerm() uint64 {
	return b.Term
}

// SetTerm sets the current term of sender.
func (b *BaseMsg) SetTerm(term uint64) {
	b.Term = term
}

// GetTo returns the ID of receiver.
func (b *BaseMsg) GetTo() string {
	return b.To
}

// SetTo sets the ID of receiver.
func (b *BaseMsg) SetTo(to string) {
	b.To = to
}

// GetFrom gets the ID of sender.
func (b *BaseMsg) GetFrom() string {
	return b.From
}

// SetFrom sets the ID of sender.
func (b *BaseMsg) SetFrom(from string) {
	b.From = from
}

// AppEnts is sent by a leader to:
//
//	1. Ship log entries starting at the peer's next index.
//	2. Probe the last agreed point between the peer's log and its own.
//	3. Act as a heartbeat when it carries no entries.
//
// AppEnts is the only request type counted as an in-flight append by Peer.
type AppEnts struct {
	BaseMsg

	// Consistency check: the peer only accepts the request if it has an entry
	// at 'PrevLogIndex' with term 'PrevLogTerm'.
	PrevLogIndex uint64
	PrevLogTerm  uint64

	// Entries to append. Nil for a pure heartbeat.
	Entries []Entry

	// Highest index known to be committed by the leader.
	LeaderCommit uint64
}

// String converts AppEnts to a human-readable string.
func (a *AppEnts) String() string {
	return fmt.Sprintf("AppEnts{%s, PrevIdx:%d, PrevTerm:%d, Commit:%d, Entries:%d}",
		a.BaseMsg.String(), a.PrevLogIndex, a.PrevLogTerm, a.LeaderCommit, len(a.Entries))
}

// lastIndex returns the index of the last entry carried by 'a', or
// 'PrevLogIndex' if it carries none.
func (a *AppEnts) lastIndex() uint64 {
	if len(a.Entries) == 0 {
		return a.PrevLogIndex
	}
	return a.Entries[len(a.Entries)-1].Index
}

// AppEntsResp is the response of its corresponding AppEnts request.
type AppEntsResp struct {
	BaseMsg

	// Whether the AppEnts was accepted.
	Success bool

	// On success, the index of the last entry matched by the request. On
	// rejection, the 'PrevLogIndex' the request was checked against.
	Index uint64

	// If not 0 on a rejection, the leader may move the peer's next index
	// straight back to 'Hint' instead of probing one entry at a time.
	Hint uint64
}

// String converts AppEntsResp to a human-readable string.
func (a *AppEntsResp) String() string {
	return fmt.Sprintf("AppEntsResp{%s, Success:%v, Idx:%d, Hint:%d}",
		a.BaseMsg.String(), a.Success, a.Index, a.Hint)
}

// VoteReq is sent by a candidate to campaign for leadership.
type VoteReq struct {
	BaseMsg

	// Index and term of the last entry in the candidate's log.
	LastLogIndex uint64
	LastLogTerm  uint64
}

// String converts VoteReq to a human-readable string.
func (v *VoteReq) String() string {
	return fmt.Sprintf("VoteReq{%s, LastLogIdx:%d, LastLogTerm:%d}",
		v.BaseMsg.String(), v.LastLogIndex, v.LastLogTerm)
}

// VoteResp is the response of VoteReq.
type VoteResp struct {
	BaseMsg
	Granted bool
}

// String converts VoteResp to a human-readable string.
func (v *VoteResp) String() string {
	return fmt.Sprintf("VoteResp{%s, Granted:%v}", v.BaseMsg.String(), v.Granted)
}

// msgTypes are all values msgType returns.
var msgTypes = []string{"append", "vote", "other"}

// msgType returns a short name of the request type, used as a metric label.
func msgType(m Msg) string {
	switch m.(type) {
	case *AppEnts:
		return "append"
	case *VoteReq:
		return "vote"
	default:
		return "other"
	}
}

// isAppend reports whether 'm' is an append-entries request.
func isAppend(m Msg) bool {
	_, ok := m.(*AppEnts)
	return ok
}
