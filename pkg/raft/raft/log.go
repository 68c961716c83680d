// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"fmt"
	"sync"
)

// ReplicationLog decides what gets replicated to peers. Replicator only paces
// and dispatches the requests it builds.
type ReplicationLog interface {
	// AppendFor builds the AppEnts to send to peer 'peerID' whose next index
	// is 'next'. 'To' and 'From' are filled in by the caller.
	AppendFor(peerID string, next uint64) *AppEnts

	// Acked is called with the response of the peer to 'req' and returns the
	// new next index of the peer.
	Acked(peerID string, req *AppEnts, resp *AppEntsResp) (next uint64)
}

// MemLog is an in-memory ReplicationLog. Entries are indexed from 1.
//
// MemLog is thread-safe.
type MemLog struct {
	lock     sync.Mutex
	term     uint64
	commit   uint64
	ents     []Entry
	maxBatch int // Maximum number of entries per AppEnts.
}

// NewMemLog creates an empty MemLog whose entries are appended in term
// 'term'. At most 'maxBatch' entries are shipped per AppEnts.
func NewMemLog(term uint64, maxBatch int) *MemLog {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &MemLog{term: term, maxBatch: maxBatch}
}

// Append appends one entry per command and returns the index of the last
// entry in the log.
func (l *MemLog) Append(cmds ...[]byte) uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, cmd := range cmds {
		l.ents = append(l.ents, Entry{
			Term:  l.term,
			Index: uint64(len(l.ents)) + 1,
			Cmd:   cmd,
			Type:  EntryNormal,
		})
	}
	return uint64(len(l.ents))
}

// SetTerm sets the term of entries appended from now on and of outgoing
// requests.
func (l *MemLog) SetTerm(term uint64) {
	l.lock.Lock()
	l.term = term
	l.lock.Unlock()
}

// SetCommit sets the commit index piggybacked on outgoing requests.
func (l *MemLog) SetCommit(index uint64) {
	l.lock.Lock()
	l.commit = index
	l.lock.Unlock()
}

// LastIndex returns the index of the last entry, 0 if the log is empty.
func (l *MemLog) LastIndex() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return uint64(len(l.ents))
}

// AppendFor implements ReplicationLog. A next index of 0, or one past the
// end of the log, probes from the end of the log.
func (l *MemLog) AppendFor(peerID string, next uint64) *AppEnts {
	l.lock.Lock()
	defer l.lock.Unlock()

	last := uint64(len(l.ents))
	if next == 0 || next > last+1 {
		next = last + 1
	}
	prev := next - 1
	req := &AppEnts{
		BaseMsg:      BaseMsg{Term: l.term},
		PrevLogIndex: prev,
		PrevLogTerm:  l.termAt(prev),
		LeaderCommit: l.commit,
	}
	if next <= last {
		hi := prev + uint64(l.maxBatch)
		if hi > last {
			hi = last
		}
		req.Entries = make([]Entry, hi-prev)
		copy(req.Entries, l.ents[prev:hi])
	}
	return req
}

// Acked implements ReplicationLog. A rejected request moves the peer back to
// the hint of the response, or one entry back if there is none.
func (l *MemLog) Acked(peerID string, req *AppEnts, resp *AppEntsResp) uint64 {
	switch {
	case resp.Success:
		return req.lastIndex() + 1
	case resp.Hint != 0:
		return resp.Hint
	case req.PrevLogIndex > 0:
		return req.PrevLogIndex
	default:
		return 1
	}
}

// termAt returns the term of the entry at 'index', 0 for index 0. Must be
// called with lock held.
func (l *MemLog) termAt(index uint64) uint64 {
	if index == 0 || index > uint64(len(l.ents)) {
		return 0
	}
	return l.ents[index-1].Term
}

// Entries returns a copy of the entries in [from, to).
func (l *MemLog) Entries(from, to uint64) []Entry {
	l.lock.Lock()
	defer l.lock.Unlock()
	last := uint64(len(l.ents))
	if from == 0 {
		from = 1
	}
	if to > last+1 {
		to = last + 1
	}
	if from >= to {
		return nil
	}
	ents := make([]Entry, to-from)
	copy(ents, l.ents[from-1:to-1])
	return ents
}

// CommitIndex returns the commit index of the log.
func (l *MemLog) CommitIndex() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.commit
}

// HandleRequest implements RequestHandler so a MemLog can be the log of a
// follower. AppEnts are accepted if they match the log at PrevLogIndex, a
// VoteReq is granted if its term is not behind.
func (l *MemLog) HandleRequest(m Msg) (Msg, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch req := m.(type) {
	case *AppEnts:
		return l.handleAppEnts(req), nil
	case *VoteReq:
		resp := &VoteResp{BaseMsg: BaseMsg{Term: l.term, From: req.To, To: req.From}}
		if req.Term >= l.term {
			l.term = req.Term
			resp.Term, resp.Granted = req.Term, true
		}
		return resp, nil
	}
	return nil, fmt.Errorf("unexpected request %v", m)
}

// handleAppEnts must be called with lock held.
func (l *MemLog) handleAppEnts(req *AppEnts) *AppEntsResp {
	resp := &AppEntsResp{BaseMsg: BaseMsg{Term: l.term, From: req.To, To: req.From}}
	if req.Term < l.term {
		return resp
	}
	l.term = req.Term
	resp.Term = req.Term

	last := uint64(len(l.ents))
	if req.PrevLogIndex > last {
		resp.Hint = last + 1
		return resp
	}
	if l.termAt(req.PrevLogIndex) != req.PrevLogTerm {
		// Back off one entry at a time.
		resp.Hint = req.PrevLogIndex
		return resp
	}

	// Only truncate on a conflict so a stale request never drops entries.
	for i, ent := range req.Entries {
		if ent.Index <= uint64(len(l.ents)) {
			if l.ents[ent.Index-1].Term == ent.Term {
				continue
			}
			l.ents = l.ents[:ent.Index-1]
		}
		l.ents = append(l.ents, req.Entries[i:]...)
		break
	}

	lastNew := req.lastIndex()
	if req.LeaderCommit > l.commit {
		l.commit = req.LeaderCommit
		if l.commit > lastNew {
			l.commit = lastNew
		}
	}
	resp.Success = true
	resp.Index = lastNew
	return resp
}
