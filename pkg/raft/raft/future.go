// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"context"
	"sync"
)

// Future is the pending result of a request sent to a peer. It is completed
// exactly once, either with a response or with an error.
//
// Future is thread-safe.
type Future struct {
	// Closed once the future is completed.
	done chan struct{}

	// Protects everything below.
	lock sync.Mutex

	completed bool
	resp      Msg
	err       error

	// Continuations registered before completion.
	callbacks []func(Msg, error)
}

// NewFuture creates a future that is not completed yet.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture creates a future that is already completed with the given
// result.
func CompletedFuture(resp Msg, err error) *Future {
	f := NewFuture()
	f.Complete(resp, err)
	return f
}

// Complete completes the future with the given result and runs registered
// continuations in the calling goroutine. Only the first call has any effect;
// later calls return false.
func (f *Future) Complete(resp Msg, err error) bool {
	f.lock.Lock()
	if f.completed {
		f.lock.Unlock()
		return false
	}
	f.completed = true
	f.resp, f.err = resp, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.lock.Unlock()

	for _, cb := range callbacks {
		cb(resp, err)
	}
	return true
}

// OnComplete registers a continuation that will be called exactly once with
// the result of the future. If the future is already completed 'fn' is called
// immediately in the calling goroutine.
func (f *Future) OnComplete(fn func(Msg, error)) {
	f.lock.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.lock.Unlock()
		return
	}
	resp, err := f.resp, f.err
	f.lock.Unlock()
	fn(resp, err)
}

// Done returns a channel that is closed once the future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is completed and returns its result.
func (f *Future) Result() (Msg, error) {
	<-f.done
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.resp, f.err
}

// Wait is like Result but gives up when 'ctx' is done. Giving up doesn't
// affect the future itself.
func (f *Future) Wait(ctx context.Context) (Msg, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
