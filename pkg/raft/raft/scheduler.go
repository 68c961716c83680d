// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"time"
)

// Task is a handle to an action armed on a Scheduler.
type Task interface {
	// Stop cancels the action. It returns false if the action has already
	// fired or has been stopped.
	Stop() bool
}

// Scheduler fires heartbeat actions after a given interval.
type Scheduler interface {
	// Schedule arranges for 'action' to run once after 'd' and returns a
	// handle which can be used to cancel it. 'action' runs in a goroutine
	// owned by the scheduler and must not block.
	Schedule(d time.Duration, action func()) Task
}

// timerScheduler implements Scheduler with runtime timers.
type timerScheduler struct{}

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(d time.Duration, action func()) Task {
	return time.AfterFunc(d, action)
}
