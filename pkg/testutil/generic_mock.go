// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"
)

// GenericMock is a simple library to help write mock objects. It's intended to
// be embedded in another struct that will define type-safe wrappers.
type GenericMock struct {
	t     *testing.T
	lock  sync.Mutex
	calls []mockCall
}

// NewGenericMock creates a new GenericMock. Errors will be reported with the
// given testing.T.
func NewGenericMock(t *testing.T) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall registers a single call to be mocked. Arguments must match exactly
// (according to reflect.DeepEqual).
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, result: result})
}

// GetResult looks up the first unused call that matches the method and
// arguments and marks it used. If no registered call matches, it will Errorf
// on the testing context and return nil, so it's safe to call from
// goroutines other than the test's.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, call := range m.calls {
		if !call.used && call.method == method && reflect.DeepEqual(call.args, args) {
			m.calls[i].used = true
			return call.result
		}
	}
	m.t.Errorf("no calls for method %q args %#v", method, args)
	return nil
}

// GetError is GetResult specialized for methods returning a single error.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// Used returns how many registered calls of 'method' have been used.
func (m *GenericMock) Used(method string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := 0
	for _, call := range m.calls {
		if call.used && call.method == method {
			n++
		}
	}
	return n
}

// NoMoreCalls checks that there are no unused registered calls. If there are,
// it will Fatalf on the testing context.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, call := range m.calls {
		if !call.used {
			m.t.Fatalf("unused call: %#v", call)
		}
	}
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

// ToErr properly converts an interface{} to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
