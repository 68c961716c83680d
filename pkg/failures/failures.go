// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements the failure service. It keeps a process-wide
// failure configuration and lets operators and tests read and replace it at
// runtime, either through a RESTful API or programmatically with Update.
//
// The configuration is a JSON object. A component adds a top-level key to it
// by registering a handler under that key:
//
//	failures.Register("rpc_fail_prob", dropper.dropHandler)
//
// The value of a key starts as null and is opaque to the service; the
// handler is called with the new value every time the key is set, and with
// nil when the key is reset. A handler has type:
//
//	func(value json.RawMessage) error
//
// A GET request returns the whole configuration. A POST request replaces the
// whole configuration, so keys missing from the posted object are reset:
//
//	curl http://<host>:<port>/__failure__ -XPOST -d '{"rpc_fail_prob": {"host1:3110": 1.0}}'
//
// Posting "{}" resets every registered key.
package failures

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	log "github.com/golang/glog"
)

// DefaultFailureServicePath is the path that the failure service handler will
// be mounted on, by default.
const DefaultFailureServicePath = "/__failure__"

var config = newConfiguration()

// Init mounts the failure service on the default path on the default http mux.
func Init() {
	InitWithPathAndMux(http.DefaultServeMux, DefaultFailureServicePath)
}

// InitWithPathAndMux mounts the failure service on the given path and mux.
func InitWithPathAndMux(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, failureHTTPHandler)
}

// Register registers a failure handler to a given key of failure configuration.
// A key can only be registered once.
func Register(key string, handler func(json.RawMessage) error) error {
	return config.register(key, handler)
}

// Update replaces the whole failure configuration with the JSON object in
// 'data', exactly like a POST request does.
func Update(data []byte) error {
	return config.update(data)
}

// Current returns the current failure configuration as a JSON object.
func Current() ([]byte, error) {
	return config.MarshalJSON()
}

func failureHTTPHandler(writer http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		data, err := Current()
		if err != nil {
			replyError(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write(data)

	case http.MethodPost:
		data, err := ioutil.ReadAll(req.Body)
		if err != nil {
			replyError(writer, err.Error(), http.StatusBadRequest)
			return
		}
		if err := Update(data); err != nil {
			log.Errorf("Rejected failure configuration %s: %v", data, err)
			replyError(writer, err.Error(), http.StatusBadRequest)
			return
		}

	default:
		replyError(writer, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}
