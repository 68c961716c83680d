// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"

	log "github.com/golang/glog"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	// glog flags go before the subcommand, everything after is for the app.
	args := append([]string{os.Args[0]}, flag.Args()...)
	if err := newPeerCli().run(args); err != nil {
		log.Errorf("%v", err)
		log.Flush()
		os.Exit(1)
	}
	log.Flush()
}
