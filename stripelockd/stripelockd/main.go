// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The stripelockd program runs the stripe lock manager of one SP.
package main

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"sync"

	"github.com/NVIDIA/stripelock/stripelockd"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("no .conf file specified")
	}

	errChan := make(chan error, 1) // Must be buffered to avoid race
	var wg sync.WaitGroup

	syslogger, err := syslog.Dial("", "", syslog.LOG_DAEMON, "stripelockd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "stripelockd: syslog.Dial() failed: %v\n", err)
		syslogger = nil
	} else {
		_ = syslogger.Info("starting up: calling Daemon()")
	}

	// empty signal list (final argument) means "catch all signals" its possible to catch
	go stripelockd.Daemon(os.Args[1], os.Args[2:], errChan, &wg, os.Args)

	err = <-errChan
	if err == nil {
		// armed; the second report is the exit status
		err = <-errChan
	}

	if syslogger != nil {
		if err == nil {
			_ = syslogger.Info("shutting down: Daemon() finished")
		} else {
			_ = syslogger.Err(fmt.Sprintf("shutting down: Daemon() returned error: %v", err))
		}
	}

	wg.Wait() // wait for services to go Down()

	if err != nil {
		fmt.Fprintf(os.Stderr, "stripelockd: Daemon(): returned error: %v\n", err) // Can't use logger.*() as it's not currently "up"
		os.Exit(1)
	}
}
