// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package leaktest detects goroutines leaked by a test.
//
// Use as:
//
//	defer leaktest.AfterTest(t)()
package leaktest

import (
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ignored lists goroutine frames that belong to the runtime or test harness.
var ignored = []string{
	"testing.RunTests",
	"testing.(*T).Run",
	"testing.tRunner",
	"testing.runTests",
	"testing.(*M).",
	"runtime.goexit",
	"created by runtime.gc",
	"created by testing.",
	"signal.signal_recv",
	"runtime.ensureSigM",
	"os/signal.loop",
	"runtime.MHeap_Scavenger",
	"go.opencensus.io/stats/view",
	"interestingGoroutines",
}

func interestingGoroutines() map[int64]string {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	gs := make(map[int64]string)
	for _, g := range strings.Split(string(buf), "\n\n") {
		var id int64
		// goroutine 123 [running]:
		header, _, _ := strings.Cut(g, "\n")
		fields := strings.Fields(header)
		if len(fields) < 2 {
			continue
		}
		for _, c := range fields[1] {
			id = id*10 + int64(c-'0')
		}
		skip := false
		for _, ig := range ignored {
			if strings.Contains(g, ig) && !strings.Contains(g, "github.com/johnny-rice/tikv") {
				skip = true
				break
			}
		}
		if !skip {
			gs[id] = g
		}
	}
	return gs
}

// T is the subset of testing.TB used by AfterTest.
type T interface {
	Errorf(format string, args ...interface{})
	Failed() bool
}

// AfterTest snapshots the currently-running goroutines and returns a function
// to be run at the end of tests to see whether any goroutines leaked.
func AfterTest(t T) func() {
	orig := interestingGoroutines()
	return func() {
		if t.Failed() {
			return
		}
		if err := diffGoroutines(orig, 5*time.Second); err != nil {
			t.Errorf("%v", err)
		}
	}
}

func diffGoroutines(orig map[int64]string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var leaked []string
		for id, stack := range interestingGoroutines() {
			if _, ok := orig[id]; !ok {
				leaked = append(leaked, stack)
			}
		}
		if len(leaked) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			sort.Strings(leaked)
			return errors.Newf("leaked goroutines:\n%s", strings.Join(leaked, "\n\n"))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
