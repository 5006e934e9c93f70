// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.
package log

import (
	"time"

	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
)

// EveryN rate limits a log message to one per interval. The zero value lets
// every message through.
type EveryN struct {
	interval time.Duration

	mu struct {
		syncutil.Mutex
		last time.Time
	}
}

// Every returns an EveryN letting a message through every n.
func Every(n time.Duration) EveryN {
	return EveryN{interval: n}
}

// ShouldLog returns whether the message should be logged now. Verbose
// logging lets everything through.
func (e *EveryN) ShouldLog() bool {
	return V(2) || e.shouldLogAt(timeutil.Now())
}

func (e *EveryN) shouldLogAt(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.mu.last) < e.interval {
		return false
	}
	e.mu.last = now
	return true
}
