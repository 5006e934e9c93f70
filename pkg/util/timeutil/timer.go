// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package timeutil

import "time"

// Timer wraps time.Timer for use in select loops. After receiving from C the
// caller sets Read so that the next Reset does not have to drain the channel.
//
//	var timer timeutil.Timer
//	defer timer.Stop()
//	for {
//		timer.Reset(interval)
//		select {
//		case <-timer.C:
//			timer.Read = true
//		case <-done:
//			return
//		}
//	}
type Timer struct {
	timer *time.Timer
	// C is the channel on which the timer fires.
	C <-chan time.Time
	// Read must be set by the caller after receiving from C.
	Read bool
}

// Reset changes the timer to expire after duration d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}
	if !t.timer.Stop() && !t.Read {
		select {
		case <-t.C:
		default:
		}
	}
	t.timer.Reset(d)
	t.Read = false
}

// Stop releases the timer. It may be reset afterwards.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	*t = Timer{}
}
