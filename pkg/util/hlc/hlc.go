// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package hlc provides the timestamps used by transactions and change feeds.
//
// A Timestamp is a TSO style hybrid value: the upper bits hold wall time in
// milliseconds and the lower 18 bits hold a logical counter. Timestamps
// handed out by a Clock are strictly increasing.
package hlc

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// LogicalBits is the number of low bits reserved for the logical counter.
const LogicalBits = 18

const logicalMask = 1<<LogicalBits - 1

// Timestamp is a point in the hybrid logical timeline.
type Timestamp uint64

// MaxTimestamp is the largest representable timestamp.
const MaxTimestamp = Timestamp(math.MaxUint64)

// MakeTimestamp composes a timestamp from physical milliseconds and a logical
// counter.
func MakeTimestamp(physical int64, logical int64) Timestamp {
	return Timestamp(uint64(physical)<<LogicalBits | uint64(logical)&logicalMask)
}

// Physical returns the wall time component in milliseconds.
func (t Timestamp) Physical() int64 {
	return int64(t >> LogicalBits)
}

// Logical returns the logical counter.
func (t Timestamp) Logical() int64 {
	return int64(t & logicalMask)
}

// GoTime converts the physical component to a time.Time.
func (t Timestamp) GoTime() time.Time {
	return time.UnixMilli(t.Physical())
}

// IsEmpty returns true if t is the zero timestamp.
func (t Timestamp) IsEmpty() bool {
	return t == 0
}

// Less returns whether t < o.
func (t Timestamp) Less(o Timestamp) bool {
	return t < o
}

// LessEq returns whether t <= o.
func (t Timestamp) LessEq(o Timestamp) bool {
	return t <= o
}

// Next returns the timestamp immediately after t.
func (t Timestamp) Next() Timestamp {
	if t == MaxTimestamp {
		return t
	}
	return t + 1
}

// Prev returns the timestamp immediately before t. The zero timestamp has no
// predecessor and is returned unchanged.
func (t Timestamp) Prev() Timestamp {
	if t == 0 {
		return 0
	}
	return t - 1
}

// Forward updates t to be the max of t and o. Returns true if t was advanced.
func (t *Timestamp) Forward(o Timestamp) bool {
	if *t < o {
		*t = o
		return true
	}
	return false
}

// Backward updates t to be the min of t and o.
func (t *Timestamp) Backward(o Timestamp) {
	if o < *t {
		*t = o
	}
}

// String implements fmt.Stringer.
func (t Timestamp) String() string {
	return redact.StringWithoutMarkers(t)
}

// SafeFormat implements redact.SafeFormatter.
func (t Timestamp) SafeFormat(w redact.SafePrinter, _ rune) {
	if t == MaxTimestamp {
		w.SafeString("max")
		return
	}
	w.Printf("%d.%d", redact.Safe(t.Physical()), redact.Safe(t.Logical()))
}

var _ fmt.Stringer = Timestamp(0)

// Clock is a timestamp oracle. Every call to Now returns a timestamp strictly
// greater than any previously returned one.
type Clock struct {
	wallClock func() time.Time

	mu struct {
		syncutil.Mutex
		last Timestamp
	}
}

// NewClock returns a Clock reading physical time from wallClock.
func NewClock(wallClock func() time.Time) *Clock {
	return &Clock{wallClock: wallClock}
}

// NewClockForTesting returns a Clock backed by time.Now.
func NewClockForTesting() *Clock {
	return NewClock(time.Now)
}

// Now allocates a new timestamp.
func (c *Clock) Now() Timestamp {
	physical := MakeTimestamp(c.wallClock().UnixMilli(), 0)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.last < physical {
		c.mu.last = physical
	} else {
		c.mu.last++
	}
	return c.mu.last
}

// Update forwards the clock so that subsequent calls to Now are above ts.
func (c *Clock) Update(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.last.Forward(ts)
}
