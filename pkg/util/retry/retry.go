// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package retry implements exponential backoff loops.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options provides reusable configuration of Retry objects.
type Options struct {
	InitialBackoff      time.Duration // Default retry backoff interval
	MaxBackoff          time.Duration // Maximum retry backoff interval
	Multiplier          float64       // Default backoff constant
	MaxRetries          int           // Maximum number of attempts (0 for infinite)
	RandomizationFactor float64       // Randomize the backoff interval by constant
	Closer              <-chan struct{}
}

// Retry implements the public methods necessary to control an exponential
// backoff retry loop.
type Retry struct {
	opts           Options
	ctxDoneChan    <-chan struct{}
	currentAttempt int
	isReset        bool
}

// Start returns a new Retry initialized to some default values.
func Start(opts Options) Retry {
	return StartWithCtx(context.Background(), opts)
}

// StartWithCtx returns a new Retry initialized to some default values. The
// Retry can end early if the context is cancelled.
func StartWithCtx(ctx context.Context, opts Options) Retry {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.RandomizationFactor == 0 {
		opts.RandomizationFactor = 0.15
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 2
	}
	r := Retry{opts: opts, ctxDoneChan: ctx.Done()}
	r.Reset()
	return r
}

// Reset resets the Retry to its initial state. The next call to Next returns
// immediately.
func (r *Retry) Reset() {
	r.currentAttempt = 0
	r.isReset = true
}

// CurrentAttempt returns the number of backoffs performed so far.
func (r *Retry) CurrentAttempt() int {
	return r.currentAttempt
}

func (r Retry) retryIn() time.Duration {
	backoff := float64(r.opts.InitialBackoff) * math.Pow(r.opts.Multiplier, float64(r.currentAttempt))
	if maxBackoff := float64(r.opts.MaxBackoff); backoff > maxBackoff {
		backoff = maxBackoff
	}
	delta := r.opts.RandomizationFactor * backoff
	// Get a random value from the range [backoff - delta, backoff + delta].
	return time.Duration(backoff - delta + rand.Float64()*(2*delta+1))
}

// Next returns whether the retry loop should continue, and blocks for the
// appropriate length of time before yielding back to the caller. The first
// call returns immediately.
func (r *Retry) Next() bool {
	if r.isReset {
		r.isReset = false
		return true
	}
	if r.opts.MaxRetries > 0 && r.currentAttempt >= r.opts.MaxRetries {
		return false
	}
	timer := time.NewTimer(r.retryIn())
	defer timer.Stop()
	select {
	case <-timer.C:
		r.currentAttempt++
		return true
	case <-r.opts.Closer:
		return false
	case <-r.ctxDoneChan:
		return false
	}
}
