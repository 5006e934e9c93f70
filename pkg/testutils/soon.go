// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package testutils contains helpers shared by tests.
package testutils

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/retry"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
)

// DefaultSucceedsSoonDuration is the maximum amount of time unittests will
// wait for a condition to become true.
const DefaultSucceedsSoonDuration = 45 * time.Second

// TestFataler is the subset of testing.TB used by the helpers here.
type TestFataler interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
}

// SucceedsSoon fails the test with the last error returned by fn unless fn
// returns nil within DefaultSucceedsSoonDuration.
func SucceedsSoon(t TestFataler, fn func() error) {
	t.Helper()
	SucceedsWithin(t, fn, DefaultSucceedsSoonDuration)
}

// SucceedsWithin is like SucceedsSoon with an explicit duration.
func SucceedsWithin(t TestFataler, fn func() error, duration time.Duration) {
	t.Helper()
	if err := SucceedsWithinError(fn, duration); err != nil {
		t.Fatalf("condition failed to evaluate within %s: %s", duration, err)
	}
}

// SucceedsWithinError retries fn with backoff until it returns nil or the
// duration elapses, returning the last error in the latter case.
func SucceedsWithinError(fn func() error, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	start := timeutil.Now()
	var err error
	for r := retry.StartWithCtx(ctx, retry.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}); r.Next(); {
		if err = fn(); err == nil {
			return nil
		}
		if wait := timeutil.Since(start); wait > 3*time.Second && r.CurrentAttempt()%20 == 0 {
			log.Infof(ctx, "SucceedsSoon: %v", err)
		}
	}
	if err == nil {
		err = errors.New("condition never evaluated")
	}
	return err
}
