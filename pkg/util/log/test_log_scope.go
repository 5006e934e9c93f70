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
	"testing"

	"go.uber.org/zap/zaptest"
)

// TestLogScope routes log output of a test to the test's own log.
type TestLogScope struct {
	restore func()
}

// Scope redirects logging to t for the duration of a test. Use as:
//
//	defer log.Scope(t).Close(t)
func Scope(t testing.TB) *TestLogScope {
	return &TestLogScope{restore: SetLogger(zaptest.NewLogger(t))}
}

// Close restores the previous logger.
func (s *TestLogScope) Close(t testing.TB) {
	t.Helper()
	s.restore()
}
