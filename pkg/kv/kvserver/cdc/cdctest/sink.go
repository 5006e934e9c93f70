// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdctest

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/testutils"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// RecordingSink is a cdc.Sink that records everything sent to it.
type RecordingSink struct {
	mu struct {
		syncutil.Mutex
		events   []*cdcpb.ChangeDataEvent
		closed   bool
		closeErr error
		// sendErr, if set, fails all sends.
		sendErr error
	}
}

var _ cdc.Sink = (*RecordingSink)(nil)

// NewRecordingSink makes an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Send implements cdc.Sink.
func (s *RecordingSink) Send(_ context.Context, ev *cdcpb.ChangeDataEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return cdc.ErrSinkClosed
	}
	if s.mu.sendErr != nil {
		return s.mu.sendErr
	}
	s.mu.events = append(s.mu.events, ev)
	return nil
}

// Close implements cdc.Sink.
func (s *RecordingSink) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mu.closed {
		s.mu.closed = true
		s.mu.closeErr = err
	}
}

// SetSendError makes all later sends fail with err.
func (s *RecordingSink) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.sendErr = err
}

// Closed returns whether the sink was closed and the error it was closed
// with.
func (s *RecordingSink) Closed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.closed, s.mu.closeErr
}

// All returns all events received so far.
func (s *RecordingSink) All() []*cdcpb.ChangeDataEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*cdcpb.ChangeDataEvent(nil), s.mu.events...)
}

// Events returns the region events of a subscription, in the order they were
// received.
func (s *RecordingSink) Events(region regionpb.RegionID, reqID cdcpb.RequestID) []cdcpb.Event {
	var evs []cdcpb.Event
	for _, ev := range s.All() {
		for _, e := range ev.Events {
			if e.RegionID == region && e.RequestID == reqID {
				evs = append(evs, e)
			}
		}
	}
	return evs
}

// Rows returns the rows delivered to a subscription.
func (s *RecordingSink) Rows(region regionpb.RegionID, reqID cdcpb.RequestID) []cdcpb.EventRow {
	var rows []cdcpb.EventRow
	for _, e := range s.Events(region, reqID) {
		rows = append(rows, e.Entries...)
	}
	return rows
}

// Resolved returns the resolved timestamps received by a subscription.
func (s *RecordingSink) Resolved(region regionpb.RegionID, reqID cdcpb.RequestID) []hlc.Timestamp {
	var res []hlc.Timestamp
	for _, ev := range s.All() {
		if ev.ResolvedTs == nil || ev.ResolvedTs.RequestID != reqID {
			continue
		}
		for _, r := range ev.ResolvedTs.Regions {
			if r == region {
				res = append(res, ev.ResolvedTs.Ts)
			}
		}
	}
	return res
}

// LastResolved returns the latest resolved timestamp of a subscription.
func (s *RecordingSink) LastResolved(region regionpb.RegionID, reqID cdcpb.RequestID) hlc.Timestamp {
	res := s.Resolved(region, reqID)
	if len(res) == 0 {
		return 0
	}
	return res[len(res)-1]
}

// Error returns the error event of a subscription, if any.
func (s *RecordingSink) Error(region regionpb.RegionID, reqID cdcpb.RequestID) *cdcpb.Error {
	for _, e := range s.Events(region, reqID) {
		if e.Error != nil {
			return e.Error
		}
	}
	return nil
}

// Initialized returns whether the subscription received its initialized
// row.
func (s *RecordingSink) Initialized(region regionpb.RegionID, reqID cdcpb.RequestID) bool {
	for _, row := range s.Rows(region, reqID) {
		if row.Type == cdcpb.RowInitialized {
			return true
		}
	}
	return false
}

// WaitFor waits until fn returns nil.
func (s *RecordingSink) WaitFor(t testutils.TestFataler, fn func() error) {
	t.Helper()
	testutils.SucceedsWithin(t, fn, 10*time.Second)
}

// WaitForInitialized waits for the initialized row of a subscription.
func (s *RecordingSink) WaitForInitialized(
	t testutils.TestFataler, region regionpb.RegionID, reqID cdcpb.RequestID,
) {
	t.Helper()
	s.WaitFor(t, func() error {
		if !s.Initialized(region, reqID) {
			return errors.Newf("%s/req=%d not initialized", region, reqID)
		}
		return nil
	})
}

// WaitForError waits for the error event of a subscription.
func (s *RecordingSink) WaitForError(
	t testutils.TestFataler, region regionpb.RegionID, reqID cdcpb.RequestID,
) *cdcpb.Error {
	t.Helper()
	var err *cdcpb.Error
	s.WaitFor(t, func() error {
		if err = s.Error(region, reqID); err == nil {
			return errors.Newf("no error for %s/req=%d", region, reqID)
		}
		return nil
	})
	return err
}

// WaitForRows waits until a subscription received rows matching pred and
// returns them.
func (s *RecordingSink) WaitForRows(
	t testutils.TestFataler,
	region regionpb.RegionID,
	reqID cdcpb.RequestID,
	n int,
	pred func(cdcpb.EventRow) bool,
) []cdcpb.EventRow {
	t.Helper()
	var rows []cdcpb.EventRow
	s.WaitFor(t, func() error {
		rows = rows[:0]
		for _, row := range s.Rows(region, reqID) {
			if pred(row) {
				rows = append(rows, row)
			}
		}
		if len(rows) < n {
			return errors.Newf("%s/req=%d: %d of %d rows", region, reqID, len(rows), n)
		}
		return nil
	})
	return rows
}

// Dump renders everything received, one event per line.
func (s *RecordingSink) Dump() string {
	var out string
	for _, ev := range s.All() {
		for _, e := range ev.Events {
			out += e.String() + "\n"
		}
		if r := ev.ResolvedTs; r != nil {
			out += fmt.Sprintf("resolved req=%d %v @ %s\n", r.RequestID, r.Regions, r.Ts)
		}
	}
	return out
}
