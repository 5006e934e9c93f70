// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdc

import (
	"context"
	"testing"

	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/leaktest"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	syncutil.Mutex
	events []*cdcpb.ChangeDataEvent
}

func (s *memSink) Send(_ context.Context, ev *cdcpb.ChangeDataEvent) error {
	s.Lock()
	defer s.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Close(error) {}

func TestDownstreamLifecycle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	sink := &memSink{}
	req := cdcpb.ChangeDataRequest{RegionID: 3, RequestID: 7, CheckpointTs: 100, KvAPI: cdcpb.KvAPITxn}
	span := regionpb.Span{Key: regionpb.Key("a"), EndKey: regionpb.Key("m")}
	ds := newDownstream(cdcpb.MakeConnID(), req, span, sink)

	require.Equal(t, DownstreamUninitialized, ds.State())
	require.True(t, ds.wholeRegion)
	require.EqualValues(t, 100, ds.lastResolved)
	require.False(t, ds.lockIfInitialized())

	// Rows may be delivered before the subscription is initialized; they
	// are the incremental scan.
	require.NoError(t, ds.Deliver(ctx, cdcpb.Event{Entries: []cdcpb.EventRow{{Type: cdcpb.RowCommitted}}}))
	require.True(t, ds.MarkInitialized())
	require.False(t, ds.MarkInitialized())
	require.True(t, ds.lockIfInitialized())
	ds.mu.Unlock()
	require.NoError(t, ds.Deliver(ctx, cdcpb.Event{Entries: []cdcpb.EventRow{{Type: cdcpb.RowCommit}}}))

	require.NoError(t, ds.deliverError(ctx, cdcpb.NewNotLeader(3, 2)))
	require.Equal(t, DownstreamStopped, ds.State())
	require.ErrorIs(t, ds.Deliver(ctx, cdcpb.Event{}), ErrSinkClosed)
	require.False(t, ds.markStopped())
	select {
	case <-ds.cancel:
	default:
		t.Fatal("scan not canceled")
	}
	// Canceling again is fine.
	ds.cancelScan()

	require.Len(t, sink.events, 3)
	for i, ev := range sink.events {
		e := ev.Events[0]
		require.EqualValues(t, i+1, e.Index)
		require.EqualValues(t, 3, e.RegionID)
		require.EqualValues(t, 7, e.RequestID)
	}
	require.Equal(t, cdcpb.ErrorNotLeader, sink.events[2].Events[0].Error.Kind)
}

func TestDownstreamObservePrewrite(t *testing.T) {
	defer leaktest.AfterTest(t)()

	req := cdcpb.ChangeDataRequest{
		RegionID: 1, RequestID: 1, Span: regionpb.Span{Key: regionpb.Key("b"), EndKey: regionpb.Key("d")},
	}
	ds := newDownstream(cdcpb.MakeConnID(), req, req.Span, &memSink{})
	require.False(t, ds.wholeRegion)
	require.True(t, ds.wantsKey([]byte("b")))
	require.True(t, ds.wantsKey([]byte("c")))
	require.False(t, ds.wantsKey([]byte("d")))
	require.False(t, ds.wantsKey([]byte("a")))

	k := []byte("c")
	require.True(t, ds.observePrewrite(k, 10, 0))
	// The same prewrite seen by the scan and the live path is sent once.
	require.False(t, ds.observePrewrite(k, 10, 0))
	// Pipelined rewrites are sent if newer.
	require.True(t, ds.observePrewrite(k, 10, 2))
	require.False(t, ds.observePrewrite(k, 10, 1))
	// Another transaction is unrelated.
	require.True(t, ds.observePrewrite(k, 20, 0))

	ds.forgetLock(k, 10)
	require.True(t, ds.observePrewrite(k, 10, 0))
}
