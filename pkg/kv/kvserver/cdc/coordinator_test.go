// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdc_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc/cdctest"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/testutils"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/leaktest"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/kr/pretty"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const r1 = cdctest.FirstRegion

// testConfig disables the periodic tick; tests trigger it explicitly.
func testConfig() cdc.Config {
	return cdc.Config{
		MinTsInterval:            time.Hour,
		IncrementalScanBatchSize: 1,
	}
}

// gate blocks callers of wait until it is opened.
type gate struct {
	reached chan struct{}
	release chan struct{}
	once    sync.Once
	rOnce   sync.Once
}

func newGate() *gate {
	return &gate{reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) {
	g.rOnce.Do(func() { close(g.reached) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) waitReached(t *testing.T) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(testutils.DefaultSucceedsSoonDuration):
		t.Fatal("gate never reached")
	}
}

func isKey(key string) func(cdcpb.EventRow) bool {
	return func(row cdcpb.EventRow) bool { return string(row.Key) == key }
}

func ofType(typ cdcpb.RowType) func(cdcpb.EventRow) bool {
	return func(row cdcpb.EventRow) bool { return row.Type == typ }
}

func openConn(t *testing.T, c *cdctest.Cluster) (cdcpb.ConnID, *cdctest.RecordingSink) {
	t.Helper()
	sink := cdctest.NewRecordingSink()
	id, err := c.Coordinator.OpenConn(sink)
	require.NoError(t, err)
	return id, sink
}

func tick(t *testing.T, c *cdctest.Cluster) {
	t.Helper()
	require.NoError(t, c.Coordinator.TriggerMinTsTick(context.Background()))
}

// TestNoResolvedTsBeforeInitialized registers two subscriptions to one
// region, the second while the first is already steady, and checks that the
// second sees no resolved timestamp until its scan finished.
func TestNoResolvedTsBeforeInitialized(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeIncrementalScan: func(ctx context.Context, _ regionpb.RegionID, req cdcpb.RequestID) {
				if req == 2 {
					g.wait(ctx)
				}
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	_, err := c.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)

	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)
	tick(t, c)
	require.Len(t, sink.Resolved(r1, 1), 1)

	req2 := c.Request(r1, 2)
	req2.CheckpointTs = c.Now()
	require.NoError(t, c.Coordinator.Register(ctx, conn, req2))
	g.waitReached(t)
	for i := 0; i < 3; i++ {
		tick(t, c)
	}
	// The steady subscription keeps advancing.
	res := sink.Resolved(r1, 1)
	require.Len(t, res, 4)
	for i := 1; i < len(res); i++ {
		require.True(t, res[i-1].Less(res[i]), "%s", res)
	}
	require.Empty(t, sink.Resolved(r1, 2))

	g.open()
	sink.WaitForInitialized(t, r1, 2)
	tick(t, c)
	require.Len(t, sink.Resolved(r1, 2), 1)
	require.True(t, req2.CheckpointTs.Less(sink.LastResolved(r1, 2)))

	initialized := false
	for _, ev := range sink.All() {
		for _, e := range ev.Events {
			for _, row := range e.Entries {
				if e.RequestID == 2 && row.Type == cdcpb.RowInitialized {
					initialized = true
				}
			}
		}
		if rts := ev.ResolvedTs; rts != nil && rts.RequestID == 2 {
			require.True(t, initialized, "resolved ts before initialized:\n%s", sink.Dump())
		}
	}
	// The scan of the second subscription starts above the first write.
	for _, row := range sink.Rows(r1, 2) {
		require.NotEqual(t, "a", string(row.Key), "%# v", pretty.Formatter(row))
	}
}

func TestResolvedTsWaitsForLocks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)

	// Two transactions share a start ts; only the last commit releases it.
	startTs := c.Now()
	require.NoError(t, c.Prewrite(ctx, []byte("a"), []byte("1"), startTs))
	require.NoError(t, c.Prewrite(ctx, []byte("b"), []byte("2"), startTs))
	tick(t, c)
	require.Equal(t, startTs.Prev(), sink.LastResolved(r1, 1))

	commitTs := c.Now()
	require.NoError(t, c.Commit(ctx, []byte("a"), startTs, commitTs))
	tick(t, c)
	// Nothing new to send.
	require.Len(t, sink.Resolved(r1, 1), 1)

	require.NoError(t, c.Commit(ctx, []byte("b"), startTs, commitTs))
	tick(t, c)
	require.True(t, commitTs.Less(sink.LastResolved(r1, 1)))
	require.Len(t, sink.Resolved(r1, 1), 2)

	n, err := c.Coordinator.UnresolvedRegionCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	m := c.Coordinator.Metrics()
	require.Equal(t, 2.0, testutil.ToFloat64(m.ResolvedEvents))
	require.Zero(t, testutil.ToFloat64(m.UnresolvedRegions))
}

// TestResolverInitializedWithScannedLocks checks that locks found by the
// first scan hold back the resolved timestamp.
func TestResolverInitializedWithScannedLocks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeResolverReady: func(regionpb.RegionID) { g.wait(context.Background()) },
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	startTs := c.Now()
	require.NoError(t, c.Prewrite(ctx, []byte("k"), []byte("v"), startTs))

	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	g.waitReached(t)
	// The region worker is blocked; ask for the count from the coordinator.
	n, err := c.Coordinator.UnresolvedRegionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	g.open()
	sink.WaitForInitialized(t, r1, 1)

	rows := sink.Rows(r1, 1)
	require.Equal(t, cdcpb.RowPrewrite, rows[0].Type, "%# v", pretty.Formatter(rows))
	require.Equal(t, startTs, rows[0].StartTs)

	tick(t, c)
	require.Equal(t, startTs.Prev(), sink.LastResolved(r1, 1))
	status, ok, err := c.Coordinator.RegionStatus(ctx, r1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, status.Locks)
	require.True(t, status.ResolverReady)
	require.Equal(t, cdc.DelegateSteady, status.State)

	require.NoError(t, c.Rollback(ctx, []byte("k"), startTs))
	sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowRollback))
	tick(t, c)
	require.True(t, startTs.Less(sink.LastResolved(r1, 1)))
}

// TestDisconnectDuringDoubleScan closes one of two connections scanning the
// same region and checks the other one is unaffected.
func TestDisconnectDuringDoubleScan(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	var scans sync.WaitGroup
	scans.Add(2)
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeIncrementalScan: func(ctx context.Context, _ regionpb.RegionID, _ cdcpb.RequestID) {
				scans.Done()
				g.wait(ctx)
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}

	connA, sinkA := openConn(t, c)
	connB, sinkB := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, connA, c.Request(r1, 1)))
	require.NoError(t, c.Coordinator.Register(ctx, connB, c.Request(r1, 1)))
	scans.Wait()

	closeErr := errors.New("client went away")
	c.Coordinator.CloseConn(connA, closeErr)
	testutils.SucceedsSoon(t, func() error {
		status, _, err := c.Coordinator.RegionStatus(ctx, r1)
		if err != nil {
			return err
		}
		if status.Downstreams != 1 {
			return errors.Newf("%d downstreams", status.Downstreams)
		}
		return nil
	})
	g.open()

	sinkB.WaitForInitialized(t, r1, 1)
	rows := sinkB.WaitForRows(t, r1, 1, 3, ofType(cdcpb.RowCommitted))
	require.Len(t, rows, 3)
	_, err := c.Put(ctx, []byte("d"), []byte("d"))
	require.NoError(t, err)
	sinkB.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommit))

	closed, err := sinkA.Closed()
	require.True(t, closed)
	require.ErrorIs(t, err, closeErr)
	require.False(t, sinkA.Initialized(r1, 1))
	require.Nil(t, sinkA.Error(r1, 1))
}

// TestSplitDuringScan splits a region while the scan of a subscription
// holds its snapshot and is about to deliver its initialized marker. The
// scan finishes and the subscription is resolved once more before it gets
// the error.
func TestSplitDuringScan(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeScanFinish: func(regionpb.RegionID, cdcpb.RequestID) { g.wait(context.Background()) },
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	var lastCommit hlc.Timestamp
	for _, k := range []string{"a", "b", "x", "y"} {
		var err error
		lastCommit, err = c.Put(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	g.waitReached(t)

	left, right, err := c.Split(r1, []byte("m"))
	require.NoError(t, err)
	testutils.SucceedsSoon(t, func() error {
		status, ok, err := c.Coordinator.RegionStatus(ctx, r1)
		if err != nil || !ok || !status.Draining {
			return errors.Newf("not draining: %+v (ok=%t, err=%v)", status, ok, err)
		}
		return nil
	})
	// Writes to the left side after the split must not show up.
	_, err = c.Put(ctx, []byte("c"), []byte("c"))
	require.NoError(t, err)

	g.open()
	sink.WaitForInitialized(t, r1, 1)
	require.Nil(t, sink.Error(r1, 1))
	tick(t, c)
	regionErr := sink.WaitForError(t, r1, 1)
	require.Equal(t, cdcpb.ErrorEpochNotMatch, regionErr.Kind)
	require.Equal(t, []regionpb.Region{left, right}, regionErr.CurrentRegions)
	require.False(t, sink.LastResolved(r1, 1).Less(lastCommit), "%s", sink.Dump())

	var seq []string
	for _, ev := range sink.All() {
		if r := ev.ResolvedTs; r != nil && r.RequestID == 1 && slices.Contains(r.Regions, r1) {
			seq = append(seq, "resolved")
		}
		for _, e := range ev.Events {
			if e.RegionID != r1 || e.RequestID != 1 {
				continue
			}
			for _, row := range e.Entries {
				if row.Type == cdcpb.RowCommitted {
					seq = append(seq, "committed "+string(row.Key))
				} else {
					seq = append(seq, row.Type.String())
				}
			}
			if e.Error != nil {
				seq = append(seq, "error")
			}
		}
	}
	require.Equal(t, []string{
		"committed a", "committed b", "committed x", "committed y",
		cdcpb.RowInitialized.String(), "resolved", "error",
	}, seq, "%s", sink.Dump())

	evs := sink.Events(r1, 1)
	for i := 1; i < len(evs); i++ {
		require.Equal(t, evs[i-1].Index+1, evs[i].Index)
	}
	testutils.SucceedsSoon(t, func() error {
		if _, ok, err := c.Coordinator.RegionStatus(ctx, r1); err != nil || ok {
			return errors.Newf("delegate still running (err=%v)", err)
		}
		return nil
	})
}

// TestSplitAfterInitialized checks that a steady subscription gets the
// error after its rows and nothing afterwards.
func TestSplitAfterInitialized(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	_, err := c.Put(ctx, []byte("a"), []byte("a"))
	require.NoError(t, err)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)

	_, _, err = c.Split(r1, []byte("m"))
	require.NoError(t, err)
	sink.WaitForError(t, r1, 1)
	_, err = c.Put(ctx, []byte("b"), []byte("b"))
	require.NoError(t, err)
	tick(t, c)

	var kinds []cdcpb.RowType
	for _, row := range sink.Rows(r1, 1) {
		kinds = append(kinds, row.Type)
	}
	require.Equal(t, []cdcpb.RowType{cdcpb.RowCommitted, cdcpb.RowInitialized}, kinds)
	evs := sink.Events(r1, 1)
	require.NotNil(t, evs[len(evs)-1].Error)
	require.Empty(t, sink.Resolved(r1, 1))
}

// TestSplitPendingRegion splits a region whose only subscription has not
// started scanning yet.
func TestSplitPendingRegion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeIncrementalScan: func(ctx context.Context, _ regionpb.RegionID, _ cdcpb.RequestID) {
				g.wait(ctx)
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	g.waitReached(t)
	_, _, err := c.Split(r1, []byte("m"))
	require.NoError(t, err)
	regionErr := sink.WaitForError(t, r1, 1)
	g.open()
	require.Equal(t, cdcpb.ErrorEpochNotMatch, regionErr.Kind)
	require.Len(t, sink.Events(r1, 1), 1)

	// Re-subscribing with the new epoch works.
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 2)))
	sink.WaitForInitialized(t, r1, 2)
}

// TestMultiplexedRequests subscribes twice to one region over a single
// connection, from different checkpoints.
func TestMultiplexedRequests(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	_, err := c.Put(ctx, []byte("old"), []byte("1"))
	require.NoError(t, err)

	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	req2 := c.Request(r1, 2)
	req2.CheckpointTs = c.Now()
	req2.ExtraOp = cdcpb.ExtraOpReadOldValue
	require.NoError(t, c.Coordinator.Register(ctx, conn, req2))
	sink.WaitForInitialized(t, r1, 1)
	sink.WaitForInitialized(t, r1, 2)

	// A duplicate subscription is rejected.
	require.Error(t, c.Coordinator.Register(ctx, conn, req2))

	_, err = c.Put(ctx, []byte("old"), []byte("2"))
	require.NoError(t, err)
	commits1 := sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommit))
	commits2 := sink.WaitForRows(t, r1, 2, 1, ofType(cdcpb.RowCommit))
	require.Nil(t, commits1[0].OldValue)
	require.Equal(t, "1", string(commits2[0].OldValue))

	require.Len(t, sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommitted)), 1)
	for _, row := range sink.Rows(r1, 2) {
		require.NotEqual(t, cdcpb.RowCommitted, row.Type, "%s", sink.Dump())
	}
	// Every event carries its own request id and its own index sequence.
	for _, reqID := range []cdcpb.RequestID{1, 2} {
		for i, e := range sink.Events(r1, reqID) {
			require.Equal(t, uint64(i+1), e.Index)
		}
	}

	require.NoError(t, c.Coordinator.Deregister(ctx, conn, r1, 1))
	require.Error(t, c.Coordinator.Deregister(ctx, conn, r1, 1))
	_, err = c.Put(ctx, []byte("new"), []byte("3"))
	require.NoError(t, err)
	sink.WaitForRows(t, r1, 2, 1, isKey("new"))
	require.Empty(t, sink.WaitForRows(t, r1, 1, 0, isKey("new")))
}

// TestPipelinedGenerations rewrites a lock several times within one
// transaction.
func TestPipelinedGenerations(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)

	key := []byte("k")
	startTs := c.Now()
	for gen, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, c.PrewriteLock(ctx, key, []byte(v), enginepb.Lock{
			Type: enginepb.LockPut, Primary: key, StartTs: startTs, Generation: uint64(gen + 1),
		}))
	}
	// A stale flush is ignored.
	require.NoError(t, c.PrewriteLock(ctx, key, []byte("stale"), enginepb.Lock{
		Type: enginepb.LockPut, Primary: key, StartTs: startTs, Generation: 2,
	}))
	require.NoError(t, c.Commit(ctx, key, startTs, c.Now()))

	commit := sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommit))[0]
	prewrites := sink.WaitForRows(t, r1, 1, 3, ofType(cdcpb.RowPrewrite))
	require.Len(t, prewrites, 3)
	for i := 1; i < len(prewrites); i++ {
		require.Less(t, prewrites[i-1].Generation, prewrites[i].Generation)
	}
	require.Equal(t, prewrites[2].Value, commit.Value)
	require.Equal(t, "v3", string(commit.Value))
}

// TestObservedBeforeSnapshot writes while a new subscription waits to take
// its snapshot. The write is part of the snapshot and must not be replayed.
func TestObservedBeforeSnapshot(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	g := newGate()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeIncrementalScan: func(ctx context.Context, _ regionpb.RegionID, req cdcpb.RequestID) {
				if req == 2 {
					g.wait(ctx)
				}
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	defer g.open()
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 2)))
	g.waitReached(t)

	_, err := c.Put(ctx, []byte("x"), []byte("x"))
	require.NoError(t, err)
	startTs := c.Now()
	require.NoError(t, c.Prewrite(ctx, []byte("y"), []byte("y"), startTs))
	sink.WaitForRows(t, r1, 1, 1, isKey("y"))
	g.open()
	sink.WaitForInitialized(t, r1, 2)

	require.NoError(t, c.Commit(ctx, []byte("y"), startTs, c.Now()))
	sink.WaitForRows(t, r1, 2, 1, ofType(cdcpb.RowCommit))

	var got []string
	for _, row := range sink.Rows(r1, 2) {
		got = append(got, row.Type.String()+" "+string(row.Key))
	}
	require.Equal(t, []string{
		"committed x",
		"prewrite y",
		"initialized ",
		"commit y",
	}, got, "%s", sink.Dump())
}

// TestScanErrorIsolation fails the scan of one subscription and checks that
// another subscription of the region is unaffected.
func TestScanErrorIsolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			OnScanBatch: func(_ regionpb.RegionID, req cdcpb.RequestID, batch int) error {
				if req == 2 && batch == 1 {
					return errors.New("injected IO error")
				}
				return nil
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 2)))

	regionErr := sink.WaitForError(t, r1, 2)
	require.Equal(t, cdcpb.ErrorRegionNotFound, regionErr.Kind)
	require.Contains(t, regionErr.Message, "injected IO error")
	require.False(t, sink.Initialized(r1, 2))

	sink.WaitForInitialized(t, r1, 1)
	_, err := c.Put(ctx, []byte("d"), []byte("d"))
	require.NoError(t, err)
	sink.WaitForRows(t, r1, 1, 1, isKey("d"))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Coordinator.Metrics().ScanFailures))
}

func TestRawKV(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	_, err := c.RawPut(ctx, []byte("r1"), []byte("v1"))
	require.NoError(t, err)

	conn, sink := openConn(t, c)
	req := c.Request(r1, 1)
	req.KvAPI = cdcpb.KvAPIRaw
	require.NoError(t, c.Coordinator.Register(ctx, conn, req))
	sink.WaitForInitialized(t, r1, 1)

	_, err = c.Put(ctx, []byte("txn"), []byte("t"))
	require.NoError(t, err)
	_, err = c.RawPut(ctx, []byte("r2"), []byte("v2"))
	require.NoError(t, err)
	deleteTs, err := c.RawDelete(ctx, []byte("r1"))
	require.NoError(t, err)

	rows := sink.WaitForRows(t, r1, 1, 3, ofType(cdcpb.RowCommitted))
	require.Len(t, rows, 3)
	require.Equal(t, "r1", string(rows[0].Key))
	require.Equal(t, "v1", string(rows[0].Value))
	require.Equal(t, "r2", string(rows[1].Key))
	require.Equal(t, cdcpb.OpDelete, rows[2].OpType)
	require.Equal(t, deleteTs, rows[2].CommitTs)
	require.Empty(t, sink.WaitForRows(t, r1, 1, 0, isKey("txn")))

	// Raw subscriptions are resolved like any other.
	tick(t, c)
	require.True(t, deleteTs.Less(sink.LastResolved(r1, 1)))
}

// TestRawResolvedTsBelowPendingWrite takes a raw write's timestamp, runs a
// resolve round and only then applies the write. The round must not resolve
// past the write.
func TestRawResolvedTsBelowPendingWrite(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	conn, sink := openConn(t, c)
	req := c.Request(r1, 1)
	req.KvAPI = cdcpb.KvAPIRaw
	require.NoError(t, c.Coordinator.Register(ctx, conn, req))
	sink.WaitForInitialized(t, r1, 1)

	ts, done := c.AllocRawTs()
	tick(t, c)
	resolved := sink.LastResolved(r1, 1)
	require.False(t, resolved.IsEmpty())
	require.True(t, resolved.Less(ts), "resolved %s, pending write at %s", resolved, ts)

	require.NoError(t, c.RawPutAt(ctx, []byte("k"), []byte("v"), ts))
	done()
	rows := sink.WaitForRows(t, r1, 1, 1, isKey("k"))
	require.Equal(t, ts, rows[0].CommitTs)
	tick(t, c)
	require.True(t, ts.LessEq(sink.LastResolved(r1, 1)))

	// No resolved timestamp at or above the write was sent before its row.
	for _, ev := range sink.All() {
		if r := ev.ResolvedTs; r != nil {
			require.True(t, r.Ts.Less(ts), "%s", sink.Dump())
		}
		if len(ev.Events) > 0 && len(ev.Events[0].Entries) > 0 && string(ev.Events[0].Entries[0].Key) == "k" {
			break
		}
	}
}

func TestMergeTarget(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	for _, reload := range []bool{false, true} {
		t.Run(map[bool]string{false: "error", true: "reload"}[reload], func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig()
			cfg.ReloadDelegateOnMerge = reload
			c := cdctest.StartCluster(t, cdctest.Args{Config: cfg})
			defer c.Stopper.Stop(ctx)
			_, right, err := c.Split(r1, []byte("m"))
			require.NoError(t, err)
			_, err = c.Put(ctx, []byte("a"), []byte("a"))
			require.NoError(t, err)

			conn, sink := openConn(t, c)
			require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
			require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(right.ID, 1)))
			sink.WaitForInitialized(t, r1, 1)
			sink.WaitForInitialized(t, right.ID, 1)
			tick(t, c)
			resolved := sink.LastResolved(r1, 1)
			require.False(t, resolved.IsEmpty())

			merged, err := c.Merge(right.ID, r1)
			require.NoError(t, err)
			srcErr := sink.WaitForError(t, right.ID, 1)
			require.Equal(t, cdcpb.ErrorRegionNotFound, srcErr.Kind)

			if !reload {
				targetErr := sink.WaitForError(t, r1, 1)
				require.Equal(t, cdcpb.ErrorEpochNotMatch, targetErr.Kind)
				require.Equal(t, []regionpb.Region{merged}, targetErr.CurrentRegions)
				return
			}

			// The subscription carries on over the merged range, without an
			// error and without repeating what it already had.
			_, err = c.Put(ctx, []byte("z"), []byte("z"))
			require.NoError(t, err)
			rows := sink.WaitForRows(t, r1, 1, 1, isKey("z"))
			require.Contains(t, []cdcpb.RowType{cdcpb.RowCommit, cdcpb.RowCommitted}, rows[len(rows)-1].Type)
			require.Len(t, sink.WaitForRows(t, r1, 1, 2, ofType(cdcpb.RowInitialized)), 2)
			require.Len(t, sink.WaitForRows(t, r1, 1, 0, isKey("a")), 1)
			require.Nil(t, sink.Error(r1, 1))
			status, ok, err := c.Coordinator.RegionStatus(ctx, r1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, merged, status.Region)
		})
	}
}

func TestDestroyAndLeaderChange(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	_, right, err := c.Split(r1, []byte("m"))
	require.NoError(t, err)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(right.ID, 1)))
	sink.WaitForInitialized(t, r1, 1)
	sink.WaitForInitialized(t, right.ID, 1)

	c.Destroy(right.ID)
	require.Equal(t, cdcpb.ErrorRegionNotFound, sink.WaitForError(t, right.ID, 1).Kind)
	require.Nil(t, sink.Error(r1, 1))

	c.TransferLeader(r1, 4)
	leaderErr := sink.WaitForError(t, r1, 1)
	require.Equal(t, cdcpb.ErrorNotLeader, leaderErr.Kind)
	require.EqualValues(t, 4, leaderErr.Leader)

	// The node does not lead the region anymore.
	require.NoError(t, c.Coordinator.Register(ctx, conn, cdcpb.ChangeDataRequest{RegionID: r1, RequestID: 2}))
	require.Equal(t, cdcpb.ErrorRegionNotFound, sink.WaitForError(t, r1, 2).Kind)
	testutils.SucceedsSoon(t, func() error {
		if v := testutil.ToFloat64(c.Coordinator.Metrics().RegionCount); v != 0 {
			return errors.Newf("%v delegates", v)
		}
		return nil
	})
}

func TestRegisterValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	conn, sink := openConn(t, c)

	require.ErrorContains(t, c.Coordinator.Register(ctx, cdcpb.MakeConnID(), c.Request(r1, 1)),
		"unknown connection")
	require.Error(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 0)))
	require.Error(t, c.Coordinator.Register(ctx, conn, c.Request(0, 1)))
	bad := c.Request(r1, 1)
	bad.KvAPI = 7
	require.Error(t, c.Coordinator.Register(ctx, conn, bad))
	outside := c.Request(r1, 1)
	outside.Span = regionpb.Span{Key: regionpb.Key("b"), EndKey: regionpb.Key("a")}
	require.Error(t, c.Coordinator.Register(ctx, conn, outside))
	// Rejected requests leave no trace.
	require.Empty(t, sink.All())

	stale := c.Request(r1, 1)
	stale.RegionEpoch.Version--
	require.NoError(t, c.Coordinator.Register(ctx, conn, stale))
	staleErr := sink.WaitForError(t, r1, 1)
	require.Equal(t, cdcpb.ErrorEpochNotMatch, staleErr.Kind)

	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(99, 1)))
	require.Equal(t, cdcpb.ErrorRegionNotFound, sink.WaitForError(t, 99, 1).Kind)

	// A failed request id can be reused.
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)
}

func TestSubscriptionSpan(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	for _, k := range []string{"a", "c", "e"} {
		_, err := c.Put(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}
	conn, sink := openConn(t, c)
	req := c.Request(r1, 1)
	req.Span = regionpb.Span{Key: regionpb.Key("b"), EndKey: regionpb.Key("d")}
	require.NoError(t, c.Coordinator.Register(ctx, conn, req))
	sink.WaitForInitialized(t, r1, 1)
	for _, k := range []string{"f", "b"} {
		_, err := c.Put(ctx, []byte(k), []byte(k))
		require.NoError(t, err)
	}
	sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommit))
	var keys []string
	for _, row := range sink.Rows(r1, 1) {
		if row.Type != cdcpb.RowInitialized {
			keys = append(keys, string(row.Key))
		}
	}
	require.Equal(t, []string{"c", "b", "b"}, keys)
}

// TestOldValueCacheQuiescence checks that the old value cache is only fed
// while a region has subscriptions asking for old values.
func TestOldValueCacheQuiescence(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c := cdctest.StartCluster(t, cdctest.Args{Config: testConfig()})
	defer c.Stopper.Stop(ctx)
	updates := func() int64 {
		n, err := c.Coordinator.OldValueCacheUpdateCount(ctx)
		require.NoError(t, err)
		return n
	}

	_, err := c.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	require.Zero(t, updates())

	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)
	_, err = c.Put(ctx, []byte("a"), []byte("2"))
	require.NoError(t, err)
	sink.WaitForRows(t, r1, 1, 1, ofType(cdcpb.RowCommit))
	require.Zero(t, updates())

	withOld := c.Request(r1, 2)
	withOld.ExtraOp = cdcpb.ExtraOpReadOldValue
	require.NoError(t, c.Coordinator.Register(ctx, conn, withOld))
	sink.WaitForInitialized(t, r1, 2)
	_, err = c.Put(ctx, []byte("a"), []byte("3"))
	require.NoError(t, err)
	rows := sink.WaitForRows(t, r1, 2, 1, ofType(cdcpb.RowCommit))
	require.Equal(t, "2", string(rows[0].OldValue))
	before := updates()
	require.Positive(t, before)

	require.NoError(t, c.Coordinator.Deregister(ctx, conn, r1, 2))
	_, err = c.Put(ctx, []byte("a"), []byte("4"))
	require.NoError(t, err)
	sink.WaitForRows(t, r1, 1, 3, ofType(cdcpb.RowCommit))
	require.Equal(t, before, updates())

	require.NoError(t, c.Coordinator.Deregister(ctx, conn, r1, 1))
	testutils.SucceedsSoon(t, func() error {
		if _, ok, err := c.Coordinator.RegionStatus(ctx, r1); err != nil || ok {
			return errors.Newf("delegate still running (err=%v)", err)
		}
		return nil
	})
	_, err = c.Put(ctx, []byte("a"), []byte("5"))
	require.NoError(t, err)
	require.NoError(t, c.Coordinator.TriggerMinTsTick(ctx))
	require.Equal(t, before, updates())
}

func TestDelegatePanicIsContained(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	var once sync.Once
	c := cdctest.StartCluster(t, cdctest.Args{
		Config: testConfig(),
		Knobs: &cdc.TestingKnobs{
			BeforeResolverReady: func(id regionpb.RegionID) {
				once.Do(func() { panic("boom") })
			},
		},
	})
	defer c.Stopper.Stop(ctx)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	regionErr := sink.WaitForError(t, r1, 1)
	require.Equal(t, cdcpb.ErrorRegionNotFound, regionErr.Kind)
	require.Contains(t, regionErr.Message, "boom")
	require.Equal(t, 1.0, testutil.ToFloat64(c.Coordinator.Metrics().RegionPanics))

	// The coordinator keeps serving.
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 2)))
	sink.WaitForInitialized(t, r1, 2)
}

func TestStopUnblocksCallers(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	ctx := context.Background()
	c, err := cdctest.NewCluster(ctx, cdctest.Args{Config: testConfig()})
	require.NoError(t, err)
	conn, sink := openConn(t, c)
	require.NoError(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 1)))
	sink.WaitForInitialized(t, r1, 1)
	c.Stopper.Stop(ctx)

	closed, _ := sink.Closed()
	require.True(t, closed)
	require.Error(t, c.Coordinator.TriggerMinTsTick(ctx))
	require.Error(t, c.Coordinator.Register(ctx, conn, c.Request(r1, 2)))
	_, err = c.Coordinator.OpenConn(cdctest.NewRecordingSink())
	require.Error(t, err)
}

