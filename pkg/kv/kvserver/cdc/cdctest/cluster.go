// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package cdctest contains an in-memory single node with a change feed
// endpoint, used to test the change feed end to end.
package cdctest

import (
	"context"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/stretchr/testify/require"
)

// FirstRegion is the id of the region covering the whole keyspace when a
// cluster starts.
const FirstRegion regionpb.RegionID = 1

// Cluster is a node with an in-memory engine, a set of regions led by the
// node and a change feed endpoint. Writes are applied and reported to the
// endpoint atomically, in apply order, like the replication layer does.
type Cluster struct {
	Engine      *storage.Engine
	Clock       *hlc.Clock
	Coordinator *cdc.Coordinator
	Stopper     *stop.Stopper

	mu struct {
		syncutil.Mutex
		regions map[regionpb.RegionID]regionpb.Region
		nextID  regionpb.RegionID
	}
	// rawMu tracks the timestamps handed to raw writes that were not applied
	// yet.
	rawMu struct {
		syncutil.Mutex
		pending map[hlc.Timestamp]int
	}
}

var _ cdc.Store = (*Cluster)(nil)

// Args configure a test cluster.
type Args struct {
	Config  cdc.Config
	Knobs   *cdc.TestingKnobs
	Metrics *cdc.Metrics
}

// StartCluster starts a cluster or fails the test. The caller must stop
// c.Stopper.
func StartCluster(t testing.TB, args Args) *Cluster {
	t.Helper()
	c, err := NewCluster(context.Background(), args)
	require.NoError(t, err)
	return c
}

// NewCluster starts a cluster whose single region covers the whole
// keyspace. The caller must stop c.Stopper.
func NewCluster(ctx context.Context, args Args) (*Cluster, error) {
	eng, err := storage.Open(ctx, storage.Options{InMemory: true})
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		Engine:  eng,
		Clock:   hlc.NewClockForTesting(),
		Stopper: stop.NewStopper(),
	}
	c.Stopper.AddCloser(stop.CloserFn(func() { _ = eng.Close() }))
	c.mu.regions = map[regionpb.RegionID]regionpb.Region{
		FirstRegion: {ID: FirstRegion, Epoch: regionpb.Epoch{Version: 1, ConfVer: 1}},
	}
	c.mu.nextID = FirstRegion + 1
	c.rawMu.pending = make(map[hlc.Timestamp]int)
	c.Coordinator, err = cdc.NewCoordinator(args.Config, c, c.Clock, args.Metrics, args.Knobs)
	if err != nil {
		c.Stopper.Stop(ctx)
		return nil, err
	}
	if err := c.Coordinator.Start(ctx, c.Stopper); err != nil {
		c.Stopper.Stop(ctx)
		return nil, err
	}
	return c, nil
}

// Region implements cdc.Store.
func (c *Cluster) Region(id regionpb.RegionID) (regionpb.Region, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.mu.regions[id]
	return r, ok
}

// RegionSnapshot implements cdc.Store.
func (c *Cluster) RegionSnapshot(
	_ context.Context, id regionpb.RegionID, epoch regionpb.Epoch,
) (*storage.Snapshot, regionpb.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.mu.regions[id]
	if !ok {
		return nil, regionpb.Region{}, cdcpb.NewRegionNotFound(id, "")
	}
	if r.Epoch != epoch {
		return nil, regionpb.Region{}, cdcpb.NewEpochNotMatch(id, r)
	}
	return c.Engine.NewSnapshot(), r, nil
}

// Reader implements cdc.Store.
func (c *Cluster) Reader() storage.Reader {
	return c.Engine.Reader()
}

// Regions returns all regions ordered by start key.
func (c *Cluster) Regions() []regionpb.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := make([]regionpb.Region, 0, len(c.mu.regions))
	for _, r := range c.mu.regions {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Span.Key.Compare(rs[j].Span.Key) < 0 })
	return rs
}

// Request returns a transactional whole-region request for the current
// epoch of region id.
func (c *Cluster) Request(id regionpb.RegionID, reqID cdcpb.RequestID) cdcpb.ChangeDataRequest {
	r, _ := c.Region(id)
	return cdcpb.ChangeDataRequest{
		RegionID:    id,
		RegionEpoch: r.Epoch,
		RequestID:   reqID,
		KvAPI:       cdcpb.KvAPITxn,
	}
}

// Now returns a timestamp from the cluster clock.
func (c *Cluster) Now() hlc.Timestamp {
	return c.Clock.Now()
}

func (c *Cluster) regionForKeyLocked(key []byte) (regionpb.Region, bool) {
	c.mu.AssertHeld()
	for _, r := range c.mu.regions {
		if r.Span.ContainsKey(key) {
			return r, true
		}
	}
	return regionpb.Region{}, false
}

// Write applies a write batch and reports it to the change feed, split by
// region.
func (c *Cluster) Write(ctx context.Context, fn func(*storage.WriteBatch) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.Engine.Write(ctx, fn)
	if err != nil {
		return err
	}
	byRegion := make(map[regionpb.RegionID][]enginepb.LogicalOp)
	var order []regionpb.RegionID
	for _, op := range entry.Ops {
		r, ok := c.regionForKeyLocked(op.OpKey())
		if !ok {
			return errors.AssertionFailedf("no region for key %q", op.OpKey())
		}
		if _, ok := byRegion[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byRegion[r.ID] = append(byRegion[r.ID], op)
	}
	for _, id := range order {
		c.Coordinator.OnCommittedEntries(id, c.mu.regions[id].Epoch,
			enginepb.ChangeLogEntry{Index: entry.Index, Ops: byRegion[id]})
	}
	return nil
}

// Prewrite writes a put lock of the transaction starting at startTs.
func (c *Cluster) Prewrite(ctx context.Context, key, value []byte, startTs hlc.Timestamp) error {
	return c.PrewriteLock(ctx, key, value, enginepb.Lock{Type: enginepb.LockPut, Primary: key, StartTs: startTs})
}

// PrewriteDelete writes a delete lock of the transaction starting at startTs.
func (c *Cluster) PrewriteDelete(ctx context.Context, key []byte, startTs hlc.Timestamp) error {
	return c.PrewriteLock(ctx, key, nil, enginepb.Lock{Type: enginepb.LockDelete, Primary: key, StartTs: startTs})
}

// PrewriteLock writes an arbitrary lock.
func (c *Cluster) PrewriteLock(ctx context.Context, key, value []byte, lock enginepb.Lock) error {
	return c.Write(ctx, func(wb *storage.WriteBatch) error {
		return wb.MVCCPrewrite(key, value, lock)
	})
}

// Commit commits the lock of key.
func (c *Cluster) Commit(ctx context.Context, key []byte, startTs, commitTs hlc.Timestamp) error {
	return c.Write(ctx, func(wb *storage.WriteBatch) error {
		return wb.MVCCCommit(key, startTs, commitTs)
	})
}

// Rollback rolls back the lock of key.
func (c *Cluster) Rollback(ctx context.Context, key []byte, startTs hlc.Timestamp) error {
	return c.Write(ctx, func(wb *storage.WriteBatch) error {
		return wb.MVCCRollback(key, startTs)
	})
}

// Put runs a whole transaction writing key and returns its commit
// timestamp.
func (c *Cluster) Put(ctx context.Context, key, value []byte) (hlc.Timestamp, error) {
	startTs := c.Now()
	if err := c.Prewrite(ctx, key, value, startTs); err != nil {
		return 0, err
	}
	commitTs := c.Now()
	return commitTs, c.Commit(ctx, key, startTs, commitTs)
}

// AllocRawTs returns a timestamp for a raw write. done must be called once
// the write was applied or abandoned.
func (c *Cluster) AllocRawTs() (ts hlc.Timestamp, done func()) {
	c.rawMu.Lock()
	defer c.rawMu.Unlock()
	ts = c.Now()
	c.rawMu.pending[ts]++
	return ts, func() {
		c.rawMu.Lock()
		defer c.rawMu.Unlock()
		if c.rawMu.pending[ts]--; c.rawMu.pending[ts] <= 0 {
			delete(c.rawMu.pending, ts)
		}
	}
}

// OldestPendingRawTs implements cdc.Store.
func (c *Cluster) OldestPendingRawTs() hlc.Timestamp {
	c.rawMu.Lock()
	defer c.rawMu.Unlock()
	var oldest hlc.Timestamp
	for ts := range c.rawMu.pending {
		if oldest.IsEmpty() || ts.Less(oldest) {
			oldest = ts
		}
	}
	return oldest
}

// RawPut writes a raw key and returns its timestamp.
func (c *Cluster) RawPut(ctx context.Context, key, value []byte) (hlc.Timestamp, error) {
	ts, done := c.AllocRawTs()
	defer done()
	return ts, c.RawPutAt(ctx, key, value, ts)
}

// RawPutAt writes a raw key at a timestamp obtained from AllocRawTs.
func (c *Cluster) RawPutAt(ctx context.Context, key, value []byte, ts hlc.Timestamp) error {
	return c.Write(ctx, func(wb *storage.WriteBatch) error {
		return wb.RawPut(key, value, ts)
	})
}

// RawDelete deletes a raw key and returns the timestamp of the tombstone.
func (c *Cluster) RawDelete(ctx context.Context, key []byte) (hlc.Timestamp, error) {
	ts, done := c.AllocRawTs()
	defer done()
	return ts, c.Write(ctx, func(wb *storage.WriteBatch) error {
		return wb.RawDelete(key, ts)
	})
}

// Split splits region id at key. The left side keeps the id.
func (c *Cluster) Split(id regionpb.RegionID, key []byte) (left, right regionpb.Region, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.mu.regions[id]
	if !ok {
		return left, right, errors.Newf("no region %s", id)
	}
	if !old.Span.ContainsKey(key) || old.Span.Key.Equal(key) {
		return left, right, errors.Newf("%q is not a split key of %s", key, old)
	}
	epoch := old.Epoch
	epoch.Version++
	left = regionpb.Region{ID: id, Epoch: epoch, Span: regionpb.Span{Key: old.Span.Key, EndKey: key}}
	right = regionpb.Region{ID: c.mu.nextID, Epoch: epoch, Span: regionpb.Span{Key: key, EndKey: old.Span.EndKey}}
	c.mu.nextID++
	c.mu.regions[left.ID] = left
	c.mu.regions[right.ID] = right
	c.Coordinator.OnRegionSplit(old, []regionpb.Region{left, right})
	return left, right, nil
}

// Merge merges source into its adjacent region target.
func (c *Cluster) Merge(source, target regionpb.RegionID) (regionpb.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok1 := c.mu.regions[source]
	t, ok2 := c.mu.regions[target]
	if !ok1 || !ok2 {
		return regionpb.Region{}, errors.Newf("cannot merge %s into %s: unknown region", source, target)
	}
	merged := t
	switch {
	case s.Span.EndKey.Equal(t.Span.Key):
		merged.Span.Key = s.Span.Key
	case t.Span.EndKey.Equal(s.Span.Key):
		merged.Span.EndKey = s.Span.EndKey
	default:
		return regionpb.Region{}, errors.Newf("%s and %s are not adjacent", s, t)
	}
	merged.Epoch.Version = max(s.Epoch.Version, t.Epoch.Version) + 1
	delete(c.mu.regions, source)
	c.mu.regions[target] = merged
	c.Coordinator.OnRegionMerge(s, t, merged)
	return merged, nil
}

// Destroy removes the node's replica of region id.
func (c *Cluster) Destroy(id regionpb.RegionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mu.regions, id)
	c.Coordinator.OnRegionDestroy(id)
}

// TransferLeader hands the leadership of region id to another store.
func (c *Cluster) TransferLeader(id regionpb.RegionID, leader uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mu.regions, id)
	c.Coordinator.OnLeaderChange(id, leader)
}
