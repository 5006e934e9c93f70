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
	"fmt"
	"strings"

	"github.com/google/btree"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// lockTsItem counts the locked keys of one transaction.
type lockTsItem struct {
	ts    hlc.Timestamp
	count int
}

// Less implements btree.Item.
func (i *lockTsItem) Less(than btree.Item) bool {
	return i.ts < than.(*lockTsItem).ts
}

type lockOpKind int

const (
	trackLock lockOpKind = iota
	untrackLock
)

// pendingLockOp is a lock change observed before the resolver was
// initialized.
type pendingLockOp struct {
	kind    lockOpKind
	key     string
	startTs hlc.Timestamp
	index   uint64
}

// Resolver computes the resolved timestamp of a region: the largest
// timestamp below which no transaction that could still commit holds a lock
// in the region.
//
// The resolver tracks outstanding locks by key and counts them per start
// timestamp in a btree ordered by timestamp. It becomes ready once it has
// been initialized with the locks of a snapshot; lock changes observed
// earlier are buffered with their applied index and replayed if the snapshot
// does not include them.
//
// Resolver is not safe for concurrent use. It is owned by the region's
// delegate.
type Resolver struct {
	regionID    regionpb.RegionID
	locks       map[string]hlc.Timestamp
	lockTs      *btree.BTree
	resolvedTs  hlc.Timestamp
	initialized bool
	pending     []pendingLockOp
}

// NewResolver returns an uninitialized resolver.
func NewResolver(regionID regionpb.RegionID) *Resolver {
	return &Resolver{
		regionID: regionID,
		locks:    make(map[string]hlc.Timestamp),
		lockTs:   btree.New(8),
	}
}

// TrackLock records the lock of the transaction starting at startTs on key,
// written by the batch at index. Tracking the same lock again is a no-op.
func (r *Resolver) TrackLock(startTs hlc.Timestamp, key []byte, index uint64) {
	if !r.initialized {
		r.pending = append(r.pending, pendingLockOp{
			kind: trackLock, key: string(key), startTs: startTs, index: index,
		})
		return
	}
	r.track(string(key), startTs)
}

// UntrackLock removes the lock on key, released by the batch at index.
func (r *Resolver) UntrackLock(key []byte, index uint64) {
	if !r.initialized {
		r.pending = append(r.pending, pendingLockOp{kind: untrackLock, key: string(key), index: index})
		return
	}
	r.untrack(string(key))
}

func (r *Resolver) track(key string, startTs hlc.Timestamp) {
	if prev, ok := r.locks[key]; ok {
		if prev == startTs {
			return
		}
		r.untrack(key)
	}
	r.locks[key] = startTs
	if item := r.lockTs.Get(&lockTsItem{ts: startTs}); item != nil {
		item.(*lockTsItem).count++
		return
	}
	r.lockTs.ReplaceOrInsert(&lockTsItem{ts: startTs, count: 1})
}

func (r *Resolver) untrack(key string) {
	startTs, ok := r.locks[key]
	if !ok {
		return
	}
	delete(r.locks, key)
	item := r.lockTs.Get(&lockTsItem{ts: startTs}).(*lockTsItem)
	if item.count--; item.count == 0 {
		r.lockTs.Delete(item)
	}
}

// SnapshotLock is a lock found in a snapshot.
type SnapshotLock struct {
	Key     []byte
	StartTs hlc.Timestamp
}

// Init loads the locks of a snapshot taken at snapshotIndex and replays the
// buffered lock changes that the snapshot does not reflect. The resolver is
// ready afterwards. Init on a ready resolver is a no-op.
func (r *Resolver) Init(locks []SnapshotLock, snapshotIndex uint64) {
	if r.initialized {
		return
	}
	r.initialized = true
	for _, l := range locks {
		r.track(string(l.Key), l.StartTs)
	}
	for _, op := range r.pending {
		if op.index <= snapshotIndex {
			continue
		}
		switch op.kind {
		case trackLock:
			r.track(op.key, op.startTs)
		case untrackLock:
			r.untrack(op.key)
		}
	}
	r.pending = nil
}

// Initialized returns whether the resolver is ready.
func (r *Resolver) Initialized() bool {
	return r.initialized
}

// NumLocks returns the number of locked keys.
func (r *Resolver) NumLocks() int {
	return len(r.locks)
}

// MinLockTs returns the smallest start timestamp of a tracked lock.
func (r *Resolver) MinLockTs() (hlc.Timestamp, bool) {
	if min := r.lockTs.Min(); min != nil {
		return min.(*lockTsItem).ts, true
	}
	return 0, false
}

// Resolve advances the resolved timestamp to minTs, or to just below the
// oldest lock if that is lower, and returns it. The resolved timestamp never
// regresses. An uninitialized resolver returns zero.
func (r *Resolver) Resolve(minTs hlc.Timestamp) hlc.Timestamp {
	if !r.initialized {
		return 0
	}
	newTs := minTs
	if lockTs, ok := r.MinLockTs(); ok {
		newTs.Backward(lockTs.Prev())
	}
	r.resolvedTs.Forward(newTs)
	return r.resolvedTs
}

// ResolvedTs returns the last resolved timestamp.
func (r *Resolver) ResolvedTs() hlc.Timestamp {
	return r.resolvedTs
}

// String renders the tracked timestamps for debugging.
func (r *Resolver) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s resolved=%d", r.regionID, uint64(r.resolvedTs))
	if !r.initialized {
		fmt.Fprintf(&b, " uninitialized pending=%d", len(r.pending))
		return b.String()
	}
	b.WriteString(" locks=[")
	first := true
	r.lockTs.Ascend(func(i btree.Item) bool {
		item := i.(*lockTsItem)
		if !first {
			b.WriteString(" ")
		}
		first = false
		fmt.Fprintf(&b, "%d:%d", uint64(item.ts), item.count)
		return true
	})
	b.WriteString("]")
	return b.String()
}
