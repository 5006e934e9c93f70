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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// ErrSinkClosed is returned when delivering to a subscription whose
// connection is gone.
var ErrSinkClosed = errors.New("sink closed")

// Sink is the outbound side of a consumer connection. Implementations must be
// safe for concurrent use and must not block for long: Send is called from
// region workers and the coordinator loop.
type Sink interface {
	// Send queues ev for the consumer. It returns an error once the sink is
	// closed.
	Send(ctx context.Context, ev *cdcpb.ChangeDataEvent) error
	// Close closes the sink. err, if non-nil, is reported to the consumer.
	Close(err error)
}

// DownstreamState is the lifecycle state of a Downstream.
type DownstreamState int32

const (
	// DownstreamUninitialized is the state until the incremental scan of
	// the subscription has been delivered.
	DownstreamUninitialized DownstreamState = iota
	// DownstreamNormal receives live events and resolved timestamps.
	DownstreamNormal
	// DownstreamStopped is terminal.
	DownstreamStopped
)

// String implements fmt.Stringer.
func (s DownstreamState) String() string {
	switch s {
	case DownstreamUninitialized:
		return "uninitialized"
	case DownstreamNormal:
		return "normal"
	case DownstreamStopped:
		return "stopped"
	default:
		return fmt.Sprintf("DownstreamState(%d)", int32(s))
	}
}

type generationKey struct {
	key     string
	startTs hlc.Timestamp
}

// Downstream is one subscription to a region. Its state can be read from any
// goroutine; everything else is owned by the region's delegate, which is the
// only writer to the sink on behalf of this subscription.
type Downstream struct {
	connID       cdcpb.ConnID
	regionID     regionpb.RegionID
	reqID        cdcpb.RequestID
	epoch        regionpb.Epoch
	span         regionpb.Span
	checkpointTs hlc.Timestamp
	kvAPI        cdcpb.KvAPI
	extraOp      cdcpb.ExtraOp
	sink         Sink
	// wholeRegion is set when the request did not restrict the span.
	wholeRegion bool

	// mu serializes sends with the transition to DownstreamStopped, so that
	// nothing follows the final error of the subscription.
	mu    syncutil.Mutex
	state atomic.Int32
	// resolvedSent is the last resolved timestamp sent. Guarded by mu.
	resolvedSent hlc.Timestamp
	// snapshot is claimed by either the scan, once it holds its snapshot, or
	// the delegate, when the region changes before that. See claimSnapshot.
	snapshot atomic.Int32

	// delegate is the delegate the subscription was handed to. It is only
	// accessed by the coordinator loop.
	delegate *Delegate

	// Fields below are owned by the delegate.

	// scanPending is set while the incremental scan is outstanding.
	scanPending bool
	index uint64
	// lastResolved is the last resolved timestamp sent. It starts at the
	// checkpoint.
	lastResolved hlc.Timestamp
	// bufStart is the position in the delegate's live buffer at which the
	// subscription registered.
	bufStart int
	// snapshotIndex is the applied index of the incremental scan snapshot.
	// Live entries at or below it were part of the scan.
	snapshotIndex uint64
	// generations tracks the latest prewrite generation delivered per lock.
	generations map[generationKey]uint64
	// cancel is closed to abort the subscription's incremental scan.
	cancel     chan struct{}
	cancelOnce sync.Once
}

func newDownstream(connID cdcpb.ConnID, req cdcpb.ChangeDataRequest, span regionpb.Span, sink Sink) *Downstream {
	return &Downstream{
		connID:       connID,
		regionID:     req.RegionID,
		reqID:        req.RequestID,
		epoch:        req.RegionEpoch,
		span:         span,
		checkpointTs: req.CheckpointTs,
		kvAPI:        req.KvAPI,
		extraOp:      req.ExtraOp,
		sink:         sink,
		wholeRegion:  len(req.Span.Key) == 0 && len(req.Span.EndKey) == 0,
		lastResolved: req.CheckpointTs,
		resolvedSent: req.CheckpointTs,
		generations:  make(map[generationKey]uint64),
		cancel:       make(chan struct{}),
	}
}

// RequestID returns the consumer's id of the subscription.
func (d *Downstream) RequestID() cdcpb.RequestID { return d.reqID }

// RegionID returns the subscribed region.
func (d *Downstream) RegionID() regionpb.RegionID { return d.regionID }

// State returns the current state.
func (d *Downstream) State() DownstreamState {
	return DownstreamState(d.state.Load())
}

// Initialized returns whether the incremental scan has been delivered.
func (d *Downstream) Initialized() bool {
	return d.State() == DownstreamNormal
}

// MarkInitialized moves the subscription to DownstreamNormal. It returns
// false if it was not uninitialized.
func (d *Downstream) MarkInitialized() bool {
	return d.state.CompareAndSwap(int32(DownstreamUninitialized), int32(DownstreamNormal))
}

// markStopped makes any later delivery fail. It returns false if the
// subscription was already stopped.
func (d *Downstream) markStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DownstreamState(d.state.Swap(int32(DownstreamStopped))) != DownstreamStopped
}

// lockIfInitialized locks the subscription if it is in DownstreamNormal,
// keeping it there until unlocked.
func (d *Downstream) lockIfInitialized() bool {
	d.mu.Lock()
	if d.State() != DownstreamNormal {
		d.mu.Unlock()
		return false
	}
	return true
}

const (
	snapshotUnclaimed int32 = iota
	snapshotTaken
	snapshotAbandoned
)

// claimSnapshot is called by the scan after it took its snapshot. It returns
// false if the delegate abandoned the scan first.
func (d *Downstream) claimSnapshot() bool {
	return d.snapshot.CompareAndSwap(snapshotUnclaimed, snapshotTaken) ||
		d.snapshot.Load() == snapshotTaken
}

// abandonScan is called by the delegate when the region's epoch changed. It
// returns false if the scan already holds a snapshot of the old epoch, in
// which case the scan has to be allowed to finish.
func (d *Downstream) abandonScan() bool {
	return d.snapshot.CompareAndSwap(snapshotUnclaimed, snapshotAbandoned) ||
		d.snapshot.Load() == snapshotAbandoned
}

// cancelScan aborts an outstanding incremental scan. It is idempotent.
func (d *Downstream) cancelScan() {
	d.cancelOnce.Do(func() { close(d.cancel) })
}

// Deliver stamps ev with the subscription's identity and next index and sends
// it.
func (d *Downstream) Deliver(ctx context.Context, ev cdcpb.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliverLocked(ctx, ev)
}

func (d *Downstream) deliverLocked(ctx context.Context, ev cdcpb.Event) error {
	d.mu.AssertHeld()
	if d.State() == DownstreamStopped {
		return ErrSinkClosed
	}
	d.index++
	ev.RegionID = d.regionID
	ev.RequestID = d.reqID
	ev.Index = d.index
	return d.sink.Send(ctx, &cdcpb.ChangeDataEvent{Events: []cdcpb.Event{ev}})
}

// deliverError sends err as the final event of the subscription and stops
// it. Errors are delivered even to uninitialized subscriptions.
func (d *Downstream) deliverError(ctx context.Context, err *cdcpb.Error) error {
	defer d.cancelScan()
	d.mu.Lock()
	defer d.mu.Unlock()
	sendErr := d.deliverLocked(ctx, cdcpb.Event{Error: err})
	d.state.Store(int32(DownstreamStopped))
	return sendErr
}

// observePrewrite reports whether a prewrite of key by the transaction
// starting at startTs with the given generation is newer than what the
// subscription has seen, and records it.
func (d *Downstream) observePrewrite(key []byte, startTs hlc.Timestamp, gen uint64) bool {
	k := generationKey{key: string(key), startTs: startTs}
	if prev, ok := d.generations[k]; ok && gen <= prev {
		return false
	}
	d.generations[k] = gen
	return true
}

// forgetLock drops the generation of a resolved lock.
func (d *Downstream) forgetLock(key []byte, startTs hlc.Timestamp) {
	delete(d.generations, generationKey{key: string(key), startTs: startTs})
}

// wantsKey returns whether key is inside the subscribed span.
func (d *Downstream) wantsKey(key []byte) bool {
	return d.span.ContainsKey(key)
}

// String implements fmt.Stringer.
func (d *Downstream) String() string {
	return fmt.Sprintf("%s/req=%d/conn=%s", d.regionID, d.reqID, d.connID)
}
