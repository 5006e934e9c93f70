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
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// DelegateState is the lifecycle state of a region delegate.
type DelegateState int32

const (
	// DelegateIdle is the state of a delegate without subscriptions.
	DelegateIdle DelegateState = iota
	// DelegateScanning means at least one incremental scan is outstanding.
	// Live changes are buffered for the subscriptions being scanned.
	DelegateScanning
	// DelegateSteady means every subscription is initialized.
	DelegateSteady
	// DelegateStopped is terminal.
	DelegateStopped
)

// String implements fmt.Stringer.
func (s DelegateState) String() string {
	switch s {
	case DelegateIdle:
		return "idle"
	case DelegateScanning:
		return "scanning"
	case DelegateSteady:
		return "steady"
	case DelegateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("DelegateState(%d)", int32(s))
	}
}

// SafeValue implements the redact.SafeValue interface.
func (DelegateState) SafeValue() {}

// regionTask is a unit of work in a delegate's mailbox.
type regionTask interface {
	isRegionTask()
}

type registerTask struct{ ds *Downstream }

type deregisterTask struct{ ds *Downstream }

type changeLogTask struct {
	epoch regionpb.Epoch
	entry enginepb.ChangeLogEntry
}

type scanFailedTask struct {
	ds  *Downstream
	err error
}

type topologyKind int

const (
	topologySplit topologyKind = iota
	topologyMergeSource
	topologyMergeTarget
	topologyRollbackMerge
	topologyDestroy
	topologyLeaderChange
	// topologySuperseded is sent to a delegate replaced by one with a newer
	// epoch.
	topologySuperseded
	// topologyDrained is sent by the coordinator once the resolved
	// timestamps of a draining delegate were published.
	topologyDrained
)

type topologyTask struct {
	kind    topologyKind
	regions []regionpb.Region
	leader  uint64
	// fence bounds the resolved timestamps of a delegate draining after an
	// epoch change: writes applied after the change are not tracked.
	fence hlc.Timestamp
}

type resolveTask struct {
	minTs hlc.Timestamp
	c     *resolveCollector
}

type queryTask struct {
	fn   func(*Delegate)
	done chan struct{}
}

func (*registerTask) isRegionTask()   {}
func (*deregisterTask) isRegionTask() {}
func (*changeLogTask) isRegionTask()  {}
func (*scanBatch) isRegionTask()      {}
func (*scanFailedTask) isRegionTask() {}
func (*topologyTask) isRegionTask()   {}
func (*resolveTask) isRegionTask()    {}
func (*queryTask) isRegionTask()      {}

// delegateReport tells the coordinator about subscriptions a delegate let
// go of.
type delegateReport struct {
	d *Delegate
	// stopped is set once, when the delegate stopped.
	stopped bool
	// removed are subscriptions that ended.
	removed []*Downstream
	// reroute are registrations that arrived after the delegate stopped.
	reroute []*Downstream
	// reload is the merged region to re-subscribe reloaded to.
	reload   *regionpb.Region
	reloaded []*Downstream
}

// Delegate owns the subscriptions of one region: it fans out the region's
// changes to them, splices incremental scans with live changes and tracks
// the region's locks to compute its resolved timestamp.
//
// All work for a delegate goes through its mailbox and is processed by the
// region scheduler, one task at a time and in order. Only regionID, epoch and
// resolverReady may be read outside of the scheduler callback.
type Delegate struct {
	c        *Coordinator
	regionID regionpb.RegionID
	epoch    regionpb.Epoch
	ctx      context.Context
	sched    regionHandle

	mu struct {
		syncutil.Mutex
		tasks   *taskQueue[regionTask]
		stopped bool
	}

	resolverReady atomic.Bool

	region       regionpb.Region
	state        DelegateState
	downstreams  []*Downstream
	resolver     *Resolver
	pendingScans int
	// buf holds the live entries observed while scans are outstanding.
	buf          []enginepb.ChangeLogEntry
	// drainErr is set once the region's epoch changed while scans holding a
	// snapshot of the old epoch were outstanding. The delegate stops with it
	// after those scans finished and one more resolved timestamp was
	// published.
	drainErr     *cdcpb.Error
	drainFence   hlc.Timestamp
	report       delegateReport
	reportedStop bool
	warnEvery    log.EveryN
}

func newDelegate(c *Coordinator, region regionpb.Region) (*Delegate, error) {
	d := &Delegate{
		c:         c,
		regionID:  region.ID,
		epoch:     region.Epoch,
		ctx:       logtags.AddTag(c.ctx, "r", uint64(region.ID)),
		sched:     regionHandle{s: c.sched},
		region:    region,
		resolver:  NewResolver(region.ID),
		warnEvery: log.Every(10 * time.Second),
	}
	d.mu.tasks = newTaskQueue[regionTask]()
	if err := d.sched.register(d.process); err != nil {
		return nil, err
	}
	return d, nil
}

// post puts t into the mailbox. It returns false if the delegate stopped.
func (d *Delegate) post(t regionTask) bool {
	if !d.push(t) {
		return false
	}
	d.sched.enqueue(eventTasks)
	return true
}

// push puts t into the mailbox without scheduling the delegate. The caller
// must enqueue eventTasks for it.
func (d *Delegate) push(t regionTask) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.stopped {
		return false
	}
	d.mu.tasks.pushBack(t)
	return true
}

func (d *Delegate) popTask() (regionTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.tasks.popFront()
}

// process is the scheduler callback.
func (d *Delegate) process(evt regionEvent) {
	if evt&eventStopped != 0 {
		d.stop(nil)
	}
	for {
		t, ok := d.popTask()
		if !ok {
			break
		}
		d.handle(t)
	}
	d.flushReport()
}

func (d *Delegate) handle(t regionTask) {
	defer func() {
		if r := recover(); r != nil {
			d.c.metrics.RegionPanics.Inc()
			log.Errorf(d.ctx, "recovered from panic while processing %T: %v\n%s", t, r, debug.Stack())
			d.stop(cdcpb.NewRegionNotFound(d.regionID, fmt.Sprintf("internal error: %v", r)))
		}
	}()
	switch t := t.(type) {
	case *registerTask:
		d.handleRegister(t.ds)
	case *deregisterTask:
		d.removeDownstream(t.ds, nil)
	case *changeLogTask:
		d.handleChangeLog(t)
	case *scanBatch:
		d.handleScanBatch(t)
	case *scanFailedTask:
		d.handleScanFailed(t)
	case *topologyTask:
		d.handleTopology(t)
	case *resolveTask:
		d.handleResolve(t)
	case *queryTask:
		defer close(t.done)
		t.fn(d)
	default:
		panic(errors.AssertionFailedf("unknown region task %T", t))
	}
}

// flushReport sends the accumulated report to the coordinator. A stopped
// delegate unregisters from the scheduler.
func (d *Delegate) flushReport() {
	r := d.report
	stopped := d.state == DelegateStopped && !d.reportedStop
	if !stopped && len(r.removed) == 0 && len(r.reroute) == 0 {
		return
	}
	d.report = delegateReport{}
	r.d = d
	r.stopped = stopped
	if stopped {
		d.reportedStop = true
		d.sched.unregister()
	}
	d.c.post(&r)
}

func (d *Delegate) handleRegister(ds *Downstream) {
	if d.state == DelegateStopped {
		d.report.reroute = append(d.report.reroute, ds)
		return
	}
	if ds.State() == DownstreamStopped {
		// Deregistered on its way here.
		return
	}
	if d.drainErr != nil {
		d.deliverError(ds, d.drainErr)
		d.report.removed = append(d.report.removed, ds)
		return
	}
	ds.bufStart = len(d.buf)
	ds.scanPending = true
	d.downstreams = append(d.downstreams, ds)
	d.pendingScans++
	d.c.metrics.PendingScans.Inc()
	d.state = DelegateScanning
	if ds.epoch != d.region.Epoch {
		d.removeDownstream(ds, cdcpb.NewEpochNotMatch(d.regionID, d.region))
		return
	}
	log.VEventf(d.ctx, 2, "registered %s from %s", ds, ds.checkpointTs)
	req := scanRequest{d: d, ds: ds, initResolver: !d.resolver.Initialized()}
	if err := d.c.scanner.schedule(d.ctx, req); err != nil {
		d.removeDownstream(ds, cdcpb.NewRegionNotFound(d.regionID, err.Error()))
	}
}

// removeDownstream ends a subscription, delivering err first if non-nil. The
// delegate stops once it has no subscriptions left.
func (d *Delegate) removeDownstream(ds *Downstream, err *cdcpb.Error) {
	i := slices.Index(d.downstreams, ds)
	if i < 0 {
		return
	}
	d.downstreams = slices.Delete(d.downstreams, i, i+1)
	if err != nil {
		d.deliverError(ds, err)
	} else {
		ds.markStopped()
		ds.cancelScan()
	}
	if ds.scanPending {
		ds.scanPending = false
		d.scanFinished()
	}
	d.report.removed = append(d.report.removed, ds)
	log.VEventf(d.ctx, 2, "deregistered %s", ds)
	if len(d.downstreams) == 0 {
		d.stop(nil)
	}
}

func (d *Delegate) deliverError(ds *Downstream, err *cdcpb.Error) {
	d.c.metrics.RegionErrors.WithLabelValues(err.Kind.String()).Inc()
	if sendErr := ds.deliverError(d.ctx, err); sendErr != nil {
		log.VEventf(d.ctx, 2, "could not deliver %v to %s: %v", err, ds, sendErr)
	}
}

func (d *Delegate) scanFinished() {
	d.pendingScans--
	d.c.metrics.PendingScans.Dec()
	if d.pendingScans == 0 {
		d.buf = nil
		if d.state == DelegateScanning {
			d.state = DelegateSteady
		}
	}
}

// stop tears the delegate down. Every subscription receives err, or is
// silently stopped if err is nil.
func (d *Delegate) stop(err *cdcpb.Error) {
	if d.state == DelegateStopped {
		return
	}
	d.state = DelegateStopped
	d.mu.Lock()
	d.mu.stopped = true
	d.mu.Unlock()
	for _, ds := range d.downstreams {
		if err != nil {
			d.deliverError(ds, err)
		} else {
			ds.markStopped()
			ds.cancelScan()
		}
		if ds.scanPending {
			ds.scanPending = false
			d.scanFinished()
		}
	}
	d.report.removed = append(d.report.removed, d.downstreams...)
	d.downstreams = nil
	d.buf = nil
	if err != nil {
		log.VEventf(d.ctx, 1, "stopped: %v", err)
	} else {
		log.VEventf(d.ctx, 2, "stopped")
	}
}

// stopForReload stops the delegate and hands its subscriptions back to the
// coordinator to be scanned again over region.
func (d *Delegate) stopForReload(region regionpb.Region) {
	dss := d.downstreams
	d.downstreams = nil
	for _, ds := range dss {
		ds.markStopped()
		ds.cancelScan()
		if ds.scanPending {
			ds.scanPending = false
			d.scanFinished()
		}
	}
	d.stop(nil)
	d.report.reload = &region
	d.report.reloaded = dss
	log.VEventf(d.ctx, 1, "reloading %d subscriptions over merged region %s", len(dss), region)
}

func (d *Delegate) currentRegions() []regionpb.Region {
	if r, ok := d.c.store.Region(d.regionID); ok {
		return []regionpb.Region{r}
	}
	return nil
}

func (d *Delegate) handleChangeLog(t *changeLogTask) {
	if d.state == DelegateStopped || d.drainErr != nil {
		return
	}
	if t.epoch != d.region.Epoch {
		d.stop(cdcpb.NewEpochNotMatch(d.regionID, d.currentRegions()...))
		return
	}
	d.trackLocks(t.entry)
	if d.pendingScans > 0 {
		d.buf = append(d.buf, t.entry)
	}
	var failed []*Downstream
	for _, ds := range d.downstreams {
		if !ds.Initialized() {
			continue
		}
		if err := d.deliverEntry(ds, t.entry); err != nil {
			failed = append(failed, ds)
		}
	}
	for _, ds := range failed {
		d.removeDownstream(ds, nil)
	}
}

// trackLocks feeds the entry's lock changes to the resolver. If a
// subscription wants old values, it also populates the old value cache with
// the values the entry's prewrites replace, ahead of their commits.
func (d *Delegate) trackLocks(entry enginepb.ChangeLogEntry) {
	readOld := d.wantsOldValues()
	for _, op := range entry.Ops {
		switch op := op.(type) {
		case *enginepb.PrewriteOp:
			if tracksLock(op.Lock.Type) {
				d.resolver.TrackLock(op.Lock.StartTs, op.Key, entry.Index)
			}
			if readOld && emitsRow(op.Lock.Type) {
				d.loadOldValue(op.Key, op.Lock.StartTs)
			}
		case *enginepb.CommitOp:
			d.resolver.UntrackLock(op.Key, entry.Index)
		case *enginepb.RollbackOp:
			d.resolver.UntrackLock(op.Key, entry.Index)
		}
	}
}

func (d *Delegate) wantsOldValues() bool {
	for _, ds := range d.downstreams {
		if ds.extraOp == cdcpb.ExtraOpReadOldValue && ds.kvAPI == cdcpb.KvAPITxn {
			return true
		}
	}
	return false
}

// loadOldValue returns the value key had before the transaction starting at
// startTs. Failures are logged and yield no old value.
func (d *Delegate) loadOldValue(key []byte, startTs hlc.Timestamp) []byte {
	v, err := d.c.cache.GetOrLoad(d.ctx, key, startTs)
	if err != nil && d.warnEvery.ShouldLog() {
		log.Warningf(d.ctx, "%v", err)
	}
	return v
}

// deliverEntry sends the rows of entry that ds subscribed to.
func (d *Delegate) deliverEntry(ds *Downstream, entry enginepb.ChangeLogEntry) error {
	if entry.Index <= ds.snapshotIndex {
		return nil
	}
	rows := d.rowsFor(ds, entry.Ops)
	if len(rows) == 0 {
		return nil
	}
	d.c.metrics.recordRows(rows)
	return ds.Deliver(d.ctx, cdcpb.Event{Entries: rows})
}

func (d *Delegate) rowsFor(ds *Downstream, ops []enginepb.LogicalOp) []cdcpb.EventRow {
	readOld := ds.extraOp == cdcpb.ExtraOpReadOldValue
	txn := ds.kvAPI == cdcpb.KvAPITxn
	var rows []cdcpb.EventRow
	for _, op := range ops {
		if !ds.wantsKey(op.OpKey()) {
			continue
		}
		switch op := op.(type) {
		case *enginepb.PrewriteOp:
			if !txn || !emitsRow(op.Lock.Type) ||
				!ds.observePrewrite(op.Key, op.Lock.StartTs, op.Lock.Generation) {
				continue
			}
			row := cdcpb.EventRow{
				Type: cdcpb.RowPrewrite, OpType: opTypeOfLock(op.Lock.Type), Key: op.Key,
				Value: op.Value, StartTs: op.Lock.StartTs, Generation: op.Lock.Generation,
			}
			if readOld {
				row.OldValue = d.loadOldValue(op.Key, op.Lock.StartTs)
			}
			rows = append(rows, row)
		case *enginepb.CommitOp:
			if !txn {
				continue
			}
			ds.forgetLock(op.Key, op.StartTs)
			if op.Type != enginepb.WritePut && op.Type != enginepb.WriteDelete {
				continue
			}
			if op.CommitTs <= ds.checkpointTs {
				continue
			}
			row := cdcpb.EventRow{
				Type: cdcpb.RowCommit, OpType: opTypeOfWrite(op.Type), Key: op.Key,
				Value: op.Value, StartTs: op.StartTs, CommitTs: op.CommitTs,
			}
			if readOld {
				row.OldValue = d.loadOldValue(op.Key, op.StartTs)
			}
			rows = append(rows, row)
		case *enginepb.RollbackOp:
			if !txn {
				continue
			}
			ds.forgetLock(op.Key, op.StartTs)
			rows = append(rows, cdcpb.EventRow{Type: cdcpb.RowRollback, Key: op.Key, StartTs: op.StartTs})
		case *enginepb.RawPutOp:
			if txn || op.Ts <= ds.checkpointTs {
				continue
			}
			rows = append(rows, cdcpb.EventRow{
				Type: cdcpb.RowCommitted, OpType: cdcpb.OpPut, Key: op.Key, Value: op.Value, CommitTs: op.Ts,
			})
		case *enginepb.RawDeleteOp:
			if txn || op.Ts <= ds.checkpointTs {
				continue
			}
			rows = append(rows, cdcpb.EventRow{
				Type: cdcpb.RowCommitted, OpType: cdcpb.OpDelete, Key: op.Key, CommitTs: op.Ts,
			})
		}
	}
	return rows
}

func (d *Delegate) handleScanBatch(b *scanBatch) {
	defer close(b.ack)
	ds := b.ds
	if d.state == DelegateStopped || !ds.scanPending {
		return
	}
	rows := b.rows[:0]
	for _, row := range b.rows {
		if row.Type == cdcpb.RowPrewrite && !ds.observePrewrite(row.Key, row.StartTs, row.Generation) {
			continue
		}
		rows = append(rows, row)
	}
	d.c.metrics.recordRows(rows)
	if !b.done {
		if len(rows) == 0 {
			return
		}
		if err := ds.Deliver(d.ctx, cdcpb.Event{Entries: rows}); err != nil {
			d.removeDownstream(ds, nil)
		}
		return
	}

	if b.hasLocks && !d.resolver.Initialized() {
		if fn := d.c.knobs.BeforeResolverReady; fn != nil {
			fn(d.regionID)
		}
		d.resolver.Init(b.locks, b.snapshotIndex)
		d.resolverReady.Store(true)
		log.VEventf(d.ctx, 2, "resolver initialized with %d locks at index %d", len(b.locks), b.snapshotIndex)
	}
	rows = append(rows, cdcpb.EventRow{Type: cdcpb.RowInitialized})
	if err := ds.Deliver(d.ctx, cdcpb.Event{Entries: rows}); err != nil {
		d.removeDownstream(ds, nil)
		return
	}
	ds.snapshotIndex = b.snapshotIndex
	for _, entry := range d.buf[ds.bufStart:] {
		if err := d.deliverEntry(ds, entry); err != nil {
			d.removeDownstream(ds, nil)
			return
		}
	}
	ds.MarkInitialized()
	ds.scanPending = false
	d.scanFinished()
	log.VEventf(d.ctx, 2, "initialized %s at index %d", ds, b.snapshotIndex)
}

func (d *Delegate) handleScanFailed(t *scanFailedTask) {
	if d.state == DelegateStopped {
		return
	}
	var regionErr *cdcpb.Error
	switch {
	case d.drainErr != nil:
		regionErr = d.drainErr
	case !errors.As(t.err, &regionErr):
		regionErr = cdcpb.NewRegionNotFound(d.regionID, t.err.Error())
	}
	d.removeDownstream(t.ds, regionErr)
}

func (d *Delegate) handleTopology(t *topologyTask) {
	if d.state == DelegateStopped {
		return
	}
	switch t.kind {
	case topologySplit, topologyRollbackMerge:
		d.drain(cdcpb.NewEpochNotMatch(d.regionID, t.regions...), t.fence)
	case topologySuperseded:
		// The coordinator no longer routes ticks here, so a drain could not
		// complete.
		d.stop(cdcpb.NewEpochNotMatch(d.regionID, t.regions...))
	case topologyDrained:
		if d.drainErr != nil && d.pendingScans == 0 {
			d.stop(d.drainErr)
		}
	case topologyMergeSource:
		d.stop(cdcpb.NewRegionNotFound(d.regionID, "region merged"))
	case topologyDestroy:
		d.stop(cdcpb.NewRegionNotFound(d.regionID, "region destroyed"))
	case topologyMergeTarget:
		if d.c.cfg.ReloadDelegateOnMerge && len(t.regions) == 1 {
			d.stopForReload(t.regions[0])
			return
		}
		d.drain(cdcpb.NewEpochNotMatch(d.regionID, t.regions...), t.fence)
	case topologyLeaderChange:
		d.stop(cdcpb.NewNotLeader(d.regionID, t.leader))
	}
}

// drain ends the delegate after the region's epoch changed. Subscriptions
// whose scan already holds a snapshot of the old epoch finish it first: they
// get their rows, the initialized marker, the buffered live entries and a
// resolved timestamp bounded by fence before err. Everyone else gets err
// right away.
func (d *Delegate) drain(err *cdcpb.Error, fence hlc.Timestamp) {
	if d.drainErr != nil {
		return
	}
	for _, ds := range slices.Clone(d.downstreams) {
		if ds.scanPending && !ds.abandonScan() {
			continue
		}
		d.removeDownstream(ds, err)
	}
	if d.state == DelegateStopped {
		return
	}
	d.drainErr, d.drainFence = err, fence
	log.VEventf(d.ctx, 1, "draining %d scans: %v", d.pendingScans, err)
}

// handleResolve advances the resolver and collects the subscriptions whose
// resolved timestamp moved.
func (d *Delegate) handleResolve(t *resolveTask) {
	res := regionResolved{regionID: d.regionID}
	defer func() { t.c.add(res) }()
	if d.state == DelegateStopped {
		res.skipped = true
		return
	}
	minTs := t.minTs
	if d.drainErr != nil {
		minTs.Backward(d.drainFence)
		if d.pendingScans == 0 {
			res.stopAfter = d
		}
	}
	if !d.resolver.Initialized() {
		return
	}
	res.ready = true
	res.ts = d.resolver.Resolve(minTs)
	for _, ds := range d.downstreams {
		if ds.Initialized() && ds.lastResolved.Less(res.ts) {
			ds.lastResolved = res.ts
			res.downstreams = append(res.downstreams, ds)
		}
	}
}

// status is read through a queryTask.
func (d *Delegate) status() RegionStatus {
	return RegionStatus{
		State:         d.state,
		Region:        d.region,
		Downstreams:   len(d.downstreams),
		PendingScans:  d.pendingScans,
		Draining:      d.drainErr != nil,
		ResolverReady: d.resolver.Initialized(),
		ResolvedTs:    d.resolver.ResolvedTs(),
		Locks:         d.resolver.NumLocks(),
	}
}
