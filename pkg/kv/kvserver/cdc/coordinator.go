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

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
)

// coordinatorTask is a unit of work of the coordinator loop.
type coordinatorTask interface {
	isCoordinatorTask()
}

type openConnTask struct {
	id   cdcpb.ConnID
	sink Sink
}

type closeConnTask struct {
	id  cdcpb.ConnID
	err error
}

type registerConnTask struct {
	connID cdcpb.ConnID
	req    cdcpb.ChangeDataRequest
	result chan error
}

type deregisterConnTask struct {
	connID   cdcpb.ConnID
	regionID regionpb.RegionID
	reqID    cdcpb.RequestID
	result   chan error
}

type changeLogRouteTask struct {
	regionID regionpb.RegionID
	task     *changeLogTask
}

type topologyRouteTask struct {
	regionID regionpb.RegionID
	// epoch, if set, is the epoch the change applies to. Delegates at a
	// different epoch ignore it.
	epoch *regionpb.Epoch
	task  *topologyTask
}

type tickTask struct {
	ts   hlc.Timestamp
	done chan struct{}
}

type resolvedTask struct {
	c *resolveCollector
}

type queryCoordinatorTask struct {
	fn   func()
	done chan struct{}
}

func (*openConnTask) isCoordinatorTask()         {}
func (*closeConnTask) isCoordinatorTask()        {}
func (*registerConnTask) isCoordinatorTask()     {}
func (*deregisterConnTask) isCoordinatorTask()   {}
func (*changeLogRouteTask) isCoordinatorTask()   {}
func (*topologyRouteTask) isCoordinatorTask()    {}
func (*tickTask) isCoordinatorTask()             {}
func (*resolvedTask) isCoordinatorTask()         {}
func (*queryCoordinatorTask) isCoordinatorTask() {}
func (*delegateReport) isCoordinatorTask()       {}

type subscriptionKey struct {
	regionID regionpb.RegionID
	reqID    cdcpb.RequestID
}

// conn is a consumer connection and the subscriptions made over it.
type conn struct {
	id          cdcpb.ConnID
	sink        Sink
	downstreams map[subscriptionKey]*Downstream
}

// RegionStatus describes a region delegate.
type RegionStatus struct {
	State         DelegateState
	Region        regionpb.Region
	Downstreams   int
	PendingScans  int
	ResolverReady bool
	ResolvedTs    hlc.Timestamp
	Locks         int
	// Draining is set while scans started before an epoch change finish.
	Draining      bool
}

// Coordinator is the change feed endpoint of a node. It accepts
// subscriptions from consumer connections, routes the node's committed
// changes and region topology changes to per-region delegates and
// periodically publishes resolved timestamps.
//
// The coordinator is an actor: all of its state is owned by a single loop
// goroutine draining an unbounded task queue, so that the replication path
// never blocks on it. Region work is processed by a Scheduler worker pool,
// one task at a time per region.
type Coordinator struct {
	cfg     Config
	store   Store
	clock   *hlc.Clock
	knobs   *TestingKnobs
	metrics *Metrics
	cache   *OldValueCache
	ambient log.AmbientContext

	ctx     context.Context
	stopper *stop.Stopper
	sched   *regionScheduler
	scanner *scanner

	queueMu struct {
		syncutil.Mutex
		queue   *taskQueue[coordinatorTask]
		stopped bool
	}
	notifyC chan struct{}

	// Owned by the loop.
	delegates    map[regionpb.RegionID]*Delegate
	conns        map[cdcpb.ConnID]*conn
	stalledEvery log.EveryN
}

// NewCoordinator makes a coordinator reading from store. metrics and knobs
// may be nil.
func NewCoordinator(
	cfg Config, store Store, clock *hlc.Clock, metrics *Metrics, knobs *TestingKnobs,
) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if knobs == nil {
		knobs = &TestingKnobs{}
	}
	c := &Coordinator{
		cfg:          cfg,
		store:        store,
		clock:        clock,
		knobs:        knobs,
		metrics:      metrics,
		cache:        NewOldValueCache(store.Reader(), cfg.OldValueCacheMemoryQuota, cfg.OldValueCacheEntries, metrics),
		ambient:      log.MakeAmbientContext(),
		notifyC:      make(chan struct{}, 1),
		delegates:    make(map[regionpb.RegionID]*Delegate),
		conns:        make(map[cdcpb.ConnID]*conn),
		stalledEvery: log.Every(cfg.StalledRegionThreshold),
	}
	c.ambient.AddLogTag("cdc", nil)
	c.ctx = c.ambient.AnnotateCtx(context.Background())
	c.queueMu.queue = newTaskQueue[coordinatorTask]()
	return c, nil
}

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Start starts the region workers, the coordinator loop and the resolved
// timestamp ticker. They run until stopper quiesces.
func (c *Coordinator) Start(ctx context.Context, stopper *stop.Stopper) error {
	ctx = c.ambient.AnnotateCtx(ctx)
	c.stopper = stopper
	c.sched = newRegionScheduler(c.cfg.RegionWorkers)
	if err := c.sched.start(ctx, stopper); err != nil {
		return err
	}
	c.scanner = newScanner(c.store, stopper, &c.cfg, c.knobs, c.metrics)
	if err := stopper.RunAsyncTask(ctx, "cdc-coordinator", c.run); err != nil {
		return err
	}
	if err := stopper.RunAsyncTask(ctx, "cdc-min-ts", c.runTicker); err != nil {
		return err
	}
	log.Infof(ctx, "change feed endpoint started with %d region workers", c.cfg.RegionWorkers)
	return nil
}

// post puts t into the loop's queue. It returns false once the loop stopped.
func (c *Coordinator) post(t coordinatorTask) bool {
	c.queueMu.Lock()
	if c.queueMu.stopped {
		c.queueMu.Unlock()
		return false
	}
	c.queueMu.queue.pushBack(t)
	c.queueMu.Unlock()
	select {
	case c.notifyC <- struct{}{}:
	default:
	}
	return true
}

func (c *Coordinator) popTask() (coordinatorTask, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.queueMu.queue.popFront()
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-c.notifyC:
			for {
				t, ok := c.popTask()
				if !ok {
					break
				}
				c.handle(ctx, t)
			}
		case <-c.stopper.ShouldQuiesce():
			c.queueMu.Lock()
			c.queueMu.stopped = true
			c.queueMu.queue.drain(func(coordinatorTask) {})
			c.queueMu.Unlock()
			for _, cn := range c.conns {
				cn.sink.Close(stop.ErrUnavailable)
			}
			return
		}
	}
}

// wait waits for a result of a posted task.
func (c *Coordinator) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopper.ShouldQuiesce():
		return stop.ErrUnavailable
	}
}

func (c *Coordinator) postAndWait(ctx context.Context, t coordinatorTask, result chan error) error {
	if !c.post(t) {
		return stop.ErrUnavailable
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopper.ShouldQuiesce():
		return stop.ErrUnavailable
	}
}

// OpenConn registers a consumer connection sending through sink.
func (c *Coordinator) OpenConn(sink Sink) (cdcpb.ConnID, error) {
	id := cdcpb.MakeConnID()
	if !c.post(&openConnTask{id: id, sink: sink}) {
		return id, stop.ErrUnavailable
	}
	return id, nil
}

// CloseConn ends all subscriptions of a connection and closes its sink with
// err.
func (c *Coordinator) CloseConn(id cdcpb.ConnID, err error) {
	c.post(&closeConnTask{id: id, err: err})
}

// Register subscribes connection connID to a region. Malformed requests are
// rejected with an error. Regional failures, such as a stale epoch, are
// reported to the connection as an error event and return nil.
func (c *Coordinator) Register(ctx context.Context, connID cdcpb.ConnID, req cdcpb.ChangeDataRequest) error {
	result := make(chan error, 1)
	return c.postAndWait(ctx, &registerConnTask{connID: connID, req: req, result: result}, result)
}

// Deregister ends a subscription without notifying the consumer.
func (c *Coordinator) Deregister(
	ctx context.Context, connID cdcpb.ConnID, regionID regionpb.RegionID, reqID cdcpb.RequestID,
) error {
	result := make(chan error, 1)
	return c.postAndWait(ctx, &deregisterConnTask{
		connID: connID, regionID: regionID, reqID: reqID, result: result,
	}, result)
}

// OnCommittedEntries is called by the replication layer, in apply order, for
// every write batch applied to a region at epoch.
func (c *Coordinator) OnCommittedEntries(
	regionID regionpb.RegionID, epoch regionpb.Epoch, entry enginepb.ChangeLogEntry,
) {
	c.post(&changeLogRouteTask{regionID: regionID, task: &changeLogTask{epoch: epoch, entry: entry}})
}

// OnRegionSplit is called after region old split into regions, before any
// write to the new regions is applied.
func (c *Coordinator) OnRegionSplit(old regionpb.Region, regions []regionpb.Region) {
	c.postTopology(old.ID, &old.Epoch,
		&topologyTask{kind: topologySplit, regions: regions, fence: c.nextMinTs()})
}

// OnRegionMerge is called after source merged into target, forming merged,
// before any write to merged is applied.
func (c *Coordinator) OnRegionMerge(source, target, merged regionpb.Region) {
	c.postTopology(source.ID, &source.Epoch, &topologyTask{kind: topologyMergeSource})
	c.postTopology(target.ID, &target.Epoch, &topologyTask{
		kind: topologyMergeTarget, regions: []regionpb.Region{merged}, fence: c.nextMinTs(),
	})
}

// OnRollbackMerge is called when a merge involving old was rolled back,
// leaving it as current.
func (c *Coordinator) OnRollbackMerge(old, current regionpb.Region) {
	c.postTopology(old.ID, &old.Epoch, &topologyTask{
		kind: topologyRollbackMerge, regions: []regionpb.Region{current}, fence: c.nextMinTs(),
	})
}

// OnRegionDestroy is called when the region's replica is removed from the
// node.
func (c *Coordinator) OnRegionDestroy(id regionpb.RegionID) {
	c.postTopology(id, nil, &topologyTask{kind: topologyDestroy})
}

// OnLeaderChange is called when the node stops leading a region.
func (c *Coordinator) OnLeaderChange(id regionpb.RegionID, leader uint64) {
	c.postTopology(id, nil, &topologyTask{kind: topologyLeaderChange, leader: leader})
}

func (c *Coordinator) postTopology(id regionpb.RegionID, epoch *regionpb.Epoch, t *topologyTask) {
	c.post(&topologyRouteTask{regionID: id, epoch: epoch, task: t})
}

// TriggerMinTsTick runs a resolved timestamp round and waits until its
// resolved timestamps were handed to the connections.
func (c *Coordinator) TriggerMinTsTick(ctx context.Context) error {
	// The timestamp must be taken before the tick is queued: every write
	// applied before that is then routed to its delegate before the resolve
	// request.
	t := &tickTask{ts: c.nextMinTs(), done: make(chan struct{})}
	if !c.post(t) {
		return stop.ErrUnavailable
	}
	return c.wait(ctx, t.done)
}

// nextMinTs returns the timestamp a resolve round may advance regions to.
// Raw writes take their timestamp before they are applied, so it stays below
// the oldest one still in flight.
func (c *Coordinator) nextMinTs() hlc.Timestamp {
	ts := c.clock.Now()
	if p := c.store.OldestPendingRawTs(); !p.IsEmpty() {
		ts.Backward(p.Prev())
	}
	return ts
}

func (c *Coordinator) runTicker(ctx context.Context) {
	var timer timeutil.Timer
	defer timer.Stop()
	for {
		timer.Reset(c.cfg.MinTsInterval)
		select {
		case <-timer.C:
			timer.Read = true
			c.post(&tickTask{ts: c.nextMinTs()})
		case <-c.stopper.ShouldQuiesce():
			return
		}
	}
}

func (c *Coordinator) query(ctx context.Context, fn func()) error {
	t := &queryCoordinatorTask{fn: fn, done: make(chan struct{})}
	if !c.post(t) {
		return stop.ErrUnavailable
	}
	return c.wait(ctx, t.done)
}

// OldValueCacheUpdateCount returns how many values were inserted into the
// old value cache.
func (c *Coordinator) OldValueCacheUpdateCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.query(ctx, func() { n = c.cache.UpdateCount() })
	return n, err
}

// UnresolvedRegionCount returns the number of regions whose resolver is not
// initialized yet.
func (c *Coordinator) UnresolvedRegionCount(ctx context.Context) (int, error) {
	var n int
	err := c.query(ctx, func() {
		for _, d := range c.delegates {
			if !d.resolverReady.Load() {
				n++
			}
		}
	})
	return n, err
}

// RegionStatus describes the delegate of a region. ok is false if the region
// has no delegate.
func (c *Coordinator) RegionStatus(
	ctx context.Context, id regionpb.RegionID,
) (status RegionStatus, ok bool, err error) {
	var d *Delegate
	if err := c.query(ctx, func() { d = c.delegates[id] }); err != nil || d == nil {
		return RegionStatus{}, false, err
	}
	t := &queryTask{fn: func(d *Delegate) { status = d.status() }, done: make(chan struct{})}
	if !d.post(t) {
		return RegionStatus{}, false, nil
	}
	if err := c.wait(ctx, t.done); err != nil {
		return RegionStatus{}, false, err
	}
	return status, status.State != DelegateStopped, nil
}

func (c *Coordinator) handle(ctx context.Context, t coordinatorTask) {
	switch t := t.(type) {
	case *openConnTask:
		c.conns[t.id] = &conn{id: t.id, sink: t.sink, downstreams: make(map[subscriptionKey]*Downstream)}
		log.VEventf(ctx, 1, "connection %s opened", t.id)
	case *closeConnTask:
		c.closeConn(ctx, t)
	case *registerConnTask:
		t.result <- c.register(ctx, t.connID, t.req)
	case *deregisterConnTask:
		t.result <- c.deregister(t)
	case *changeLogRouteTask:
		if d := c.delegates[t.regionID]; d != nil {
			d.post(t.task)
		}
	case *topologyRouteTask:
		d := c.delegates[t.regionID]
		if d == nil || (t.epoch != nil && *t.epoch != d.epoch) {
			return
		}
		d.post(t.task)
	case *tickTask:
		c.tick(ctx, t)
	case *resolvedTask:
		c.publishResolved(ctx, t.c)
	case *queryCoordinatorTask:
		t.fn()
		close(t.done)
	case *delegateReport:
		c.handleReport(ctx, t)
	default:
		log.Fatalf(ctx, "unknown coordinator task %T", t)
	}
}

func (c *Coordinator) closeConn(ctx context.Context, t *closeConnTask) {
	cn, ok := c.conns[t.id]
	if !ok {
		return
	}
	delete(c.conns, t.id)
	for _, ds := range cn.downstreams {
		ds.markStopped()
		if ds.delegate != nil {
			ds.delegate.post(&deregisterTask{ds: ds})
		}
	}
	cn.sink.Close(t.err)
	c.updateGauges()
	log.VEventf(ctx, 1, "connection %s closed with %d subscriptions", t.id, len(cn.downstreams))
}

func (c *Coordinator) register(
	ctx context.Context, connID cdcpb.ConnID, req cdcpb.ChangeDataRequest,
) error {
	cn, ok := c.conns[connID]
	switch {
	case !ok:
		return errors.Newf("unknown connection %s", connID)
	case req.RegionID == 0:
		return errors.New("request does not specify a region")
	case req.RequestID == 0:
		return errors.New("request does not specify a request id")
	case req.KvAPI != cdcpb.KvAPITxn && req.KvAPI != cdcpb.KvAPIRaw:
		return errors.Newf("unsupported kv api %s", req.KvAPI)
	}
	key := subscriptionKey{regionID: req.RegionID, reqID: req.RequestID}
	if _, ok := cn.downstreams[key]; ok {
		return errors.Newf("request %d for %s is already registered on connection %s",
			req.RequestID, req.RegionID, connID)
	}
	region, ok := c.store.Region(req.RegionID)
	if !ok {
		c.sendError(ctx, cn, req, cdcpb.NewRegionNotFound(req.RegionID, ""))
		return nil
	}
	if region.Epoch != req.RegionEpoch {
		c.sendError(ctx, cn, req, cdcpb.NewEpochNotMatch(req.RegionID, region))
		return nil
	}
	span, err := scanSpan(region, req)
	if err != nil {
		return err
	}
	ds := newDownstream(connID, req, span, cn.sink)
	cn.downstreams[key] = ds
	c.attach(ds, region)
	c.updateGauges()
	return nil
}

// sendError reports a regional error for a request that never got a
// subscription.
func (c *Coordinator) sendError(
	ctx context.Context, cn *conn, req cdcpb.ChangeDataRequest, err *cdcpb.Error,
) {
	c.metrics.RegionErrors.WithLabelValues(err.Kind.String()).Inc()
	ev := cdcpb.Event{RegionID: req.RegionID, RequestID: req.RequestID, Error: err}
	if sendErr := cn.sink.Send(ctx, &cdcpb.ChangeDataEvent{Events: []cdcpb.Event{ev}}); sendErr != nil {
		log.VEventf(ctx, 2, "could not send %v: %v", err, sendErr)
	}
}

// attach hands ds to the delegate of region, making one if needed.
func (c *Coordinator) attach(ds *Downstream, region regionpb.Region) {
	d := c.delegates[region.ID]
	if d != nil && d.epoch != region.Epoch {
		// The delegate is about to learn that its epoch is stale.
		d.post(&topologyTask{kind: topologySuperseded, regions: []regionpb.Region{region}})
		delete(c.delegates, region.ID)
		d = nil
	}
	if d != nil {
		ds.delegate = d
		if d.post(&registerTask{ds: ds}) {
			return
		}
		delete(c.delegates, region.ID)
	}
	d, err := newDelegate(c, region)
	if err != nil {
		c.failDownstream(ds, cdcpb.NewRegionNotFound(region.ID, err.Error()))
		return
	}
	c.delegates[region.ID] = d
	ds.delegate = d
	d.post(&registerTask{ds: ds})
}

// failDownstream ends a subscription that no delegate owns.
func (c *Coordinator) failDownstream(ds *Downstream, err *cdcpb.Error) {
	c.metrics.RegionErrors.WithLabelValues(err.Kind.String()).Inc()
	_ = ds.deliverError(c.ctx, err)
	c.forget(ds)
}

// forget removes ds from its connection's table if it is still there.
func (c *Coordinator) forget(ds *Downstream) {
	cn, ok := c.conns[ds.connID]
	if !ok {
		return
	}
	key := subscriptionKey{regionID: ds.regionID, reqID: ds.reqID}
	if cn.downstreams[key] == ds {
		delete(cn.downstreams, key)
	}
}

func (c *Coordinator) deregister(t *deregisterConnTask) error {
	cn, ok := c.conns[t.connID]
	if !ok {
		return errors.Newf("unknown connection %s", t.connID)
	}
	key := subscriptionKey{regionID: t.regionID, reqID: t.reqID}
	ds, ok := cn.downstreams[key]
	if !ok {
		return errors.Newf("no request %d for %s on connection %s", t.reqID, t.regionID, t.connID)
	}
	delete(cn.downstreams, key)
	ds.markStopped()
	if ds.delegate != nil {
		ds.delegate.post(&deregisterTask{ds: ds})
	}
	c.updateGauges()
	return nil
}

func (c *Coordinator) handleReport(ctx context.Context, r *delegateReport) {
	for _, ds := range r.removed {
		c.forget(ds)
	}
	if r.stopped {
		if c.delegates[r.d.regionID] == r.d {
			delete(c.delegates, r.d.regionID)
		}
		if len(c.delegates) == 0 {
			// Nobody needs old values anymore.
			c.cache.Clear()
		}
	}
	for _, ds := range r.reroute {
		c.reroute(ds)
	}
	if r.reload != nil {
		for _, ds := range r.reloaded {
			c.reload(ctx, ds, *r.reload)
		}
	}
	c.updateGauges()
}

// reroute attaches a registration that reached a delegate after it stopped.
func (c *Coordinator) reroute(ds *Downstream) {
	if ds.State() == DownstreamStopped {
		c.forget(ds)
		return
	}
	region, ok := c.store.Region(ds.regionID)
	switch {
	case !ok:
		c.failDownstream(ds, cdcpb.NewRegionNotFound(ds.regionID, ""))
	case region.Epoch != ds.epoch:
		c.failDownstream(ds, cdcpb.NewEpochNotMatch(ds.regionID, region))
	default:
		c.attach(ds, region)
	}
}

// reload replaces ds, whose region merged, with a subscription to the
// merged region starting where ds left off.
func (c *Coordinator) reload(ctx context.Context, ds *Downstream, merged regionpb.Region) {
	cn, ok := c.conns[ds.connID]
	key := subscriptionKey{regionID: ds.regionID, reqID: ds.reqID}
	if !ok || cn.downstreams[key] != ds {
		return
	}
	req := cdcpb.ChangeDataRequest{
		RegionID:     merged.ID,
		RegionEpoch:  merged.Epoch,
		RequestID:    ds.reqID,
		CheckpointTs: ds.checkpointTs,
		KvAPI:        ds.kvAPI,
		ExtraOp:      ds.extraOp,
	}
	req.CheckpointTs.Forward(ds.lastResolved)
	span := merged.Span
	if !ds.wholeRegion {
		req.Span, span = ds.span, ds.span
	}
	nds := newDownstream(ds.connID, req, span, cn.sink)
	cn.downstreams[key] = nds
	log.VEventf(ctx, 1, "reloading %s from %s", nds, req.CheckpointTs)
	c.attach(nds, merged)
}

func (c *Coordinator) updateGauges() {
	n := 0
	for _, cn := range c.conns {
		n += len(cn.downstreams)
	}
	c.metrics.DownstreamCount.Set(float64(n))
	c.metrics.RegionCount.Set(float64(len(c.delegates)))
}
