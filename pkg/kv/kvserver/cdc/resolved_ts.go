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
	"bytes"
	"context"
	"sort"

	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
)

// regionResolved is the outcome of one resolve request to a delegate.
type regionResolved struct {
	regionID regionpb.RegionID
	// skipped is set if the delegate stopped before it got the request.
	skipped bool
	// ready is set if the region's resolver is initialized.
	ready bool
	ts    hlc.Timestamp
	// downstreams are the subscriptions whose resolved timestamp advanced to
	// ts.
	downstreams []*Downstream
	// stopAfter is set by a drained delegate. It stops once this round was
	// published.
	stopAfter *Delegate
}

// resolveCollector gathers the answers of all delegates to one tick and
// hands them back to the coordinator loop once the last one arrived.
type resolveCollector struct {
	c     *Coordinator
	minTs hlc.Timestamp
	done  chan struct{}
	mu    struct {
		syncutil.Mutex
		remaining int
		results   []regionResolved
	}
}

func (rc *resolveCollector) add(res regionResolved) {
	rc.mu.Lock()
	rc.mu.results = append(rc.mu.results, res)
	rc.mu.remaining--
	last := rc.mu.remaining == 0
	rc.mu.Unlock()
	if last {
		rc.finish()
	}
}

func (rc *resolveCollector) finish() {
	if !rc.c.post(&resolvedTask{c: rc}) && rc.done != nil {
		close(rc.done)
	}
}

// tick asks every delegate to resolve at t.ts.
func (c *Coordinator) tick(ctx context.Context, t *tickTask) {
	rc := &resolveCollector{c: c, minTs: t.ts, done: t.done}
	if len(c.delegates) == 0 {
		rc.finish()
		return
	}
	rc.mu.remaining = len(c.delegates)
	ids := make([]int64, 0, len(c.delegates))
	for id, d := range c.delegates {
		if !d.push(&resolveTask{minTs: t.ts, c: rc}) {
			rc.add(regionResolved{regionID: id, skipped: true})
			continue
		}
		ids = append(ids, d.sched.id)
	}
	c.sched.enqueueAll(ids, eventTasks)
	log.VEventf(ctx, 3, "resolving %d regions at %s", len(c.delegates), t.ts)
}

type resolvedKey struct {
	connID cdcpb.ConnID
	reqID  cdcpb.RequestID
	ts     hlc.Timestamp
}

type resolvedBatch struct {
	downstreams []*Downstream
	regions     []regionpb.RegionID
}

// publishResolved sends the resolved timestamps of a finished round. The
// subscriptions of a connection that share a request id and a timestamp are
// batched into one event.
func (c *Coordinator) publishResolved(ctx context.Context, rc *resolveCollector) {
	if rc.done != nil {
		defer close(rc.done)
	}
	rc.mu.Lock()
	results := rc.mu.results
	rc.mu.Unlock()

	batches := make(map[resolvedKey]*resolvedBatch)
	var keys []resolvedKey
	unresolved := 0
	var minResolved hlc.Timestamp
	var stalled []regionpb.RegionID
	now := timeutil.Now()
	var drained []*Delegate
	for _, res := range results {
		if res.stopAfter != nil {
			drained = append(drained, res.stopAfter)
		}
		if res.skipped {
			continue
		}
		if !res.ready {
			unresolved++
			continue
		}
		if minResolved.IsEmpty() || res.ts.Less(minResolved) {
			minResolved = res.ts
		}
		if now.Sub(res.ts.GoTime()) > c.cfg.StalledRegionThreshold {
			stalled = append(stalled, res.regionID)
		}
		for _, ds := range res.downstreams {
			k := resolvedKey{connID: ds.connID, reqID: ds.reqID, ts: res.ts}
			b, ok := batches[k]
			if !ok {
				b = &resolvedBatch{}
				batches[k] = b
				keys = append(keys, k)
			}
			b.downstreams = append(b.downstreams, ds)
			b.regions = append(b.regions, ds.regionID)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if n := bytes.Compare(a.connID[:], b.connID[:]); n != 0 {
			return n < 0
		}
		if a.reqID != b.reqID {
			return a.reqID < b.reqID
		}
		return a.ts.Less(b.ts)
	})
	for _, k := range keys {
		c.sendResolved(ctx, k, batches[k])
	}
	for _, d := range drained {
		d.post(&topologyTask{kind: topologyDrained})
	}

	c.metrics.UnresolvedRegions.Set(float64(unresolved))
	if !minResolved.IsEmpty() {
		c.metrics.MinResolvedTsLag.Set(now.Sub(minResolved.GoTime()).Seconds())
	}
	if len(stalled) > 0 && c.stalledEvery.ShouldLog() {
		sort.Slice(stalled, func(i, j int) bool { return stalled[i] < stalled[j] })
		log.Warningf(ctx, "%d regions have resolved timestamps lagging more than %s, e.g. %s",
			len(stalled), c.cfg.StalledRegionThreshold, stalled[0])
	}
}

// sendResolved sends one resolved timestamp event to a connection. Each
// included subscription stays locked while the event is sent, so it can't
// interleave with a terminal error of the subscription. Rounds may finish out
// of order; a subscription that was already sent k.ts or more is left out.
func (c *Coordinator) sendResolved(ctx context.Context, k resolvedKey, b *resolvedBatch) {
	cn, ok := c.conns[k.connID]
	if !ok {
		return
	}
	regions := b.regions[:0:0]
	var locked []*Downstream
	for i, ds := range b.downstreams {
		if !ds.lockIfInitialized() {
			continue
		}
		if !ds.resolvedSent.Less(k.ts) {
			ds.mu.Unlock()
			continue
		}
		locked = append(locked, ds)
		regions = append(regions, b.regions[i])
	}
	defer func() {
		for _, ds := range locked {
			ds.mu.Unlock()
		}
	}()
	if len(regions) == 0 {
		return
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	ev := &cdcpb.ChangeDataEvent{ResolvedTs: &cdcpb.ResolvedTs{
		Regions:   regions,
		Ts:        k.ts,
		RequestID: k.reqID,
	}}
	if err := cn.sink.Send(ctx, ev); err != nil {
		log.VEventf(ctx, 2, "dropping resolved ts for %s: %v", k.connID, err)
		return
	}
	for _, ds := range locked {
		ds.resolvedSent = k.ts
	}
	c.metrics.ResolvedEvents.Inc()
}

