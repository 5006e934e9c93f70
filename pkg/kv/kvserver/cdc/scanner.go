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
	"math"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage"
	"github.com/johnny-rice/tikv/pkg/storage/enginepb"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
	"github.com/marusama/semaphore"
	"golang.org/x/time/rate"
)

// errScanCanceled is returned by a scan whose subscription went away. It is
// not reported.
var errScanCanceled = errors.New("incremental scan canceled")

// scanRequest asks for the incremental scan of one subscription.
type scanRequest struct {
	d  *Delegate
	ds *Downstream
	// initResolver requests the locks of the whole region to initialize
	// the delegate's resolver.
	initResolver bool
}

// scanBatch is a batch of scanned rows handed to the delegate. The scanner
// does not read the next batch until ack is closed.
type scanBatch struct {
	ds   *Downstream
	rows []cdcpb.EventRow
	// done is set on the last batch, which also carries the snapshot's
	// applied index and, if requested, the region's locks.
	done          bool
	snapshotIndex uint64
	locks         []SnapshotLock
	hasLocks      bool
	ack           chan struct{}
}

// scanner runs incremental scans on a bounded number of goroutines.
type scanner struct {
	store      Store
	stopper    *stop.Stopper
	sem        semaphore.Semaphore
	limiter    *rate.Limiter
	batchRows  int
	batchBytes int64
	knobs      *TestingKnobs
	metrics    *Metrics
}

func newScanner(
	store Store, stopper *stop.Stopper, cfg *Config, knobs *TestingKnobs, metrics *Metrics,
) *scanner {
	limit := rate.Inf
	if cfg.IncrementalScanSpeedLimit > 0 {
		limit = rate.Limit(cfg.IncrementalScanSpeedLimit)
	}
	burst := int(min(max(int64(cfg.IncrementalScanSpeedLimit), int64(cfg.IncrementalScanBatchBytes)), math.MaxInt32))
	return &scanner{
		store:      store,
		stopper:    stopper,
		sem:        semaphore.New(cfg.IncrementalScanConcurrency),
		limiter:    rate.NewLimiter(limit, burst),
		batchRows:  cfg.IncrementalScanBatchSize,
		batchBytes: int64(cfg.IncrementalScanBatchBytes),
		knobs:      knobs,
		metrics:    metrics,
	}
}

// schedule starts the scan asynchronously. Its result is posted to the
// delegate.
func (s *scanner) schedule(ctx context.Context, req scanRequest) error {
	if fn := s.knobs.BeforeSchedulingScan; fn != nil {
		fn(req.ds.regionID, req.ds.reqID)
	}
	return s.stopper.RunAsyncTask(ctx, "cdc-incremental-scan", func(ctx context.Context) {
		ctx, cancel := s.stopper.WithCancelOnQuiesce(ctx)
		defer cancel()
		start := timeutil.Now()
		err := s.scan(ctx, req)
		s.metrics.ScanDuration.Observe(timeutil.Since(start).Seconds())
		switch {
		case err == nil:
		case errors.Is(err, errScanCanceled) || ctx.Err() != nil:
			log.VEventf(ctx, 2, "incremental scan of %s stopped: %v", req.ds, err)
		default:
			s.metrics.ScanFailures.Inc()
			log.Warningf(ctx, "incremental scan of %s failed: %v", req.ds, err)
			req.d.post(&scanFailedTask{ds: req.ds, err: err})
		}
	})
}

func (s *scanner) canceled(ds *Downstream) bool {
	select {
	case <-ds.cancel:
		return true
	default:
		return false
	}
}

// batcher accumulates rows and hands full batches to the delegate.
type batcher struct {
	s       *scanner
	req     scanRequest
	rows    []cdcpb.EventRow
	bytes   int64
	batches int
}

func (b *batcher) add(ctx context.Context, row cdcpb.EventRow) error {
	b.rows = append(b.rows, row)
	b.bytes += int64(len(row.Key) + len(row.Value) + len(row.OldValue))
	if len(b.rows) >= b.s.batchRows || b.bytes >= b.s.batchBytes {
		return b.flush(ctx, &scanBatch{})
	}
	return nil
}

// flush sends the accumulated rows in batch and waits for the delegate to
// take them.
func (b *batcher) flush(ctx context.Context, batch *scanBatch) error {
	s, ds := b.s, b.req.ds
	if n := int(min(b.bytes, int64(s.limiter.Burst()))); n > 0 {
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return err
		}
	}
	s.metrics.ScanRows.Add(float64(len(b.rows)))
	s.metrics.ScanBytes.Add(float64(b.bytes))
	batch.ds = ds
	batch.rows = b.rows
	batch.ack = make(chan struct{})
	b.rows, b.bytes = nil, 0
	if !b.req.d.post(batch) {
		return errScanCanceled
	}
	select {
	case <-batch.ack:
	case <-ds.cancel:
		return errScanCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
	b.batches++
	if batch.done {
		return nil
	}
	return b.checkBatch()
}

// checkBatch runs between batches: it is where cancellation and injected
// failures are observed.
func (b *batcher) checkBatch() error {
	if b.s.canceled(b.req.ds) {
		return errScanCanceled
	}
	if fn := b.s.knobs.OnScanBatch; fn != nil {
		return fn(b.req.ds.regionID, b.req.ds.reqID, b.batches)
	}
	return nil
}

func (s *scanner) scan(ctx context.Context, req scanRequest) error {
	ds := req.ds
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if s.canceled(ds) {
		return errScanCanceled
	}
	if fn := s.knobs.BeforeIncrementalScan; fn != nil {
		fn(ctx, ds.regionID, ds.reqID)
	}

	snap, region, err := s.store.RegionSnapshot(ctx, ds.regionID, ds.epoch)
	if err != nil {
		return err
	}
	defer func() { _ = snap.Close() }()
	if !ds.claimSnapshot() {
		return errScanCanceled
	}
	log.VEventf(ctx, 2, "scanning %s of %s from %s at index %d", ds.span, ds, ds.checkpointTs, snap.Index)

	b := &batcher{s: s, req: req}
	if err := b.checkBatch(); err != nil {
		return err
	}
	if ds.kvAPI == cdcpb.KvAPIRaw {
		err = storage.ScanRaw(snap, ds.span, ds.checkpointTs, func(key []byte, v enginepb.RawValue) error {
			row := cdcpb.EventRow{
				Type: cdcpb.RowCommitted, OpType: cdcpb.OpPut, Key: key, Value: v.Value, CommitTs: v.Ts,
			}
			if v.Deleted {
				row.OpType = cdcpb.OpDelete
			}
			return b.add(ctx, row)
		})
	} else {
		err = s.scanTxn(ctx, snap, b)
	}
	if err != nil {
		return err
	}

	last := &scanBatch{done: true, snapshotIndex: snap.Index}
	if req.initResolver {
		last.hasLocks = true
		err := storage.ScanLocks(snap, region.Span, func(key []byte, lock enginepb.Lock) error {
			if tracksLock(lock.Type) {
				last.locks = append(last.locks, SnapshotLock{Key: key, StartTs: lock.StartTs})
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "scanning locks")
		}
	}
	if fn := s.knobs.BeforeScanFinish; fn != nil {
		fn(ds.regionID, ds.reqID)
	}
	return b.flush(ctx, last)
}

func (s *scanner) scanTxn(ctx context.Context, snap *storage.Snapshot, b *batcher) error {
	ds := b.req.ds
	it, err := storage.NewDeltaScanner(snap, ds.span, ds.checkpointTs)
	if err != nil {
		return err
	}
	defer it.Close()
	readOld := ds.extraOp == cdcpb.ExtraOpReadOldValue
	for {
		delta, ok, err := it.Next()
		if err != nil || !ok {
			return err
		}
		for _, w := range delta.Writes {
			row := cdcpb.EventRow{
				Type: cdcpb.RowCommitted, OpType: opTypeOfWrite(w.Type), Key: delta.Key,
				Value: w.Value, StartTs: w.StartTs, CommitTs: w.CommitTs,
			}
			if readOld {
				if row.OldValue, err = storage.MVCCGetOldValue(snap, delta.Key, w.StartTs); err != nil {
					return err
				}
			}
			if err := b.add(ctx, row); err != nil {
				return err
			}
		}
		if l := delta.Lock; l != nil && emitsRow(l.Type) {
			row := cdcpb.EventRow{
				Type: cdcpb.RowPrewrite, OpType: opTypeOfLock(l.Type), Key: delta.Key,
				Value: delta.LockValue, StartTs: l.StartTs, Generation: l.Generation,
			}
			if readOld {
				if row.OldValue, err = storage.MVCCGetOldValue(snap, delta.Key, l.StartTs); err != nil {
					return err
				}
			}
			if err := b.add(ctx, row); err != nil {
				return err
			}
		}
	}
}

// tracksLock returns whether locks of type t hold back the resolved
// timestamp. Pessimistic locks do not: they are replaced by a prewrite before
// the transaction commits.
func tracksLock(t enginepb.LockType) bool {
	return t != enginepb.LockPessimistic
}

// emitsRow returns whether a lock of type t carries a mutation.
func emitsRow(t enginepb.LockType) bool {
	return t == enginepb.LockPut || t == enginepb.LockDelete
}

func opTypeOfLock(t enginepb.LockType) cdcpb.OpType {
	if t == enginepb.LockDelete {
		return cdcpb.OpDelete
	}
	return cdcpb.OpPut
}

func opTypeOfWrite(t enginepb.WriteType) cdcpb.OpType {
	if t == enginepb.WriteDelete {
		return cdcpb.OpDelete
	}
	return cdcpb.OpPut
}

// scanSpan returns the part of region a request subscribes to.
func scanSpan(region regionpb.Region, req cdcpb.ChangeDataRequest) (regionpb.Span, error) {
	if len(req.Span.Key) == 0 && len(req.Span.EndKey) == 0 {
		return region.Span, nil
	}
	if !req.Span.Valid() || !region.Span.Contains(req.Span) {
		return regionpb.Span{}, errors.Newf("span %s is not within region %s", req.Span, region)
	}
	return req.Span, nil
}
