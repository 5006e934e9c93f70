// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc"
	"github.com/johnny-rice/tikv/pkg/kv/kvserver/cdc/cdctest"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/retry"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/johnny-rice/tikv/pkg/util/timeutil"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func keyName(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

// consumer is the receiving end of one connection. It counts what it gets.
type consumer struct {
	id   int
	conn cdcpb.ConnID
	sink *cdc.BufferedSink

	mu struct {
		syncutil.Mutex
		rows     map[cdcpb.RowType]int
		bytes    int64
		resolved map[regionpb.RegionID]hlc.Timestamp
		events   int
		errors   int
	}
}

func newConsumer(id int) *consumer {
	c := &consumer{id: id}
	c.mu.rows = make(map[cdcpb.RowType]int)
	c.mu.resolved = make(map[regionpb.RegionID]hlc.Timestamp)
	return c
}

// Send implements cdc.StreamSender.
func (c *consumer) Send(ev *cdcpb.ChangeDataEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.events++
	c.mu.bytes += ev.Size()
	for _, e := range ev.Events {
		if e.Error != nil {
			c.mu.errors++
			delete(c.mu.resolved, e.RegionID)
			continue
		}
		for _, row := range e.Entries {
			c.mu.rows[row.Type]++
		}
	}
	if r := ev.ResolvedTs; r != nil {
		for _, id := range r.Regions {
			ts := c.mu.resolved[id]
			ts.Forward(r.Ts)
			c.mu.resolved[id] = ts
		}
	}
	return nil
}

// minResolved returns the minimum resolved timestamp over regions. Regions
// the consumer has not heard of count as zero.
func (c *consumer) minResolved(regions []regionpb.Region) hlc.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lowest hlc.Timestamp
	for i, r := range regions {
		ts := c.mu.resolved[r.ID]
		if i == 0 || ts.Less(lowest) {
			lowest = ts
		}
	}
	return lowest
}

type workloadStats struct {
	committed int
	conflicts int
	splits    int
	lastTs    hlc.Timestamp
}

func runWorkload(ctx context.Context, out io.Writer) error {
	cfg := cdc.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = cdc.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *numRegions < 1 || *numFeeds < 1 || *concurrency < 1 || *numKeys < *numRegions {
		return errors.New("--regions, --feeds and --concurrency must be positive and --keys at least --regions")
	}
	metrics := cdc.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}
	c, err := cdctest.NewCluster(ctx, cdctest.Args{Config: cfg, Metrics: metrics})
	if err != nil {
		return err
	}
	defer c.Stopper.Stop(ctx)
	cfg = c.Coordinator.Config()

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warningf(ctx, "metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Infof(ctx, "serving metrics on %s", *metricsAddr)
	}

	for i := 1; i < *numRegions; i++ {
		last := c.Regions()[len(c.Regions())-1]
		if _, _, err := c.Split(last.ID, keyName(i * *numKeys / *numRegions)); err != nil {
			return err
		}
	}

	feedCtx, cancelFeeds := context.WithCancel(ctx)
	defer cancelFeeds()
	feeds, feedCtx := errgroup.WithContext(feedCtx)
	consumers := make([]*consumer, *numFeeds)
	for i := range consumers {
		cons := newConsumer(i + 1)
		cons.sink = cdc.NewBufferedSink(cons, cfg.SinkMemoryQuota, metrics)
		if cons.conn, err = c.Coordinator.OpenConn(cons.sink); err != nil {
			return err
		}
		feeds.Go(func() error {
			if err := cons.sink.Run(feedCtx, c.Stopper); err != nil && !errors.Is(err, cdc.ErrSinkClosed) {
				return errors.Wrapf(err, "feed %d", cons.id)
			}
			return nil
		})
		if err := subscribe(ctx, c, cons, c.Regions()); err != nil {
			return err
		}
		consumers[i] = cons
	}

	start := timeutil.Now()
	stats, err := drive(ctx, c, consumers)
	if err != nil {
		return err
	}
	elapsed := timeutil.Since(start)
	log.Infof(ctx, "ran %d transactions in %s", stats.committed, elapsed)

	if err := waitResolved(ctx, c, consumers, stats.lastTs); err != nil {
		return err
	}
	for _, cons := range consumers {
		c.Coordinator.CloseConn(cons.conn, cdc.ErrSinkClosed)
	}
	cancelFeeds()
	if err := feeds.Wait(); err != nil {
		return err
	}
	printSummary(out, c, consumers, stats, elapsed)
	return nil
}

// subscribe subscribes cons to the regions it does not follow yet.
func subscribe(ctx context.Context, c *cdctest.Cluster, cons *consumer, regions []regionpb.Region) error {
	for _, r := range regions {
		cons.mu.Lock()
		_, ok := cons.mu.resolved[r.ID]
		cons.mu.Unlock()
		if ok {
			continue
		}
		req := c.Request(r.ID, cdcpb.RequestID(cons.id))
		if *oldValues {
			req.ExtraOp = cdcpb.ExtraOpReadOldValue
		}
		if err := c.Coordinator.Register(ctx, cons.conn, req); err != nil {
			return errors.Wrapf(err, "subscribing feed %d to %s", cons.id, r.ID)
		}
		cons.mu.Lock()
		if _, ok := cons.mu.resolved[r.ID]; !ok {
			cons.mu.resolved[r.ID] = 0
		}
		cons.mu.Unlock()
	}
	return nil
}

// drive runs the transactions. Splits are applied between transactions and
// the consumers re-subscribe to the split regions.
func drive(ctx context.Context, c *cdctest.Cluster, consumers []*consumer) (workloadStats, error) {
	var stats workloadStats
	var mu syncutil.Mutex
	s := *seed
	if s == 0 {
		s = timeutil.Now().UnixNano()
	}
	log.Infof(ctx, "workload seed %d", s)

	batch := *numTxns
	if *splitEvery > 0 {
		batch = *splitEvery
	}
	for done := 0; done < *numTxns; done += batch {
		n := min(batch, *numTxns-done)
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < *concurrency; w++ {
			rng := rand.New(rand.NewSource(s + int64(done) + int64(w)))
			share := n / *concurrency
			if w < n%*concurrency {
				share++
			}
			g.Go(func() error {
				for i := 0; i < share; i++ {
					key := keyName(rng.Intn(*numKeys))
					value := []byte(fmt.Sprintf("v%d", rng.Int63()))
					ts, err := c.Put(gctx, key, value)
					mu.Lock()
					switch {
					case err == nil:
						stats.committed++
						stats.lastTs.Forward(ts)
					case errors.Is(err, storage.ErrKeyLocked), errors.Is(err, storage.ErrWriteConflict):
						stats.conflicts++
					default:
						mu.Unlock()
						return err
					}
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		if *splitEvery > 0 && done+n < *numTxns {
			split, err := splitWidest(ctx, c, consumers)
			if err != nil {
				return stats, err
			}
			if split {
				stats.splits++
			}
		}
	}
	return stats, nil
}

// keyIndex parses a key made by keyName, returning def for other keys.
func keyIndex(key []byte, def int) int {
	i, err := strconv.Atoi(strings.TrimPrefix(string(key), "key-"))
	if err != nil {
		return def
	}
	return i
}

// splitWidest splits the region covering the most keys in half and
// re-subscribes the consumers to both halves.
func splitWidest(ctx context.Context, c *cdctest.Cluster, consumers []*consumer) (bool, error) {
	var target regionpb.Region
	width := -1
	for _, r := range c.Regions() {
		lo, hi := keyIndex(r.Span.Key, 0), keyIndex(r.Span.EndKey, *numKeys)
		if hi-lo > width {
			target, width = r, hi-lo
		}
	}
	if width < 2 {
		return false, nil
	}
	errCounts := make([]int, len(consumers))
	for i, cons := range consumers {
		errCounts[i] = cons.errorCount()
	}
	left, right, err := c.Split(target.ID, keyName(keyIndex(target.Span.Key, 0)+width/2))
	if err != nil {
		return false, err
	}
	for i, cons := range consumers {
		if err := resubscribe(ctx, c, cons, errCounts[i], left, right); err != nil {
			return false, err
		}
	}
	return true, nil
}

// resubscribe waits for the split to end the consumer's subscription to
// left, then subscribes it to both halves.
func resubscribe(
	ctx context.Context, c *cdctest.Cluster, cons *consumer, errCount int, left, right regionpb.Region,
) error {
	opts := retry.Options{InitialBackoff: time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	for r := retry.StartWithCtx(ctx, opts); r.Next(); {
		if cons.errorCount() > errCount {
			break
		}
		// A subscription whose scan was still running gets its error only
		// after the next resolve round.
		if err := c.Coordinator.TriggerMinTsTick(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The old subscription may still be registered for a moment.
	var err error
	opts.MaxRetries = 50
	for r := retry.StartWithCtx(ctx, opts); r.Next(); {
		if err = subscribe(ctx, c, cons, []regionpb.Region{left, right}); err == nil {
			return nil
		}
		log.VEventf(ctx, 1, "retrying subscription: %v", err)
	}
	return err
}

func (c *consumer) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.errors
}

// waitResolved ticks until every consumer has resolved every region past ts.
func waitResolved(ctx context.Context, c *cdctest.Cluster, consumers []*consumer, ts hlc.Timestamp) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	regions := c.Regions()
	for r := retry.StartWithCtx(ctx, retry.Options{MaxBackoff: 100 * time.Millisecond}); r.Next(); {
		if err := c.Coordinator.TriggerMinTsTick(ctx); err != nil {
			return err
		}
		done := true
		for _, cons := range consumers {
			if cons.minResolved(regions).LessEq(ts) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
	return errors.Wrapf(ctx.Err(), "waiting for feeds to resolve past %s", ts)
}

func printSummary(
	out io.Writer, c *cdctest.Cluster, consumers []*consumer, stats workloadStats, elapsed time.Duration,
) {
	fmt.Fprintf(out, "%d txns committed, %d conflicts, %d splits in %s (%.0f txn/s) over %d regions\n\n",
		stats.committed, stats.conflicts, stats.splits, elapsed.Round(time.Millisecond),
		float64(stats.committed)/elapsed.Seconds(), len(c.Regions()))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"feed", "events", "committed", "prewrite", "commit", "rollback", "initialized", "errors", "bytes", "min resolved"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	regions := c.Regions()
	for _, cons := range consumers {
		lowest := cons.minResolved(regions)
		cons.mu.Lock()
		table.Append([]string{
			fmt.Sprint(cons.id),
			humanize.Comma(int64(cons.mu.events)),
			humanize.Comma(int64(cons.mu.rows[cdcpb.RowCommitted])),
			humanize.Comma(int64(cons.mu.rows[cdcpb.RowPrewrite])),
			humanize.Comma(int64(cons.mu.rows[cdcpb.RowCommit])),
			humanize.Comma(int64(cons.mu.rows[cdcpb.RowRollback])),
			humanize.Comma(int64(cons.mu.rows[cdcpb.RowInitialized])),
			fmt.Sprint(cons.mu.errors),
			humanize.IBytes(uint64(cons.mu.bytes)),
			lowest.String(),
		})
		cons.mu.Unlock()
	}
	table.Render()
}
