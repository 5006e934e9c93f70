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
	"slices"
	"testing"
	"time"

	"github.com/johnny-rice/tikv/pkg/testutils"
	"github.com/johnny-rice/tikv/pkg/util/leaktest"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
	"github.com/stretchr/testify/require"
)

// testRegion records the events its callback is invoked with. It can be
// paused inside the callback.
type testRegion struct {
	events chan regionEvent
	mu     struct {
		syncutil.Mutex
		release chan struct{}
		paused  chan struct{}
	}
	history []regionEvent
	h       regionHandle
}

func registerTestRegion(t *testing.T, s *regionScheduler) *testRegion {
	t.Helper()
	r := &testRegion{events: make(chan regionEvent, 1000), h: regionHandle{s: s}}
	require.NoError(t, r.h.register(r.process))
	return r
}

func (r *testRegion) process(evt regionEvent) {
	r.events <- evt
	r.mu.Lock()
	release, paused := r.mu.release, r.mu.paused
	r.mu.Unlock()
	if release != nil {
		close(paused)
		<-release
	}
}

func (r *testRegion) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.release = make(chan struct{})
	r.mu.paused = make(chan struct{})
}

func (r *testRegion) waitPaused() {
	r.mu.Lock()
	paused := r.mu.paused
	r.mu.Unlock()
	<-paused
}

func (r *testRegion) resume() {
	r.mu.Lock()
	release := r.mu.release
	r.mu.release, r.mu.paused = nil, nil
	r.mu.Unlock()
	close(release)
}

// waitFor collects events until the history satisfies ok.
func (r *testRegion) waitFor(t *testing.T, ok func([]regionEvent) bool) {
	t.Helper()
	timeout := time.After(testutils.DefaultSucceedsSoonDuration)
	for !ok(r.history) {
		select {
		case evt := <-r.events:
			r.history = append(r.history, evt)
		case <-timeout:
			t.Fatalf("unexpected region events %v", r.history)
		}
	}
}

func (r *testRegion) requireHistory(t *testing.T, history ...regionEvent) {
	t.Helper()
	r.waitFor(t, func(h []regionEvent) bool { return slices.Equal(history, h) })
}

func (r *testRegion) requireStopped(t *testing.T) {
	t.Helper()
	r.waitFor(t, func(h []regionEvent) bool {
		return len(h) > 0 && h[len(h)-1]&eventStopped != 0
	})
}

const (
	te1 regionEvent = 1 << (numRegionEvents + iota)
	te2
	te3
)

func startRegionScheduler(t *testing.T, workers int) (*regionScheduler, *stop.Stopper) {
	t.Helper()
	stopper := stop.NewStopper()
	s := newRegionScheduler(workers)
	require.NoError(t, s.start(context.Background(), stopper))
	return s, stopper
}

// TestRegionSchedulerSerializesRegion checks that a region's callback never
// runs concurrently with itself and that events enqueued meanwhile are
// coalesced into the next invocation.
func TestRegionSchedulerSerializesRegion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	s, stopper := startRegionScheduler(t, 2)
	defer stopper.Stop(context.Background())

	r := registerTestRegion(t, s)
	r.pause()
	r.h.enqueue(te1)
	r.waitPaused()
	r.h.enqueue(te2)
	r.h.enqueue(te3)
	r.resume()
	r.requireHistory(t, te1, te2|te3)
}

// TestRegionSchedulerOtherRegionsProceed checks that a busy region does not
// hold up the others.
func TestRegionSchedulerOtherRegionsProceed(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()
	s, stopper := startRegionScheduler(t, 2)
	defer stopper.Stop(ctx)

	r1, r2 := registerTestRegion(t, s), registerTestRegion(t, s)
	r1.pause()
	r1.h.enqueue(te1)
	r1.waitPaused()
	r2.h.enqueue(te1)
	r2.requireHistory(t, te1)
	r1.resume()
	r1.requireHistory(t, te1)

	stopper.Stop(ctx)
	r1.requireStopped(t)
	r2.requireStopped(t)
	_, err := s.register(func(regionEvent) {})
	require.Error(t, err)
}

func TestRegionHandle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()
	s, stopper := startRegionScheduler(t, 2)
	defer stopper.Stop(ctx)

	r := registerTestRegion(t, s)
	require.Error(t, r.h.register(r.process), "registered twice")
	r.pause()
	r.h.enqueue(te2)
	r.waitPaused()
	r.h.unregister()
	r.resume()
	r.requireHistory(t, te2)

	// Nothing reaches an unregistered region, not even the stop.
	r.h.enqueue(te1)
	stopper.Stop(ctx)
	require.Empty(t, r.events)
	require.Equal(t, []regionEvent{te2}, r.history)
}

func TestRegionSchedulerEnqueueAll(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	s, stopper := startRegionScheduler(t, 2)
	defer stopper.Stop(context.Background())

	regions := make([]*testRegion, 2*regionEnqueueChunk+3)
	ids := make([]int64, len(regions))
	for i := range regions {
		regions[i] = registerTestRegion(t, s)
		ids[i] = regions[i].h.id
	}
	s.enqueueAll(ids, eventTasks)
	for _, r := range regions {
		r.requireHistory(t, eventTasks)
	}
}

func TestRegionEventString(t *testing.T) {
	require.Equal(t, "queued|tasks", (eventQueued | eventTasks).String())
	require.Equal(t, "stopped", eventStopped.String())
}

func TestTaskQueueReadWrite(t *testing.T) {
	q := newTaskQueue[int64]()
	const n = 3*taskQueueChunkSize + 7
	for i := int64(0); i < n; i++ {
		q.pushBack(i)
	}
	require.Equal(t, n, q.len())
	for i := int64(0); i < n; i++ {
		v, ok := q.popFront()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.popFront()
	require.False(t, ok)
	require.True(t, q.empty())
}

func TestTaskQueueInterleaved(t *testing.T) {
	q := newTaskQueue[int]()
	next, expected := 0, 0
	for round := 0; round < 5; round++ {
		for i := 0; i < taskQueueChunkSize+round*3; i++ {
			q.pushBack(next)
			next++
		}
		for i := 0; i < taskQueueChunkSize/2; i++ {
			v, ok := q.popFront()
			require.True(t, ok)
			require.Equal(t, expected, v)
			expected++
		}
	}
	var rest []int
	q.drain(func(v int) { rest = append(rest, v) })
	require.Len(t, rest, next-expected)
	require.Equal(t, expected, rest[0])
	require.Equal(t, next-1, rest[len(rest)-1])
	require.Equal(t, 0, q.len())
}
