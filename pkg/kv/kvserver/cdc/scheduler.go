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
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// regionEvent is a mask of pending events for a delegate. Events enqueued
// between two invocations of the delegate's callback are coalesced.
type regionEvent int

const (
	// eventQueued marks a delegate that is in the run queue or running.
	eventQueued regionEvent = 1 << iota
	// eventStopped is delivered once, when the scheduler shuts down.
	eventStopped
	// eventTasks means the delegate's mailbox has tasks.
	eventTasks
	numRegionEvents int = iota
)

var regionEventNames = [...]string{"queued", "stopped", "tasks"}

func (e regionEvent) String() string {
	var names []string
	for i := 0; i < numRegionEvents; i++ {
		if e&(1<<i) != 0 {
			names = append(names, regionEventNames[i])
		}
	}
	return strings.Join(names, "|")
}

// regionEnqueueChunk bounds the number of delegates enqueued under one
// acquisition of the scheduler lock by enqueueAll.
const regionEnqueueChunk = 100

// regionScheduler runs the delegates of a node on a fixed pool of workers.
// A delegate registers a callback and enqueues events for itself; the
// callback is invoked with all events enqueued since its last invocation,
// never concurrently with itself. Work of one region is thus processed in
// order while regions proceed in parallel.
type regionScheduler struct {
	workers int

	mu struct {
		syncutil.Mutex
		nextID    int64
		callbacks map[int64]func(regionEvent)
		pending   map[int64]regionEvent
		runQueue  *taskQueue[int64]
		stopping  bool
	}
	cond *sync.Cond
	wg   sync.WaitGroup
}

func newRegionScheduler(workers int) *regionScheduler {
	s := &regionScheduler{workers: max(workers, 1)}
	s.mu.callbacks = make(map[int64]func(regionEvent))
	s.mu.pending = make(map[int64]regionEvent)
	s.mu.runQueue = newTaskQueue[int64]()
	s.cond = sync.NewCond(&s.mu)
	return s
}

// start runs the workers until stopper quiesces.
func (s *regionScheduler) start(ctx context.Context, stopper *stop.Stopper) error {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		if err := stopper.RunAsyncTask(ctx, fmt.Sprintf("cdc-region-worker-%d", i), func(ctx context.Context) {
			defer s.wg.Done()
			s.work(ctx)
		}); err != nil {
			s.wg.Done()
			s.stop()
			return err
		}
	}
	if err := stopper.RunAsyncTask(ctx, "cdc-region-scheduler-stop", func(ctx context.Context) {
		<-stopper.ShouldQuiesce()
		log.VEvent(ctx, 2, "region scheduler quiescing")
		s.stop()
	}); err != nil {
		s.stop()
		return err
	}
	return nil
}

func (s *regionScheduler) register(fn func(regionEvent)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.stopping {
		return 0, errors.New("region scheduler stopping")
	}
	s.mu.nextID++
	s.mu.callbacks[s.mu.nextID] = fn
	return s.mu.nextID, nil
}

// unregister drops the callback of id. A running invocation finishes.
func (s *regionScheduler) unregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.callbacks, id)
	delete(s.mu.pending, id)
}

// enqueueLocked adds evt to the pending events of id and returns whether id
// has to be put on the run queue.
func (s *regionScheduler) enqueueLocked(id int64, evt regionEvent) bool {
	s.mu.AssertHeld()
	if _, ok := s.mu.callbacks[id]; !ok || s.mu.stopping {
		return false
	}
	prev := s.mu.pending[id]
	s.mu.pending[id] = prev | evt | eventQueued
	if prev != 0 {
		return false
	}
	s.mu.runQueue.pushBack(id)
	return true
}

func (s *regionScheduler) enqueue(id int64, evt regionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueLocked(id, evt) {
		s.cond.Signal()
	}
}

// enqueueAll enqueues evt for every id, a chunk at a time.
func (s *regionScheduler) enqueueAll(ids []int64, evt regionEvent) {
	woken := 0
	for len(ids) > 0 {
		n := min(len(ids), regionEnqueueChunk)
		s.mu.Lock()
		for _, id := range ids[:n] {
			if s.enqueueLocked(id, evt) {
				woken++
			}
		}
		s.mu.Unlock()
		ids = ids[n:]
	}
	if woken >= s.workers {
		s.cond.Broadcast()
		return
	}
	for ; woken > 0; woken-- {
		s.cond.Signal()
	}
}

func (s *regionScheduler) work(ctx context.Context) {
	for {
		s.mu.Lock()
		var id int64
		for {
			if s.mu.stopping {
				s.mu.Unlock()
				return
			}
			var ok bool
			if id, ok = s.mu.runQueue.popFront(); ok {
				break
			}
			s.cond.Wait()
		}
		fn, evt := s.mu.callbacks[id], s.mu.pending[id]
		// Events arriving while fn runs accumulate on top of eventQueued,
		// which keeps id off the run queue until fn returns.
		s.mu.pending[id] = eventQueued
		s.mu.Unlock()

		if fn == nil {
			continue
		}
		fn(evt &^ eventQueued)

		s.mu.Lock()
		switch p, ok := s.mu.pending[id]; {
		case !ok:
			// Unregistered.
		case p == eventQueued:
			delete(s.mu.pending, id)
		default:
			s.mu.runQueue.pushBack(id)
		}
		s.mu.Unlock()
		if log.V(3) {
			log.Infof(ctx, "region callback %d processed %s", id, evt)
		}
	}
}

// stop waits for the workers to exit and then delivers eventStopped to every
// registered callback, along with whatever was pending for it.
func (s *regionScheduler) stop() {
	s.mu.Lock()
	if s.mu.stopping {
		s.mu.Unlock()
		return
	}
	s.mu.stopping = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()

	s.mu.Lock()
	callbacks, pending := s.mu.callbacks, s.mu.pending
	s.mu.callbacks = make(map[int64]func(regionEvent))
	s.mu.pending = make(map[int64]regionEvent)
	s.mu.Unlock()
	for id, fn := range callbacks {
		fn((pending[id] &^ eventQueued) | eventStopped)
	}
}

// regionHandle is a delegate's registration with the region scheduler.
type regionHandle struct {
	s  *regionScheduler
	id int64
}

func (h *regionHandle) register(fn func(regionEvent)) error {
	if h.id != 0 {
		return errors.AssertionFailedf("already registered as %d", h.id)
	}
	var err error
	h.id, err = h.s.register(fn)
	return err
}

func (h *regionHandle) enqueue(evt regionEvent) { h.s.enqueue(h.id, evt) }

func (h *regionHandle) unregister() { h.s.unregister(h.id) }
