// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package stop provides a Stopper which tracks the async tasks of a server
// component and coordinates their shutdown.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// ErrUnavailable is returned when a task is started on a quiescing stopper.
var ErrUnavailable = errors.New("stopper is quiescing")

// Closer is invoked once all tasks of a stopper have finished.
type Closer interface {
	Close()
}

// CloserFn adapts a func to a Closer.
type CloserFn func()

// Close implements Closer.
func (f CloserFn) Close() { f() }

// Stopper coordinates a graceful shutdown. Components start goroutines with
// RunAsyncTask and watch ShouldQuiesce to learn when to wind down. Stop
// closes the quiesce channel, waits for all tasks, then runs closers.
type Stopper struct {
	quiescer chan struct{}
	stopped  chan struct{}
	tasks    sync.WaitGroup

	mu struct {
		syncutil.Mutex
		quiescing bool
		numTasks  int
		closers   []Closer
	}
}

// NewStopper returns a running Stopper.
func NewStopper() *Stopper {
	return &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// RunAsyncTask runs f in a goroutine. An error is returned if the stopper is
// already quiescing, in which case f is not run.
func (s *Stopper) RunAsyncTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.addTask() {
		return ErrUnavailable
	}
	go func() {
		defer s.runTaskDone()
		log.VEventf(ctx, 3, "task %s started", taskName)
		f(ctx)
	}()
	return nil
}

// RunTask runs f synchronously if the stopper is not quiescing.
func (s *Stopper) RunTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.addTask() {
		return ErrUnavailable
	}
	defer s.runTaskDone()
	f(ctx)
	return nil
}

func (s *Stopper) addTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return false
	}
	s.mu.numTasks++
	s.tasks.Add(1)
	return true
}

func (s *Stopper) runTaskDone() {
	s.mu.Lock()
	s.mu.numTasks--
	s.mu.Unlock()
	s.tasks.Done()
}

// NumTasks returns the number of running tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// AddCloser registers c to be closed once all tasks have stopped.
func (s *Stopper) AddCloser(c Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.closers = append(s.mu.closers, c)
}

// ShouldQuiesce returns a channel which is closed when Stop is called.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiescer
}

// IsStopped returns a channel which is closed once Stop has completed.
func (s *Stopper) IsStopped() <-chan struct{} {
	return s.stopped
}

// WithCancelOnQuiesce returns a child context cancelled when the stopper
// starts quiescing.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.quiescer:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Stop quiesces the stopper, waits for all tasks to complete and runs the
// registered closers. It is safe to call Stop more than once.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.mu.quiescing = true
	s.mu.Unlock()

	log.VEventf(ctx, 2, "stopper quiescing")
	close(s.quiescer)
	s.tasks.Wait()

	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
	close(s.stopped)
}
