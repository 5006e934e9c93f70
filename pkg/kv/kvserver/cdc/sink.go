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
	"time"

	"github.com/cockroachdb/errors"
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/util/retry"
	"github.com/johnny-rice/tikv/pkg/util/stop"
	"github.com/johnny-rice/tikv/pkg/util/syncutil"
)

// ErrSinkCongested closes a connection whose consumer does not keep up. It is
// marked as ErrSinkClosed.
var ErrSinkCongested = errors.Mark(errors.New("sink congested: memory quota exceeded"), ErrSinkClosed)

// StreamSender is the transport of a consumer connection. Send may block.
type StreamSender interface {
	Send(*cdcpb.ChangeDataEvent) error
}

//  region workers ──┐
//                   ├─► BufferedSink.Send ─► queue ─► BufferedSink.Run ─► StreamSender.Send
//  coordinator ─────┘      (non-blocking)              (one goroutine)

// BufferedSink is a Sink which buffers events in memory and forwards them to
// a StreamSender from its own goroutine, so that a slow consumer never blocks
// region processing. The buffer is bounded by a memory quota; a sink
// exceeding it is closed with ErrSinkCongested.
type BufferedSink struct {
	sender  StreamSender
	quota   int64
	metrics *Metrics

	// queueMu protects the buffer queue.
	queueMu struct {
		syncutil.Mutex
		stopped bool
		err     error
		bytes   int64
		buffer  *taskQueue[*cdcpb.ChangeDataEvent]
	}

	// notifyDataC wakes up Run. It has a buffer of one and all writes to it
	// are non-blocking.
	notifyDataC chan struct{}
	// stoppedC is closed when the sink is closed.
	stoppedC chan struct{}
}

var _ Sink = (*BufferedSink)(nil)

// NewBufferedSink makes a sink forwarding to sender. Run must be called to
// drain it.
func NewBufferedSink(sender StreamSender, quota ByteSize, metrics *Metrics) *BufferedSink {
	s := &BufferedSink{
		sender:      sender,
		quota:       int64(quota),
		metrics:     metrics,
		notifyDataC: make(chan struct{}, 1),
		stoppedC:    make(chan struct{}),
	}
	s.queueMu.buffer = newTaskQueue[*cdcpb.ChangeDataEvent]()
	return s
}

// Send implements Sink. It does not block.
func (s *BufferedSink) Send(_ context.Context, ev *cdcpb.ChangeDataEvent) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queueMu.stopped {
		return ErrSinkClosed
	}
	size := ev.Size()
	if s.quota > 0 && s.queueMu.bytes+size > s.quota {
		s.metrics.SinkCongested.Inc()
		s.closeLocked(ErrSinkCongested)
		return ErrSinkCongested
	}
	s.queueMu.bytes += size
	s.metrics.SinkBufferedBytes.Add(float64(size))
	s.queueMu.buffer.pushBack(ev)
	select {
	case s.notifyDataC <- struct{}{}:
	default:
	}
	return nil
}

// Close implements Sink. Buffered events are dropped.
func (s *BufferedSink) Close(err error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.closeLocked(err)
}

func (s *BufferedSink) closeLocked(err error) {
	s.queueMu.AssertHeld()
	if s.queueMu.stopped {
		return
	}
	s.queueMu.stopped = true
	s.queueMu.err = err
	s.queueMu.buffer.drain(func(*cdcpb.ChangeDataEvent) {})
	s.metrics.SinkBufferedBytes.Sub(float64(s.queueMu.bytes))
	s.queueMu.bytes = 0
	close(s.stoppedC)
}

// Err returns the error the sink was closed with.
func (s *BufferedSink) Err() error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queueMu.err
}

// Done returns a channel closed once the sink is closed.
func (s *BufferedSink) Done() <-chan struct{} {
	return s.stoppedC
}

// Run forwards buffered events to the sender until the sink is closed, the
// context is canceled or the stopper quiesces. It returns the error the sink
// was closed with, or the sender's error, in which case the sink is closed.
func (s *BufferedSink) Run(ctx context.Context, stopper *stop.Stopper) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopper.ShouldQuiesce():
			return nil
		case <-s.stoppedC:
			return s.Err()
		case <-s.notifyDataC:
			for {
				ev, ok := s.popFront()
				if !ok {
					break
				}
				if err := s.sender.Send(ev); err != nil {
					err = errors.Wrap(err, "sending to consumer")
					s.Close(err)
					return err
				}
			}
		}
	}
}

func (s *BufferedSink) popFront() (*cdcpb.ChangeDataEvent, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	ev, ok := s.queueMu.buffer.popFront()
	if ok {
		size := ev.Size()
		s.queueMu.bytes -= size
		s.metrics.SinkBufferedBytes.Sub(float64(size))
	}
	return ev, ok
}

// Used for testing only.
func (s *BufferedSink) len() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queueMu.buffer.len()
}

// Used for testing only.
func (s *BufferedSink) waitForEmptyBuffer(ctx context.Context) error {
	opts := retry.Options{
		InitialBackoff: 5 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     time.Second,
		MaxRetries:     50,
	}
	for re := retry.StartWithCtx(ctx, opts); re.Next(); {
		if s.len() == 0 {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("buffered sink failed to send in time")
}
