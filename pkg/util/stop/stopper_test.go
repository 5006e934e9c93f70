// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package stop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopperWaitsForTasks(t *testing.T) {
	ctx := context.Background()
	s := NewStopper()

	var order []string
	s.AddCloser(CloserFn(func() { order = append(order, "closer") }))

	done := make(chan struct{})
	require.NoError(t, s.RunAsyncTask(ctx, "waiter", func(ctx context.Context) {
		<-s.ShouldQuiesce()
		time.Sleep(10 * time.Millisecond)
		close(done)
	}))
	require.Equal(t, 1, s.NumTasks())

	s.Stop(ctx)
	<-done
	require.Equal(t, []string{"closer"}, order)
	require.Equal(t, 0, s.NumTasks())

	require.ErrorIs(t, s.RunAsyncTask(ctx, "late", func(context.Context) {}), ErrUnavailable)
	// Second Stop is a no-op.
	s.Stop(ctx)
}

func TestWithCancelOnQuiesce(t *testing.T) {
	s := NewStopper()
	ctx, cancel := s.WithCancelOnQuiesce(context.Background())
	defer cancel()
	s.Stop(context.Background())
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("context not cancelled on quiesce")
	}
}
