// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package regionpb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpanContains(t *testing.T) {
	region := Span{Key: Key("b"), EndKey: Key("f")}
	require.True(t, region.ContainsKey(Key("b")))
	require.True(t, region.ContainsKey(Key("e\xff")))
	require.False(t, region.ContainsKey(Key("f")))
	require.False(t, region.ContainsKey(Key("a")))

	require.True(t, region.Contains(Span{Key: Key("c"), EndKey: Key("d")}))
	require.True(t, region.Contains(region))
	require.False(t, region.Contains(Span{Key: Key("c")}))
	require.False(t, region.Contains(Span{Key: Key("a"), EndKey: Key("c")}))

	unbounded := Span{Key: Key("b")}
	require.True(t, unbounded.ContainsKey(Key("zzz")))
	require.True(t, unbounded.Contains(Span{Key: Key("c")}))
	require.False(t, Span{Key: Key("b"), EndKey: Key("b")}.Valid())
}

func TestFormatting(t *testing.T) {
	r := Region{ID: 3, Epoch: Epoch{Version: 2, ConfVer: 1}, Span: Span{Key: Key("a")}}
	require.Equal(t, `r3["a", /Max)@v2/c1`, r.String())
}
