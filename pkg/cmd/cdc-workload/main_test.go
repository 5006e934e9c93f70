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
	"bytes"
	"context"
	"testing"

	"github.com/johnny-rice/tikv/pkg/util/leaktest"
	"github.com/johnny-rice/tikv/pkg/util/log"
	"github.com/stretchr/testify/require"
)

func TestRunWorkload(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	for flag, value := range map[string]string{
		"regions":     "3",
		"feeds":       "2",
		"txns":        "200",
		"concurrency": "4",
		"keys":        "50",
		"split-every": "100",
		"old-values":  "true",
		"seed":        "42",
	} {
		require.NoError(t, runFlags.Set(flag, value))
	}
	var out bytes.Buffer
	require.NoError(t, runWorkload(context.Background(), &out))
	summary := out.String()
	require.Contains(t, summary, "1 splits")
	require.Contains(t, summary, "over 4 regions")
	require.Contains(t, summary, "MIN RESOLVED")
	require.Contains(t, summary, "txns committed")
}
