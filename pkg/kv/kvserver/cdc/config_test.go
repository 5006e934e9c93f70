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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min-ts-interval: 200ms
incremental-scan-speed-limit: 10 MiB
incremental-scan-batch-bytes: 4096
reload-delegate-on-merge: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 200*time.Millisecond, cfg.MinTsInterval)
	require.Equal(t, ByteSize(10<<20), cfg.IncrementalScanSpeedLimit)
	require.Equal(t, ByteSize(4096), cfg.IncrementalScanBatchBytes)
	require.True(t, cfg.ReloadDelegateOnMerge)
	// Defaults fill the rest.
	require.Equal(t, defaultRegionWorkers, cfg.RegionWorkers)
	require.Equal(t, defaultSinkMemoryQuota, cfg.SinkMemoryQuota)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.Contains(t, string(out), "incremental-scan-speed-limit: 10 MiB")
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no-such-key: 1\n"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("region-workers: -1\n"), 0644))
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "region-workers")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
