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

	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/johnny-rice/tikv/pkg/regionpb"
)

// TestingKnobs are hooks into the change feed machinery for tests. A hook
// that blocks pauses the corresponding step.
type TestingKnobs struct {
	// BeforeSchedulingScan is called on the region worker before an
	// incremental scan is handed to the scan pool.
	BeforeSchedulingScan func(regionpb.RegionID, cdcpb.RequestID)
	// BeforeIncrementalScan is called on the scan goroutine once it holds a
	// scan slot, before the snapshot is taken.
	BeforeIncrementalScan func(context.Context, regionpb.RegionID, cdcpb.RequestID)
	// OnScanBatch is called before every batch is read. A non-nil error fails
	// the scan as if storage had returned it.
	OnScanBatch func(_ regionpb.RegionID, _ cdcpb.RequestID, batch int) error
	// BeforeScanFinish is called before the batch carrying the initialized
	// marker is handed to the region.
	BeforeScanFinish func(regionpb.RegionID, cdcpb.RequestID)
	// BeforeResolverReady is called on the region worker before a region's
	// resolver is initialized from a finished scan.
	BeforeResolverReady func(regionpb.RegionID)
}
