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

	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/storage"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// Store is the part of the node's storage and replication layers the change
// feed reads from.
type Store interface {
	// Region returns the current metadata of a region led by this node.
	Region(id regionpb.RegionID) (regionpb.Region, bool)
	// RegionSnapshot returns a consistent snapshot of the engine together
	// with the region's metadata at the time it was taken. It fails with a
	// *cdcpb.Error if the region is gone or its epoch is not epoch.
	RegionSnapshot(
		ctx context.Context, id regionpb.RegionID, epoch regionpb.Epoch,
	) (*storage.Snapshot, regionpb.Region, error)
	// Reader returns a reader over the latest state of the engine.
	Reader() storage.Reader
	// OldestPendingRawTs returns the smallest timestamp handed out to a raw
	// write that has not been reported through OnCommittedEntries yet, or
	// zero if there is none. A timestamp must be accounted for here by the
	// time the clock could return anything greater.
	OldestPendingRawTs() hlc.Timestamp
}
