// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdcpb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/redact"
	"github.com/johnny-rice/tikv/pkg/regionpb"
	"github.com/johnny-rice/tikv/pkg/util/hlc"
)

// RowType is the kind of a change row.
type RowType int32

const (
	// RowUnknown is the zero value and never sent.
	RowUnknown RowType = iota
	// RowPrewrite is an in-flight write of a transaction (a lock).
	RowPrewrite
	// RowCommit is the commit of a previously observed prewrite.
	RowCommit
	// RowCommitted is a committed write found by the incremental scan, or a
	// raw write.
	RowCommitted
	// RowRollback is the rollback of a previously observed prewrite.
	RowRollback
	// RowInitialized marks the end of the incremental scan of a
	// subscription. Live rows follow it.
	RowInitialized
)

var rowTypeNames = [...]string{
	RowUnknown:     "unknown",
	RowPrewrite:    "prewrite",
	RowCommit:      "commit",
	RowCommitted:   "committed",
	RowRollback:    "rollback",
	RowInitialized: "initialized",
}

// String implements fmt.Stringer.
func (t RowType) String() string {
	if int(t) < len(rowTypeNames) {
		return rowTypeNames[t]
	}
	return fmt.Sprintf("RowType(%d)", int32(t))
}

// SafeValue implements the redact.SafeValue interface.
func (RowType) SafeValue() {}

// OpType is the mutation carried by a row.
type OpType int32

const (
	// OpUnknown is used for rows without a mutation (rollback, initialized).
	OpUnknown OpType = iota
	// OpPut writes a value.
	OpPut
	// OpDelete deletes the key.
	OpDelete
)

// String implements fmt.Stringer.
func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// EventRow is a single change.
type EventRow struct {
	Type       RowType
	OpType     OpType
	Key        []byte
	Value      []byte
	OldValue   []byte
	StartTs    hlc.Timestamp
	CommitTs   hlc.Timestamp
	Generation uint64
}

// SafeFormat implements redact.SafeFormatter.
func (r EventRow) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s", r.Type)
	if r.Type == RowInitialized {
		return
	}
	w.Printf(" %s %q start=%s", redact.Safe(r.OpType.String()), r.Key, r.StartTs)
	if !r.CommitTs.IsEmpty() {
		w.Printf(" commit=%s", r.CommitTs)
	}
	if r.Generation != 0 {
		w.Printf(" gen=%d", r.Generation)
	}
	if r.Value != nil {
		w.Printf(" value=%q", r.Value)
	}
	if r.OldValue != nil {
		w.Printf(" old=%q", r.OldValue)
	}
}

// String implements fmt.Stringer.
func (r EventRow) String() string {
	return redact.StringWithoutMarkers(r)
}

// Event is one message of a subscription. Exactly one of Entries and Error is
// set.
type Event struct {
	RegionID  regionpb.RegionID
	RequestID RequestID
	// Index is assigned by the downstream and is strictly increasing per
	// subscription. Consumers use it to drop duplicates.
	Index   uint64
	Entries []EventRow
	Error   *Error
}

// String implements fmt.Stringer.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/req=%d/#%d", e.RegionID, e.RequestID, e.Index)
	if e.Error != nil {
		fmt.Fprintf(&b, " error: %s", e.Error)
		return b.String()
	}
	for _, row := range e.Entries {
		fmt.Fprintf(&b, " {%s}", row)
	}
	return b.String()
}

// ResolvedTs advances the watermark of a set of regions of one request.
type ResolvedTs struct {
	Regions   []regionpb.RegionID
	Ts        hlc.Timestamp
	RequestID RequestID
}

// ChangeDataEvent is the unit sent to a consumer connection. Either Events or
// ResolvedTs is set.
type ChangeDataEvent struct {
	Events     []Event
	ResolvedTs *ResolvedTs
}

// Size approximates the memory footprint of the event.
func (e *ChangeDataEvent) Size() int64 {
	const rowOverhead, eventOverhead = 64, 48
	size := int64(eventOverhead)
	for i := range e.Events {
		size += eventOverhead
		for _, row := range e.Events[i].Entries {
			size += rowOverhead + int64(len(row.Key)+len(row.Value)+len(row.OldValue))
		}
	}
	if e.ResolvedTs != nil {
		size += int64(8 * len(e.ResolvedTs.Regions))
	}
	return size
}
